package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/stagehand/internal/changeset"
	"github.com/mattjoyce/stagehand/internal/config"
	"github.com/mattjoyce/stagehand/internal/descriptor"
	"github.com/mattjoyce/stagehand/internal/dispatch"
	"github.com/mattjoyce/stagehand/internal/report"
	"github.com/mattjoyce/stagehand/internal/run"
	"github.com/mattjoyce/stagehand/internal/tui/watch"
)

var errVerdictFailed = errors.New("pipeline verdict failed")

// changeFlags selects where the change-set comes from.
type changeFlags struct {
	changed     []string
	changesFile string
	gitBase     string
	gitDir      string
}

func (f *changeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.changed, "changed", nil, "Changed path (repeatable)")
	cmd.Flags().StringVar(&f.changesFile, "changes-file", "", "File listing changed paths, one per line ('-' for stdin)")
	cmd.Flags().StringVar(&f.gitBase, "git-base", "", "Compute changes with git diff against this ref")
	cmd.Flags().StringVar(&f.gitDir, "git-dir", ".", "Repository for --git-base")
	cmd.MarkFlagsMutuallyExclusive("changed", "changes-file", "git-base")
}

// source picks the change-set provider. With no flag the change-set is empty.
func (f *changeFlags) source(stdin io.Reader) (changeset.Source, error) {
	switch {
	case f.changesFile == "-":
		paths, err := changeset.FromReader(stdin)
		if err != nil {
			return nil, err
		}
		return changeset.Static(paths), nil
	case f.changesFile != "":
		fh, err := os.Open(f.changesFile)
		if err != nil {
			return nil, fmt.Errorf("open changes file: %w", err)
		}
		defer fh.Close()
		paths, err := changeset.FromReader(fh)
		if err != nil {
			return nil, err
		}
		return changeset.Static(paths), nil
	case f.gitBase != "":
		return changeset.Git{Dir: f.gitDir, Base: f.gitBase}, nil
	default:
		return changeset.Static(f.changed), nil
	}
}

// loadPipeline loads the descriptor, tagging load failures with their own exit code.
func loadPipeline(cfg *config.Config) (*descriptor.Pipeline, error) {
	p, err := descriptor.LoadFile(cfg.Descriptor.Path)
	if err != nil {
		if descriptor.IsLoadError(err) {
			return nil, withExitCode(exitDescriptor, err)
		}
		return nil, err
	}
	return p, nil
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		branch  string
		changes changeFlags
		dryRun  bool
		jsonOut bool
		watchUI bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once and print its report.",
		Long: `Run expands the descriptor, runs every stage against the host inventory
and prints the report. The exit code is 0 when the pipeline passed, 1 when it
failed, and 2 when the descriptor could not be loaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.readConfig()
			if err != nil {
				return err
			}
			logOut := io.Writer(os.Stderr)
			if watchUI {
				// The terminal belongs to the live view.
				logOut = io.Discard
				if f, ferr := openRunLog(cfg); ferr == nil {
					defer f.Close()
					logOut = f
				}
			}
			setupLogging(cfg, logOut)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := loadPipeline(cfg)
			if err != nil {
				return err
			}

			src, err := changes.source(cmd.InOrStdin())
			if err != nil {
				return err
			}
			paths, err := src.Changes(ctx)
			if err != nil {
				return fmt.Errorf("collect changes: %w", err)
			}

			a, err := openApp(ctx, cfg, appOptions{
				dryRun:   dryRun,
				pipeline: p,
				load:     func() (*descriptor.Pipeline, error) { return p, nil },
			})
			if err != nil {
				return err
			}
			defer a.Close()

			trigger := dispatch.Trigger{Branch: branch, Changes: paths, Source: "cli"}
			runID := uuid.NewString()

			var res *run.Result
			if watchUI {
				res, err = runWatched(ctx, a, runID, trigger)
			} else {
				res, err = a.dispatcher.Execute(ctx, runID, trigger)
			}
			if err != nil && res == nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				data, jerr := report.JSON(res)
				if jerr != nil {
					return jerr
				}
				fmt.Fprintln(out, data)
			} else {
				fmt.Fprint(out, report.Text(res))
			}
			if err != nil {
				return err
			}
			if res.Verdict != run.VerdictPassed {
				return withExitCode(exitFailed, errVerdictFailed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&branch, "branch", "b", "", "Branch being built (selects release targets)")
	changes.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Pass every job without running it")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the report as JSON")
	cmd.Flags().BoolVarP(&watchUI, "watch", "w", false, "Show a live view while the run progresses")
	return cmd
}

// runWatched executes the run while a live view follows it. Quitting the
// view before the run completes cancels the run.
func runWatched(ctx context.Context, a *app, runID string, tr dispatch.Trigger) (*run.Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res *run.Result
		err error
	}
	done := make(chan outcome, 1)

	model := watch.New(runCtx, watch.HubSource{Hub: a.hub, RunID: runID}, watch.Options{RunID: runID, ExitWhenDone: true})
	prog := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(runCtx))

	go func() {
		res, err := a.dispatcher.Execute(runCtx, runID, tr)
		done <- outcome{res, err}
		prog.Quit()
	}()

	final, perr := prog.Run()
	if m, ok := final.(watch.Model); ok && m.Interrupted() {
		cancel()
	}
	out := <-done
	if perr != nil && !errors.Is(perr, tea.ErrProgramKilled) && out.err == nil {
		a.logger.Warn("live view failed", "error", perr)
	}
	return out.res, out.err
}

// openRunLog redirects structured logs to a file beside the run database
// while the live view owns the terminal.
func openRunLog(cfg *config.Config) (*os.File, error) {
	path := filepath.Join(filepath.Dir(cfg.State.Path), "stagehand.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
