package main

import (
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/stagehand/internal/tui/watch"
)

func newWatchCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		runID     string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow runs of a stagehand server live.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("STAGEHAND_TOKEN")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			src := &watch.HTTPSource{URL: serverURL, Token: token, RunID: runID}
			model := watch.New(ctx, src, watch.Options{RunID: runID})
			_, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&serverURL, "url", "http://127.0.0.1:8080", "Server base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token with events:ro (default $STAGEHAND_TOKEN)")
	cmd.Flags().StringVar(&runID, "run", "", "Follow only this run id")
	return cmd
}
