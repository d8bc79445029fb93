package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stagehand/internal/report"
	"github.com/mattjoyce/stagehand/internal/runstore"
)

func newReportCmd(g *globalFlags) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Print the stored report of a run.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			store, closeDB, err := openHistory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			res, err := report.Load(cmd.Context(), store, args[0])
			if errors.Is(err, runstore.ErrRunNotFound) {
				return fmt.Errorf("run %q not found", args[0])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := report.JSON(res)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, data)
				return nil
			}
			fmt.Fprint(out, report.Text(res))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the report as JSON")
	return cmd
}

func newRunsCmd(g *globalFlags) *cobra.Command {
	var filter runstore.ListFilter

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			store, closeDB, err := openHistory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			runs, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tBRANCH\tSTATUS\tVERDICT\tJOBS\tSTARTED\tDURATION")
			for _, r := range runs {
				dur := "-"
				if r.FinishedAt != nil {
					dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID, dash(r.Branch), r.Status, dash(string(r.Verdict)), r.Jobs,
					r.StartedAt.Local().Format(time.DateTime), dur)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&filter.Branch, "branch", "b", "", "Only runs of this branch")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "Maximum runs to list")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
