package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stagehand/internal/report"
)

func newPlanCmd(g *globalFlags) *cobra.Command {
	var (
		branch  string
		changes changeFlags
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show which jobs a run would execute, without running them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			p, err := loadPipeline(cfg)
			if err != nil {
				return err
			}

			src, err := changes.source(cmd.InOrStdin())
			if err != nil {
				return err
			}
			paths, err := src.Changes(cmd.Context())
			if err != nil {
				return fmt.Errorf("collect changes: %w", err)
			}

			// Host coverage is reported only when an inventory exists.
			var checker report.Checker
			if inv, err := loadInventory(cfg, true); err != nil {
				return err
			} else if inv != nil {
				pool, err := inv.Pool()
				if err != nil {
					return err
				}
				checker = pool
			}

			plan := report.BuildPlan(p, branch, paths, cfg.Runner.DefaultScript, checker)
			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := report.PlanJSON(plan)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, data)
				return nil
			}
			fmt.Fprint(out, report.PlanText(plan))
			return nil
		},
	}

	cmd.Flags().StringVarP(&branch, "branch", "b", "", "Branch being built (selects release targets)")
	changes.register(cmd)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the plan as JSON")
	return cmd
}
