package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stagehand/internal/doctor"
)

var errSetupInvalid = errors.New("setup has errors")

func newCheckCmd(g *globalFlags) *cobra.Command {
	var (
		jsonOut bool
		strict  bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Lint the configuration, descriptor and host inventory together.",
		Long: `Check loads everything a run needs and reports problems before any job
starts: unknown token scopes, script templates with unknown placeholders, jobs
no host in the inventory could ever run, and hosts no job can use.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			p, err := loadPipeline(cfg)
			if err != nil {
				return err
			}
			inv, err := loadInventory(cfg, cfg.Runner.DryRun)
			if err != nil {
				return err
			}

			result := doctor.New(cfg, p, inv).Validate()

			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, data)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
			}

			if !result.Valid || (strict && len(result.Warnings) > 0) {
				return withExitCode(exitFailed, errSetupInvalid)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")
	return cmd
}
