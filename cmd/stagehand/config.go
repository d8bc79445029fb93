package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stagehand/internal/config"
)

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration integrity.",
	}
	cmd.AddCommand(newConfigLockCmd(g), newConfigCheckCmd(g))
	return cmd
}

func newConfigLockCmd(g *globalFlags) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Write .checksums manifests for every file in the include tree.",
		Long: `Lock hashes the root config and every included file with BLAKE3 and writes
one .checksums manifest per directory. Once a directory has a manifest, every
load verifies its files against it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := g.resolveConfigPath()
			if err != nil {
				return err
			}
			reports, err := config.Lock(path, dryRun)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, r := range reports {
				verb := "Wrote"
				if !r.Written {
					verb = "Would write"
				}
				fmt.Fprintf(out, "%s %s\n", verb, r.ManifestPath)
				for _, f := range r.Files {
					if !f.Exists {
						fmt.Fprintf(out, "  %-24s missing\n", f.Name)
						continue
					}
					fmt.Fprintf(out, "  %-24s %s\n", f.Name, f.Hash[:16])
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be written")
	return cmd
}

func newConfigCheckCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration, verifying checksums.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.readConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config OK (%d file(s))\n", len(cfg.SourceFiles))
			for _, f := range cfg.SourceFiles {
				status := "verified"
				if _, err := config.ReadManifest(filepath.Dir(f)); errors.Is(err, config.ErrNoManifest) {
					status = "unlocked"
				}
				fmt.Fprintf(out, "  %-9s %s\n", status, f)
			}
			return nil
		},
	}
}
