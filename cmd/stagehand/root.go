package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stagehand/internal/config"
	"github.com/mattjoyce/stagehand/internal/log"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "stagehand",
		Short: "Run stdci build and test pipelines across a pool of build hosts.",
		Long: `stagehand reads a stdci descriptor, expands it into jobs, and runs them
stage by stage on hosts from the inventory. Results are kept in a local
run history and can be served over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file or directory (default: discovered)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override service.log_level")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Override service.log_format (json|text)")

	root.AddCommand(
		newRunCmd(g),
		newPlanCmd(g),
		newCheckCmd(g),
		newReportCmd(g),
		newRunsCmd(g),
		newServeCmd(g),
		newWatchCmd(),
		newConfigCmd(g),
		newVersionCmd(),
	)
	return root
}

// resolveConfigPath returns the --config value or a discovered file.
func (g *globalFlags) resolveConfigPath() (string, error) {
	if g.configPath != "" {
		return g.configPath, nil
	}
	return config.Discover()
}

// loadConfig loads configuration and sets up logging to stderr.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := g.readConfig()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg, os.Stderr)
	return cfg, nil
}

// readConfig loads configuration with the flag overrides applied.
func (g *globalFlags) readConfig() (*config.Config, error) {
	path, err := g.resolveConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Service.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Service.LogFormat = g.logFormat
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config, w io.Writer) {
	log.SetupWriter(w, cfg.Service.LogLevel, cfg.Service.LogFormat)
}
