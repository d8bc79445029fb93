package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stagehand/internal/api"
	"github.com/mattjoyce/stagehand/internal/auth"
	"github.com/mattjoyce/stagehand/internal/config"
	"github.com/mattjoyce/stagehand/internal/log"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		listen string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run queued pipelines one at a time.",
		Long: `Serve accepts runs over HTTP (POST /runs) and from signed push hooks
(POST /hooks/push), runs them in arrival order, and exposes run history, a
live event stream and Prometheus metrics. The descriptor is reloaded for
every run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}
			if !cfg.API.Enabled {
				return fmt.Errorf("api.enabled is false in %s; nothing to serve", cfg.SourceFiles[0])
			}

			logger := log.WithComponent("main")
			logger.Info("stagehand starting", "version", version, "config", cfg.SourceFiles[0])

			// Fail fast on a broken descriptor; runs reload it later.
			p, err := loadPipeline(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := openApp(ctx, cfg, appOptions{dryRun: dryRun, pipeline: p})
			if err != nil {
				return err
			}
			defer a.Close()

			server := api.New(apiConfig(cfg), a.dispatcher, a.store, a.hub, a.pool, a.metrics, log.WithComponent("api"))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			errCh := make(chan error, 2)
			go func() {
				if err := a.dispatcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errCh <- fmt.Errorf("dispatcher: %w", err)
				}
			}()
			go func() {
				if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errCh <- fmt.Errorf("api: %w", err)
				}
			}()

			logger.Info("stagehand running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

			select {
			case sig := <-sigCh:
				logger.Info("received shutdown signal", "signal", sig.String())
			case <-ctx.Done():
			case err := <-errCh:
				logger.Error("component failed", "error", err)
				return err
			}
			cancel()
			logger.Info("stagehand stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Override api.listen")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Pass every job without running it")
	return cmd
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return api.Config{
		Listen:        cfg.API.Listen,
		APIKey:        cfg.API.Auth.APIKey,
		Tokens:        tokens,
		WebhookSecret: cfg.API.WebhookSecret,
	}
}
