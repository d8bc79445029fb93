package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate performs basic validation on a defaulted configuration.
func Validate(cfg *Config) error {
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.State.Retention < 0 {
		return fmt.Errorf("state.retention must not be negative")
	}
	if cfg.Descriptor.Path == "" {
		return fmt.Errorf("descriptor.path is required")
	}
	if cfg.Hosts.File == "" && !cfg.Runner.DryRun {
		return fmt.Errorf("hosts.file is required")
	}

	if cfg.Scheduler.MaxParallel < 1 {
		return fmt.Errorf("scheduler.max_parallel must be at least 1 (got %d)", cfg.Scheduler.MaxParallel)
	}
	if cfg.Scheduler.JobTimeout < 0 {
		return fmt.Errorf("scheduler.job_timeout must not be negative")
	}
	switch cfg.Scheduler.FailurePolicy {
	case "halt", "continue":
	default:
		return fmt.Errorf("scheduler.failure_policy must be halt or continue (got %q)", cfg.Scheduler.FailurePolicy)
	}

	if cfg.Runner.Entrypoint == "" && !cfg.Runner.DryRun {
		return fmt.Errorf("runner.entrypoint is required unless runner.dry_run is set")
	}
	if err := checkUnresolved("runner.entrypoint", cfg.Runner.Entrypoint); err != nil {
		return err
	}
	if cfg.Runner.GracePeriod < 0 {
		return fmt.Errorf("runner.grace_period must not be negative")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if err := checkUnresolved("api.webhook_secret", cfg.API.WebhookSecret); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := checkUnresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}
	return nil
}

// checkUnresolved rejects values still carrying a ${VAR} placeholder.
func checkUnresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
