package config

import "time"

// Config represents the complete stagehand configuration.
type Config struct {
	Include    []string         `yaml:"include,omitempty"`
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	Descriptor DescriptorConfig `yaml:"descriptor"`
	Hosts      HostsConfig      `yaml:"hosts"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Runner     RunnerConfig     `yaml:"runner"`
	API        APIConfig        `yaml:"api,omitempty"`

	// SourceFiles lists every file that contributed, root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines run history storage.
type StateConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention,omitempty"`
}

// DescriptorConfig locates the pipeline descriptor.
type DescriptorConfig struct {
	Path string `yaml:"path"`
}

// HostsConfig locates the host inventory.
type HostsConfig struct {
	File string `yaml:"file"`
}

// SchedulerConfig tunes job execution.
type SchedulerConfig struct {
	MaxParallel   int           `yaml:"max_parallel"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	FailurePolicy string        `yaml:"failure_policy"`
}

// RunnerConfig defines the job-runner collaborator.
type RunnerConfig struct {
	Entrypoint    string        `yaml:"entrypoint"`
	DefaultScript string        `yaml:"default_script"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	DryRun        bool          `yaml:"dry_run"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Listen        string        `yaml:"listen"`
	Auth          APIAuthConfig `yaml:"auth"`
	WebhookSecret string        `yaml:"webhook_secret,omitempty"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "stagehand",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path:      "./data/runs.db",
			Retention: 30 * 24 * time.Hour,
		},
		Descriptor: DescriptorConfig{
			Path: "./stdci.yaml",
		},
		Hosts: HostsConfig{
			File: "./hosts.yaml",
		},
		Scheduler: SchedulerConfig{
			MaxParallel:   4,
			JobTimeout:    2 * time.Hour,
			FailurePolicy: "halt",
		},
		Runner: RunnerConfig{
			DefaultScript: "automation/{{ substage }}.sh",
			GracePeriod:   5 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
