package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding
// config.yaml. Files listed under include are merged in order, later files
// overriding earlier ones. Relative paths inside the config resolve against
// the root config's directory.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFiles = []string{absPath}

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)
	resolveRelativePaths(cfg, filepath.Dir(absPath))

	if err := verifyAllConfigHashes(cfg.SourceFiles); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// Discover finds a config file in the standard locations:
// $STAGEHAND_CONFIG, ./stagehand.yaml, ~/.config/stagehand/config.yaml,
// /etc/stagehand/config.yaml.
func Discover() (string, error) {
	candidates := []string{}
	if p := os.Getenv("STAGEHAND_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	candidates = append(candidates, "./stagehand.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "stagehand", "config.yaml"))
	}
	candidates = append(candidates, "/etc/stagehand/config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: %s)", strings.Join(candidates, ", "))
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files in
// the include tree, sorted.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFiles = []string{absPath}
	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}
	files := append([]string(nil), cfg.SourceFiles...)
	sort.Strings(files)
	return files, nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}

		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true
		cfg.SourceFiles = append(cfg.SourceFiles, absPath)

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		deepMergeConfig(cfg, includedCfg)

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for non-zero values.
func deepMergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}
	if src.State.Retention != 0 {
		dst.State.Retention = src.State.Retention
	}
	if src.Descriptor.Path != "" {
		dst.Descriptor.Path = src.Descriptor.Path
	}
	if src.Hosts.File != "" {
		dst.Hosts.File = src.Hosts.File
	}

	if src.Scheduler.MaxParallel != 0 {
		dst.Scheduler.MaxParallel = src.Scheduler.MaxParallel
	}
	if src.Scheduler.JobTimeout != 0 {
		dst.Scheduler.JobTimeout = src.Scheduler.JobTimeout
	}
	if src.Scheduler.FailurePolicy != "" {
		dst.Scheduler.FailurePolicy = src.Scheduler.FailurePolicy
	}

	if src.Runner.Entrypoint != "" {
		dst.Runner.Entrypoint = src.Runner.Entrypoint
	}
	if src.Runner.DefaultScript != "" {
		dst.Runner.DefaultScript = src.Runner.DefaultScript
	}
	if src.Runner.GracePeriod != 0 {
		dst.Runner.GracePeriod = src.Runner.GracePeriod
	}
	if src.Runner.DryRun {
		dst.Runner.DryRun = true
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	if len(src.API.Auth.Tokens) > 0 {
		dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)
	}
	if src.API.WebhookSecret != "" {
		dst.API.WebhookSecret = src.API.WebhookSecret
	}
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.Retention == 0 {
		cfg.State.Retention = defaults.State.Retention
	}
	if cfg.Descriptor.Path == "" {
		cfg.Descriptor.Path = defaults.Descriptor.Path
	}
	if cfg.Hosts.File == "" {
		cfg.Hosts.File = defaults.Hosts.File
	}

	if cfg.Scheduler.MaxParallel == 0 {
		cfg.Scheduler.MaxParallel = defaults.Scheduler.MaxParallel
	}
	if cfg.Scheduler.JobTimeout == 0 {
		cfg.Scheduler.JobTimeout = defaults.Scheduler.JobTimeout
	}
	if cfg.Scheduler.FailurePolicy == "" {
		cfg.Scheduler.FailurePolicy = defaults.Scheduler.FailurePolicy
	}

	if cfg.Runner.DefaultScript == "" {
		cfg.Runner.DefaultScript = defaults.Runner.DefaultScript
	}
	if cfg.Runner.GracePeriod == 0 {
		cfg.Runner.GracePeriod = defaults.Runner.GracePeriod
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	return cfg
}

// resolveRelativePaths anchors file settings at the root config's directory.
// A runner entrypoint without a separator is looked up on PATH and stays as is.
func resolveRelativePaths(cfg *Config, baseDir string) {
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	cfg.State.Path = anchor(cfg.State.Path)
	cfg.Descriptor.Path = anchor(cfg.Descriptor.Path)
	cfg.Hosts.File = anchor(cfg.Hosts.File)
	if strings.ContainsRune(cfg.Runner.Entrypoint, filepath.Separator) {
		cfg.Runner.Entrypoint = anchor(cfg.Runner.Entrypoint)
	}
}

// verifyAllConfigHashes checks every file against the manifest of its
// directory. Directories without a manifest are not locked.
func verifyAllConfigHashes(paths []string) error {
	manifests := make(map[string]*Manifest)
	for _, path := range paths {
		dir := filepath.Dir(path)
		m, seen := manifests[dir]
		if !seen {
			var err error
			m, err = ReadManifest(dir)
			if err != nil && !errors.Is(err, ErrNoManifest) {
				return err
			}
			manifests[dir] = m
		}
		if m == nil {
			continue
		}
		if err := m.Verify(path); err != nil {
			return fmt.Errorf("config verification failed: %w\n"+
				"If you edited this file intentionally, run: stagehand config lock --config %s", err, paths[0])
		}
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
