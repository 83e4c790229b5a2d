package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, and validates configuration from a file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.Path = absPath

	cfg = applyDefaults(cfg)

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverConfig finds the config file by checking standard locations.
// Priority order: $OCCD_CONFIG, ~/.config/occd/occd.yaml, /etc/occd/occd.yaml, ./occd.yaml
func DiscoverConfig() (string, error) {
	if path := os.Getenv("OCCD_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "occd", "occd.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/occd/occd.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	localConfig := "./occd.yaml"
	if _, err := os.Stat(localConfig); err == nil {
		return localConfig, nil
	}

	return "", fmt.Errorf("no config found (checked: $OCCD_CONFIG, ~/.config/occd/occd.yaml, /etc/occd/occd.yaml, ./occd.yaml)")
}

// loadConfigFile reads and parses a single config file.
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

// verifyConfigHash checks the config file against the .checksums manifest in
// the same directory. A missing manifest skips verification; a manifest that
// exists but does not cover the file is an error.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		return nil
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: occd config lock --config %s", basename, dir, path)
	}

	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: occd config lock --config %s", path, err, path)
	}

	return nil
}

// applyDefaults merges default values into config where not explicitly set.
func applyDefaults(cfg *Config) *Config {
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
	if cfg.Service.HistoryRetention == 0 {
		cfg.Service.HistoryRetention = defaults.Service.HistoryRetention
	}

	if cfg.Feed.ReconnectBase == 0 {
		cfg.Feed.ReconnectBase = defaults.Feed.ReconnectBase
	}
	if cfg.Feed.ReconnectMax == 0 {
		cfg.Feed.ReconnectMax = defaults.Feed.ReconnectMax
	}
	if cfg.Feed.StableAfter == 0 {
		cfg.Feed.StableAfter = defaults.Feed.StableAfter
	}
	if cfg.Feed.AuthFailureLimit == 0 {
		cfg.Feed.AuthFailureLimit = defaults.Feed.AuthFailureLimit
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.Runner.MaxConcurrent == 0 {
		cfg.Runner.MaxConcurrent = defaults.Runner.MaxConcurrent
	}
	if cfg.Runner.QueueDepth == 0 {
		cfg.Runner.QueueDepth = defaults.Runner.QueueDepth
	}
	if cfg.Runner.DefaultTimeout == 0 {
		cfg.Runner.DefaultTimeout = defaults.Runner.DefaultTimeout
	}
	if cfg.Runner.OutputLimit == 0 {
		cfg.Runner.OutputLimit = defaults.Runner.OutputLimit
	}
	if cfg.Runner.DrainGrace == 0 {
		cfg.Runner.DrainGrace = defaults.Runner.DrainGrace
	}

	if cfg.Notify.SMTPPort == 0 {
		cfg.Notify.SMTPPort = defaults.Notify.SMTPPort
	}
	if cfg.Notify.Subject == "" {
		cfg.Notify.Subject = defaults.Notify.Subject
	}
	if cfg.Notify.Attempts == 0 {
		cfg.Notify.Attempts = defaults.Notify.Attempts
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = defaults.Notify.Timeout
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}

	return cfg
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

// validate performs structural validation on the configuration. Subscription
// semantics (topic patterns, command presence) are checked by the registry.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[cfg.Service.LogFormat] {
		return fmt.Errorf("service.log_format must be one of: json, text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Service.HistoryRetention <= 0 {
		return fmt.Errorf("service.history_retention must be positive")
	}

	if cfg.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	u, err := url.Parse(cfg.Feed.URL)
	if err != nil {
		return fmt.Errorf("feed.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("feed.url must use http or https (got %q)", u.Scheme)
	}
	if err := checkResolved("feed.username", cfg.Feed.Username); err != nil {
		return err
	}
	if err := checkResolved("feed.password", cfg.Feed.Password); err != nil {
		return err
	}

	if cfg.Feed.ReconnectBase <= 0 {
		return fmt.Errorf("feed.reconnect_base must be positive")
	}
	if cfg.Feed.ReconnectMax < cfg.Feed.ReconnectBase {
		return fmt.Errorf("feed.reconnect_max must be >= feed.reconnect_base")
	}
	if cfg.Feed.AuthFailureLimit < 1 {
		return fmt.Errorf("feed.auth_failure_limit must be >= 1")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.Runner.MaxConcurrent < 1 || cfg.Runner.MaxConcurrent > 64 {
		return fmt.Errorf("runner.max_concurrent must be between 1 and 64 (got %d)", cfg.Runner.MaxConcurrent)
	}
	if cfg.Runner.QueueDepth < 1 {
		return fmt.Errorf("runner.queue_depth must be >= 1")
	}
	if cfg.Runner.DefaultTimeout <= 0 {
		return fmt.Errorf("runner.default_timeout must be positive")
	}
	if cfg.Runner.OutputLimit <= 0 {
		return fmt.Errorf("runner.output_limit must be positive")
	}

	if cfg.Notify.Configured() {
		if cfg.Notify.From == "" {
			return fmt.Errorf("notify.from is required when notify.smtp_host is set")
		}
		if err := checkResolved("notify.username", cfg.Notify.Username); err != nil {
			return err
		}
		if err := checkResolved("notify.password", cfg.Notify.Password); err != nil {
			return err
		}
		if cfg.Notify.Attempts < 1 || cfg.Notify.Attempts > 5 {
			return fmt.Errorf("notify.attempts must be between 1 and 5 (got %d)", cfg.Notify.Attempts)
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if err := checkResolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
	}

	for _, name := range cfg.Subscriptions.Names() {
		sub, _ := cfg.Subscriptions.Get(name)
		if sub.Timeout < 0 {
			return fmt.Errorf("subscription %q: timeout must not be negative", name)
		}
		if len(sub.Blame) > 0 && !cfg.Notify.Configured() {
			return fmt.Errorf("subscription %q: blame recipients configured but notify.smtp_host is not set", name)
		}
	}

	return nil
}

// checkResolved rejects values still holding a ${VAR} placeholder, so secrets
// that failed to interpolate surface at load time instead of at the server.
func checkResolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}
