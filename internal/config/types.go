package config

import "time"

// Config represents the complete occd configuration.
type Config struct {
	Service       ServiceConfig `yaml:"service" json:"service"`
	Feed          FeedConfig    `yaml:"feed" json:"feed"`
	State         StateConfig   `yaml:"state" json:"state"`
	Runner        RunnerConfig  `yaml:"runner" json:"runner"`
	Notify        NotifyConfig  `yaml:"notify,omitempty" json:"notify"`
	API           APIConfig     `yaml:"api,omitempty" json:"api"`
	Subscriptions Subscriptions `yaml:"subscriptions" json:"subscriptions"`

	// Path is the file the config was loaded from. Set by Load, not YAML.
	Path string `yaml:"-" json:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name             string        `yaml:"name" json:"name"`
	LogLevel         string        `yaml:"log_level" json:"log_level"`
	LogFormat        string        `yaml:"log_format" json:"log_format"`
	HistoryRetention time.Duration `yaml:"history_retention" json:"history_retention"`
}

// FeedConfig defines the upstream commit-notification feed.
type FeedConfig struct {
	URL              string        `yaml:"url" json:"url"`
	Username         string        `yaml:"username,omitempty" json:"username,omitempty"`
	Password         string        `yaml:"password,omitempty" json:"-"`
	ReconnectBase    time.Duration `yaml:"reconnect_base" json:"reconnect_base"`
	ReconnectMax     time.Duration `yaml:"reconnect_max" json:"reconnect_max"`
	StableAfter      time.Duration `yaml:"stable_after" json:"stable_after"`
	AuthFailureLimit int           `yaml:"auth_failure_limit" json:"auth_failure_limit"`
}

// StateConfig defines local state storage (execution history).
type StateConfig struct {
	Path string `yaml:"path" json:"path"`
}

// RunnerConfig defines command execution limits.
type RunnerConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent" json:"max_concurrent"`
	QueueDepth     int           `yaml:"queue_depth" json:"queue_depth"`
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
	OutputLimit    int           `yaml:"output_limit" json:"output_limit"`
	DrainGrace     time.Duration `yaml:"drain_grace" json:"drain_grace"`
}

// NotifyConfig defines SMTP delivery for blame notifications.
type NotifyConfig struct {
	SMTPHost string        `yaml:"smtp_host" json:"smtp_host"`
	SMTPPort int           `yaml:"smtp_port" json:"smtp_port"`
	From     string        `yaml:"from" json:"from"`
	Username string        `yaml:"username,omitempty" json:"username,omitempty"`
	Password string        `yaml:"password,omitempty" json:"-"`
	Subject  string        `yaml:"subject" json:"subject"`
	Attempts int           `yaml:"attempts" json:"attempts"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// Configured reports whether an SMTP endpoint has been set up.
func (n NotifyConfig) Configured() bool {
	return n.SMTPHost != ""
}

// APIConfig defines the HTTP status API.
type APIConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Listen  string        `yaml:"listen" json:"listen"`
	Auth    APIAuthConfig `yaml:"auth" json:"-"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// SubscriptionConf is the YAML body of a single subscription entry.
type SubscriptionConf struct {
	Topics    []string      `yaml:"topics" json:"topics"`
	Command   string        `yaml:"command" json:"command"`
	WorkDir   string        `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	ChangeDir string        `yaml:"changedir,omitempty" json:"changedir,omitempty"`
	RunAs     string        `yaml:"runas,omitempty" json:"runas,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Blame     []string      `yaml:"blame,omitempty" json:"blame,omitempty"`
	Subject   string        `yaml:"subject,omitempty" json:"subject,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:             "occd",
			LogLevel:         "info",
			LogFormat:        "json",
			HistoryRetention: 30 * 24 * time.Hour,
		},
		Feed: FeedConfig{
			ReconnectBase:    1 * time.Second,
			ReconnectMax:     60 * time.Second,
			StableAfter:      5 * time.Minute,
			AuthFailureLimit: 3,
		},
		State: StateConfig{
			Path: "./data/occd.db",
		},
		Runner: RunnerConfig{
			MaxConcurrent:  8,
			QueueDepth:     16,
			DefaultTimeout: 30 * time.Second,
			OutputLimit:    64 * 1024,
			DrainGrace:     30 * time.Second,
		},
		Notify: NotifyConfig{
			SMTPPort: 25,
			Subject:  "occd execution failure",
			Attempts: 2,
			Timeout:  10 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8060",
		},
	}
}
