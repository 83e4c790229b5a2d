package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		errPart string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
feed:
  url: https://feed.example.com/commits
subscriptions:
  website:
    topics:
      - site/www/*
    command: ./deploy.sh
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Feed.URL != "https://feed.example.com/commits" {
					t.Error("feed.url not parsed")
				}
				if cfg.Service.LogLevel != "info" {
					t.Error("default log_level not applied")
				}
				if cfg.Feed.ReconnectBase != 1*time.Second {
					t.Error("default reconnect_base not applied")
				}
				if cfg.Feed.ReconnectMax != 60*time.Second {
					t.Error("default reconnect_max not applied")
				}
				if cfg.Runner.MaxConcurrent != 8 {
					t.Error("default max_concurrent not applied")
				}
				if cfg.Runner.OutputLimit != 64*1024 {
					t.Error("default output_limit not applied")
				}
				sub, ok := cfg.Subscriptions.Get("website")
				if !ok {
					t.Fatal("website subscription not found")
				}
				if sub.Command != "./deploy.sh" {
					t.Error("command not parsed")
				}
				if len(sub.Topics) != 1 || sub.Topics[0] != "site/www/*" {
					t.Error("topics not parsed")
				}
			},
		},
		{
			name: "durations and runner overrides",
			yaml: `
feed:
  url: http://feed.example.com/commits
  reconnect_base: 2s
  reconnect_max: 2m
  stable_after: 90s
runner:
  max_concurrent: 4
  default_timeout: 45s
subscriptions:
  docs:
    topics:
      - docs/manual
    command: make html
    timeout: 5m
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Feed.ReconnectBase != 2*time.Second {
					t.Error("reconnect_base not parsed")
				}
				if cfg.Feed.ReconnectMax != 2*time.Minute {
					t.Error("reconnect_max not parsed")
				}
				if cfg.Feed.StableAfter != 90*time.Second {
					t.Error("stable_after not parsed")
				}
				if cfg.Runner.MaxConcurrent != 4 {
					t.Error("max_concurrent not parsed")
				}
				if cfg.Runner.DefaultTimeout != 45*time.Second {
					t.Error("default_timeout not parsed")
				}
				sub, _ := cfg.Subscriptions.Get("docs")
				if sub.Timeout != 5*time.Minute {
					t.Error("subscription timeout not parsed")
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
feed:
  url: http://feed.example.com/commits
  username: ${FEED_USER}
  password: ${FEED_PASS}
subscriptions:
  website:
    topics:
      - site/www
    command: ./deploy.sh
`,
			env: map[string]string{
				"FEED_USER": "builder",
				"FEED_PASS": "hunter2",
			},
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Feed.Username != "builder" {
					t.Errorf("env var not interpolated in feed.username: %s", cfg.Feed.Username)
				}
				if cfg.Feed.Password != "hunter2" {
					t.Error("env var not interpolated in feed.password")
				}
			},
		},
		{
			name: "missing env var in credentials fails validation",
			yaml: `
feed:
  url: http://feed.example.com/commits
  password: ${OCCD_MISSING_SECRET}
subscriptions: {}
`,
			env:     map[string]string{},
			wantErr: true,
			errPart: "OCCD_MISSING_SECRET",
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: loud
feed:
  url: http://feed.example.com/commits
subscriptions: {}
`,
			wantErr: true,
			errPart: "log_level",
		},
		{
			name: "missing feed url",
			yaml: `
subscriptions:
  website:
    topics:
      - site/www
    command: ./deploy.sh
`,
			wantErr: true,
			errPart: "feed.url is required",
		},
		{
			name: "feed url with bad scheme",
			yaml: `
feed:
  url: ftp://feed.example.com/commits
subscriptions: {}
`,
			wantErr: true,
			errPart: "http or https",
		},
		{
			name: "reconnect_max below reconnect_base",
			yaml: `
feed:
  url: http://feed.example.com/commits
  reconnect_base: 10s
  reconnect_max: 5s
subscriptions: {}
`,
			wantErr: true,
			errPart: "reconnect_max",
		},
		{
			name: "blame without smtp fails",
			yaml: `
feed:
  url: http://feed.example.com/commits
subscriptions:
  website:
    topics:
      - site/www
    command: ./deploy.sh
    blame:
      - ops@example.com
`,
			wantErr: true,
			errPart: "notify.smtp_host",
		},
		{
			name: "blame with smtp is valid",
			yaml: `
feed:
  url: http://feed.example.com/commits
notify:
  smtp_host: mail.example.com
  from: occd@example.com
subscriptions:
  website:
    topics:
      - site/www
    command: ./deploy.sh
    blame:
      - ops@example.com
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if !cfg.Notify.Configured() {
					t.Error("notify should be configured")
				}
				if cfg.Notify.SMTPPort != 25 {
					t.Error("default smtp_port not applied")
				}
				if cfg.Notify.Attempts != 2 {
					t.Error("default attempts not applied")
				}
			},
		},
		{
			name: "smtp without from fails",
			yaml: `
feed:
  url: http://feed.example.com/commits
notify:
  smtp_host: mail.example.com
subscriptions: {}
`,
			wantErr: true,
			errPart: "notify.from",
		},
		{
			name: "duplicate subscription names fail",
			yaml: `
feed:
  url: http://feed.example.com/commits
subscriptions:
  website:
    topics:
      - site/www
    command: ./deploy.sh
  website:
    topics:
      - site/blog
    command: ./deploy.sh
`,
			wantErr: true,
			errPart: "duplicate subscription name",
		},
		{
			name: "negative subscription timeout fails",
			yaml: `
feed:
  url: http://feed.example.com/commits
subscriptions:
  website:
    topics:
      - site/www
    command: ./deploy.sh
    timeout: -5s
`,
			wantErr: true,
			errPart: "timeout",
		},
		{
			name: "subscriptions preserve declaration order",
			yaml: `
feed:
  url: http://feed.example.com/commits
subscriptions:
  zebra:
    topics: [zoo/zebra]
    command: ./a.sh
  alpha:
    topics: [zoo/alpha]
    command: ./b.sh
  middle:
    topics: [zoo/middle]
    command: ./c.sh
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				names := cfg.Subscriptions.Names()
				want := []string{"zebra", "alpha", "middle"}
				if len(names) != len(want) {
					t.Fatalf("got %d subscriptions, want %d", len(names), len(want))
				}
				for i := range want {
					if names[i] != want[i] {
						t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
					}
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "occd.yaml")
			if err := os.WriteFile(configPath, []byte(tt.yaml), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := Load(configPath)

			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && tt.errPart != "" && !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("Load() error = %v, want substring %q", err, tt.errPart)
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "path: ${HOME_DIR}/data",
			env:   map[string]string{"HOME_DIR": "/users/test"},
			want:  "path: /users/test/data",
		},
		{
			name:  "multiple vars",
			input: "${FEED_USER}:${FEED_PASS}@${FEED_HOST}",
			env: map[string]string{
				"FEED_USER": "admin",
				"FEED_PASS": "secret",
				"FEED_HOST": "localhost",
			},
			want: "admin:secret@localhost",
		},
		{
			name:  "undefined var left as-is",
			input: "key: ${OCCD_UNDEFINED_VAR_XYZ}",
			env:   map[string]string{},
			want:  "key: ${OCCD_UNDEFINED_VAR_XYZ}",
		},
		{
			name:  "no vars",
			input: "plain text",
			env:   map[string]string{},
			want:  "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			got := interpolateEnv(tt.input)
			if got != tt.want {
				t.Errorf("interpolateEnv(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDiscoverConfig(t *testing.T) {
	t.Run("env var takes priority", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "custom.yaml")
		if err := os.WriteFile(configPath, []byte("feed:\n  url: http://x\n"), 0644); err != nil {
			t.Fatal(err)
		}

		os.Setenv("OCCD_CONFIG", configPath)
		defer os.Unsetenv("OCCD_CONFIG")

		got, err := DiscoverConfig()
		if err != nil {
			t.Fatalf("DiscoverConfig() error = %v", err)
		}
		if got != configPath {
			t.Errorf("DiscoverConfig() = %q, want %q", got, configPath)
		}
	})

	t.Run("env var pointing at missing file is skipped", func(t *testing.T) {
		os.Setenv("OCCD_CONFIG", "/nonexistent/occd.yaml")
		defer os.Unsetenv("OCCD_CONFIG")

		// Run from an empty directory so ./occd.yaml cannot match.
		tmpDir := t.TempDir()
		oldWD, _ := os.Getwd()
		if err := os.Chdir(tmpDir); err != nil {
			t.Fatal(err)
		}
		defer os.Chdir(oldWD)

		_, err := DiscoverConfig()
		if err == nil {
			// A real ~/.config/occd/occd.yaml or /etc/occd/occd.yaml on the
			// test host can legitimately satisfy discovery.
			t.Skip("host has a config in a standard location")
		}
		if !strings.Contains(err.Error(), "$OCCD_CONFIG") {
			t.Errorf("error should list checked locations, got: %v", err)
		}
	})
}
