// Package doctor lint-checks a loaded occd configuration beyond what
// the loader enforces: filesystem reality (hook commands, workdirs, the
// state path), user lookups, and values that are legal but probably
// wrong. The loader fails fast on the first structural problem; the
// doctor reports everything it finds in one pass.
package doctor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/occd/internal/config"
	"github.com/mattjoyce/occd/internal/history"
	"github.com/mattjoyce/occd/internal/topic"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration against the host it will run on.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkFeed(r)
	d.checkState(r)
	d.checkRunner(r)
	d.checkSubscriptions(r)
	d.checkNotify(r)
	d.checkAPI(r)
	d.checkEnvPlaceholders(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkFeed validates the upstream feed endpoint.
func (d *Doctor) checkFeed(r *Result) {
	if d.cfg.Feed.URL == "" {
		d.addError(r, "feed", "feed.url", "feed.url is required")
		return
	}

	u, err := url.Parse(d.cfg.Feed.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		d.addError(r, "feed", "feed.url",
			fmt.Sprintf("feed.url %q must be an http or https URL", d.cfg.Feed.URL))
		return
	}
	if u.Scheme == "http" && d.cfg.Feed.Password != "" {
		d.addWarning(r, "feed", "feed.url",
			"basic auth credentials will be sent over plain http")
	}
	if d.cfg.Feed.Password != "" && d.cfg.Feed.Username == "" {
		d.addWarning(r, "feed", "feed.username",
			"feed.password is set but feed.username is empty")
	}
}

// checkState validates the execution history location.
func (d *Doctor) checkState(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
		return
	}
	if err := history.ValidateFilesystem(d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

// checkRunner flags execution limits that are legal but suspicious.
func (d *Doctor) checkRunner(r *Result) {
	if t := d.cfg.Runner.DefaultTimeout; t > 0 && t < time.Second {
		d.addWarning(r, "runner", "runner.default_timeout",
			fmt.Sprintf("default timeout %s is suspiciously short", t))
	}
	if t := d.cfg.Runner.DefaultTimeout; t > time.Hour {
		d.addWarning(r, "runner", "runner.default_timeout",
			fmt.Sprintf("default timeout %s is unusually long", t))
	}
}

// checkSubscriptions walks every subscription and reports all problems,
// unlike the registry, which rejects the whole set on the first one.
func (d *Doctor) checkSubscriptions(r *Result) {
	if d.cfg.Subscriptions.Len() == 0 {
		d.addWarning(r, "subscriptions", "subscriptions",
			"no subscriptions configured; the daemon will idle")
		return
	}

	for _, name := range d.cfg.Subscriptions.Names() {
		sub, _ := d.cfg.Subscriptions.Get(name)
		field := "subscriptions." + name

		d.checkTopics(r, field, sub)
		d.checkCommand(r, field, sub)
		d.checkWorkDir(r, field, sub)
		d.checkRunAs(r, field, sub)

		if strings.HasPrefix(sub.ChangeDir, "/") {
			d.addWarning(r, "subscriptions", field+".changedir",
				"changed paths from the feed are repository-relative; an absolute changedir never matches")
		}

		if len(sub.Blame) > 0 && !d.cfg.Notify.Configured() {
			d.addError(r, "notify", field+".blame",
				"blame recipients configured but notify.smtp_host is not set")
		}
		for i, addr := range sub.Blame {
			if !strings.Contains(addr, "@") {
				d.addWarning(r, "notify", fmt.Sprintf("%s.blame[%d]", field, i),
					fmt.Sprintf("%q does not look like a mail address", addr))
			}
		}

		if sub.Timeout > 0 && sub.Timeout < time.Second {
			d.addWarning(r, "subscriptions", field+".timeout",
				fmt.Sprintf("timeout %s is suspiciously short", sub.Timeout))
		}
		if sub.Timeout > time.Hour {
			d.addWarning(r, "subscriptions", field+".timeout",
				fmt.Sprintf("timeout %s is unusually long", sub.Timeout))
		}
	}
}

func (d *Doctor) checkTopics(r *Result, field string, sub config.SubscriptionConf) {
	if len(sub.Topics) == 0 {
		d.addError(r, "subscriptions", field+".topics", "topics must not be empty")
		return
	}

	seen := make(map[string]int)
	for i, pattern := range sub.Topics {
		if err := topic.ValidatePattern(pattern); err != nil {
			d.addError(r, "subscriptions", fmt.Sprintf("%s.topics[%d]", field, i), err.Error())
			continue
		}
		if prev, dup := seen[pattern]; dup {
			d.addWarning(r, "subscriptions", fmt.Sprintf("%s.topics[%d]", field, i),
				fmt.Sprintf("pattern %q already declared at topics[%d]", pattern, prev))
		}
		seen[pattern] = i
	}
}

// checkCommand resolves the program a command line starts with. Bare
// names go through PATH, which only yields executables; explicit paths
// are stat'd, so a present-but-unexecutable hook is caught here.
func (d *Doctor) checkCommand(r *Result, field string, sub config.SubscriptionConf) {
	if strings.TrimSpace(sub.Command) == "" {
		d.addError(r, "subscriptions", field+".command", "command must not be empty")
		return
	}

	prog := strings.Fields(sub.Command)[0]
	if strings.Contains(prog, "=") {
		// Environment assignment prefix; the real program is only
		// known to the shell.
		return
	}
	if !strings.Contains(prog, "/") {
		if _, err := exec.LookPath(prog); err != nil {
			d.addError(r, "subscriptions", field+".command",
				fmt.Sprintf("command %q not found in PATH", prog))
		}
		return
	}

	path := prog
	if !filepath.IsAbs(path) && sub.WorkDir != "" {
		path = filepath.Join(sub.WorkDir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		d.addError(r, "subscriptions", field+".command",
			fmt.Sprintf("command %q does not exist", path))
		return
	}
	if info.IsDir() {
		d.addError(r, "subscriptions", field+".command",
			fmt.Sprintf("command %q is a directory", path))
		return
	}
	if info.Mode()&0o111 == 0 {
		d.addWarning(r, "subscriptions", field+".command",
			fmt.Sprintf("command %q is not executable", path))
	}
}

func (d *Doctor) checkWorkDir(r *Result, field string, sub config.SubscriptionConf) {
	if sub.WorkDir == "" {
		return
	}
	info, err := os.Stat(sub.WorkDir)
	if err != nil {
		d.addWarning(r, "subscriptions", field+".workdir",
			fmt.Sprintf("workdir %q does not exist", sub.WorkDir))
		return
	}
	if !info.IsDir() {
		d.addWarning(r, "subscriptions", field+".workdir",
			fmt.Sprintf("workdir %q is not a directory", sub.WorkDir))
	}
}

func (d *Doctor) checkRunAs(r *Result, field string, sub config.SubscriptionConf) {
	if sub.RunAs == "" {
		return
	}
	if _, err := user.Lookup(sub.RunAs); err != nil {
		d.addWarning(r, "subscriptions", field+".runas",
			fmt.Sprintf("unknown user %q", sub.RunAs))
		return
	}
	if os.Geteuid() != 0 {
		d.addWarning(r, "subscriptions", field+".runas",
			fmt.Sprintf("runas %q requires the daemon to run as root", sub.RunAs))
	}
}

// checkNotify validates SMTP delivery settings when they are in use.
func (d *Doctor) checkNotify(r *Result) {
	n := d.cfg.Notify
	if !n.Configured() {
		return
	}

	if n.From == "" {
		d.addError(r, "notify", "notify.from",
			"notify.from is required when notify.smtp_host is set")
	}
	if n.SMTPPort < 1 || n.SMTPPort > 65535 {
		d.addError(r, "notify", "notify.smtp_port",
			fmt.Sprintf("smtp_port %d is out of range", n.SMTPPort))
	}
	if n.Username != "" && n.Password == "" {
		d.addWarning(r, "notify", "notify.password",
			"notify.username is set but notify.password is empty")
	}

	anyBlame := false
	for _, name := range d.cfg.Subscriptions.Names() {
		sub, _ := d.cfg.Subscriptions.Get(name)
		if len(sub.Blame) > 0 {
			anyBlame = true
			break
		}
	}
	if !anyBlame {
		d.addWarning(r, "notify", "notify.smtp_host",
			"notify is configured but no subscription lists blame recipients")
	}
}

// checkAPI validates status API settings.
func (d *Doctor) checkAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when api.enabled is true")
	}
	if d.cfg.API.Auth.APIKey == "" {
		d.addWarning(r, "api", "api.auth.api_key",
			"API enabled but no authentication configured")
	}
}

// checkEnvPlaceholders warns about ${VAR} references that survived
// interpolation, which means VAR was not set when the config loaded.
func (d *Doctor) checkEnvPlaceholders(r *Result) {
	type fieldValue struct {
		field string
		value string
	}

	fields := []fieldValue{
		{"feed.url", d.cfg.Feed.URL},
		{"state.path", d.cfg.State.Path},
		{"notify.from", d.cfg.Notify.From},
		{"notify.subject", d.cfg.Notify.Subject},
	}
	for _, name := range d.cfg.Subscriptions.Names() {
		sub, _ := d.cfg.Subscriptions.Get(name)
		prefix := "subscriptions." + name
		fields = append(fields,
			fieldValue{prefix + ".command", sub.Command},
			fieldValue{prefix + ".workdir", sub.WorkDir},
			fieldValue{prefix + ".subject", sub.Subject},
		)
	}

	for _, fv := range fields {
		for _, m := range envVarRe.FindAllStringSubmatch(fv.value, -1) {
			if os.Getenv(m[1]) == "" {
				d.addWarning(r, "env", fv.field,
					fmt.Sprintf("environment variable ${%s} is not set", m[1]))
			}
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
