// Package registry holds the validated subscription set. Subscriptions are
// resolved from config at startup and immutable afterward; matching walks
// them in declaration order.
package registry

import (
	"fmt"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/occd/internal/config"
	"github.com/mattjoyce/occd/internal/topic"
)

// Subscription is a validated, resolved subscription entry. Timeout is
// always the effective value (config default applied when unset).
type Subscription struct {
	Name      string
	Topics    []string
	Command   string
	WorkDir   string
	ChangeDir string
	RunAs     string
	Timeout   time.Duration
	Blame     []string
	Subject   string
}

// MatchesTopic reports whether any of the subscription's patterns match t.
func (s *Subscription) MatchesTopic(t string) bool {
	return topic.MatchAny(s.Topics, t)
}

// WantsPath reports whether a changed path passes the changedir filter.
// The filter is boundary-aware: changedir "site/www" accepts "site/www"
// and "site/www/index.html" but not "site/wwwextra/x".
func (s *Subscription) WantsPath(path string) bool {
	if s.ChangeDir == "" {
		return true
	}
	dir := strings.TrimSuffix(s.ChangeDir, "/")
	return path == dir || strings.HasPrefix(path, dir+"/")
}

// WantsChange reports whether a commit's changed paths pass the changedir
// filter. Commits that carry no path information pass unconditionally, so
// a feed that omits path data degrades to plain topic matching.
func (s *Subscription) WantsChange(paths []string) bool {
	if s.ChangeDir == "" || len(paths) == 0 {
		return true
	}
	for _, p := range paths {
		if s.WantsPath(p) {
			return true
		}
	}
	return false
}

// Registry is the subscription set in declaration order.
type Registry struct {
	subs   []*Subscription
	byName map[string]*Subscription
}

// Load validates and resolves the configured subscriptions. Any invalid
// entry fails the whole load; a daemon must not start with a partially
// usable subscription set.
func Load(cfg *config.Config) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Subscription, cfg.Subscriptions.Len())}

	for _, name := range cfg.Subscriptions.Names() {
		conf, _ := cfg.Subscriptions.Get(name)
		sub, err := build(name, conf, cfg.Runner.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		r.subs = append(r.subs, sub)
		r.byName[name] = sub
	}

	return r, nil
}

func build(name string, conf config.SubscriptionConf, defaultTimeout time.Duration) (*Subscription, error) {
	if len(conf.Topics) == 0 {
		return nil, fmt.Errorf("subscription %q: topics must not be empty", name)
	}
	for i, pattern := range conf.Topics {
		if err := topic.ValidatePattern(pattern); err != nil {
			return nil, fmt.Errorf("subscription %q: topics[%d]: %w", name, i, err)
		}
	}
	if strings.TrimSpace(conf.Command) == "" {
		return nil, fmt.Errorf("subscription %q: command must not be empty", name)
	}
	if err := resolveCommand(conf.Command, conf.WorkDir); err != nil {
		return nil, fmt.Errorf("subscription %q: %w", name, err)
	}

	timeout := conf.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Subscription{
		Name:      name,
		Topics:    append([]string(nil), conf.Topics...),
		Command:   conf.Command,
		WorkDir:   conf.WorkDir,
		ChangeDir: conf.ChangeDir,
		RunAs:     conf.RunAs,
		Timeout:   timeout,
		Blame:     append([]string(nil), conf.Blame...),
		Subject:   conf.Subject,
	}, nil
}

// resolveCommand checks that the program a command line starts with
// exists: paths via stat (relative ones against workdir when set), bare
// names via PATH lookup. Commands run through the shell, so lines
// opening with an environment assignment are left for the shell to
// judge. Only existence is checked here; the doctor warns about
// permission problems.
func resolveCommand(command, workdir string) error {
	prog := strings.Fields(command)[0]
	if strings.Contains(prog, "=") {
		return nil
	}
	if !strings.Contains(prog, "/") {
		if _, err := exec.LookPath(prog); err != nil {
			return fmt.Errorf("command %q not found in PATH", prog)
		}
		return nil
	}

	path := prog
	if !filepath.IsAbs(path) && workdir != "" {
		path = filepath.Join(workdir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("command %q does not exist", path)
	}
	return nil
}

// Matching yields subscriptions whose patterns match t, in declaration
// order. The sequence is lazy and can be ranged over more than once.
func (r *Registry) Matching(t string) iter.Seq[*Subscription] {
	return func(yield func(*Subscription) bool) {
		for _, sub := range r.subs {
			if sub.MatchesTopic(t) {
				if !yield(sub) {
					return
				}
			}
		}
	}
}

// All returns the subscriptions in declaration order.
func (r *Registry) All() []*Subscription {
	return append([]*Subscription(nil), r.subs...)
}

// Get returns the subscription with the given name.
func (r *Registry) Get(name string) (*Subscription, bool) {
	sub, ok := r.byName[name]
	return sub, ok
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	return len(r.subs)
}
