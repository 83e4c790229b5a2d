// Package blame mails a subscription's owners when its hook command
// fails. Delivery is best effort: a bounded number of attempts, after
// which the failure is logged and dropped. A mail problem must never
// take the daemon down with it.
package blame

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/mattjoyce/occd/internal/config"
	"github.com/mattjoyce/occd/internal/log"
	"github.com/mattjoyce/occd/internal/registry"
	"github.com/mattjoyce/occd/internal/runner"
)

// sender is the delivery seam. *mail.Client satisfies it.
type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Notifier composes and sends failure notifications over SMTP.
type Notifier struct {
	cfg        config.NotifyConfig
	sender     sender
	hostname   string
	retryDelay time.Duration
	logger     *slog.Logger
}

// New builds a Notifier from a validated notify section. The SMTP
// connection is not opened until the first delivery.
func New(cfg config.NotifyConfig) (*Notifier, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client for %s: %w", cfg.SMTPHost, err)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "occd"
	}
	return &Notifier{
		cfg:        cfg,
		sender:     client,
		hostname:   host,
		retryDelay: 2 * time.Second,
		logger:     log.WithComponent("blame"),
	}, nil
}

// Notify mails the subscription's blame list about a failed run. Results
// that did not fail, and subscriptions without recipients, are ignored.
// Aborted runs never generate mail: the daemon killed the command, not
// the commit. The last delivery error is returned for the caller to log.
func (n *Notifier) Notify(ctx context.Context, sub *registry.Subscription, res *runner.Result) error {
	if !res.Failed() || len(sub.Blame) == 0 {
		return nil
	}
	msg, err := n.compose(sub, res)
	if err != nil {
		return err
	}

	logger := n.logger.With(
		"subscription", sub.Name,
		"execution_id", res.ID,
		"recipients", len(sub.Blame),
	)

	attempts := max(1, n.cfg.Attempts)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = n.sender.DialAndSendWithContext(ctx, msg)
		if lastErr == nil {
			logger.Info("blame notification sent", "attempt", attempt)
			return nil
		}
		logger.Warn("blame notification attempt failed",
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.retryDelay):
		}
	}
	return fmt.Errorf("notify blame list for %s: %w", sub.Name, lastErr)
}

func (n *Notifier) compose(sub *registry.Subscription, res *runner.Result) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(n.cfg.From); err != nil {
		return nil, fmt.Errorf("blame sender address %q: %w", n.cfg.From, err)
	}
	if err := m.To(sub.Blame...); err != nil {
		return nil, fmt.Errorf("blame recipients for %s: %w", sub.Name, err)
	}
	subject := sub.Subject
	if subject == "" {
		subject = n.cfg.Subject
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, n.failureBody(sub, res))
	return m, nil
}

// failureBody renders the plain-text notification. The wording follows
// the operator-facing convention of naming the host first so that a
// fleet-wide blame alias can tell machines apart at a glance.
func (n *Notifier) failureBody(sub *registry.Subscription, res *runner.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed to execute subscription %q due to the following error(s):\n\n", n.hostname, sub.Name)
	fmt.Fprintf(&b, "Topic: %s\n", res.Topic)
	if res.Revision != "" {
		fmt.Fprintf(&b, "Revision: %s\n", res.Revision)
	}
	fmt.Fprintf(&b, "Command: %s\n", res.Command)
	fmt.Fprintf(&b, "Status: %s\n", res.Status)
	fmt.Fprintf(&b, "Return code: %d\n", res.ExitCode)
	fmt.Fprintf(&b, "Started: %s\n", res.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration: %s\n\n", res.Duration().Round(time.Millisecond))

	output := strings.TrimRight(res.Output, "\n")
	if output == "" {
		output = "(no output captured)"
	}
	fmt.Fprintf(&b, "Error message:\n%s\n", output)
	if res.Truncated {
		b.WriteString("[output truncated]\n")
	}
	b.WriteString("\nPlease fix this error before the subscription can resume.\n")
	return b.String()
}
