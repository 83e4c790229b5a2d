package api

import (
	"time"

	"github.com/mattjoyce/occd/internal/dispatch"
	"github.com/mattjoyce/occd/internal/feed"
	"github.com/mattjoyce/occd/internal/runner"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	FeedState     string `json:"feed_state"`
	Subscriptions int    `json:"subscriptions"`
}

// SubscriptionSummary describes one configured subscription.
type SubscriptionSummary struct {
	Name            string   `json:"name"`
	Topics          []string `json:"topics"`
	Command         string   `json:"command"`
	ChangeDir       string   `json:"changedir,omitempty"`
	Timeout         string   `json:"timeout"`
	BlameRecipients int      `json:"blame_recipients"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	StartedAt     time.Time             `json:"started_at"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Feed          feed.Stats            `json:"feed"`
	Dispatch      dispatch.Stats        `json:"dispatch"`
	Executions    map[string]int        `json:"executions"`
	Subscriptions []SubscriptionSummary `json:"subscriptions"`
}

// ExecutionSummary is one history row without the captured output.
// GET /executions/{id} returns the full record.
type ExecutionSummary struct {
	ID           string        `json:"id"`
	Subscription string        `json:"subscription"`
	Topic        string        `json:"topic"`
	Revision     string        `json:"revision,omitempty"`
	Command      string        `json:"command"`
	Status       runner.Status `json:"status"`
	ExitCode     int           `json:"exit_code"`
	Truncated    bool          `json:"truncated,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	DurationMS   int64         `json:"duration_ms"`
}

// ExecutionsResponse is returned by GET /executions.
type ExecutionsResponse struct {
	Executions []ExecutionSummary `json:"executions"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
