// Package inspect renders recorded executions as operator-facing
// reports. `occd history show` builds on it.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/occd/internal/runner"
)

// Reader is the slice of the history store the reports need.
type Reader interface {
	Get(ctx context.Context, id string) (*runner.Result, error)
}

// Report is the structured JSON representation of one execution.
type Report struct {
	ID           string    `json:"id"`
	Subscription string    `json:"subscription"`
	Topic        string    `json:"topic"`
	Revision     string    `json:"revision,omitempty"`
	Command      string    `json:"command"`
	Status       string    `json:"status"`
	ExitCode     int       `json:"exit_code"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DurationMS   int64     `json:"duration_ms"`
	Truncated    bool      `json:"truncated,omitempty"`
	Output       string    `json:"output,omitempty"`
}

// BuildReport renders a terminal-friendly report for one execution.
func BuildReport(ctx context.Context, store Reader, execID string) (string, error) {
	report, err := gatherReportData(ctx, store, execID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Execution Report\n")
	fmt.Fprintf(&out, "ID           : %s\n", report.ID)
	fmt.Fprintf(&out, "Subscription : %s\n", report.Subscription)
	fmt.Fprintf(&out, "Topic        : %s\n", report.Topic)
	fmt.Fprintf(&out, "Revision     : %s\n", renderUnset(report.Revision, "<none>"))
	fmt.Fprintf(&out, "Command      : %s\n", report.Command)
	fmt.Fprintf(&out, "Status       : %s (exit %d)\n", report.Status, report.ExitCode)
	fmt.Fprintf(&out, "Started      : %s\n", report.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&out, "Duration     : %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))

	fmt.Fprintf(&out, "\nOutput")
	if report.Truncated {
		fmt.Fprintf(&out, " (truncated)")
	}
	fmt.Fprintf(&out, ":\n")

	output := strings.TrimRight(report.Output, "\n")
	if output == "" {
		fmt.Fprintf(&out, "  <none>\n")
	} else {
		for _, line := range strings.Split(output, "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, store Reader, execID string) (string, error) {
	report, err := gatherReportData(ctx, store, execID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, store Reader, execID string) (*Report, error) {
	if strings.TrimSpace(execID) == "" {
		return nil, fmt.Errorf("execution id is required")
	}

	res, err := store.Get(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("read execution %q: %w", execID, err)
	}
	if res == nil {
		return nil, fmt.Errorf("execution %q not found", execID)
	}

	return &Report{
		ID:           res.ID,
		Subscription: res.Subscription,
		Topic:        res.Topic,
		Revision:     res.Revision,
		Command:      res.Command,
		Status:       string(res.Status),
		ExitCode:     res.ExitCode,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
		DurationMS:   res.Duration().Milliseconds(),
		Truncated:    res.Truncated,
		Output:       res.Output,
	}, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
