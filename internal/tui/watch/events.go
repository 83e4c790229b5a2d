package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/occd/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	p := decodePayload(e)

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeExecFinished:
		typeStyle = theme.statusStyle(p.Status)
	case events.TypeExecStarted:
		typeStyle = theme.StatusRunning
	case events.TypeCommitQueued:
		typeStyle = theme.StatusQueued
	case events.TypeCommitDrop, events.TypeBlameError:
		typeStyle = theme.StatusFailed
	case events.TypeBlameSent:
		typeStyle = theme.StatusOK
	case events.TypeFeedState:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-19s", e.Type))

	return fmt.Sprintf("%s %s %s", ts, typeName, eventDesc(e, p))
}

// eventDesc builds the one-line summary shown after the event type.
func eventDesc(e events.Event, p eventPayload) string {
	if e.Type == events.TypeFeedState {
		return fmt.Sprintf("feed %s", p.State)
	}

	var parts []string
	if p.Subscription != "" {
		parts = append(parts, p.Subscription)
	}
	if p.Topic != "" {
		parts = append(parts, p.Topic)
	}
	if p.Revision != "" {
		parts = append(parts, "@"+shortRev(p.Revision))
	}
	if p.Status != "" {
		parts = append(parts, p.Status)
	}
	if e.Type == events.TypeExecFinished {
		parts = append(parts, fmt.Sprintf("in %s", formatDuration(time.Duration(p.DurationMS)*time.Millisecond)))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
