package watch

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/occd/internal/events"
)

const maxExecRows = 20

// execRow is one finished execution as seen on the event stream.
type execRow struct {
	id           string
	subscription string
	topic        string
	revision     string
	status       string
	exitCode     int
	durationMS   int64
	at           time.Time
}

// updateExecutions prepends a row for execution.finished events, newest
// first, capped at maxExecRows.
func updateExecutions(rows []execRow, e events.Event) []execRow {
	if e.Type != events.TypeExecFinished {
		return rows
	}
	p := decodePayload(e)
	rows = append([]execRow{{
		id:           p.ID,
		subscription: p.Subscription,
		topic:        p.Topic,
		revision:     p.Revision,
		status:       p.Status,
		exitCode:     p.ExitCode,
		durationMS:   p.DurationMS,
		at:           e.At,
	}}, rows...)
	if len(rows) > maxExecRows {
		rows = rows[:maxExecRows]
	}
	return rows
}

func newExecutionsTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "ID", Width: 8},
			{Title: "Time", Width: 8},
			{Title: "Subscription", Width: 16},
			{Title: "Topic", Width: 20},
			{Title: "Status", Width: 12},
			{Title: "Exit", Width: 4},
			{Title: "Duration", Width: 9},
			{Title: "Revision", Width: 9},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return t
}

// execTableRows converts the row slice to bubbles table rows. Cells stay
// unstyled; ANSI inside cells confuses the table's width accounting, so
// status is carried by a plain glyph instead.
func execTableRows(rows []execRow) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, table.Row{
			statusGlyph(r.status),
			shortID(r.id),
			r.at.Format("15:04:05"),
			r.subscription,
			r.topic,
			r.status,
			strconv.Itoa(r.exitCode),
			formatDuration(time.Duration(r.durationMS) * time.Millisecond),
			shortRev(r.revision),
		})
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func statusGlyph(status string) string {
	switch status {
	case "succeeded":
		return "✔"
	case "failed", "launch_failed":
		return "✖"
	case "timed_out":
		return "⏱"
	case "aborted":
		return "◌"
	default:
		return "?"
	}
}

func renderExecutions(t table.Model, n int, theme Theme, width int) string {
	innerWidth := width - 4

	title := theme.Title.Render("RECENT EXECUTIONS")
	if n == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  No executions finished yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	counter := theme.Dim.Render(fmt.Sprintf("  showing %d", n))
	content := lipgloss.JoinVertical(lipgloss.Left,
		title+counter,
		t.View(),
	)
	return theme.Border.Width(innerWidth).Render(content)
}
