package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/occd/internal/events"
)

// SubState tracks one subscription, seeded from /status and kept live
// from hub events. Executions within a subscription are serialized, so
// at most one run is in flight at a time.
type SubState struct {
	Name    string
	Topics  []string
	Command string

	Running      bool
	RunningSince time.Time
	RunningRev   string
	QueuedNow    int

	Dropped    int64
	LastStatus string
	LastRun    time.Time
	LastRev    string

	BlameNote string // "blame sent" or "blame failed" for the last failure
}

// seedSubscriptions merges the configured subscription list from /status
// into the live map, preserving declaration order for new names.
func seedSubscriptions(subs map[string]*SubState, order *[]string, infos []subInfo) {
	for _, info := range infos {
		s, ok := subs[info.Name]
		if !ok {
			s = &SubState{Name: info.Name}
			subs[info.Name] = s
			*order = append(*order, info.Name)
		}
		s.Topics = info.Topics
		s.Command = info.Command
	}
}

// updateSubscriptions applies one hub event to the live state.
func updateSubscriptions(subs map[string]*SubState, order *[]string, e events.Event) {
	p := decodePayload(e)
	if p.Subscription == "" {
		return
	}

	s, ok := subs[p.Subscription]
	if !ok {
		s = &SubState{Name: p.Subscription}
		subs[p.Subscription] = s
		*order = append(*order, p.Subscription)
	}

	switch e.Type {
	case events.TypeCommitQueued:
		s.QueuedNow++
	case events.TypeCommitDrop:
		s.Dropped++
		if s.QueuedNow > 0 {
			s.QueuedNow--
		}
	case events.TypeExecStarted:
		s.Running = true
		s.RunningSince = time.Now()
		s.RunningRev = p.Revision
		if s.QueuedNow > 0 {
			s.QueuedNow--
		}
	case events.TypeExecFinished:
		s.Running = false
		s.LastStatus = p.Status
		s.LastRun = time.Now()
		s.LastRev = p.Revision
		if p.Status == "succeeded" {
			s.BlameNote = ""
		}
	case events.TypeBlameSent:
		s.BlameNote = "blame sent"
	case events.TypeBlameError:
		s.BlameNote = "blame failed"
	}
}

func renderSubscriptions(subs map[string]*SubState, order []string, theme Theme, width int) string {
	innerWidth := width - 4

	if len(order) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("SUBSCRIPTIONS"),
			theme.Dim.Render("  Waiting for daemon status..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, name := range order {
		lines = append(lines, renderSubscriptionRow(i+1, subs[name], theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("SUBSCRIPTIONS")}, lines...)...,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func renderSubscriptionRow(num int, s *SubState, theme Theme) string {
	glyph := theme.Dim.Render("○")
	switch {
	case s.Running:
		glyph = theme.StatusRunning.Render("▶")
	case s.LastStatus == "succeeded":
		glyph = theme.StatusOK.Render("●")
	case s.LastStatus != "":
		glyph = theme.statusStyle(s.LastStatus).Render("●")
	}

	topics := theme.Dim.Render(strings.Join(s.Topics, ", "))

	var state string
	switch {
	case s.Running:
		state = theme.StatusRunning.Render(
			fmt.Sprintf("running %s", formatDuration(time.Since(s.RunningSince).Round(time.Second))))
		if s.RunningRev != "" {
			state += " " + theme.Highlight.Render("@"+shortRev(s.RunningRev))
		}
	case !s.LastRun.IsZero():
		state = fmt.Sprintf("last %s %s",
			theme.statusStyle(s.LastStatus).Render(s.LastStatus),
			theme.Dim.Render(formatAgo(time.Since(s.LastRun).Round(time.Second))))
		if s.LastRev != "" {
			state += " " + theme.Highlight.Render("@"+shortRev(s.LastRev))
		}
	default:
		state = theme.Dim.Render("idle")
	}

	var extras []string
	if s.QueuedNow > 0 {
		extras = append(extras, theme.StatusQueued.Render(fmt.Sprintf("+%d queued", s.QueuedNow)))
	}
	if s.Dropped > 0 {
		extras = append(extras, theme.Dim.Render(fmt.Sprintf("%d dropped", s.Dropped)))
	}
	if s.BlameNote != "" {
		style := theme.Dim
		if s.BlameNote == "blame failed" {
			style = theme.StatusFailed
		}
		extras = append(extras, style.Render(s.BlameNote))
	}

	line := fmt.Sprintf(" %d. %s %-20s %s  %s", num, glyph, s.Name, state, topics)
	if len(extras) > 0 {
		line += "  " + strings.Join(extras, " ")
	}
	return line
}

func shortRev(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
