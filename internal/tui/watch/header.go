package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// DaemonState is what the header knows about the daemon, populated from
// /status polling and refreshed by the event stream.
type DaemonState struct {
	UptimeSeconds int64
	Feed          feedInfo
	Dispatch      dispatchInfo
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(daemon DaemonState, ticker Ticker, spinner Spinner, theme Theme, width int) string {
	innerWidth := width - 4

	// Feed state is the headline: a daemon with a dead feed is not doing
	// its job even when the process is healthy.
	var stateText string
	stateIcon := "✅"
	switch {
	case !daemon.Connected:
		stateText = theme.StatusFailed.Render("UNREACHABLE")
		stateIcon = "🔌"
	case daemon.Feed.State == "streaming":
		stateText = theme.StatusOK.Render("STREAMING")
	case daemon.Feed.State == "connecting", daemon.Feed.State == "disconnected":
		stateText = theme.StatusRunning.Render(strings.ToUpper(daemon.Feed.State))
		stateIcon = "⚠️"
	case daemon.Feed.State == "stopped":
		stateText = theme.StatusFailed.Render("STOPPED")
		stateIcon = "⚠️"
	default:
		stateText = theme.Dim.Render("UNKNOWN")
		stateIcon = "🔌"
	}

	uptime := time.Duration(daemon.UptimeSeconds) * time.Second
	uptimeStr := formatDuration(uptime)

	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		ago := time.Since(spinner.LastEvent()).Round(time.Second)
		lastEventStr = fmt.Sprintf("%s ago", ago)
	}

	// Title line with ticker and clock
	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" OCCD WATCH %s", tickerStr)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := innerWidth - titleWidth - clockWidth - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s %s  ⏱ %s  Commits: %d  Active: %d  OK: %d  Failed: %d",
		stateIcon, stateText,
		uptimeStr,
		daemon.Feed.Events,
		daemon.Dispatch.Active,
		daemon.Dispatch.Succeeded,
		daemon.Dispatch.Failed,
	)
	if daemon.Dispatch.Dropped > 0 {
		statsLine += theme.Dim.Render(fmt.Sprintf("  Dropped: %d", daemon.Dispatch.Dropped))
	}

	activityLine := fmt.Sprintf(" Last event: %s %s",
		lastEventStr,
		spinner.Render(theme),
	)

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
