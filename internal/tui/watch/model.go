package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/occd/internal/events"
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	// State
	daemon      DaemonState
	subs        map[string]*SubState
	subOrder    []string
	execRows    []execRow
	execTable   table.Model
	eventLog    []events.Event
	lastEventID int64

	// Live indicators
	ticker  Ticker
	spinner Spinner

	theme Theme

	// Communication
	hubEvents chan events.Event

	// Error display
	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) Model {
	return Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		subs:      make(map[string]*SubState),
		eventLog:  make([]events.Event, 0),
		execTable: newExecutionsTable(),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		spinner:   NewSpinner(),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		default:
			// Arrows and paging scroll the executions table.
			var cmd tea.Cmd
			m.execTable, cmd = m.execTable.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}

		// Event log, newest first
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}

		m.spinner.OnEvent()

		if e.Type == events.TypeFeedState {
			m.daemon.Feed.State = decodePayload(e).State
		}

		updateSubscriptions(m.subs, &m.subOrder, e)

		if e.Type == events.TypeExecFinished {
			m.execRows = updateExecutions(m.execRows, e)
			m.execTable.SetRows(execTableRows(m.execRows))
		}

		m.daemon.Connected = true
		m.lastError = ""

		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.daemon.UptimeSeconds = msg.UptimeSeconds
		m.daemon.Feed = msg.Feed
		m.daemon.Dispatch = msg.Dispatch
		m.daemon.Connected = true
		m.daemon.LastCheck = time.Now()
		m.lastError = ""

		seedSubscriptions(m.subs, &m.subOrder, msg.Subscriptions)

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.daemon.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// Reconnect after a short delay; the pending receiveNextEvent is
		// still waiting on the channel and will pick up events from the
		// new subscription, which resumes at lastEventID.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing occd watch..."
	}

	header := renderHeader(m.daemon, m.ticker, m.spinner, m.theme, m.width)
	subs := renderSubscriptions(m.subs, m.subOrder, m.theme, m.width)
	execs := renderExecutions(m.execTable, len(m.execRows), m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll Executions")

	parts := []string{header, subs, execs, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

// Run starts the watch TUI against the given API endpoint and blocks
// until the user quits.
func Run(apiURL, apiKey string) error {
	p := tea.NewProgram(New(apiURL, apiKey))
	_, err := p.Run()
	return err
}
