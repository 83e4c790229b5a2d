package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/occd/internal/events"
)

// --- Message types ---

type eventMsg events.Event

// statusMsg mirrors the wire shape of GET /status. The fields the TUI does
// not render are simply not declared here.
type statusMsg struct {
	UptimeSeconds int64        `json:"uptime_seconds"`
	Feed          feedInfo     `json:"feed"`
	Dispatch      dispatchInfo `json:"dispatch"`
	Subscriptions []subInfo    `json:"subscriptions"`
}

type feedInfo struct {
	State    string `json:"state"`
	Connects uint64 `json:"connects"`
	Drops    uint64 `json:"drops"`
	Events   uint64 `json:"events"`
}

type dispatchInfo struct {
	Queued    int64 `json:"queued"`
	Dropped   int64 `json:"dropped"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Active    int   `json:"active"`
}

type subInfo struct {
	Name    string   `json:"name"`
	Topics  []string `json:"topics"`
	Command string   `json:"command"`
}

// eventPayload is the superset of fields the hub publishes across event
// types; decoding any payload into it leaves absent fields zero.
type eventPayload struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	Topic        string `json:"topic"`
	Revision     string `json:"revision"`
	Status       string `json:"status"`
	ExitCode     int    `json:"exit_code"`
	DurationMS   int64  `json:"duration_ms"`
	State        string `json:"state"`
}

func decodePayload(e events.Event) eventPayload {
	var p eventPayload
	_ = json.Unmarshal(e.Data, &p)
	return p
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents connects to the SSE /events endpoint and feeds events
// into the provided channel. A nonzero lastID is sent as Last-Event-ID so
// the daemon replays whatever the TUI missed while disconnected. Returns
// sseDisconnectedMsg when the connection drops.
func subscribeToEvents(apiURL, apiKey string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{}
		req, err := http.NewRequest("GET", apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := client.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("event stream: %s", resp.Status))
		}

		scanner := bufio.NewScanner(resp.Body)
		var current struct {
			id   int64
			typ  string
			data string
		}

		for scanner.Scan() {
			line := scanner.Text()

			if line == "" {
				if current.data != "" {
					ch <- events.Event{
						ID:   current.id,
						Type: current.typ,
						At:   time.Now(),
						Data: []byte(current.data),
					}
					current = struct {
						id   int64
						typ  string
						data string
					}{}
				}
				continue
			}

			if strings.HasPrefix(line, "id: ") {
				if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
					current.id = id
				}
			} else if strings.HasPrefix(line, "event: ") {
				current.typ = line[7:]
			} else if strings.HasPrefix(line, "data: ") {
				current.data = line[6:]
			}
		}

		return sseDisconnectedMsg{}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchStatus queries the /status endpoint.
func fetchStatus(apiURL, apiKey string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest("GET", apiURL+"/status", nil)
	if err != nil {
		return errMsg(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errMsg(fmt.Errorf("status: %s", resp.Status))
	}

	var s statusMsg
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return errMsg(err)
	}
	return s
}
