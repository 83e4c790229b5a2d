package feed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mattjoyce/occd/internal/config"
	"github.com/mattjoyce/occd/internal/log"
)

// ErrAuthRejected is returned by Run after the feed rejects credentials
// enough consecutive times to rule out a transient auth outage. Bad
// credentials never fix themselves, so the daemon treats this as fatal.
var ErrAuthRejected = errors.New("feed authentication rejected")

// maxLineBytes bounds a single event line. Commit payloads listing many
// changed files get large, but a megabyte is far beyond anything the
// notification service emits.
const maxLineBytes = 1 << 20

// EventHandler consumes decoded events. Calls arrive sequentially in
// stream order and must not block; slow consumers stall the stream.
type EventHandler func(*Event)

// Stats is a point-in-time snapshot of feed connection counters.
type Stats struct {
	State        string     `json:"state"`
	Connects     uint64     `json:"connects"`
	Drops        uint64     `json:"drops"`
	Events       uint64     `json:"events"`
	Keepalives   uint64     `json:"keepalives"`
	DecodeErrors uint64     `json:"decode_errors"`
	AuthFailures uint64     `json:"auth_failures"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	LastEventAt  *time.Time `json:"last_event_at,omitempty"`
}

type authStatusError struct {
	code int
}

func (e *authStatusError) Error() string {
	return fmt.Sprintf("feed rejected credentials with status %d", e.code)
}

// Client maintains the streaming subscription to the commit
// notification service, reconnecting with jittered backoff when the
// stream drops.
type Client struct {
	cfg     config.FeedConfig
	handler EventHandler
	httpc   *http.Client
	backoff Backoff
	logger  *slog.Logger

	// OnStateChange, when set before Run, observes connection state
	// transitions.
	OnStateChange func(state string)

	mu    sync.Mutex
	stats Stats

	state *connState
}

// New builds a feed client. The handler receives events in stream order.
func New(cfg config.FeedConfig, handler EventHandler) *Client {
	return &Client{
		cfg:     cfg,
		handler: handler,
		httpc: &http.Client{
			// Guard the dial and header phase only. The body is a
			// long-lived stream and must never time out.
			Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second},
		},
		backoff: Backoff{Initial: cfg.ReconnectBase, Max: cfg.ReconnectMax},
		logger:  log.WithComponent("feed"),
		stats:   Stats{State: StateDisconnected},
	}
}

// Run connects and consumes the stream until ctx is cancelled (returns
// nil) or authentication is rejected AuthFailureLimit consecutive times
// (returns an error wrapping ErrAuthRejected). Run may be called once.
func (c *Client) Run(ctx context.Context) error {
	c.state = newConnState(c.logger, c.recordState)
	defer c.state.transition(context.WithoutCancel(ctx), "stop")

	c.state.transition(ctx, "connect")
	c.logger.Info("connecting to commit feed", "url", c.cfg.URL)

	attempt := 0
	authFailures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		streamed, err := c.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var authErr *authStatusError
		if errors.As(err, &authErr) {
			authFailures++
			c.bumpAuthFailures()
			c.logger.Warn("feed rejected credentials",
				"status", authErr.code,
				"consecutive", authFailures,
				"limit", c.cfg.AuthFailureLimit)
			if authFailures >= c.cfg.AuthFailureLimit {
				return fmt.Errorf("giving up after %d consecutive rejections: %w",
					authFailures, ErrAuthRejected)
			}
		} else {
			authFailures = 0
		}

		// A connection that streamed long enough proves the credentials
		// and the route work; start the next retry ladder from scratch.
		if streamed >= c.cfg.StableAfter {
			attempt = 0
		}
		attempt++

		delay := c.backoff.Delay(attempt)
		c.logger.Info("feed reconnecting",
			"attempt", attempt,
			"delay", delay,
			"error", err)

		// Drop idle conns so the retry opens a fresh socket rather than
		// reusing one the server half-closed.
		c.httpc.CloseIdleConnections()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// stream opens one connection and consumes it until the stream breaks
// or ctx is cancelled. It returns how long the connection was
// established.
func (c *Client) stream(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("building feed request: %w", err)
	}
	if c.cfg.Username != "" || c.cfg.Password != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("connecting to feed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, &authStatusError{code: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	c.state.transition(ctx, "established")
	connectedAt := time.Now()
	c.recordConnect(connectedAt)
	c.logger.Info("feed established")

	defer func() {
		if ctx.Err() == nil {
			c.recordDrop()
			c.state.transition(ctx, "drop")
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		ev, err := DecodeEvent(line, time.Now())
		if err != nil {
			// Malformed events are the publisher's bug, not a
			// connection problem. Skip the line and keep streaming.
			c.recordDecodeError()
			c.logger.Warn("skipping undecodable event",
				"error", err,
				"sample", sample(line))
			continue
		}
		if ev == nil {
			c.recordKeepalive()
			continue
		}

		c.recordEvent(ev.ReceivedAt)
		c.logger.Debug("feed event", "topic", ev.Topic, "revision", ev.Revision())
		c.handler(ev)
	}

	err = scanner.Err()
	if err == nil {
		// Scan returned false with no error: the server closed the
		// stream cleanly.
		err = io.ErrUnexpectedEOF
	}
	return time.Since(connectedAt), fmt.Errorf("feed stream interrupted: %w", err)
}

// Stats returns a snapshot of the connection counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) recordState(state string) {
	c.mu.Lock()
	c.stats.State = state
	if state != StateStreaming {
		c.stats.ConnectedAt = nil
	}
	c.mu.Unlock()

	if c.OnStateChange != nil {
		c.OnStateChange(state)
	}
}

func (c *Client) recordConnect(at time.Time) {
	c.mu.Lock()
	c.stats.Connects++
	c.stats.ConnectedAt = &at
	c.mu.Unlock()
}

func (c *Client) recordDrop() {
	c.mu.Lock()
	c.stats.Drops++
	c.mu.Unlock()
}

func (c *Client) recordEvent(at time.Time) {
	c.mu.Lock()
	c.stats.Events++
	c.stats.LastEventAt = &at
	c.mu.Unlock()
}

func (c *Client) recordKeepalive() {
	c.mu.Lock()
	c.stats.Keepalives++
	c.mu.Unlock()
}

func (c *Client) recordDecodeError() {
	c.mu.Lock()
	c.stats.DecodeErrors++
	c.mu.Unlock()
}

func (c *Client) bumpAuthFailures() {
	c.mu.Lock()
	c.stats.AuthFailures++
	c.mu.Unlock()
}

func sample(line []byte) string {
	const n = 120
	if len(line) <= n {
		return string(line)
	}
	return string(line[:n]) + "..."
}
