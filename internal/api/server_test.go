package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/occd/internal/config"
	"github.com/mattjoyce/occd/internal/dispatch"
	"github.com/mattjoyce/occd/internal/events"
	"github.com/mattjoyce/occd/internal/feed"
	"github.com/mattjoyce/occd/internal/log"
	"github.com/mattjoyce/occd/internal/registry"
	"github.com/mattjoyce/occd/internal/runner"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text")
	os.Exit(m.Run())
}

const testAPIKey = "test-api-key"

const testConfig = `
feed:
  url: https://feed.example.com/commits
notify:
  smtp_host: mail.example.com
  from: occd@example.com
subscriptions:
  website:
    topics:
      - site/www
    command: true
  docs:
    topics:
      - site/docs/*
    command: echo publish docs
    changedir: docs
    blame:
      - webmaster@example.com
`

// mockHistory is a test double for HistoryReader.
type mockHistory struct {
	recentFunc func(ctx context.Context, subscription string, limit int) ([]runner.Result, error)
	getFunc    func(ctx context.Context, id string) (*runner.Result, error)
	countsFunc func(ctx context.Context) (map[string]int, error)
}

func (m *mockHistory) Recent(ctx context.Context, subscription string, limit int) ([]runner.Result, error) {
	if m.recentFunc != nil {
		return m.recentFunc(ctx, subscription, limit)
	}
	return nil, nil
}

func (m *mockHistory) Get(ctx context.Context, id string) (*runner.Result, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockHistory) Counts(ctx context.Context) (map[string]int, error) {
	if m.countsFunc != nil {
		return m.countsFunc(ctx)
	}
	return map[string]int{}, nil
}

type staticFeed struct{ stats feed.Stats }

func (f staticFeed) Stats() feed.Stats { return f.stats }

type staticDispatch struct{ stats dispatch.Stats }

func (d staticDispatch) Stats() dispatch.Stats { return d.stats }

func newTestServer(t *testing.T, hist HistoryReader) *Server {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "occd.yaml")
	if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config.Load() failed: %v", err)
	}
	reg, err := registry.Load(cfg)
	if err != nil {
		t.Fatalf("registry.Load() failed: %v", err)
	}
	if hist == nil {
		hist = &mockHistory{}
	}

	apiCfg := config.APIConfig{
		Enabled: true,
		Listen:  "127.0.0.1:0",
		Auth:    config.APIAuthConfig{APIKey: testAPIKey},
	}
	fm := staticFeed{stats: feed.Stats{State: "streaming", Connects: 1, Events: 7}}
	dm := staticDispatch{stats: dispatch.Stats{Queued: 3, Started: 3, Succeeded: 2, Failed: 1, Lanes: 2}}
	return New(apiCfg, reg, hist, fm, dm, events.NewHub(16))
}

func doRequest(s *Server, method, target, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp HealthzResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("expected status %q, got %q", "ok", resp.Status)
	}
	if resp.FeedState != "streaming" {
		t.Fatalf("expected feed state %q, got %q", "streaming", resp.FeedState)
	}
	if resp.Subscriptions != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", resp.Subscriptions)
	}
}

func TestProtectedEndpointsRejectBadAuth(t *testing.T) {
	s := newTestServer(t, nil)

	paths := []string{"/status", "/executions", "/executions/abc", "/events"}
	for _, path := range paths {
		rec := doRequest(s, http.MethodGet, path, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("GET %s without key: expected 401, got %d", path, rec.Code)
		}

		rec = doRequest(s, http.MethodGet, path, "wrong-key")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("GET %s with wrong key: expected 401, got %d", path, rec.Code)
		}
		var resp ErrorResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("GET %s: failed to decode error response: %v", path, err)
		}
		if resp.Error == "" {
			t.Fatalf("GET %s: expected error message in response", path)
		}
	}
}

func TestStatusReportsDaemonState(t *testing.T) {
	hist := &mockHistory{
		countsFunc: func(ctx context.Context) (map[string]int, error) {
			return map[string]int{"succeeded": 5, "failed": 1}, nil
		},
	}
	s := newTestServer(t, hist)

	rec := doRequest(s, http.MethodGet, "/status", testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Feed.State != "streaming" {
		t.Fatalf("expected feed state %q, got %q", "streaming", resp.Feed.State)
	}
	if resp.Dispatch.Succeeded != 2 {
		t.Fatalf("expected 2 succeeded dispatches, got %d", resp.Dispatch.Succeeded)
	}
	if resp.Executions["succeeded"] != 5 {
		t.Fatalf("expected 5 succeeded executions, got %d", resp.Executions["succeeded"])
	}
	if len(resp.Subscriptions) != 2 {
		t.Fatalf("expected 2 subscription summaries, got %d", len(resp.Subscriptions))
	}
	if resp.Subscriptions[0].Name != "website" {
		t.Fatalf("expected first subscription %q, got %q", "website", resp.Subscriptions[0].Name)
	}
	docs := resp.Subscriptions[1]
	if docs.Name != "docs" {
		t.Fatalf("expected second subscription %q, got %q", "docs", docs.Name)
	}
	if docs.ChangeDir != "docs" {
		t.Fatalf("expected changedir %q, got %q", "docs", docs.ChangeDir)
	}
	if docs.BlameRecipients != 1 {
		t.Fatalf("expected 1 blame recipient, got %d", docs.BlameRecipients)
	}
	if docs.Timeout == "" {
		t.Fatalf("expected effective timeout to be set")
	}
}

func TestStatusHistoryError(t *testing.T) {
	hist := &mockHistory{
		countsFunc: func(ctx context.Context) (map[string]int, error) {
			return nil, errors.New("database is locked")
		},
	}
	s := newTestServer(t, hist)

	rec := doRequest(s, http.MethodGet, "/status", testAPIKey)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if resp.Error != "failed to read execution counts" {
		t.Fatalf("unexpected error message: %q", resp.Error)
	}
}

func TestExecutionsValidatesLimit(t *testing.T) {
	s := newTestServer(t, nil)

	for _, target := range []string{
		"/executions?limit=0",
		"/executions?limit=-3",
		"/executions?limit=501",
		"/executions?limit=lots",
	} {
		rec := doRequest(s, http.MethodGet, target, testAPIKey)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("GET %s: expected 400, got %d", target, rec.Code)
		}
		var resp ErrorResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("GET %s: failed to decode error response: %v", target, err)
		}
		if !strings.Contains(resp.Error, "limit must be between") {
			t.Fatalf("GET %s: unexpected error message %q", target, resp.Error)
		}
	}
}

func TestExecutionsListsSummaries(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	var gotSubscription string
	var gotLimit int
	hist := &mockHistory{
		recentFunc: func(ctx context.Context, subscription string, limit int) ([]runner.Result, error) {
			gotSubscription = subscription
			gotLimit = limit
			return []runner.Result{{
				ID:           "exec-1",
				Subscription: "website",
				Topic:        "site/www",
				Revision:     "abc123",
				Command:      "./deploy.sh",
				Status:       runner.StatusFailed,
				ExitCode:     2,
				Output:       "rsync: connection refused",
				StartedAt:    started,
				FinishedAt:   started.Add(1500 * time.Millisecond),
			}}, nil
		},
	}
	s := newTestServer(t, hist)

	rec := doRequest(s, http.MethodGet, "/executions?limit=5&subscription=website", testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotSubscription != "website" {
		t.Fatalf("expected subscription filter %q, got %q", "website", gotSubscription)
	}
	if gotLimit != 5 {
		t.Fatalf("expected limit 5, got %d", gotLimit)
	}

	var resp ExecutionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(resp.Executions))
	}
	got := resp.Executions[0]
	if got.ID != "exec-1" || got.Status != runner.StatusFailed || got.ExitCode != 2 {
		t.Fatalf("unexpected summary: %+v", got)
	}
	if got.DurationMS != 1500 {
		t.Fatalf("expected duration 1500ms, got %d", got.DurationMS)
	}

	// Summaries must not carry the captured output; that is what the
	// detail endpoint is for.
	var raw struct {
		Executions []map[string]any `json:"executions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("failed to decode raw response: %v", err)
	}
	if _, ok := raw.Executions[0]["output"]; ok {
		t.Fatalf("expected output to be omitted from summaries")
	}
}

func TestExecutionDetail(t *testing.T) {
	hist := &mockHistory{
		getFunc: func(ctx context.Context, id string) (*runner.Result, error) {
			if id != "exec-1" {
				return nil, nil
			}
			return &runner.Result{
				ID:           "exec-1",
				Subscription: "website",
				Topic:        "site/www",
				Command:      "./deploy.sh",
				Status:       runner.StatusSucceeded,
				Output:       "deployed 42 files\n",
			}, nil
		},
	}
	s := newTestServer(t, hist)

	rec := doRequest(s, http.MethodGet, "/executions/exec-1", testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var res runner.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.Output != "deployed 42 files\n" {
		t.Fatalf("expected full output in detail response, got %q", res.Output)
	}

	rec = doRequest(s, http.MethodGet, "/executions/nope", testAPIKey)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
}

func TestExecutionDetailStoreError(t *testing.T) {
	hist := &mockHistory{
		getFunc: func(ctx context.Context, id string) (*runner.Result, error) {
			return nil, errors.New("database is locked")
		},
	}
	s := newTestServer(t, hist)

	rec := doRequest(s, http.MethodGet, "/executions/exec-1", testAPIKey)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
}

// eventsRequest performs a GET /events request that ends when the
// request context times out, then returns the streamed body. The
// handler blocks until the client goes away, so the deadline is what
// terminates the stream.
func eventsRequest(t *testing.T, s *Server, lastEventID string) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected Content-Type text/event-stream, got %q", ct)
	}
	return rec.Body.String()
}

func TestEventsReplaysBufferedEvents(t *testing.T) {
	s := newTestServer(t, nil)
	s.hub.Publish(events.TypeFeedState, map[string]string{"state": "streaming"})
	s.hub.Publish(events.TypeCommitQueued, map[string]string{"subscription": "website"})
	s.hub.Publish(events.TypeExecStarted, map[string]string{"subscription": "website"})

	body := eventsRequest(t, s, "")
	for _, want := range []string{
		"id: 1\n",
		"id: 2\n",
		"id: 3\n",
		"event: " + events.TypeFeedState + "\n",
		"event: " + events.TypeCommitQueued + "\n",
		"data: {\"state\":\"streaming\"}\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected stream to contain %q, got:\n%s", want, body)
		}
	}
}

func TestEventsResumesAfterLastEventID(t *testing.T) {
	s := newTestServer(t, nil)
	s.hub.Publish(events.TypeCommitQueued, nil)
	s.hub.Publish(events.TypeExecStarted, nil)
	s.hub.Publish(events.TypeExecFinished, nil)

	body := eventsRequest(t, s, "2")
	if strings.Contains(body, "id: 1\n") || strings.Contains(body, "id: 2\n") {
		t.Fatalf("expected events 1 and 2 to be skipped, got:\n%s", body)
	}
	if !strings.Contains(body, "id: 3\n") {
		t.Fatalf("expected event 3 to be replayed, got:\n%s", body)
	}
}

func TestParseLastEventID(t *testing.T) {
	t.Parallel()

	cases := map[string]int64{
		"":    0,
		"17":  17,
		"-4":  0,
		"abc": 0,
	}
	for in, want := range cases {
		if got := parseLastEventID(in); got != want {
			t.Fatalf("parseLastEventID(%q) = %d, want %d", in, got, want)
		}
	}
}
