package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/occd/internal/config"
	"github.com/mattjoyce/occd/internal/dispatch/mocks"
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

func loadRegistry(t *testing.T, yaml string) *registry.Registry {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "occd.yaml")
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
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
	return reg
}

// commitEvent builds a decoded feed event the way the stream would
// deliver it.
func commitEvent(t *testing.T, topic, revision string, files ...string) *feed.Event {
	t.Helper()

	commit := map[string]any{"hash": revision}
	if len(files) > 0 {
		commit["files"] = files
	}
	line, err := json.Marshal(map[string]any{
		"pubsub_path": "/" + topic + "/",
		"commit":      commit,
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	ev, err := feed.DecodeEvent(line, time.Now())
	if err != nil {
		t.Fatalf("DecodeEvent() failed: %v", err)
	}
	return ev
}

func resultFor(sub *registry.Subscription, ev *feed.Event, status runner.Status) *runner.Result {
	exit := 0
	switch status {
	case runner.StatusSucceeded:
	case runner.StatusFailed:
		exit = 1
	default:
		exit = -1
	}
	started := time.Now().UTC()
	return &runner.Result{
		ID:           "exec-" + ev.Revision(),
		Subscription: sub.Name,
		Topic:        ev.Topic,
		Revision:     ev.Revision(),
		Status:       status,
		ExitCode:     exit,
		StartedAt:    started,
		FinishedAt:   started.Add(5 * time.Millisecond),
	}
}

func waitSignal(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatcher")
		return ""
	}
}

func waitResult(t *testing.T, ch <-chan *runner.Result) *runner.Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recorded result")
		return nil
	}
}

func collectTypes(t *testing.T, ch <-chan events.Event, n int) []string {
	t.Helper()
	var types []string
	deadline := time.After(5 * time.Second)
	for len(types) < n {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-deadline:
			t.Fatalf("timed out collecting hub events, got %v", types)
		}
	}
	return types
}

const singleSubConfig = `
feed:
  url: http://feed.example.com/commits
subscriptions:
  website:
    topics:
      - site/www
    command: true
`

const blameSubConfig = `
feed:
  url: http://feed.example.com/commits
notify:
  smtp_host: mail.example.com
  from: occd@example.com
subscriptions:
  website:
    topics:
      - site/www
    command: true
    blame:
      - webmaster@example.com
`

func TestDispatcherRunsMatchingSubscription(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reg := loadRegistry(t, singleSubConfig)
	sub, _ := reg.Get("website")
	ev := commitEvent(t, "site/www", "abc123", "site/www/index.html")

	mockExec := mocks.NewMockExecutor(ctrl)
	mockRec := mocks.NewMockRecorder(ctrl)
	d := New(config.Defaults().Runner, reg, mockExec, mockRec, nil, events.NewHub(64))
	defer d.Stop()

	res := resultFor(sub, ev, runner.StatusSucceeded)
	recorded := make(chan *runner.Result, 1)
	mockExec.EXPECT().Execute(gomock.Any(), sub, ev).Return(res)
	mockRec.EXPECT().Record(gomock.Any(), res).DoAndReturn(func(context.Context, *runner.Result) error {
		recorded <- res
		return nil
	})

	d.HandleEvent(ev)

	got := waitResult(t, recorded)
	assert.Equal(t, runner.StatusSucceeded, got.Status)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Queued)
	assert.Equal(t, int64(1), stats.Started)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, 1, stats.Lanes)
}

func TestDispatcherIgnoresUnmatchedTopic(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reg := loadRegistry(t, singleSubConfig)
	d := New(config.Defaults().Runner, reg, mocks.NewMockExecutor(ctrl), mocks.NewMockRecorder(ctrl), nil, events.NewHub(64))
	defer d.Stop()

	d.HandleEvent(commitEvent(t, "docs/manual", "abc123"))

	assert.Equal(t, Stats{}, d.Stats())
}

func TestDispatcherSerializesPerSubscription(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reg := loadRegistry(t, singleSubConfig)

	mockExec := mocks.NewMockExecutor(ctrl)
	mockRec := mocks.NewMockRecorder(ctrl)
	d := New(config.Defaults().Runner, reg, mockExec, mockRec, nil, events.NewHub(64))
	defer d.Stop()

	var running atomic.Int32
	var overlapped atomic.Bool
	mockExec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, s *registry.Subscription, e *feed.Event) *runner.Result {
			if running.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return resultFor(s, e, runner.StatusSucceeded)
		}).Times(4)

	order := make(chan string, 4)
	mockRec.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, res *runner.Result) error {
			order <- res.Revision
			return nil
		}).Times(4)

	for _, rev := range []string{"r1", "r2", "r3", "r4"} {
		d.HandleEvent(commitEvent(t, "site/www", rev))
	}

	var got []string
	for range 4 {
		got = append(got, waitSignal(t, order))
	}
	assert.Equal(t, []string{"r1", "r2", "r3", "r4"}, got, "lane must run commits in arrival order")
	assert.False(t, overlapped.Load(), "commands for one subscription must not overlap")
}

func TestDispatcherFansOutAcrossSubscriptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reg := loadRegistry(t, `
feed:
  url: http://feed.example.com/commits
subscriptions:
  deploy-a:
    topics:
      - site/*
    command: true
  deploy-b:
    topics:
      - site/*
    command: true
`)

	mockExec := mocks.NewMockExecutor(ctrl)
	mockRec := mocks.NewMockRecorder(ctrl)
	d := New(config.Defaults().Runner, reg, mockExec, mockRec, nil, events.NewHub(64))
	defer d.Stop()

	barrier := make(chan struct{})
	started := make(chan string, 2)
	mockExec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, s *registry.Subscription, e *feed.Event) *runner.Result {
			started <- s.Name
			<-barrier
			return resultFor(s, e, runner.StatusSucceeded)
		}).Times(2)

	recorded := make(chan string, 2)
	mockRec.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, res *runner.Result) error {
			recorded <- res.Subscription
			return nil
		}).Times(2)

	d.HandleEvent(commitEvent(t, "site/www", "abc123"))

	// Both lanes must reach Execute before either is released.
	names := []string{waitSignal(t, started), waitSignal(t, started)}
	close(barrier)
	waitSignal(t, recorded)
	waitSignal(t, recorded)

	assert.ElementsMatch(t, []string{"deploy-a", "deploy-b"}, names)
	stats := d.Stats()
	assert.Equal(t, int64(2), stats.Queued)
	assert.Equal(t, 2, stats.Lanes)
}

func TestDispatcherHonorsGlobalConcurrencyCap(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reg := loadRegistry(t, `
feed:
  url: http://feed.example.com/commits
subscriptions:
  deploy-a:
    topics:
      - site/*
    command: true
  deploy-b:
    topics:
      - site/*
    command: true
`)

	cfg := config.Defaults().Runner
	cfg.MaxConcurrent = 1

	mockExec := mocks.NewMockExecutor(ctrl)
	mockRec := mocks.NewMockRecorder(ctrl)
	d := New(cfg, reg, mockExec, mockRec, nil, events.NewHub(64))
	defer d.Stop()

	var running atomic.Int32
	var overlapped atomic.Bool
	mockExec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, s *registry.Subscription, e *feed.Event) *runner.Result {
			if running.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return resultFor(s, e, runner.StatusSucceeded)
		}).Times(2)

	recorded := make(chan string, 2)
	mockRec.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, res *runner.Result) error {
			recorded <- res.Subscription
			return nil
		}).Times(2)

	d.HandleEvent(commitEvent(t, "site/www", "abc123"))
	waitSignal(t, recorded)
	waitSignal(t, recorded)

	assert.False(t, overlapped.Load(), "max_concurrent=1 must prevent overlap across lanes")
}

func TestDispatcherMailsBlameOnFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reg := loadRegistry(t, blameSubConfig)
	sub, _ := reg.Get("website")
	ev := commitEvent(t, "site/www", "abc123")

	mockExec := mocks.NewMockExecutor(ctrl)
	mockRec := mocks.NewMockRecorder(ctrl)
	mockNot := mocks.NewMockNotifier(ctrl)
	hub := events.NewHub(64)
	d := New(config.Defaults().Runner, reg, mockExec, mockRec, mockNot, hub)
	defer d.Stop()

	hubCh, cancel := hub.Subscribe()
	defer cancel()

	res := resultFor(sub, ev, runner.StatusFailed)
	notified := make(chan string, 1)
	mockExec.EXPECT().Execute(gomock.Any(), sub, ev).Return(res)
	mockRec.EXPECT().Record(gomock.Any(), res).Return(nil)
	mockNot.EXPECT().Notify(gomock.Any(), sub, res).DoAndReturn(
		func(_ context.Context, s *registry.Subscription, _ *runner.Result) error {
			notified <- s.Name
			return nil
		})

	d.HandleEvent(ev)
	waitSignal(t, notified)

	types := collectTypes(t, hubCh, 4)
	assert.Equal(t, []string{
		events.TypeCommitQueued,
		events.TypeExecStarted,
		events.TypeExecFinished,
		events.TypeBlameSent,
	}, types)
}

func TestDispatcherPublishesBlameErrorAndKeepsGoing(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reg := loadRegistry(t, blameSubConfig)
	sub, _ := reg.Get("website")
	evFail := commitEvent(t, "site/www", "bad1")
	evOK := commitEvent(t, "site/www", "good2")

	mockExec := mocks.NewMockExecutor(ctrl)
	mockRec := mocks.NewMockRecorder(ctrl)
	mockNot := mocks.NewMockNotifier(ctrl)
	hub := events.NewHub(64)
	d := New(config.Defaults().Runner, reg, mockExec, mockRec, mockNot, hub)
	defer d.Stop()

	hubCh, cancel := hub.Subscribe()
	defer cancel()

	recorded := make(chan string, 2)
	mockExec.EXPECT().Execute(gomock.Any(), sub, evFail).Return(resultFor(sub, evFail, runner.StatusFailed))
	mockExec.EXPECT().Execute(gomock.Any(), sub, evOK).Return(resultFor(sub, evOK, runner.StatusSucceeded))
	mockRec.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, res *runner.Result) error {
			recorded <- res.Revision
			return nil
		}).Times(2)
	mockNot.EXPECT().Notify(gomock.Any(), sub, gomock.Any()).Return(errors.New("smtp: connection refused"))

	d.HandleEvent(evFail)
	d.HandleEvent(evOK)

	assert.Equal(t, "bad1", waitSignal(t, recorded))
	assert.Equal(t, "good2", waitSignal(t, recorded), "a notify error must not wedge the lane")

	var sawBlameError bool
	for _, typ := range collectTypes(t, hubCh, 7) {
		if typ == events.TypeBlameError {
			sawBlameError = true
		}
	}
	assert.True(t, sawBlameError, "failed delivery should surface as a blame.error event")
}

func TestDispatcherNotifiesDespiteRecordError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reg := loadRegistry(t, blameSubConfig)
	sub, _ := reg.Get("website")
	ev := commitEvent(t, "site/www", "abc123")

	mockExec := mocks.NewMockExecutor(ctrl)
	mockRec := mocks.NewMockRecorder(ctrl)
	mockNot := mocks.NewMockNotifier(ctrl)
	d := New(config.Defaults().Runner, reg, mockExec, mockRec, mockNot, events.NewHub(64))
	defer d.Stop()

	res := resultFor(sub, ev, runner.StatusFailed)
	notified := make(chan string, 1)
	mockExec.EXPECT().Execute(gomock.Any(), sub, ev).Return(res)
	mockRec.EXPECT().Record(gomock.Any(), res).Return(errors.New("disk full"))
	mockNot.EXPECT().Notify(gomock.Any(), sub, res).DoAndReturn(
		func(_ context.Context, s *registry.Subscription, _ *runner.Result) error {
			notified <- s.Name
			return nil
		})

	d.HandleEvent(ev)

	assert.Equal(t, "website", waitSignal(t, notified))
}

func TestDispatcherDropsOldestWhenLaneFull(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reg := loadRegistry(t, singleSubConfig)

	cfg := config.Defaults().Runner
	cfg.QueueDepth = 1

	mockExec := mocks.NewMockExecutor(ctrl)
	mockRec := mocks.NewMockRecorder(ctrl)
	hub := events.NewHub(64)
	d := New(cfg, reg, mockExec, mockRec, nil, hub)
	defer d.Stop()

	hubCh, cancel := hub.Subscribe()
	defer cancel()

	gate := make(chan struct{})
	started := make(chan string, 4)
	mockExec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, s *registry.Subscription, e *feed.Event) *runner.Result {
			started <- e.Revision()
			<-gate
			return resultFor(s, e, runner.StatusSucceeded)
		}).Times(2)

	recorded := make(chan string, 4)
	mockRec.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, res *runner.Result) error {
			recorded <- res.Revision
			return nil
		}).Times(2)

	// r0 must be inside Execute before the queue is filled, so that the
	// drops hit queued commits rather than the running one.
	d.HandleEvent(commitEvent(t, "site/www", "r0"))
	assert.Equal(t, "r0", waitSignal(t, started))

	d.HandleEvent(commitEvent(t, "site/www", "r1"))
	d.HandleEvent(commitEvent(t, "site/www", "r2"))
	d.HandleEvent(commitEvent(t, "site/www", "r3"))
	close(gate)

	assert.Equal(t, "r0", waitSignal(t, recorded))
	assert.Equal(t, "r3", waitSignal(t, recorded), "newest commit should survive the evictions")

	var drops []string
	deadline := time.After(5 * time.Second)
	for len(drops) < 2 {
		select {
		case hubEv := <-hubCh:
			if hubEv.Type != events.TypeCommitDrop {
				continue
			}
			var payload struct {
				Revision string `json:"revision"`
			}
			if err := json.Unmarshal(hubEv.Data, &payload); err != nil {
				t.Fatalf("failed to decode drop payload: %v", err)
			}
			drops = append(drops, payload.Revision)
		case <-deadline:
			t.Fatalf("timed out waiting for drop events, got %v", drops)
		}
	}
	assert.Equal(t, []string{"r1", "r2"}, drops)

	stats := d.Stats()
	assert.Equal(t, int64(4), stats.Queued)
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Equal(t, int64(2), stats.Started)
	assert.Equal(t, int64(2), stats.Succeeded)
}

func TestDispatcherFiltersOnChangedPaths(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reg := loadRegistry(t, `
feed:
  url: http://feed.example.com/commits
subscriptions:
  website:
    topics:
      - site/www
    command: true
    changedir: site/www
`)

	mockExec := mocks.NewMockExecutor(ctrl)
	mockRec := mocks.NewMockRecorder(ctrl)
	d := New(config.Defaults().Runner, reg, mockExec, mockRec, nil, events.NewHub(64))
	defer d.Stop()

	mockExec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, s *registry.Subscription, e *feed.Event) *runner.Result {
			return resultFor(s, e, runner.StatusSucceeded)
		}).Times(2)

	recorded := make(chan string, 2)
	mockRec.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, res *runner.Result) error {
			recorded <- res.Revision
			return nil
		}).Times(2)

	d.HandleEvent(commitEvent(t, "site/www", "r-in", "site/www/index.html"))
	d.HandleEvent(commitEvent(t, "site/www", "r-out", "site/blog/post.md"))
	// No path data at all degrades to plain topic matching.
	d.HandleEvent(commitEvent(t, "site/www", "r-none"))

	assert.Equal(t, "r-in", waitSignal(t, recorded))
	assert.Equal(t, "r-none", waitSignal(t, recorded))
	assert.Equal(t, int64(2), d.Stats().Queued)
}

func TestStopDrainsQueuedWork(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reg := loadRegistry(t, singleSubConfig)

	mockExec := mocks.NewMockExecutor(ctrl)
	mockRec := mocks.NewMockRecorder(ctrl)
	d := New(config.Defaults().Runner, reg, mockExec, mockRec, nil, events.NewHub(64))

	mockExec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, s *registry.Subscription, e *feed.Event) *runner.Result {
			time.Sleep(2 * time.Millisecond)
			return resultFor(s, e, runner.StatusSucceeded)
		}).Times(3)

	recorded := make(chan string, 3)
	mockRec.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, res *runner.Result) error {
			recorded <- res.Revision
			return nil
		}).Times(3)

	d.HandleEvent(commitEvent(t, "site/www", "r1"))
	d.HandleEvent(commitEvent(t, "site/www", "r2"))
	d.HandleEvent(commitEvent(t, "site/www", "r3"))

	d.Stop()

	assert.Equal(t, 3, len(recorded), "queued commits must run to completion during drain")
	assert.Equal(t, int64(3), d.Stats().Succeeded)
}

func TestStopAbortsRunningCommandAfterGrace(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reg := loadRegistry(t, blameSubConfig)

	cfg := config.Defaults().Runner
	cfg.DrainGrace = 30 * time.Millisecond

	mockExec := mocks.NewMockExecutor(ctrl)
	mockRec := mocks.NewMockRecorder(ctrl)
	// No Notify expectation: aborted runs are never blamed.
	mockNot := mocks.NewMockNotifier(ctrl)
	d := New(cfg, reg, mockExec, mockRec, mockNot, events.NewHub(64))

	started := make(chan string, 1)
	mockExec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, s *registry.Subscription, e *feed.Event) *runner.Result {
			started <- e.Revision()
			<-ctx.Done()
			return resultFor(s, e, runner.StatusAborted)
		})

	recorded := make(chan *runner.Result, 1)
	mockRec.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, res *runner.Result) error {
			recorded <- res
			return nil
		})

	d.HandleEvent(commitEvent(t, "site/www", "r0"))
	assert.Equal(t, "r0", waitSignal(t, started))
	// r1 sits in the queue and must be discarded, not executed, once
	// the grace expires.
	d.HandleEvent(commitEvent(t, "site/www", "r1"))

	d.Stop()

	res := waitResult(t, recorded)
	assert.Equal(t, runner.StatusAborted, res.Status)
	assert.Equal(t, "r0", res.Revision)

	stats := d.Stats()
	assert.Equal(t, int64(2), stats.Queued)
	assert.Equal(t, int64(1), stats.Started)
	assert.Equal(t, int64(1), stats.Aborted)
}

func TestDispatcherRejectsEventsAfterStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reg := loadRegistry(t, singleSubConfig)
	d := New(config.Defaults().Runner, reg, mocks.NewMockExecutor(ctrl), mocks.NewMockRecorder(ctrl), nil, events.NewHub(64))

	d.Stop()
	d.HandleEvent(commitEvent(t, "site/www", "late"))

	assert.Equal(t, int64(0), d.Stats().Queued)
}
