package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/occd/internal/config"
	"github.com/mattjoyce/occd/internal/events"
	"github.com/mattjoyce/occd/internal/feed"
	"github.com/mattjoyce/occd/internal/log"
	"github.com/mattjoyce/occd/internal/registry"
	"github.com/mattjoyce/occd/internal/runner"
)

// finishTimeout bounds recording and blame delivery for one execution.
const finishTimeout = time.Minute

// Dispatcher routes commit events through the registry to per
// subscription lanes.
type Dispatcher struct {
	cfg      config.RunnerConfig
	reg      *registry.Registry
	exec     Executor
	recorder Recorder
	notifier Notifier
	hub      *events.Hub
	logger   *slog.Logger

	// sem caps command executions across all lanes.
	sem chan struct{}

	// execCtx is cancelled only when the drain grace expires; running
	// commands are then torn down and report as aborted.
	execCtx    context.Context
	execCancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	stats  Stats

	wg sync.WaitGroup
}

// Stats is a snapshot of dispatcher activity.
type Stats struct {
	Queued    int64 `json:"queued"`
	Dropped   int64 `json:"dropped"`
	Started   int64 `json:"started"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Aborted   int64 `json:"aborted"`
	Active    int   `json:"active"`
	Lanes     int   `json:"lanes"`
}

type task struct {
	sub *registry.Subscription
	ev  *feed.Event
}

type lane struct {
	name  string
	tasks chan task
}

// laneEvent is the hub payload for queue activity.
type laneEvent struct {
	Subscription string `json:"subscription"`
	Topic        string `json:"topic"`
	Revision     string `json:"revision,omitempty"`
}

// finishedEvent is the hub payload for a completed execution. Output is
// left out; observers fetch it from history when they need it.
type finishedEvent struct {
	ID           string        `json:"id"`
	Subscription string        `json:"subscription"`
	Topic        string        `json:"topic"`
	Revision     string        `json:"revision,omitempty"`
	Status       runner.Status `json:"status"`
	ExitCode     int           `json:"exit_code"`
	Truncated    bool          `json:"truncated,omitempty"`
	DurationMS   int64         `json:"duration_ms"`
}

// New creates a Dispatcher. The notifier may be nil when no SMTP
// endpoint is configured; failures are then only logged and recorded.
func New(cfg config.RunnerConfig, reg *registry.Registry, exec Executor, rec Recorder, not Notifier, hub *events.Hub) *Dispatcher {
	execCtx, execCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		reg:        reg,
		exec:       exec,
		recorder:   rec,
		notifier:   not,
		hub:        hub,
		logger:     log.WithComponent("dispatch"),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		execCtx:    execCtx,
		execCancel: execCancel,
		lanes:      make(map[string]*lane),
	}
}

// HandleEvent is the feed callback. It matches the event against the
// registry and enqueues a task per matching subscription. It never
// blocks: a full lane drops its oldest queued commit to make room.
func (d *Dispatcher) HandleEvent(ev *feed.Event) {
	paths := ev.ChangedPaths()
	matched := 0
	for sub := range d.reg.Matching(ev.Topic) {
		if !sub.WantsChange(paths) {
			d.logger.Debug("subscription skipped, no changed path under changedir",
				"subscription", sub.Name,
				"topic", ev.Topic,
			)
			continue
		}
		matched++
		d.dispatch(sub, ev)
	}
	if matched == 0 {
		d.logger.Debug("no subscriptions matched", "topic", ev.Topic)
	}
}

func (d *Dispatcher) dispatch(sub *registry.Subscription, ev *feed.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Warn("dropping commit, dispatcher is shutting down",
			"subscription", sub.Name,
			"topic", ev.Topic,
		)
		return
	}

	l, ok := d.lanes[sub.Name]
	if !ok {
		l = &lane{name: sub.Name, tasks: make(chan task, d.cfg.QueueDepth)}
		d.lanes[sub.Name] = l
		d.stats.Lanes = len(d.lanes)
		d.wg.Add(1)
		go d.runLane(l)
	}

	d.enqueueLocked(l, task{sub: sub, ev: ev})
}

// enqueueLocked adds t to the lane, evicting the oldest queued task
// when the lane is full. Holding d.mu here means Stop cannot close the
// channel between the check and the send, and keeps hub publishes in
// causal order: a commit is always seen queued before it is seen
// started, because the lane goroutine takes d.mu before announcing a
// start.
func (d *Dispatcher) enqueueLocked(l *lane, t task) {
	for {
		select {
		case l.tasks <- t:
			d.stats.Queued++
			d.hub.Publish(events.TypeCommitQueued, laneEvent{
				Subscription: l.name,
				Topic:        t.ev.Topic,
				Revision:     t.ev.Revision(),
			})
			return
		default:
		}
		select {
		case old := <-l.tasks:
			d.stats.Dropped++
			d.logger.Warn("subscription queue full, dropped oldest commit",
				"subscription", l.name,
				"dropped_topic", old.ev.Topic,
				"dropped_revision", old.ev.Revision(),
			)
			d.hub.Publish(events.TypeCommitDrop, laneEvent{
				Subscription: l.name,
				Topic:        old.ev.Topic,
				Revision:     old.ev.Revision(),
			})
		default:
			// The lane consumer won the race for the free slot; loop
			// and try the send again.
		}
	}
}

func (d *Dispatcher) runLane(l *lane) {
	defer d.wg.Done()

	for t := range l.tasks {
		if d.execCtx.Err() != nil {
			d.logger.Warn("discarding queued commit during shutdown",
				"subscription", t.sub.Name,
				"topic", t.ev.Topic,
			)
			continue
		}

		d.sem <- struct{}{}
		d.mu.Lock()
		d.stats.Started++
		d.stats.Active++
		d.mu.Unlock()

		d.hub.Publish(events.TypeExecStarted, laneEvent{
			Subscription: t.sub.Name,
			Topic:        t.ev.Topic,
			Revision:     t.ev.Revision(),
		})

		res := d.exec.Execute(d.execCtx, t.sub, t.ev)
		<-d.sem

		d.mu.Lock()
		d.stats.Active--
		switch {
		case res.Status == runner.StatusAborted:
			d.stats.Aborted++
		case res.Failed():
			d.stats.Failed++
		default:
			d.stats.Succeeded++
		}
		d.mu.Unlock()

		d.finish(t.sub, res)
	}
}

// finish records the result and, for failures, mails the blame list.
// Both run on a context detached from shutdown so that a result from a
// draining command still lands in history.
func (d *Dispatcher) finish(sub *registry.Subscription, res *runner.Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.execCtx), finishTimeout)
	defer cancel()

	d.hub.Publish(events.TypeExecFinished, finishedEvent{
		ID:           res.ID,
		Subscription: res.Subscription,
		Topic:        res.Topic,
		Revision:     res.Revision,
		Status:       res.Status,
		ExitCode:     res.ExitCode,
		Truncated:    res.Truncated,
		DurationMS:   res.Duration().Milliseconds(),
	})

	if err := d.recorder.Record(ctx, res); err != nil {
		d.logger.Error("record execution",
			"subscription", sub.Name,
			"execution_id", res.ID,
			"error", err,
		)
	}

	if !res.Failed() || d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, sub, res); err != nil {
		d.logger.Error("blame notification failed",
			"subscription", sub.Name,
			"execution_id", res.ID,
			"error", err,
		)
		d.hub.Publish(events.TypeBlameError, laneEvent{
			Subscription: sub.Name,
			Topic:        res.Topic,
			Revision:     res.Revision,
		})
		return
	}
	if len(sub.Blame) > 0 {
		d.hub.Publish(events.TypeBlameSent, laneEvent{
			Subscription: sub.Name,
			Topic:        res.Topic,
			Revision:     res.Revision,
		})
	}
}

// Stop drains the lanes: no new tasks are accepted, queued work runs to
// completion, and commands still running when the drain grace expires
// are torn down. Later calls return immediately.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, l := range d.lanes {
		close(l.tasks)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher drained")
	case <-time.After(d.cfg.DrainGrace):
		d.logger.Warn("drain grace expired, aborting running commands",
			"grace", d.cfg.DrainGrace,
		)
		d.execCancel()
		<-done
	}
	d.execCancel()
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
