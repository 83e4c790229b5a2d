package history

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mattjoyce/occd/internal/log"
)

// Pruner trims old execution rows on a fixed cadence.
type Pruner struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewPruner(store *Store, retention time.Duration) *Pruner {
	return &Pruner{
		store:     store,
		retention: retention,
		interval:  time.Hour,
		logger:    log.WithComponent("history"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the prune loop. The first pass runs right away so a
// daemon that was down for a while catches up on startup.
func (p *Pruner) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop waits for an in-flight pass to finish.
func (p *Pruner) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pruner) loop(ctx context.Context) {
	defer p.wg.Done()

	p.prune(ctx)

	ticker := time.NewTicker(jittered(p.interval))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.prune(ctx)
			ticker.Reset(jittered(p.interval))
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	n, err := p.store.Prune(ctx, p.retention)
	if err != nil {
		p.logger.Error("history prune failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("pruned old executions", "removed", n, "retention", p.retention)
	}
}

// jittered spreads prune passes out so a fleet restarted together does
// not hit its databases in lockstep.
func jittered(base time.Duration) time.Duration {
	return base + rand.N(base/10+1)
}
