package dispatch

import (
	"context"

	"github.com/mattjoyce/occd/internal/feed"
	"github.com/mattjoyce/occd/internal/registry"
	"github.com/mattjoyce/occd/internal/runner"
)

//go:generate mockgen -destination=mocks/mock_deps.go -package=mocks github.com/mattjoyce/occd/internal/dispatch Executor,Recorder,Notifier

// Executor runs one subscription command for one commit event.
type Executor interface {
	Execute(ctx context.Context, sub *registry.Subscription, ev *feed.Event) *runner.Result
}

// Recorder persists finished executions.
type Recorder interface {
	Record(ctx context.Context, res *runner.Result) error
}

// Notifier reports failed executions to the subscription's blame list.
type Notifier interface {
	Notify(ctx context.Context, sub *registry.Subscription, res *runner.Result) error
}
