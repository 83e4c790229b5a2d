package feed

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateStreaming    = "streaming"
	StateStopped      = "stopped"
)

// connState tracks the feed connection lifecycle: disconnected →
// connecting → streaming, back to connecting when the stream drops, and
// any state → stopped exactly once at shutdown.
type connState struct {
	fsm    *fsm.FSM
	logger *slog.Logger
}

func newConnState(logger *slog.Logger, onChange func(state string)) *connState {
	c := &connState{logger: logger}
	c.fsm = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: "connect", Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: "established", Src: []string{StateConnecting}, Dst: StateStreaming},
			{Name: "drop", Src: []string{StateStreaming}, Dst: StateConnecting},
			{Name: "stop", Src: []string{StateDisconnected, StateConnecting, StateStreaming}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				logger.Debug("feed connection state change",
					"from", e.Src,
					"to", e.Dst,
					"event", e.Event)
				if onChange != nil {
					onChange(e.Dst)
				}
			},
		},
	)
	return c
}

func (c *connState) current() string {
	return c.fsm.Current()
}

func (c *connState) transition(ctx context.Context, event string) {
	if err := c.fsm.Event(ctx, event); err != nil {
		c.logger.Warn("feed state transition rejected", "event", event, "error", err)
	}
}
