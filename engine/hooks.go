package engine

import (
	"context"
	"time"

	transition "github.com/goliatone/go-transition"
)

// Phase is a step of one execution.
type Phase string

const (
	PhaseValidating Phase = "validating"
	PhaseResolving  Phase = "resolving"
	PhaseRunning    Phase = "running"
	PhaseCommitting Phase = "committing"
	PhaseDone       Phase = "done"
	PhaseAborted    Phase = "aborted"
	PhaseDeferred   Phase = "deferred"
)

// PhaseEvent is emitted to hooks as an execution moves between phases.
// ActionIndex and Action are set only for PhaseRunning.
type PhaseEvent struct {
	Phase        Phase
	ExecutionID  string
	TransitionID string
	JobID        string
	Entities     []transition.EntityRef
	ActionIndex  int
	Action       string
	Err          error
	OccurredAt   time.Time
}

// Hook observes execution phases. Hook errors are logged and never abort an execution.
type Hook interface {
	Notify(ctx context.Context, evt PhaseEvent) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, evt PhaseEvent) error

func (f HookFunc) Notify(ctx context.Context, evt PhaseEvent) error {
	return f(ctx, evt)
}

func (e *Engine) emit(ctx context.Context, logger Logger, evt PhaseEvent) {
	if len(e.hooks) == 0 {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = e.now()
	}
	for idx, hook := range e.hooks {
		if hook == nil {
			continue
		}
		evt := evt
		evt.Entities = append([]transition.EntityRef(nil), evt.Entities...)
		if err := hook.Notify(ctx, evt); err != nil {
			logger.Warn("phase hook failed at index=%d phase=%s: %v", idx, evt.Phase, err)
		}
	}
}
