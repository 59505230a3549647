// Package engine executes transitions: it validates a homogeneous batch of
// entities, runs the transition's actions in dependency order and commits the
// target state together with one history record per entity.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	transition "github.com/goliatone/go-transition"
	"github.com/goliatone/go-transition/registry"
	"github.com/goliatone/go-transition/store"
)

// Enqueuer hands async transitions to background workers.
type Enqueuer interface {
	Dispatch(ctx context.Context, t transition.Transition, refs []transition.EntityRef, caller transition.Caller, extraInput map[string]any) (*transition.TransitionJob, error)
}

// Request is a caller asking to run a transition on a batch of entities.
type Request struct {
	TransitionID string
	Entities     []transition.EntityRef
	Caller       transition.Caller
	ExtraInput   map[string]any
}

// Engine runs transitions against an entity store.
type Engine struct {
	defs       *registry.Definitions
	actions    *registry.Actions
	entities   store.EntityStore
	history    store.HistoryStore
	enqueuer   Enqueuer
	authorizer Authorizer
	hooks      []Hook
	logger     Logger
	metrics    Metrics
	panics     transition.PanicLogger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithHooks(hooks ...Hook) Option {
	return func(e *Engine) {
		e.hooks = append(e.hooks, hooks...)
	}
}

// WithDispatcher routes async transitions to enq.
func WithDispatcher(enq Enqueuer) Option {
	return func(e *Engine) {
		e.enqueuer = enq
	}
}

func WithAuthorizer(a Authorizer) Option {
	return func(e *Engine) {
		e.authorizer = a
	}
}

// WithHistory sets the store used for history queries and failure records.
// It defaults to the entity store when that also implements store.HistoryStore.
func WithHistory(h store.HistoryStore) Option {
	return func(e *Engine) {
		e.history = h
	}
}

func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithPanicLogger receives panics recovered from action bodies.
func WithPanicLogger(logger transition.PanicLogger) Option {
	return func(e *Engine) {
		e.panics = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New builds an engine. When actions is nil the registry behind defs is used.
func New(defs *registry.Definitions, actions *registry.Actions, entities store.EntityStore, opts ...Option) (*Engine, error) {
	if defs == nil {
		return nil, errors.New("engine requires transition definitions")
	}
	if entities == nil {
		return nil, errors.New("engine requires an entity store")
	}
	if actions == nil {
		actions = defs.Actions()
	}
	e := &Engine{
		defs:     defs,
		actions:  actions,
		entities: entities,
		metrics:  noopMetrics{},
		now:      time.Now,
	}
	if h, ok := entities.(store.HistoryStore); ok {
		e.history = h
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = NormalizeLogger(e.logger)
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// AttachDispatcher sets the async enqueuer after construction, for dispatchers
// that themselves need the engine to be built first.
func (e *Engine) AttachDispatcher(enq Enqueuer) {
	e.enqueuer = enq
}

// Definitions returns the definition store the engine reads from.
func (e *Engine) Definitions() *registry.Definitions {
	return e.defs
}

// Execute looks up the transition and entities of req and runs it, or hands it
// to the dispatcher when the transition is async.
func (e *Engine) Execute(ctx context.Context, req Request) (*transition.ExecutionResult, error) {
	t, err := e.defs.Get(req.TransitionID)
	if err != nil {
		return nil, err
	}
	entities, err := e.load(ctx, req.Entities)
	if err != nil {
		return nil, err
	}

	async, err := e.isAsync(t)
	if err != nil {
		return nil, err
	}
	if !async {
		return e.run(ctx, t, entities, req.Caller, req.ExtraInput, "")
	}
	if e.enqueuer == nil {
		e.logger.Warn("transition %s is async but no dispatcher is attached, running inline", t.ID)
		return e.run(ctx, t, entities, req.Caller, req.ExtraInput, "")
	}
	return e.deferExecution(ctx, t, entities, req)
}

// Run executes t inline against already loaded entities. On success the given
// entities are updated to their committed values.
func (e *Engine) Run(ctx context.Context, t transition.Transition, entities []*transition.Entity, caller transition.Caller, extraInput map[string]any) (*transition.ExecutionResult, error) {
	return e.run(ctx, t, entities, caller, extraInput, "")
}

// RunJob executes one attempt of an async job.
func (e *Engine) RunJob(ctx context.Context, msg transition.JobMessage) (*transition.ExecutionResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	t, err := e.defs.Get(msg.TransitionID)
	if err != nil {
		return nil, err
	}
	entities, err := e.load(ctx, msg.Refs())
	if err != nil {
		return nil, err
	}
	return e.run(ctx, t, entities, msg.Caller, msg.ExtraInput, msg.JobID)
}

// RecordFailure appends one failure history record per entity of a job that
// will not be retried again.
func (e *Engine) RecordFailure(ctx context.Context, msg transition.JobMessage, cause error) error {
	if e.history == nil {
		return errors.New("engine has no history store")
	}
	t, err := e.defs.Get(msg.TransitionID)
	if err != nil {
		return err
	}
	reason := "job exhausted"
	if cause != nil {
		reason = cause.Error()
	}
	now := e.now().UTC()
	var errs []error
	for _, ref := range msg.Refs() {
		source := ""
		if current, err := e.entities.Load(ctx, ref); err == nil && current != nil {
			source = current.State(t.Binding.Field)
		}
		rec := transition.TransitionHistory{
			ID:             uuid.NewString(),
			TransitionID:   t.ID,
			TransitionName: t.Name,
			EntityType:     ref.Type,
			EntityID:       ref.ID,
			Source:         source,
			Target:         t.TargetState,
			PerformedBy:    msg.Caller.Ref(),
			ExtraInput:     transition.CopyMap(msg.ExtraInput),
			JobID:          msg.JobID,
			Error:          reason,
			Timestamp:      now,
		}
		if err := e.history.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListAvailable returns the transitions of a binding legal from currentState
// that the caller is allowed to perform.
func (e *Engine) ListAvailable(ctx context.Context, entityType, field, currentState string, caller transition.Caller) ([]transition.Transition, error) {
	binding, ok := e.defs.BindingFor(entityType, field)
	if !ok {
		return nil, transition.NewError(transition.ErrInvalidDefinition,
			fmt.Sprintf("binding %s.%s is not declared", entityType, field), nil, map[string]any{
				"entity_type": entityType,
				"field":       field,
			})
	}
	var out []transition.Transition
	for _, t := range e.defs.Available(binding, currentState) {
		if e.authorizer != nil {
			if err := e.authorizer.Authorize(ctx, caller, t); err != nil {
				if transition.IsKind(err, transition.ErrForbidden) {
					continue
				}
				return nil, err
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// History returns the audit trail of one entity, newest first.
func (e *Engine) History(ctx context.Context, ref transition.EntityRef) iter.Seq2[transition.TransitionHistory, error] {
	if e.history == nil {
		return func(yield func(transition.TransitionHistory, error) bool) {
			yield(transition.TransitionHistory{}, errors.New("engine has no history store"))
		}
	}
	return e.history.Query(ctx, ref.Type, ref.ID)
}

func (e *Engine) load(ctx context.Context, refs []transition.EntityRef) ([]*transition.Entity, error) {
	if len(refs) == 0 {
		return nil, transition.NewError(transition.ErrEntityNotFound, "no entities given", nil, nil)
	}
	out := make([]*transition.Entity, 0, len(refs))
	for _, ref := range refs {
		entity, err := e.entities.Load(ctx, ref)
		if err != nil {
			return nil, err
		}
		if entity == nil {
			return nil, transition.NewError(transition.ErrEntityNotFound, fmt.Sprintf("entity %s not found", ref), nil, map[string]any{
				"entity_type": ref.Type,
				"entity_id":   ref.ID,
			})
		}
		out = append(out, entity)
	}
	return out, nil
}

func (e *Engine) isAsync(t transition.Transition) (bool, error) {
	if t.Async {
		return true, nil
	}
	for _, name := range t.Actions {
		action, err := e.actions.Lookup(name)
		if err != nil {
			return false, err
		}
		if action.Meta().Async {
			return true, nil
		}
	}
	return false, nil
}

// deferExecution validates synchronously so callers see precondition failures
// immediately, then enqueues a job.
func (e *Engine) deferExecution(ctx context.Context, t transition.Transition, entities []*transition.Entity, req Request) (*transition.ExecutionResult, error) {
	exec := e.newExecution(ctx, t, entities, req.Caller, req.ExtraInput, "")
	start := e.now()
	if _, err := exec.prepare(); err != nil {
		exec.abort(err)
		e.metrics.ObserveExecution(t.ID, OutcomeError, e.now().Sub(start))
		return nil, err
	}

	job, err := e.enqueuer.Dispatch(ctx, t, refsOf(entities), req.Caller, req.ExtraInput)
	if err != nil {
		exec.abort(err)
		e.metrics.ObserveExecution(t.ID, OutcomeError, e.now().Sub(start))
		return nil, err
	}
	exec.jobID = job.ID
	exec.logger = WithLoggerFields(exec.logger, map[string]any{"job_id": job.ID})
	exec.emit(PhaseDeferred, -1, "", nil)
	exec.logger.Info("transition deferred to queue %s", job.Queue)
	e.metrics.ObserveExecution(t.ID, OutcomeDeferred, e.now().Sub(start))
	return &transition.ExecutionResult{
		ExecutionID: exec.id,
		Transition:  t,
		Job:         job,
	}, nil
}

func (e *Engine) run(ctx context.Context, t transition.Transition, entities []*transition.Entity, caller transition.Caller, extraInput map[string]any, jobID string) (*transition.ExecutionResult, error) {
	exec := e.newExecution(ctx, t, entities, caller, extraInput, jobID)
	start := e.now()
	result, err := exec.execute()
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	e.metrics.ObserveExecution(t.ID, outcome, e.now().Sub(start))
	return result, err
}

func refsOf(entities []*transition.Entity) []transition.EntityRef {
	refs := make([]transition.EntityRef, 0, len(entities))
	for _, entity := range entities {
		if entity != nil {
			refs = append(refs, entity.Ref())
		}
	}
	return refs
}

func entityIDs(entities []*transition.Entity) string {
	ids := make([]string, 0, len(entities))
	for _, entity := range entities {
		if entity != nil {
			ids = append(ids, entity.ID)
		}
	}
	return strings.Join(ids, ",")
}
