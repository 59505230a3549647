package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	transition "github.com/goliatone/go-transition"
	"github.com/goliatone/go-transition/resolver"
	"github.com/goliatone/go-transition/store"
)

// execution carries the state of one run of a transition over one batch.
type execution struct {
	engine   *Engine
	ctx      context.Context
	id       string
	jobID    string
	t        transition.Transition
	entities []*transition.Entity
	refs     []transition.EntityRef
	caller   transition.Caller
	input    map[string]any
	logger   Logger
}

func (e *Engine) newExecution(ctx context.Context, t transition.Transition, entities []*transition.Entity, caller transition.Caller, input map[string]any, jobID string) *execution {
	if ctx == nil {
		ctx = context.Background()
	}
	id := uuid.NewString()
	fields := map[string]any{
		"transition_id": t.ID,
		"entity_type":   t.Binding.EntityType,
		"entity_ids":    entityIDs(entities),
		"execution_id":  id,
	}
	if jobID != "" {
		fields["job_id"] = jobID
	}
	return &execution{
		engine:   e,
		ctx:      ctx,
		id:       id,
		jobID:    jobID,
		t:        t,
		entities: entities,
		refs:     refsOf(entities),
		caller:   caller,
		input:    transition.CopyMap(input),
		logger:   WithLoggerFields(e.logger.WithContext(ctx), fields),
	}
}

func (x *execution) emit(phase Phase, index int, action string, err error) {
	x.engine.emit(x.ctx, x.logger, PhaseEvent{
		Phase:        phase,
		ExecutionID:  x.id,
		TransitionID: x.t.ID,
		JobID:        x.jobID,
		Entities:     x.refs,
		ActionIndex:  index,
		Action:       action,
		Err:          err,
	})
}

func (x *execution) abort(err error) {
	x.logger.Error("transition aborted: %v", err)
	x.emit(PhaseAborted, -1, "", err)
}

func (x *execution) execute() (*transition.ExecutionResult, error) {
	plan, err := x.prepare()
	if err != nil {
		x.abort(err)
		return nil, err
	}

	working, attachments, ran, err := x.runActions(plan)
	if err != nil {
		x.abort(err)
		return nil, err
	}

	history, err := x.commit(working, ran, attachments)
	if err != nil {
		x.abort(err)
		return nil, err
	}

	x.emit(PhaseDone, -1, "", nil)
	x.logger.Info("transition committed %s -> %s", strings.Join(x.t.SourceStates, "|"), x.t.TargetState)

	return &transition.ExecutionResult{
		ExecutionID: x.id,
		Transition:  x.t,
		History:     history,
		Attachments: attachments,
		ActionsRun:  ran,
		Redirect:    x.t.SuccessRedirect,
	}, nil
}

// prepare runs the validating and resolving phases and returns the actions in
// execution order.
func (x *execution) prepare() ([]transition.Action, error) {
	x.emit(PhaseValidating, -1, "", nil)
	actions, err := x.validate()
	if err != nil {
		return nil, err
	}
	x.emit(PhaseResolving, -1, "", nil)
	return x.resolve(actions)
}

func (x *execution) validate() ([]transition.Action, error) {
	if len(x.entities) == 0 {
		return nil, transition.NewError(transition.ErrEntityNotFound, "transition requires at least one entity", nil, map[string]any{
			"transition": x.t.ID,
		})
	}
	seen := make(map[transition.EntityRef]bool, len(x.entities))
	for i, entity := range x.entities {
		if entity == nil {
			return nil, transition.NewError(transition.ErrEntityNotFound, fmt.Sprintf("entity at index %d is nil", i), nil, map[string]any{
				"transition": x.t.ID,
				"index":      i,
			})
		}
		ref := entity.Ref()
		if seen[ref] {
			return nil, transition.NewError(transition.ErrTypeMismatch, fmt.Sprintf("batch lists %s more than once", ref), nil, map[string]any{
				"transition": x.t.ID,
				"entity_id":  ref.ID,
				"index":      i,
			})
		}
		seen[ref] = true
	}

	first := x.entities[0].Type
	for _, entity := range x.entities[1:] {
		if entity.Type != first {
			return nil, transition.NewError(transition.ErrTypeMismatch,
				fmt.Sprintf("batch mixes entity types %s and %s", first, entity.Type), nil, map[string]any{
					"transition": x.t.ID,
					"expected":   first,
					"actual":     entity.Type,
					"entity_id":  entity.ID,
				})
		}
	}
	if first != x.t.Binding.EntityType {
		return nil, transition.NewError(transition.ErrTypeMismatch,
			fmt.Sprintf("transition %s applies to %s, not %s", x.t.ID, x.t.Binding.EntityType, first), nil, map[string]any{
				"transition": x.t.ID,
				"expected":   x.t.Binding.EntityType,
				"actual":     first,
			})
	}

	for _, entity := range x.entities {
		if state := entity.State(x.t.Binding.Field); !x.t.AllowsSource(state) {
			return nil, invalidState(x.t, entity.Ref(), state)
		}
	}

	actions, err := x.engine.actions.LookupAll(x.t.Actions)
	if err != nil {
		return nil, err
	}

	missing := x.t.MissingInput(x.input)
	for _, action := range actions {
		meta := action.Meta()
		if !meta.AppliesTo(x.t.Binding.EntityType) {
			return nil, transition.NewError(transition.ErrTypeMismatch,
				fmt.Sprintf("action %s does not apply to %s", meta.Name, x.t.Binding.EntityType), nil, map[string]any{
					"transition":  x.t.ID,
					"action":      meta.Name,
					"entity_type": x.t.Binding.EntityType,
				})
		}
		for _, key := range missingFor(meta, x.input) {
			if !contains(missing, key) {
				missing = append(missing, key)
			}
		}
	}
	if len(missing) > 0 {
		return nil, transition.NewError(transition.ErrMissingInput,
			fmt.Sprintf("transition %s requires input: %s", x.t.ID, strings.Join(missing, ", ")), nil, map[string]any{
				"transition": x.t.ID,
				"missing":    missing,
				"form":       x.t.FormTemplate,
			})
	}

	if x.engine.authorizer != nil {
		if err := x.engine.authorizer.Authorize(x.ctx, x.caller, x.t); err != nil {
			return nil, err
		}
	}
	return actions, nil
}

func (x *execution) resolve(actions []transition.Action) ([]transition.Action, error) {
	metas := make([]transition.ActionMeta, 0, len(actions))
	byName := make(map[string]transition.Action, len(actions))
	var producers []string
	for _, action := range actions {
		meta := action.Meta()
		metas = append(metas, meta)
		byName[meta.Name] = action
		if meta.ProducesAttachment {
			producers = append(producers, meta.Name)
		}
	}
	if len(producers) > 1 {
		return nil, transition.NewError(transition.ErrAttachmentConflict,
			fmt.Sprintf("transition %s has more than one attachment producing action: %s", x.t.ID, strings.Join(producers, ", ")), nil, map[string]any{
				"transition": x.t.ID,
				"actions":    producers,
			})
	}

	order, err := resolver.Resolve(resolver.NodesFor(metas))
	if err != nil {
		if meta := transition.ErrorMetadata(err); meta != nil {
			meta["transition"] = x.t.ID
		}
		return nil, err
	}
	plan := make([]transition.Action, 0, len(order))
	for _, name := range order {
		plan = append(plan, byName[name])
	}
	return plan, nil
}

// runActions runs the plan on working copies of the entities so an abort
// leaves the originals untouched.
func (x *execution) runActions(plan []transition.Action) ([]*transition.Entity, []transition.AttachmentRef, []string, error) {
	working := make([]*transition.Entity, len(x.entities))
	for i, entity := range x.entities {
		working[i] = entity.Clone()
	}

	actx := transition.ActionContext{
		ExecutionID: x.id,
		Transition:  x.t.Clone(),
		Caller:      x.caller,
		ExtraInput:  x.input,
		Prior:       make(map[string]transition.ActionOutcome, len(plan)),
	}

	var attachments []transition.AttachmentRef
	var producer string
	ran := make([]string, 0, len(plan))
	for idx, action := range plan {
		name := action.Meta().Name
		if err := x.ctx.Err(); err != nil {
			return nil, nil, nil, transition.NewError(transition.ErrActionExecution,
				fmt.Sprintf("execution cancelled before action %s", name), err, map[string]any{
					"transition": x.t.ID,
					"action":     name,
					"index":      idx,
				})
		}

		x.emit(PhaseRunning, idx, name, nil)
		x.logger.Debug("running action %d/%d %s", idx+1, len(plan), name)

		start := x.engine.now()
		outcome, err := x.runAction(action, working, actx)
		elapsed := x.engine.now().Sub(start)
		if err != nil {
			x.engine.metrics.ObserveAction(name, OutcomeError, elapsed)
			if !transition.IsKind(err, transition.ErrActionExecution) {
				err = transition.NewError(transition.ErrActionExecution,
					fmt.Sprintf("action %s failed: %v", name, err), err, map[string]any{
						"transition": x.t.ID,
						"action":     name,
						"index":      idx,
					})
			}
			return nil, nil, nil, err
		}
		x.engine.metrics.ObserveAction(name, OutcomeSuccess, elapsed)

		if outcome.Attachment != nil {
			if producer != "" {
				return nil, nil, nil, transition.NewError(transition.ErrAttachmentConflict,
					fmt.Sprintf("actions %s and %s both produced an attachment", producer, name), nil, map[string]any{
						"transition": x.t.ID,
						"actions":    []string{producer, name},
					})
			}
			producer = name
			attachments = append(attachments, *outcome.Attachment)
		}
		actx.Prior[name] = outcome
		ran = append(ran, name)
	}
	return working, attachments, ran, nil
}

func (x *execution) runAction(action transition.Action, working []*transition.Entity, actx transition.ActionContext) (out transition.ActionOutcome, err error) {
	defer transition.RecoverAction(&err, action.Meta().Name, x.engine.panics)
	return action.Run(x.ctx, working, actx)
}

// commit re-checks every entity inside one store transaction, writes the
// target state and appends the history records.
func (x *execution) commit(working []*transition.Entity, ran []string, attachments []transition.AttachmentRef) ([]transition.TransitionHistory, error) {
	x.emit(PhaseCommitting, -1, "", nil)

	field := x.t.Binding.Field
	now := x.engine.now().UTC()
	var history []transition.TransitionHistory
	var committed []*transition.Entity

	err := x.engine.entities.RunInTransaction(x.ctx, func(tx store.Tx) error {
		history = make([]transition.TransitionHistory, 0, len(x.entities))
		committed = make([]*transition.Entity, 0, len(x.entities))

		for i, original := range x.entities {
			ref := original.Ref()
			current, err := tx.Load(x.ctx, ref)
			if err != nil {
				return err
			}
			if current == nil {
				return transition.NewError(transition.ErrEntityNotFound, fmt.Sprintf("entity %s not found", ref), nil, map[string]any{
					"entity_type": ref.Type,
					"entity_id":   ref.ID,
				})
			}
			source := current.State(field)
			if !x.t.AllowsSource(source) {
				return invalidState(x.t, ref, source)
			}
			if current.Version != original.Version {
				return transition.NewError(transition.ErrStateConflict,
					fmt.Sprintf("entity %s changed during execution", ref), nil, map[string]any{
						"entity_type":      ref.Type,
						"entity_id":        ref.ID,
						"expected_version": original.Version,
						"actual_version":   current.Version,
					})
			}

			next := working[i].Clone()
			next.Set(field, x.t.TargetState)
			next.UpdatedAt = now
			version, err := tx.SaveIfVersion(x.ctx, next, current.Version)
			if err != nil {
				return err
			}
			next.Version = version

			rec := transition.TransitionHistory{
				ID:             uuid.NewString(),
				TransitionID:   x.t.ID,
				TransitionName: x.t.Name,
				EntityType:     ref.Type,
				EntityID:       ref.ID,
				Source:         source,
				Target:         x.t.TargetState,
				PerformedBy:    x.caller.Ref(),
				ExtraInput:     transition.CopyMap(x.input),
				ActionsRun:     append([]string(nil), ran...),
				FieldDiff:      transition.DiffFields(current.Fields, next.Fields),
				Attachments:    append([]transition.AttachmentRef(nil), attachments...),
				ExecutionID:    x.id,
				JobID:          x.jobID,
				Timestamp:      now,
			}
			if err := tx.AppendHistory(x.ctx, rec); err != nil {
				return err
			}
			history = append(history, rec)
			committed = append(committed, next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, entity := range committed {
		*x.entities[i] = *entity
	}
	return history, nil
}

func invalidState(t transition.Transition, ref transition.EntityRef, state string) error {
	return transition.NewError(transition.ErrInvalidState,
		fmt.Sprintf("entity %s is in state %q, transition %s needs one of %s", ref, state, t.ID, strings.Join(t.SourceStates, ", ")), nil, map[string]any{
			"transition":  t.ID,
			"entity_type": ref.Type,
			"entity_id":   ref.ID,
			"state":       state,
			"allowed":     append([]string(nil), t.SourceStates...),
		})
}

func missingFor(meta transition.ActionMeta, input map[string]any) []string {
	missing := meta.MissingInput(input)
	if meta.RequiresForm && len(input) == 0 && len(missing) == 0 {
		missing = append(missing, "form:"+meta.Name)
	}
	return missing
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
