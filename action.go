package transition

import (
	"context"
	"slices"
	"strings"
)

// ActionMeta is the static description an action registers with.
type ActionMeta struct {
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	EntityTypes        []string `json:"entity_types,omitempty"`
	RequiresForm       bool     `json:"requires_form,omitempty"`
	RequiredInput      []string `json:"required_input,omitempty"`
	ProducesAttachment bool     `json:"produces_attachment,omitempty"`
	Async              bool     `json:"async,omitempty"`
	Prerequisites      []string `json:"prerequisites,omitempty"`
}

// AppliesTo reports whether the action may run against entityType.
// An action with no declared entity types applies to every type.
func (m ActionMeta) AppliesTo(entityType string) bool {
	if len(m.EntityTypes) == 0 {
		return true
	}
	return slices.Contains(m.EntityTypes, strings.TrimSpace(entityType))
}

// MissingInput returns the declared input keys absent or empty in input.
func (m ActionMeta) MissingInput(input map[string]any) []string {
	return missingKeys(m.RequiredInput, input)
}

// Action is a named unit of side-effecting logic run against a batch of entities.
// Returning an error aborts the whole transition.
type Action interface {
	Meta() ActionMeta
	Run(ctx context.Context, entities []*Entity, actx ActionContext) (ActionOutcome, error)
}

// ActionFunc is an adapter that lets you use a function as the body of an Action.
type ActionFunc func(ctx context.Context, entities []*Entity, actx ActionContext) (ActionOutcome, error)

type funcAction struct {
	meta ActionMeta
	fn   ActionFunc
}

// NewAction pairs metadata with a function body.
func NewAction(meta ActionMeta, fn ActionFunc) Action {
	meta.Name = strings.TrimSpace(meta.Name)
	return &funcAction{meta: meta, fn: fn}
}

func (a *funcAction) Meta() ActionMeta {
	return a.meta
}

func (a *funcAction) Run(ctx context.Context, entities []*Entity, actx ActionContext) (ActionOutcome, error) {
	if a.fn == nil {
		return ActionOutcome{}, nil
	}
	return a.fn(ctx, entities, actx)
}

// ActionContext is threaded through every action of one execution.
type ActionContext struct {
	ExecutionID string
	Transition  Transition
	Caller      Caller
	ExtraInput  map[string]any
	Prior       map[string]ActionOutcome
}

// Input returns one extra input value.
func (c ActionContext) Input(key string) (any, bool) {
	v, ok := c.ExtraInput[key]
	return v, ok
}

// PriorResult returns the outcome of an action that already ran in this execution.
func (c ActionContext) PriorResult(action string) (ActionOutcome, bool) {
	out, ok := c.Prior[action]
	return out, ok
}

// ActionOutcome is what an action hands back to the engine.
type ActionOutcome struct {
	Attachment *AttachmentRef
	Data       map[string]any
}

// AttachmentRef is an opaque reference to a blob held by an external attachment store.
type AttachmentRef struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// Caller identifies who requested a transition and what they are allowed to do.
type Caller struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Can reports whether the caller holds capability.
func (c Caller) Can(capability string) bool {
	return slices.Contains(c.Capabilities, capability)
}

// Ref returns the caller identifier carried on queue messages.
func (c Caller) Ref() string {
	return strings.TrimSpace(c.ID)
}
