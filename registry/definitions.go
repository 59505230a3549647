package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	transition "github.com/goliatone/go-transition"
	"github.com/goliatone/go-transition/resolver"
)

// Definitions holds state bindings and the transitions legal for each of them.
// Reads are concurrent; writes are expected only while loading configuration.
type Definitions struct {
	mu       sync.RWMutex
	actions  *Actions
	bindings map[string]transition.StateBinding
	byID     map[string]*definition
	byKey    map[string][]*definition
}

type definition struct {
	transition transition.Transition
	plan       []string
}

// NewDefinitions creates a store validating actions against the given registry.
func NewDefinitions(actions *Actions) *Definitions {
	if actions == nil {
		actions = NewActions()
	}
	return &Definitions{
		actions:  actions,
		bindings: make(map[string]transition.StateBinding),
		byID:     make(map[string]*definition),
		byKey:    make(map[string][]*definition),
	}
}

// Actions returns the action registry the definitions were validated against.
func (d *Definitions) Actions() *Actions {
	return d.actions
}

// Bind declares a stateful field. Binding the same pair twice is a no-op.
func (d *Definitions) Bind(binding transition.StateBinding) error {
	binding.EntityType = strings.TrimSpace(binding.EntityType)
	binding.Field = strings.TrimSpace(binding.Field)
	if err := binding.Validate(); err != nil {
		return transition.NewError(transition.ErrInvalidDefinition, err.Error(), err, nil)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindings[binding.Key()] = binding
	return nil
}

// Bindings returns every declared binding sorted by key.
func (d *Definitions) Bindings() []transition.StateBinding {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]transition.StateBinding, 0, len(d.bindings))
	for _, b := range d.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// BindingFor returns the binding registered for an entity type and field.
func (d *Definitions) BindingFor(entityType, field string) (transition.StateBinding, bool) {
	key := transition.StateBinding{EntityType: entityType, Field: field}.Key()
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.bindings[key]
	return b, ok
}

// Add validates and stores a transition, returning its normalized form.
// Every definition-time invariant is checked here so that a stored transition
// always has known actions, at most one attachment producer and an acyclic plan.
func (d *Definitions) Add(t transition.Transition) (transition.Transition, error) {
	t = t.Normalize()
	if err := t.Validate(); err != nil {
		return t, transition.NewError(transition.ErrInvalidDefinition, err.Error(), err, map[string]any{
			"transition": t.ID,
		})
	}

	plan, err := d.compile(t)
	if err != nil {
		return t, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := t.Binding.Key()
	if _, ok := d.bindings[key]; !ok {
		return t, transition.NewError(transition.ErrInvalidDefinition, fmt.Sprintf("binding %s is not declared", key), nil, map[string]any{
			"transition": t.ID,
			"binding":    key,
		})
	}
	if _, ok := d.byID[t.ID]; ok {
		return t, transition.NewError(transition.ErrInvalidDefinition, fmt.Sprintf("transition %s already defined", t.ID), nil, map[string]any{
			"transition": t.ID,
		})
	}
	for _, existing := range d.byKey[key] {
		if existing.transition.Name == t.Name {
			return t, transition.NewError(transition.ErrInvalidDefinition, fmt.Sprintf("transition name %s already used on %s", t.Name, key), nil, map[string]any{
				"transition": t.ID,
				"binding":    key,
			})
		}
	}

	def := &definition{transition: t, plan: plan}
	d.byID[t.ID] = def
	d.byKey[key] = append(d.byKey[key], def)
	sort.Slice(d.byKey[key], func(i, j int) bool {
		return d.byKey[key][i].transition.Name < d.byKey[key][j].transition.Name
	})
	return t.Clone(), nil
}

func (d *Definitions) compile(t transition.Transition) ([]string, error) {
	actions, err := d.actions.LookupAll(t.Actions)
	if err != nil {
		if meta := transition.ErrorMetadata(err); meta != nil {
			meta["transition"] = t.ID
		}
		return nil, err
	}

	metas := make([]transition.ActionMeta, 0, len(actions))
	var producers []string
	for _, action := range actions {
		meta := action.Meta()
		if !meta.AppliesTo(t.Binding.EntityType) {
			return nil, transition.NewError(transition.ErrInvalidDefinition,
				fmt.Sprintf("action %s does not apply to %s", meta.Name, t.Binding.EntityType), nil, map[string]any{
					"transition":  t.ID,
					"action":      meta.Name,
					"entity_type": t.Binding.EntityType,
				})
		}
		if meta.ProducesAttachment {
			producers = append(producers, meta.Name)
		}
		metas = append(metas, meta)
	}
	if len(producers) > 1 {
		return nil, transition.NewError(transition.ErrAttachmentConflict,
			fmt.Sprintf("transition %s has more than one attachment producing action: %s", t.ID, strings.Join(producers, ", ")), nil, map[string]any{
				"transition": t.ID,
				"actions":    producers,
			})
	}

	return resolver.Resolve(resolver.NodesFor(metas))
}

// Get returns a transition by id.
func (d *Definitions) Get(id string) (transition.Transition, error) {
	d.mu.RLock()
	def, ok := d.byID[strings.TrimSpace(id)]
	d.mu.RUnlock()
	if !ok {
		return transition.Transition{}, transition.NewError(transition.ErrUnknownTransition, fmt.Sprintf("unknown transition %s", id), nil, map[string]any{
			"transition": id,
		})
	}
	return def.transition.Clone(), nil
}

// ByName returns the transition called name on binding.
func (d *Definitions) ByName(binding transition.StateBinding, name string) (transition.Transition, error) {
	name = strings.TrimSpace(name)
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, def := range d.byKey[binding.Key()] {
		if def.transition.Name == name {
			return def.transition.Clone(), nil
		}
	}
	return transition.Transition{}, transition.NewError(transition.ErrUnknownTransition,
		fmt.Sprintf("unknown transition %s on %s", name, binding.Key()), nil, map[string]any{
			"binding": binding.Key(),
			"name":    name,
		})
}

// Plan returns the resolved action order computed when the transition was added.
func (d *Definitions) Plan(id string) ([]string, error) {
	d.mu.RLock()
	def, ok := d.byID[strings.TrimSpace(id)]
	d.mu.RUnlock()
	if !ok {
		return nil, transition.NewError(transition.ErrUnknownTransition, fmt.Sprintf("unknown transition %s", id), nil, map[string]any{
			"transition": id,
		})
	}
	return append([]string(nil), def.plan...), nil
}

// ForBinding returns every transition of binding sorted by name.
func (d *Definitions) ForBinding(binding transition.StateBinding) []transition.Transition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	defs := d.byKey[binding.Key()]
	out := make([]transition.Transition, 0, len(defs))
	for _, def := range defs {
		out = append(out, def.transition.Clone())
	}
	return out
}

// Available returns the transitions of binding whose source states include currentState.
func (d *Definitions) Available(binding transition.StateBinding, currentState string) []transition.Transition {
	var out []transition.Transition
	for _, t := range d.ForBinding(binding) {
		if t.AllowsSource(currentState) {
			out = append(out, t)
		}
	}
	return out
}

// All returns every transition sorted by id.
func (d *Definitions) All() []transition.Transition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]transition.Transition, 0, len(d.byID))
	for _, def := range d.byID {
		out = append(out, def.transition.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
