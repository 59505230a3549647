package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goliatone/go-errors"

	transition "github.com/goliatone/go-transition"
)

// Actions maps action names to their implementation and static metadata.
// Once sealed it is read-only and lookups take no lock.
type Actions struct {
	mu      sync.RWMutex
	sealed  atomic.Bool
	actions map[string]transition.Action
}

// NewActions creates an empty action registry.
func NewActions() *Actions {
	return &Actions{actions: make(map[string]transition.Action)}
}

// Register adds an action under its metadata name.
func (r *Actions) Register(action transition.Action) error {
	if action == nil {
		return errors.New("action cannot be nil", errors.CategoryBadInput).
			WithTextCode("NIL_ACTION")
	}
	name := strings.TrimSpace(action.Meta().Name)
	if name == "" {
		return errors.New("action name required", errors.CategoryBadInput).
			WithTextCode("ACTION_NAME_REQUIRED")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return errors.New("cannot register actions after registry has been sealed", errors.CategoryConflict).
			WithTextCode("REGISTRY_SEALED").
			WithMetadata(map[string]any{"action": name})
	}
	if _, exists := r.actions[name]; exists {
		return errors.New(fmt.Sprintf("action %s already registered", name), errors.CategoryConflict).
			WithTextCode("ACTION_ALREADY_REGISTERED").
			WithMetadata(map[string]any{"action": name})
	}
	r.actions[name] = action
	return nil
}

// MustRegister registers every action or panics.
func (r *Actions) MustRegister(actions ...transition.Action) *Actions {
	for _, action := range actions {
		if err := r.Register(action); err != nil {
			panic(err)
		}
	}
	return r
}

// Seal freezes the registry. Further Register calls fail.
func (r *Actions) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Actions) Sealed() bool {
	return r.sealed.Load()
}

// Lookup returns the named action or ErrUnknownAction.
func (r *Actions) Lookup(name string) (transition.Action, error) {
	name = strings.TrimSpace(name)
	action, ok := r.get(name)
	if !ok {
		return nil, transition.NewError(transition.ErrUnknownAction, fmt.Sprintf("unknown action %s", name), nil, map[string]any{
			"action": name,
		})
	}
	return action, nil
}

// LookupAll resolves names in order and fails on the first unknown one.
func (r *Actions) LookupAll(names []string) ([]transition.Action, error) {
	out := make([]transition.Action, 0, len(names))
	for _, name := range names {
		action, err := r.Lookup(name)
		if err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	return out, nil
}

// ActionsFor returns the actions applicable to entityType, sorted by name.
func (r *Actions) ActionsFor(entityType string) []transition.Action {
	var out []transition.Action
	for _, name := range r.Names() {
		action, _ := r.get(name)
		if action.Meta().AppliesTo(entityType) {
			out = append(out, action)
		}
	}
	return out
}

// Names returns all registered action names sorted.
func (r *Actions) Names() []string {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Actions) get(name string) (transition.Action, bool) {
	if r == nil {
		return nil, false
	}
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	action, ok := r.actions[name]
	return action, ok
}
