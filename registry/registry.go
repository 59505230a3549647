// Package registry holds the process-wide configuration of the transition engine:
// registered actions, declared state bindings and transition definitions.
//
// A Registry is built once at startup, initialized, and then passed by reference
// to the engine and dispatcher. It is never a package global.
package registry

import (
	"sync"

	"github.com/goliatone/go-errors"

	transition "github.com/goliatone/go-transition"
)

// Registry bundles the action registry with the definition store.
type Registry struct {
	mu          sync.Mutex
	initialized bool
	actions     *Actions
	definitions *Definitions
}

// New creates an empty registry.
func New() *Registry {
	actions := NewActions()
	return &Registry{
		actions:     actions,
		definitions: NewDefinitions(actions),
	}
}

func (r *Registry) Actions() *Actions {
	return r.actions
}

func (r *Registry) Definitions() *Definitions {
	return r.definitions
}

// RegisterAction adds actions before initialization.
func (r *Registry) RegisterAction(actions ...transition.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return errors.New("cannot register actions after registry has been initialized", errors.CategoryConflict).
			WithTextCode("REGISTRY_ALREADY_INITIALIZED")
	}

	var errs error
	for _, action := range actions {
		if err := r.actions.Register(action); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// Initialize seals the action registry. Transitions may still be added
// afterwards, since they only reference actions.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return errors.New("registry already initialized", errors.CategoryConflict).
			WithTextCode("REGISTRY_ALREADY_INITIALIZED")
	}
	r.actions.Seal()
	r.initialized = true
	return nil
}

func (r *Registry) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}
