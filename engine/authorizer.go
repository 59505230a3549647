package engine

import (
	"context"
	"fmt"
	"strings"

	transition "github.com/goliatone/go-transition"
)

// CapabilityKey is the transition metadata key naming the capability a caller needs.
const CapabilityKey = "capability"

// Authorizer decides whether a caller may perform a transition.
// Denials should be built on transition.ErrForbidden.
type Authorizer interface {
	Authorize(ctx context.Context, caller transition.Caller, t transition.Transition) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, caller transition.Caller, t transition.Transition) error

func (f AuthorizerFunc) Authorize(ctx context.Context, caller transition.Caller, t transition.Transition) error {
	return f(ctx, caller, t)
}

// CapabilityAuthorizer allows a transition when it names no capability in its
// metadata, or when the caller holds that capability.
type CapabilityAuthorizer struct{}

func (CapabilityAuthorizer) Authorize(_ context.Context, caller transition.Caller, t transition.Transition) error {
	raw, ok := t.Metadata[CapabilityKey]
	if !ok {
		return nil
	}
	capability := strings.TrimSpace(fmt.Sprint(raw))
	if capability == "" || caller.Can(capability) {
		return nil
	}
	return transition.NewError(transition.ErrForbidden,
		fmt.Sprintf("caller %s lacks capability %s for %s", caller.Ref(), capability, t.ID), nil, map[string]any{
			"transition": t.ID,
			"caller":     caller.Ref(),
			"capability": capability,
		})
}
