// Package router fans engine phase events out to hooks subscribed by topic pattern.
//
// An event's topic is "<transition id>.<phase>", for example
// "asset.status.start.done". Patterns use "." separated segments where "*"
// matches exactly one segment and "#" matches zero or more.
//
// Transition ids carry dots of their own, so a single "*" never stands for a
// whole transition. Use "#" for that: "#.aborted" matches every aborted
// execution and "asset.status.#" every event of one binding.
package router

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-transition/engine"
)

type Subscription interface {
	Unsubscribe()
}

// Router is an engine.Hook that forwards each event to every matching subscriber.
type Router struct {
	mu      sync.RWMutex
	nextID  int
	entries map[string][]entry
	sorted  []string
	match   func(pattern, topic string) bool
}

type entry struct {
	id   int
	hook engine.Hook
}

type Option func(r *Router)

// WithMatcher replaces the wildcard matcher.
func WithMatcher(match func(pattern, topic string) bool) Option {
	return func(r *Router) {
		if match != nil {
			r.match = match
		}
	}
}

func New(opts ...Option) *Router {
	r := &Router{
		entries: make(map[string][]entry),
		match:   MatchTopic,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Topic returns the routing key of evt.
func Topic(evt engine.PhaseEvent) string {
	return evt.TransitionID + "." + string(evt.Phase)
}

// Subscribe registers hook for every topic matching pattern.
func (r *Router) Subscribe(pattern string, hook engine.Hook) Subscription {
	pattern = strings.TrimSpace(pattern)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	if _, ok := r.entries[pattern]; !ok {
		r.sorted = append(r.sorted, pattern)
		sort.Strings(r.sorted)
	}
	r.entries[pattern] = append(r.entries[pattern], entry{id: id, hook: hook})
	return &subscription{router: r, pattern: pattern, id: id}
}

// On is Subscribe for a plain function.
func (r *Router) On(pattern string, fn func(ctx context.Context, evt engine.PhaseEvent) error) Subscription {
	return r.Subscribe(pattern, engine.HookFunc(fn))
}

// Hooks lists the subscribers matching topic, ordered by pattern then subscription order.
func (r *Router) Hooks(topic string) []engine.Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []engine.Hook
	for _, pattern := range r.sorted {
		if !r.match(pattern, topic) {
			continue
		}
		for _, e := range r.entries[pattern] {
			out = append(out, e.hook)
		}
	}
	return out
}

// Notify delivers evt to every matching subscriber. A failing subscriber does
// not stop delivery to the others; the failures are joined.
func (r *Router) Notify(ctx context.Context, evt engine.PhaseEvent) error {
	var errs error
	for _, hook := range r.Hooks(Topic(evt)) {
		if hook == nil {
			continue
		}
		if err := hook.Notify(ctx, evt); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (r *Router) remove(pattern string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.entries[pattern]
	kept := make([]entry, 0, len(old))
	for _, e := range old {
		if e.id != id {
			kept = append(kept, e)
		}
	}
	if len(kept) > 0 {
		r.entries[pattern] = kept
		return
	}
	delete(r.entries, pattern)
	for i, p := range r.sorted {
		if p == pattern {
			r.sorted = append(r.sorted[:i], r.sorted[i+1:]...)
			break
		}
	}
}

type subscription struct {
	router  *Router
	pattern string
	id      int
	once    sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.router.remove(s.pattern, s.id)
	})
}
