package router

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transition "github.com/goliatone/go-transition"
	"github.com/goliatone/go-transition/engine"
	"github.com/goliatone/go-transition/registry"
	"github.com/goliatone/go-transition/store"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"asset.status.start.done", "asset.status.start.done", true},
		{"asset.status.*.done", "asset.status.start.done", true},
		{"asset.status.*.done", "asset.status.start.aborted", false},
		{"asset.#", "asset.status.start.done", true},
		{"#.done", "asset.status.start.done", true},
		{"#.done", "asset.status.start.running", false},
		{"#", "anything.at.all", true},
		{"asset.+.start.#", "asset.status.start.done", true},
		{"asset.*", "asset.status.start.done", false},
		{"asset.status.start.done.#", "asset.status.start.done", true},
		{"document.#", "asset.status.start.done", false},
		{"*.aborted", "asset.status.start.aborted", false},
		{"#.aborted", "asset.status.start.aborted", true},
		{"asset.status.#", "asset.status.start.aborted", true},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+"|"+tc.topic, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchTopic(tc.pattern, tc.topic))
		})
	}
}

func TestRouterDeliversToEveryMatch(t *testing.T) {
	r := New()
	var got []string
	record := func(name string) func(context.Context, engine.PhaseEvent) error {
		return func(_ context.Context, evt engine.PhaseEvent) error {
			got = append(got, name+":"+string(evt.Phase))
			return nil
		}
	}
	r.On("asset.status.start.done", record("exact"))
	all := r.On("asset.#", record("all"))
	r.On("#.aborted", record("aborted"))

	evt := engine.PhaseEvent{TransitionID: "asset.status.start", Phase: engine.PhaseDone}
	require.NoError(t, r.Notify(context.Background(), evt))
	assert.Equal(t, []string{"all:done", "exact:done"}, got)

	got = nil
	all.Unsubscribe()
	all.Unsubscribe()
	require.NoError(t, r.Notify(context.Background(), evt))
	assert.Equal(t, []string{"exact:done"}, got)

	got = nil
	require.NoError(t, r.Notify(context.Background(), engine.PhaseEvent{TransitionID: "doc.status.publish", Phase: engine.PhaseAborted}))
	assert.Equal(t, []string{"aborted:aborted"}, got)
	assert.Empty(t, r.Hooks("doc.status.publish.done"))
}

func TestRouterJoinsSubscriberErrors(t *testing.T) {
	r := New()
	boom := errors.New("boom")
	called := false
	r.On("#", func(context.Context, engine.PhaseEvent) error { return boom })
	r.On("x.#", func(context.Context, engine.PhaseEvent) error { called = true; return nil })

	err := r.Notify(context.Background(), engine.PhaseEvent{TransitionID: "x.y.z", Phase: engine.PhaseDone})
	assert.ErrorIs(t, err, boom)
	assert.True(t, called)
}

func TestRouterWithCustomMatcher(t *testing.T) {
	r := New(WithMatcher(func(pattern, topic string) bool { return pattern == "always" }))
	r.On("always", func(context.Context, engine.PhaseEvent) error { return nil })
	assert.Len(t, r.Hooks("whatever"), 1)
}

func TestRouterAsEngineHook(t *testing.T) {
	binding := transition.StateBinding{EntityType: "asset", Field: "status"}
	reg := registry.New()
	require.NoError(t, reg.RegisterAction(transition.NewAction(transition.ActionMeta{Name: "notify"}, nil)))
	require.NoError(t, reg.Initialize())
	require.NoError(t, reg.Definitions().Bind(binding))
	_, err := reg.Definitions().Add(transition.Transition{
		Name: "start", Binding: binding, SourceStates: []string{"new"}, TargetState: "in_progress", Actions: []string{"notify"},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var phases []engine.Phase
	r := New()
	r.On("asset.status.start.*", func(_ context.Context, evt engine.PhaseEvent) error {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, evt.Phase)
		return nil
	})
	r.On("asset.status.start.done", func(context.Context, engine.PhaseEvent) error {
		return errors.New("subscriber down")
	})

	mem := store.NewMemory()
	var logs bytes.Buffer
	eng, err := engine.New(reg.Definitions(), nil, mem,
		engine.WithHooks(r),
		engine.WithLogger(engine.NewFmtLogger(&logs)),
	)
	require.NoError(t, err)

	require.NoError(t, mem.Put(context.Background(), transition.NewEntity("asset", "a1", map[string]any{"status": "new"})))
	_, err = eng.Execute(context.Background(), engine.Request{
		TransitionID: "asset.status.start",
		Entities:     transition.Refs("asset", "a1"),
	})
	require.NoError(t, err)

	assert.Equal(t, []engine.Phase{
		engine.PhaseValidating, engine.PhaseResolving, engine.PhaseRunning, engine.PhaseCommitting, engine.PhaseDone,
	}, phases)
	assert.Contains(t, logs.String(), "subscriber down")
}
