package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transition "github.com/goliatone/go-transition"
	"github.com/goliatone/go-transition/engine"
	"github.com/goliatone/go-transition/registry"
	"github.com/goliatone/go-transition/runner"
	"github.com/goliatone/go-transition/store"
)

var docStatus = transition.StateBinding{EntityType: "document", Field: "status"}

type harness struct {
	store      *store.Memory
	engine     *engine.Engine
	dispatcher *Dispatcher
}

// newHarness wires an engine and dispatcher around one async action whose
// body is fn.
func newHarness(t *testing.T, fn transition.ActionFunc, opts ...Option) *harness {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.RegisterAction(transition.NewAction(transition.ActionMeta{Name: "publish", Async: true}, fn)))
	require.NoError(t, reg.Initialize())
	require.NoError(t, reg.Definitions().Bind(docStatus))
	_, err := reg.Definitions().Add(transition.Transition{
		Name:         "publish",
		Binding:      docStatus,
		SourceStates: []string{"draft"},
		TargetState:  "published",
		Actions:      []string{"publish"},
		AsyncQueue:   "mail",
	})
	require.NoError(t, err)

	mem := store.NewMemory()
	eng, err := engine.New(reg.Definitions(), nil, mem, engine.WithLogger(quietLogger()))
	require.NoError(t, err)
	d, err := New(eng, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	eng.AttachDispatcher(d)
	return &harness{store: mem, engine: eng, dispatcher: d}
}

func quietLogger() engine.Logger {
	return engine.NewFmtLogger(&discard{}).WithLevel("fatal")
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func (h *harness) seed(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, h.store.Put(context.Background(), transition.NewEntity("document", id, map[string]any{"status": "draft"})))
	}
}

func (h *harness) submit(t *testing.T, ids ...string) *transition.TransitionJob {
	t.Helper()
	res, err := h.engine.Execute(context.Background(), engine.Request{
		TransitionID: "document.status.publish",
		Entities:     transition.Refs("document", ids...),
		Caller:       transition.Caller{ID: "editor"},
	})
	require.NoError(t, err)
	require.True(t, res.Deferred())
	return res.Job
}

func (h *harness) job(t *testing.T, id string) *transition.TransitionJob {
	t.Helper()
	job, err := h.dispatcher.Jobs().Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) status(t *testing.T, id string) string {
	t.Helper()
	e, err := h.store.Load(context.Background(), transition.EntityRef{Type: "document", ID: id})
	require.NoError(t, err)
	return e.State("status")
}

func succeed(context.Context, []*transition.Entity, transition.ActionContext) (transition.ActionOutcome, error) {
	return transition.ActionOutcome{}, nil
}

func TestDispatchQueuesJobOnTransitionQueue(t *testing.T) {
	q := NewChannelQueue(4)
	h := newHarness(t, succeed, WithQueue(q))
	h.seed(t, "d1", "d2")

	job := h.submit(t, "d1", "d2")
	assert.Equal(t, transition.JobQueued, job.Status)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, "mail", job.Queue)
	assert.Equal(t, []string{"d1", "d2"}, job.EntityIDs)
	assert.Equal(t, 1, q.Len("mail"))
	assert.Equal(t, "draft", h.status(t, "d1"))

	stored := h.job(t, job.ID)
	assert.Equal(t, "editor", stored.RequestedBy.ID)
}

func TestProcessOneFinishesJob(t *testing.T) {
	h := newHarness(t, succeed)
	h.seed(t, "d1")
	job := h.submit(t, "d1")

	require.NoError(t, h.dispatcher.ProcessOne(context.Background(), "mail"))

	stored := h.job(t, job.ID)
	assert.Equal(t, transition.JobFinished, stored.Status)
	assert.Equal(t, 1, stored.Attempt)
	assert.NotNil(t, stored.FinishedAt)
	assert.Equal(t, "published", h.status(t, "d1"))

	recs, err := store.Collect(h.engine.History(context.Background(), transition.EntityRef{Type: "document", ID: "d1"}))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, job.ID, recs[0].JobID)
}

func TestFailOnceFinishesOnSecondAttempt(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(context.Context, []*transition.Entity, transition.ActionContext) (transition.ActionOutcome, error) {
		if calls.Add(1) == 1 {
			return transition.ActionOutcome{}, errors.New("smtp timeout")
		}
		return transition.ActionOutcome{}, nil
	})
	h.seed(t, "d1")
	job := h.submit(t, "d1")
	ctx := context.Background()

	err := h.dispatcher.ProcessOne(ctx, "mail")
	require.Error(t, err)
	stored := h.job(t, job.ID)
	assert.Equal(t, transition.JobQueued, stored.Status)
	assert.Equal(t, 2, stored.Attempt)
	assert.Contains(t, stored.LastError, "smtp timeout")
	assert.Equal(t, "draft", h.status(t, "d1"))

	require.NoError(t, h.dispatcher.ProcessOne(ctx, "mail"))
	stored = h.job(t, job.ID)
	assert.Equal(t, transition.JobFinished, stored.Status)
	assert.Equal(t, 2, stored.Attempt)
	assert.Empty(t, stored.LastError)
	assert.Equal(t, "published", h.status(t, "d1"))
}

func TestAlwaysFailingJobIsFrozenAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg)
	h := newHarness(t, func(context.Context, []*transition.Entity, transition.ActionContext) (transition.ActionOutcome, error) {
		calls.Add(1)
		return transition.ActionOutcome{}, errors.New("down")
	}, WithMaxAttempts(3), WithMetrics(metrics), WithRetryStrategy(runner.FixedDelayStrategy{Delay: time.Millisecond}))
	h.seed(t, "d1", "d2")
	job := h.submit(t, "d1", "d2")

	var frozen []FrozenEvent
	sub := h.dispatcher.OnFrozen(func(_ context.Context, evt FrozenEvent) {
		frozen = append(frozen, evt)
	})
	defer sub.Unsubscribe()

	ctx := context.Background()
	require.Error(t, h.dispatcher.ProcessOne(ctx, "mail"))
	require.Error(t, h.dispatcher.ProcessOne(ctx, "mail"))
	err := h.dispatcher.ProcessOne(ctx, "mail")
	require.Error(t, err)
	assert.True(t, transition.IsKind(err, transition.ErrJobExhausted))

	assert.Equal(t, int32(3), calls.Load())
	stored := h.job(t, job.ID)
	assert.Equal(t, transition.JobFrozen, stored.Status)
	assert.Equal(t, 3, stored.Attempt)
	assert.Contains(t, stored.LastError, "down")
	assert.NotNil(t, stored.FinishedAt)

	require.Len(t, frozen, 1)
	assert.Equal(t, job.ID, frozen[0].Job.ID)
	assert.True(t, transition.IsKind(frozen[0].Err, transition.ErrJobExhausted))

	for _, id := range []string{"d1", "d2"} {
		assert.Equal(t, "draft", h.status(t, id))
		recs, err := store.Collect(h.engine.History(ctx, transition.EntityRef{Type: "document", ID: id}))
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.True(t, recs[0].Failed())
		assert.Equal(t, job.ID, recs[0].JobID)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.jobs.WithLabelValues("mail", "enqueued")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.jobs.WithLabelValues("mail", "retried")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.jobs.WithLabelValues("mail", "frozen")))

	health := h.dispatcher.Health(ctx)
	assert.False(t, health.Healthy)
	assert.Equal(t, 3, health.Status.ConsecutiveFailures)
}

func TestUnsubscribedFrozenHandlerIsNotCalled(t *testing.T) {
	h := newHarness(t, func(context.Context, []*transition.Entity, transition.ActionContext) (transition.ActionOutcome, error) {
		return transition.ActionOutcome{}, errors.New("down")
	}, WithMaxAttempts(1))
	h.seed(t, "d1")
	h.submit(t, "d1")

	called := false
	sub := h.dispatcher.OnFrozen(func(context.Context, FrozenEvent) { called = true })
	sub.Unsubscribe()

	err := h.dispatcher.ProcessOne(context.Background(), "mail")
	assert.True(t, transition.IsKind(err, transition.ErrJobExhausted))
	assert.False(t, called)
}

func TestAttemptTimeoutFailsAttempt(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ []*transition.Entity, _ transition.ActionContext) (transition.ActionOutcome, error) {
		<-ctx.Done()
		return transition.ActionOutcome{}, ctx.Err()
	}, WithMaxAttempts(1), WithAttemptTimeout(10*time.Millisecond))
	h.seed(t, "d1")
	job := h.submit(t, "d1")

	err := h.dispatcher.ProcessOne(context.Background(), "mail")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, transition.JobFrozen, h.job(t, job.ID).Status)
}

func TestStartProcessesQueuedJobsConcurrently(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	h := newHarness(t, func(_ context.Context, entities []*transition.Entity, _ transition.ActionContext) (transition.ActionOutcome, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range entities {
			seen[e.ID] = true
		}
		return transition.ActionOutcome{}, nil
	}, WithQueue(NewChannelQueue(64, "mail")), WithWorkers(3))

	ids := []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"}
	h.seed(t, ids...)
	for _, id := range ids {
		h.submit(t, id)
	}

	require.NoError(t, h.dispatcher.Start(context.Background()))
	assert.Error(t, h.dispatcher.Start(context.Background()))

	require.Eventually(t, func() bool {
		jobs, err := h.dispatcher.Jobs().List(context.Background(), JobFilter{Status: transition.JobFinished})
		return err == nil && len(jobs) == len(ids)
	}, 2*time.Second, 5*time.Millisecond)

	status := h.dispatcher.Status()
	assert.Equal(t, RuntimeStateRunning, status.State)
	assert.Contains(t, status.Queues, "mail")

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.dispatcher.Stop(stopCtx))
	assert.Equal(t, RuntimeStateStopped, h.dispatcher.Status().State)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, len(ids))
	for _, id := range ids {
		assert.Equal(t, "published", h.status(t, id))
	}
}

func TestStartServesQueuesFirstSeenAfterStart(t *testing.T) {
	h := newHarness(t, succeed)
	h.seed(t, "d1")

	require.NoError(t, h.dispatcher.Start(context.Background()))
	assert.Equal(t, []string{transition.DefaultQueue}, h.dispatcher.Status().Queues)

	job := h.submit(t, "d1")
	assert.Equal(t, "mail", job.Queue)
	require.Eventually(t, func() bool {
		return h.job(t, job.ID).Status == transition.JobFinished
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "published", h.status(t, "d1"))
	assert.Contains(t, h.dispatcher.Status().Queues, "mail")

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.dispatcher.Stop(stopCtx))
}

func TestDispatchDiscardsJobWhenEnqueueFails(t *testing.T) {
	q := NewChannelQueue(1)
	h := newHarness(t, succeed, WithQueue(q))
	h.seed(t, "d1", "d2")
	first := h.submit(t, "d1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	publish, err := h.engine.Definitions().Get("document.status.publish")
	require.NoError(t, err)
	job, err := h.dispatcher.Dispatch(ctx, publish, transition.Refs("document", "d2"), transition.Caller{ID: "editor"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, job)

	queued, err := h.dispatcher.Jobs().List(context.Background(), JobFilter{Status: transition.JobQueued})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, first.ID, queued[0].ID)
	assert.Equal(t, 1, q.Len("mail"))
}

func TestWorkersRetryWhileQueueIsFull(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(context.Context, []*transition.Entity, transition.ActionContext) (transition.ActionOutcome, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return transition.ActionOutcome{}, errors.New("down")
	}, WithQueue(NewChannelQueue(1, "mail")), WithWorkers(1), WithMaxAttempts(3))
	h.seed(t, "d1", "d2")

	require.NoError(t, h.dispatcher.Start(context.Background()))
	j1 := h.submit(t, "d1")
	<-started
	j2 := h.submit(t, "d2")
	close(release)

	require.Eventually(t, func() bool {
		return h.job(t, j1.ID).Status == transition.JobFrozen && h.job(t, j2.ID).Status == transition.JobFrozen
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(6), calls.Load())
	assert.Equal(t, 3, h.job(t, j1.ID).Attempt)
	assert.Equal(t, 3, h.job(t, j2.ID).Attempt)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.dispatcher.Stop(stopCtx))
}

func TestDelayedRetryResumesAfterRestart(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(context.Context, []*transition.Entity, transition.ActionContext) (transition.ActionOutcome, error) {
		if calls.Add(1) == 1 {
			return transition.ActionOutcome{}, errors.New("smtp timeout")
		}
		return transition.ActionOutcome{}, nil
	}, WithRetryStrategy(runner.FixedDelayStrategy{Delay: time.Hour}))
	h.seed(t, "d1")
	ctx := context.Background()

	require.NoError(t, h.dispatcher.Start(ctx))
	job := h.submit(t, "d1")
	require.Eventually(t, func() bool {
		stored := h.job(t, job.ID)
		return stored.Status == transition.JobQueued && stored.Attempt == 2
	}, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.dispatcher.Stop(stopCtx))

	require.NoError(t, h.dispatcher.Start(ctx))
	require.Eventually(t, func() bool {
		return h.job(t, job.ID).Status == transition.JobFinished
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "published", h.status(t, "d1"))
	require.NoError(t, h.dispatcher.Stop(stopCtx))
}

func TestStaleMessageIsSkipped(t *testing.T) {
	q := NewChannelQueue(4)
	h := newHarness(t, succeed, WithQueue(q))
	h.seed(t, "d1")
	job := h.submit(t, "d1")

	require.NoError(t, h.dispatcher.ProcessOne(context.Background(), "mail"))
	require.NoError(t, q.Enqueue(context.Background(), "mail", transition.MessageForJob(job)))
	require.NoError(t, h.dispatcher.ProcessOne(context.Background(), "mail"))
	assert.Equal(t, transition.JobFinished, h.job(t, job.ID).Status)
}

func TestDispatchRejectsMixedBatch(t *testing.T) {
	h := newHarness(t, succeed)
	_, err := h.dispatcher.Dispatch(context.Background(), transition.Transition{ID: "x", Binding: docStatus},
		[]transition.EntityRef{{Type: "invoice", ID: "1"}}, transition.Caller{}, nil)
	assert.True(t, transition.IsKind(err, transition.ErrTypeMismatch))

	_, err = h.dispatcher.Dispatch(context.Background(), transition.Transition{ID: "x", Binding: docStatus}, nil, transition.Caller{}, nil)
	assert.True(t, transition.IsKind(err, transition.ErrEntityNotFound))
}

func TestChannelQueueBlocksWhenFull(t *testing.T) {
	q := NewChannelQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), "", transition.JobMessage{JobID: "1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, transition.DefaultQueue, transition.JobMessage{JobID: "2"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	msg, err := q.Dequeue(context.Background(), transition.DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, "1", msg.JobID)
	assert.Equal(t, []string{transition.DefaultQueue}, q.Names())
}

func TestNewRequiresExecutor(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
