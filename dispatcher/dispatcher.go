// Package dispatcher runs async transitions on a pool of workers.
//
// A job moves queued -> started -> finished, or started -> failed and then
// back to queued for another attempt while attempts remain. A job that fails
// its last attempt is frozen and a failure record is written for each entity.
//
// Each queue gets its own set of workers. Queues seen for the first time
// while the dispatcher is running get workers on first dispatch.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"

	transition "github.com/goliatone/go-transition"
	"github.com/goliatone/go-transition/engine"
	"github.com/goliatone/go-transition/runner"
)

// DefaultWorkers is the number of workers started per queue.
const DefaultWorkers = 4

// Executor runs a job attempt and records jobs that gave up.
// *engine.Engine implements it.
type Executor interface {
	RunJob(ctx context.Context, msg transition.JobMessage) (*transition.ExecutionResult, error)
	RecordFailure(ctx context.Context, msg transition.JobMessage, cause error) error
}

// FrozenEvent is delivered to OnFrozen subscribers. Err wraps the last
// attempt's error in transition.ErrJobExhausted.
type FrozenEvent struct {
	Job *transition.TransitionJob
	Err error
}

// FrozenHandler observes jobs that exhausted their attempts.
type FrozenHandler func(ctx context.Context, evt FrozenEvent)

// Dispatcher enqueues async transitions and runs them with bounded retry.
type Dispatcher struct {
	executor       Executor
	jobs           JobStore
	queue          Queue
	logger         engine.Logger
	metrics        Metrics
	retry          runner.RetryStrategy
	maxAttempts    int
	attemptTimeout time.Duration
	workers        int
	now            func() time.Time

	hooksMu  sync.RWMutex
	frozen   map[int]FrozenHandler
	nextHook int

	runMu   sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	pool    pond.Pool
	served  map[string]bool

	// retries waiting for room on a queue
	redelivering sync.WaitGroup
	parkMu       sync.Mutex
	parked       []parkedMessage

	stateMu sync.RWMutex
	status  RuntimeStatus
}

type parkedMessage struct {
	queue string
	msg   transition.JobMessage
}

// Option defines the functional option signature.
type Option func(*Dispatcher)

func WithJobStore(store JobStore) Option {
	return func(d *Dispatcher) {
		d.jobs = store
	}
}

func WithQueue(q Queue) Option {
	return func(d *Dispatcher) {
		d.queue = q
	}
}

func WithLogger(logger engine.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithRetryStrategy sets the delay before a failed job is queued again.
func WithRetryStrategy(s runner.RetryStrategy) Option {
	return func(d *Dispatcher) {
		d.retry = s
	}
}

// WithMaxAttempts bounds how many times a job runs before it is frozen.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		d.maxAttempts = n
	}
}

// WithAttemptTimeout bounds each attempt. Zero means no timeout.
func WithAttemptTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		d.attemptTimeout = t
	}
}

// WithWorkers sets the number of workers started per queue.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		d.workers = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// New builds a dispatcher around executor. Jobs and queue default to the
// in-memory implementations.
func New(executor Executor, opts ...Option) (*Dispatcher, error) {
	if executor == nil {
		return nil, errors.New("dispatcher requires an executor")
	}
	d := &Dispatcher{
		executor:    executor,
		metrics:     noopMetrics{},
		retry:       runner.NoDelayStrategy{},
		maxAttempts: transition.DefaultMaxAttempts,
		workers:     DefaultWorkers,
		now:         time.Now,
		frozen:      make(map[int]FrozenHandler),
		status:      RuntimeStatus{State: RuntimeStateIdle},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.jobs == nil {
		d.jobs = NewMemoryJobStore()
	}
	if d.queue == nil {
		d.queue = NewChannelQueue(DefaultQueueSize)
	}
	if d.metrics == nil {
		d.metrics = noopMetrics{}
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = transition.DefaultMaxAttempts
	}
	if d.workers <= 0 {
		d.workers = DefaultWorkers
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.logger = engine.NormalizeLogger(d.logger)
	return d, nil
}

// Jobs returns the job store.
func (d *Dispatcher) Jobs() JobStore {
	return d.jobs
}

// MaxAttempts returns the configured attempt bound.
func (d *Dispatcher) MaxAttempts() int {
	return d.maxAttempts
}

// Dispatch creates a queued job for t and enqueues its first attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, t transition.Transition, refs []transition.EntityRef, caller transition.Caller, extraInput map[string]any) (*transition.TransitionJob, error) {
	if len(refs) == 0 {
		return nil, transition.NewError(transition.ErrEntityNotFound, "job requires at least one entity", nil, map[string]any{
			"transition": t.ID,
		})
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref.Type != t.Binding.EntityType {
			return nil, transition.NewError(transition.ErrTypeMismatch,
				fmt.Sprintf("job for %s cannot include %s", t.Binding.EntityType, ref), nil, map[string]any{
					"transition": t.ID,
					"expected":   t.Binding.EntityType,
					"actual":     ref.Type,
				})
		}
		ids = append(ids, ref.ID)
	}

	now := d.now().UTC()
	job := &transition.TransitionJob{
		ID:           uuid.NewString(),
		TransitionID: t.ID,
		EntityType:   t.Binding.EntityType,
		EntityIDs:    ids,
		RequestedBy:  caller,
		ExtraInput:   transition.CopyMap(extraInput),
		Queue:        t.Queue(),
		Status:       transition.JobQueued,
		Attempt:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	err := d.serve(job.Queue)
	if err == nil {
		err = d.queue.Enqueue(ctx, job.Queue, transition.MessageForJob(job))
	}
	if err != nil {
		d.logger.Error("enqueue job %s on %s failed: %v", job.ID, job.Queue, err)
		if delErr := d.jobs.Delete(context.WithoutCancel(ctx), job.ID); delErr != nil {
			d.logger.Error("discard unqueued job %s: %v", job.ID, delErr)
		}
		return nil, err
	}
	d.metrics.JobEnqueued(job.Queue)
	d.logger.Debug("job %s queued on %s for %s", job.ID, job.Queue, t.ID)
	return job.Clone(), nil
}

// Start launches the configured number of workers for every known queue
// and hands back any retries that were waiting when the dispatcher last stopped.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.runMu.Lock()
	if d.running {
		d.runMu.Unlock()
		return errors.New("dispatcher already running")
	}

	queues := d.queue.Names()
	if len(queues) == 0 {
		queues = []string{transition.DefaultQueue}
	}
	d.runCtx, d.cancel = context.WithCancel(ctx)
	d.pool = pond.NewPool(0)
	d.served = make(map[string]bool, len(queues))
	d.running = true
	for _, name := range queues {
		if err := d.serveLocked(name); err != nil {
			d.cancel()
			d.pool.StopAndWait()
			d.running = false
			d.runMu.Unlock()
			return err
		}
	}
	queues = d.servedLocked()
	d.runMu.Unlock()

	d.setState(RuntimeStateRunning, queues)
	d.logger.Info("dispatcher started with %d workers on queues %s", d.workers, strings.Join(queues, ","))

	d.parkMu.Lock()
	parked := d.parked
	d.parked = nil
	d.parkMu.Unlock()
	for _, p := range parked {
		d.redeliver(p.queue, p.msg, 0)
	}
	return nil
}

// serve starts workers for queue when the dispatcher is running and the
// queue has none yet.
func (d *Dispatcher) serve(queue string) error {
	d.runMu.Lock()
	if !d.running || d.served[queue] {
		d.runMu.Unlock()
		return nil
	}
	err := d.serveLocked(queue)
	queues := d.servedLocked()
	d.runMu.Unlock()
	if err != nil {
		return err
	}
	d.setState(RuntimeStateRunning, queues)
	d.logger.Info("dispatcher started %d workers on queue %s", d.workers, queue)
	return nil
}

func (d *Dispatcher) serveLocked(queue string) error {
	if d.served[queue] {
		return nil
	}
	ctx := d.runCtx
	for i := 0; i < d.workers; i++ {
		if err := d.pool.Go(func() { d.work(ctx, queue) }); err != nil {
			return err
		}
	}
	d.served[queue] = true
	return nil
}

func (d *Dispatcher) servedLocked() []string {
	queues := make([]string, 0, len(d.served))
	for name := range d.served {
		queues = append(queues, name)
	}
	sort.Strings(queues)
	return queues
}

// Stop stops dequeuing and waits for in-flight attempts to complete, or for ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.runMu.Lock()
	cancel, pool, running := d.cancel, d.pool, d.running
	d.running = false
	d.cancel = nil
	d.pool = nil
	d.served = nil
	d.runMu.Unlock()

	if !running {
		d.setState(RuntimeStateStopped, nil)
		return nil
	}

	d.setState(RuntimeStateStopping, nil)
	cancel()
	done := make(chan struct{})
	go func() {
		pool.StopAndWait()
		d.redelivering.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.setState(RuntimeStateStopped, nil)
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessOne takes one message from queue and runs it. It returns the
// attempt's error, or transition.ErrJobExhausted when the job was frozen.
func (d *Dispatcher) ProcessOne(ctx context.Context, queue string) error {
	msg, err := d.queue.Dequeue(ctx, queue)
	if err != nil {
		return err
	}
	return d.process(ctx, msg)
}

// OnFrozen subscribes fn to jobs that exhausted their attempts.
func (d *Dispatcher) OnFrozen(fn FrozenHandler) Subscription {
	d.hooksMu.Lock()
	defer d.hooksMu.Unlock()
	d.nextHook++
	d.frozen[d.nextHook] = fn
	return &subs{dispatcher: d, id: d.nextHook}
}

func (d *Dispatcher) work(ctx context.Context, queue string) {
	logger := engine.WithLoggerFields(d.logger.WithContext(ctx), map[string]any{"queue": queue})
	for {
		msg, err := d.queue.Dequeue(ctx, queue)
		if err != nil {
			return
		}
		// in-flight attempts finish even when Stop cancels dequeuing
		if err := d.process(context.WithoutCancel(ctx), msg); err != nil {
			logger.Warn("job %s attempt %d: %v", msg.JobID, msg.Attempt, err)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, msg transition.JobMessage) error {
	logger := engine.WithLoggerFields(d.logger.WithContext(ctx), map[string]any{
		"job_id":        msg.JobID,
		"transition_id": msg.TransitionID,
		"attempt":       msg.Attempt,
	})

	job, err := d.jobs.Get(ctx, msg.JobID)
	if err != nil {
		d.recordAttempt(err)
		return err
	}
	if job.Status != transition.JobQueued {
		logger.Warn("skipping job in status %s", job.Status)
		return nil
	}
	if err := job.Advance(transition.JobStarted, d.now()); err != nil {
		return err
	}
	if err := d.jobs.Update(ctx, job); err != nil {
		d.recordAttempt(err)
		return err
	}

	msg.Attempt = job.Attempt
	handler := runner.NewHandler(
		runner.WithTimeout(d.attemptTimeout),
		runner.WithLogger(logger),
	)
	start := d.now()
	runErr := handler.Run(ctx, func(ctx context.Context) error {
		_, err := d.executor.RunJob(ctx, msg)
		return err
	})
	d.metrics.ObserveAttempt(job.Queue, d.now().Sub(start), runErr)

	if runErr == nil {
		if err := job.Advance(transition.JobFinished, d.now()); err != nil {
			return err
		}
		if err := d.jobs.Update(ctx, job); err != nil {
			d.recordAttempt(err)
			return err
		}
		d.metrics.JobFinished(job.Queue)
		d.recordAttempt(nil)
		logger.Info("job finished")
		return nil
	}

	if err := job.Fail(runErr, d.now()); err != nil {
		return err
	}
	if err := d.jobs.Update(ctx, job); err != nil {
		d.recordAttempt(err)
		return err
	}
	d.recordAttempt(runErr)

	if job.Attempt < d.maxAttempts {
		return d.retryJob(ctx, logger, job, runErr)
	}
	return d.freezeJob(ctx, logger, job, msg, runErr)
}

func (d *Dispatcher) retryJob(ctx context.Context, logger engine.Logger, job *transition.TransitionJob, cause error) error {
	decision := runner.DecideRetry(d.retry, job.Attempt-1, cause)
	if err := job.Retry(d.maxAttempts, d.now()); err != nil {
		return err
	}
	if err := d.jobs.Update(ctx, job); err != nil {
		return err
	}
	d.redeliver(job.Queue, transition.MessageForJob(job), decision.Delay)
	d.metrics.JobRetried(job.Queue, job.Attempt)
	logger.Warn("job attempt failed, queued attempt %d of %d after %s: %v", job.Attempt, d.maxAttempts, decision.Delay, cause)
	return cause
}

// redeliver puts a retry back on queue without holding the calling worker.
// When the queue is full or a delay applies, the send happens on its own
// goroutine. A send cut short by Stop is parked and handed back on Start.
func (d *Dispatcher) redeliver(queue string, msg transition.JobMessage, delay time.Duration) {
	if delay <= 0 {
		if q, ok := d.queue.(TryQueue); ok && q.TryEnqueue(queue, msg) {
			return
		}
	}

	d.runMu.Lock()
	ctx := context.Background()
	if d.running {
		ctx = d.runCtx
	}
	d.redelivering.Add(1)
	d.runMu.Unlock()

	go func() {
		defer d.redelivering.Done()
		if delay > 0 {
			select {
			case <-ctx.Done():
				d.park(queue, msg)
				return
			case <-time.After(delay):
			}
		}
		if err := d.serve(queue); err != nil {
			d.logger.Warn("start workers on %s for job %s: %v", queue, msg.JobID, err)
		}
		if err := d.queue.Enqueue(ctx, queue, msg); err != nil {
			d.park(queue, msg)
		}
	}()
}

func (d *Dispatcher) park(queue string, msg transition.JobMessage) {
	d.parkMu.Lock()
	defer d.parkMu.Unlock()
	d.parked = append(d.parked, parkedMessage{queue: queue, msg: msg})
	d.logger.Debug("job %s attempt %d parked until the dispatcher starts", msg.JobID, msg.Attempt)
}

func (d *Dispatcher) freezeJob(ctx context.Context, logger engine.Logger, job *transition.TransitionJob, msg transition.JobMessage, cause error) error {
	if err := job.Freeze(d.maxAttempts, d.now()); err != nil {
		return err
	}
	if err := d.jobs.Update(ctx, job); err != nil {
		return err
	}
	d.metrics.JobFrozen(job.Queue)

	exhausted := transition.NewError(transition.ErrJobExhausted,
		fmt.Sprintf("job %s frozen after %d attempts", job.ID, job.Attempt), cause, map[string]any{
			"job_id":     job.ID,
			"transition": job.TransitionID,
			"attempts":   job.Attempt,
		})
	if err := d.executor.RecordFailure(ctx, msg, cause); err != nil {
		logger.Error("record failure history for job %s: %v", job.ID, err)
	}
	logger.Error("job frozen: %v", cause)

	d.hooksMu.RLock()
	handlers := make([]FrozenHandler, 0, len(d.frozen))
	for _, fn := range d.frozen {
		handlers = append(handlers, fn)
	}
	d.hooksMu.RUnlock()
	for _, fn := range handlers {
		if fn != nil {
			fn(ctx, FrozenEvent{Job: job.Clone(), Err: exhausted})
		}
	}
	return exhausted
}
