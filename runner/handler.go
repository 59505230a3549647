package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
)

// Logger is the subset of the engine logger the runner needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type Option func(*Handler)

// WithTimeout bounds each Run call.
func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

// WithDeadline sets an absolute deadline for every Run call.
func WithDeadline(d time.Time) Option {
	return func(r *Handler) {
		r.deadline = d
	}
}

// WithMaxRetries allows in-process retries of fn inside one Run.
func WithMaxRetries(max int) Option {
	return func(r *Handler) {
		r.maxRetries = max
	}
}

func WithErrorHandler(h func(error)) Option {
	return func(r *Handler) {
		if h == nil {
			h = func(err error) {}
		}
		r.errorHandler = h
	}
}

func WithLogger(l Logger) Option {
	return func(r *Handler) {
		r.logger = l
	}
}

// WithRetryStrategy sets the delay between in-process retries.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Handler) {
		r.retryStrategy = s
	}
}

// Handler runs one unit of work under a timeout, turning panics into errors.
type Handler struct {
	mu sync.Mutex

	logger        Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy

	runs           int
	successfulRuns int

	maxRetries int
	timeout    time.Duration
	deadline   time.Time
}

// NewHandler constructs a Handler, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	r := &Handler{
		errorHandler:  func(error) {},
		retryStrategy: NoDelayStrategy{},
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Run calls fn until it succeeds or maxRetries is used up, returning the last error.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	h.mu.Lock()
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	h.mu.Unlock()

	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
attempts:
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = h.call(ctx, fn)
		if err == nil || attempt == maxRetries {
			break
		}
		h.logError("runner attempt %d of %d failed: %v", attempt+1, maxRetries+1, err)
		if delay := DecideRetry(strategy, attempt, err).Delay; delay > 0 {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				break attempts
			case <-time.After(delay):
			}
		}
	}

	h.mu.Lock()
	h.runs++
	if err == nil {
		h.successfulRuns++
	}
	h.mu.Unlock()

	if err != nil {
		h.errorHandler(err)
	}
	return err
}

// Stats returns total and successful run counts.
func (h *Handler) Stats() (runs, successful int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns
}

func (h *Handler) call(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(fmt.Sprintf("panic: %v", r), errors.CategoryHandler).
				WithTextCode("RUNNER_PANIC")
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (h *Handler) logError(format string, args ...any) {
	if h.logger != nil {
		h.logger.Error(format, args...)
	}
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout != 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout != 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return parent, func() {}
	}
}
