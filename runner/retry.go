package runner

import (
	"math"
	"time"
)

// RetryStrategy decides how long to wait before another attempt.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the delay chosen for the next attempt plus any
// strategy metadata worth logging.
type RetryDecision struct {
	Delay    time.Duration
	Metadata map[string]any
}

// RetryDecider is implemented by strategies that report more than a delay.
type RetryDecider interface {
	Decide(attempt int, err error) RetryDecision
}

// DecideRetry asks strategy for a decision, falling back to SleepDuration.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if strategy == nil {
		return RetryDecision{}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.Decide(attempt, err)
	}
	return RetryDecision{Delay: strategy.SleepDuration(attempt, err)}
}

// NoDelayStrategy performs all retries immediately.
type NoDelayStrategy struct{}

func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// FixedDelayStrategy waits the same Delay before every retry.
type FixedDelayStrategy struct {
	Delay time.Duration
}

func (f FixedDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	if f.Delay < 0 {
		return 0
	}
	return f.Delay
}

// ExponentialBackoffStrategy implements a backoff strategy.
// Usage example:
//
//	dispatcher.WithRetryStrategy(runner.ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	// Base is the starting delay (e.g., 100ms)
	Base time.Duration
	// Factor is multiplied each iteration (e.g., 2 => 100ms, 200ms, 400ms, ...)
	Factor float64
	// Max is the maximum delay allowed (caps the exponential growth)
	Max time.Duration
}

// SleepDuration implements an exponential backoff with a cap at Max.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(e.Base) * math.Pow(e.Factor, float64(attempt))
	if time.Duration(delay) > e.Max && e.Max > 0 {
		return e.Max
	}
	return time.Duration(delay)
}

func (e ExponentialBackoffStrategy) Decide(attempt int, err error) RetryDecision {
	return RetryDecision{
		Delay: e.SleepDuration(attempt, err),
		Metadata: map[string]any{
			"strategy": "exponential",
			"attempt":  attempt,
		},
	}
}
