package dispatcher

import (
	"context"
	"time"
)

// RuntimeState tracks the lifecycle of the worker pool.
type RuntimeState string

const (
	RuntimeStateIdle     RuntimeState = "idle"
	RuntimeStateRunning  RuntimeState = "running"
	RuntimeStateStopping RuntimeState = "stopping"
	RuntimeStateStopped  RuntimeState = "stopped"
)

// RuntimeStatus captures the latest runtime state and attempt counters.
type RuntimeStatus struct {
	State               RuntimeState
	Queues              []string
	Workers             int
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	Attempts            int
	Failures            int
}

// Health reports health derived from runtime status.
type Health struct {
	Healthy bool
	Reason  string
	Status  RuntimeStatus
}

// Status returns a copy of the latest runtime status.
func (d *Dispatcher) Status() RuntimeStatus {
	if d == nil {
		return RuntimeStatus{State: RuntimeStateStopped}
	}
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	status := d.status
	status.Queues = append([]string(nil), d.status.Queues...)
	return status
}

// Health derives a health summary from Status.
func (d *Dispatcher) Health(_ context.Context) Health {
	status := d.Status()
	health := Health{Healthy: true, Status: status}
	if status.ConsecutiveFailures >= d.maxAttempts {
		health.Healthy = false
		health.Reason = "consecutive job failures detected"
	} else if status.State == RuntimeStateStopped && !status.LastRunAt.IsZero() {
		health.Healthy = false
		health.Reason = "dispatcher stopped"
	}
	return health
}

func (d *Dispatcher) recordAttempt(err error) {
	now := d.now().UTC()
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.status.LastRunAt = now
	d.status.Attempts++
	if err == nil {
		d.status.LastSuccessAt = now
		d.status.LastError = ""
		d.status.ConsecutiveFailures = 0
		return
	}
	d.status.LastError = err.Error()
	d.status.ConsecutiveFailures++
	d.status.Failures++
}

func (d *Dispatcher) setState(state RuntimeState, queues []string) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.status.State = state
	d.status.Workers = d.workers
	if queues != nil {
		d.status.Queues = append([]string(nil), queues...)
	}
}
