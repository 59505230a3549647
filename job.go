package transition

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of an async transition job.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobStarted  JobStatus = "started"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
	JobFrozen   JobStatus = "frozen"
)

// DefaultMaxAttempts bounds async retries when no policy is configured.
const DefaultMaxAttempts = 3

var jobEdges = map[JobStatus][]JobStatus{
	JobQueued:  {JobStarted},
	JobStarted: {JobFinished, JobFailed},
	JobFailed:  {JobQueued, JobFrozen},
}

// ParseJobStatus normalizes s into a known status.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	switch status {
	case JobQueued, JobStarted, JobFinished, JobFailed, JobFrozen:
		return status, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// IsTerminal reports whether no transition leaves s.
func (s JobStatus) IsTerminal() bool {
	return s == JobFinished || s == JobFrozen
}

// CanTransitionTo reports whether s -> next is a legal job edge.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, candidate := range jobEdges[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// TransitionJob tracks one async transition request across its attempts.
type TransitionJob struct {
	ID           string         `json:"id"`
	TransitionID string         `json:"transition_id"`
	EntityType   string         `json:"entity_type"`
	EntityIDs    []string       `json:"entity_ids"`
	RequestedBy  Caller         `json:"requested_by"`
	ExtraInput   map[string]any `json:"extra_input,omitempty"`
	Queue        string         `json:"queue"`
	Status       JobStatus      `json:"status"`
	Attempt      int            `json:"attempt"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// Refs returns entity references for every id of the job.
func (j *TransitionJob) Refs() []EntityRef {
	return Refs(j.EntityType, j.EntityIDs...)
}

// Advance moves the job along a plain edge (queued->started, started->finished|failed).
// Leaving failed goes through Retry or Freeze, which enforce the attempt bound.
func (j *TransitionJob) Advance(next JobStatus, now time.Time) error {
	if j.Status == JobFailed {
		return j.invalid(next, "failed jobs leave through retry or freeze")
	}
	if !j.Status.CanTransitionTo(next) {
		return j.invalid(next, "")
	}
	j.Status = next
	j.touch(now)
	if next.IsTerminal() {
		j.LastError = ""
		ts := j.UpdatedAt
		j.FinishedAt = &ts
	}
	return nil
}

// Fail marks a started job failed and records the cause.
func (j *TransitionJob) Fail(cause error, now time.Time) error {
	if err := j.Advance(JobFailed, now); err != nil {
		return err
	}
	if cause != nil {
		j.LastError = cause.Error()
	}
	return nil
}

// Retry re-queues a failed job for attempt+1 while attempt < maxAttempts.
func (j *TransitionJob) Retry(maxAttempts int, now time.Time) error {
	if j.Status != JobFailed {
		return j.invalid(JobQueued, "")
	}
	if j.Attempt >= normalizeMaxAttempts(maxAttempts) {
		return j.invalid(JobQueued, fmt.Sprintf("attempt %d reached max attempts %d", j.Attempt, maxAttempts))
	}
	j.Status = JobQueued
	j.Attempt++
	j.touch(now)
	return nil
}

// Freeze parks a failed job that exhausted its attempts. Frozen is terminal.
func (j *TransitionJob) Freeze(maxAttempts int, now time.Time) error {
	if j.Status != JobFailed {
		return j.invalid(JobFrozen, "")
	}
	if j.Attempt < normalizeMaxAttempts(maxAttempts) {
		return j.invalid(JobFrozen, fmt.Sprintf("attempt %d below max attempts %d", j.Attempt, maxAttempts))
	}
	j.Status = JobFrozen
	j.touch(now)
	ts := j.UpdatedAt
	j.FinishedAt = &ts
	return nil
}

// Clone copies slices and maps of the job.
func (j *TransitionJob) Clone() *TransitionJob {
	if j == nil {
		return nil
	}
	cp := *j
	cp.EntityIDs = copyStrings(j.EntityIDs)
	cp.ExtraInput = CopyMap(j.ExtraInput)
	cp.RequestedBy.Capabilities = copyStrings(j.RequestedBy.Capabilities)
	if j.FinishedAt != nil {
		ts := *j.FinishedAt
		cp.FinishedAt = &ts
	}
	return &cp
}

func (j *TransitionJob) touch(now time.Time) {
	if now.IsZero() {
		now = time.Now()
	}
	j.UpdatedAt = now.UTC()
}

func (j *TransitionJob) invalid(next JobStatus, reason string) error {
	msg := fmt.Sprintf("job %s cannot move from %s to %s", j.ID, j.Status, next)
	if reason != "" {
		msg += ": " + reason
	}
	return NewError(ErrInvalidJobTransition, msg, nil, map[string]any{
		"job_id":  j.ID,
		"from":    string(j.Status),
		"to":      string(next),
		"attempt": j.Attempt,
	})
}

func normalizeMaxAttempts(n int) int {
	if n <= 0 {
		return DefaultMaxAttempts
	}
	return n
}
