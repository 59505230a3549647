package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-errors"

	transition "github.com/goliatone/go-transition"
)

// ErrJobNotFound is returned by job stores for unknown ids.
var ErrJobNotFound = errors.New("transition job not found", errors.CategoryBadInput).WithTextCode("JOB_NOT_FOUND")

// JobFilter narrows List results. Zero fields match everything.
type JobFilter struct {
	Status       transition.JobStatus
	Queue        string
	TransitionID string
	Limit        int
}

func (f JobFilter) matches(job *transition.TransitionJob) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if q := strings.TrimSpace(f.Queue); q != "" && job.Queue != q {
		return false
	}
	if id := strings.TrimSpace(f.TransitionID); id != "" && job.TransitionID != id {
		return false
	}
	return true
}

// JobStore persists async transition jobs.
type JobStore interface {
	Create(ctx context.Context, job *transition.TransitionJob) error
	Get(ctx context.Context, id string) (*transition.TransitionJob, error)
	// Update stores job, rejecting status changes that are not legal job edges
	// from the stored status.
	Update(ctx context.Context, job *transition.TransitionJob) error
	// List returns matching jobs ordered by creation time.
	List(ctx context.Context, filter JobFilter) ([]*transition.TransitionJob, error)
	// PurgeTerminal deletes jobs in a terminal status whose FinishedAt is
	// before the cutoff given for that status, returning how many were removed.
	PurgeTerminal(ctx context.Context, olderThan map[transition.JobStatus]time.Time) (int, error)
	// Delete removes a job that never reached a queue.
	Delete(ctx context.Context, id string) error
}

// MemoryJobStore is a process-local JobStore.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*transition.TransitionJob
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*transition.TransitionJob)}
}

func (s *MemoryJobStore) Create(_ context.Context, job *transition.TransitionJob) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (*transition.TransitionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return nil, jobNotFound(id)
	}
	return job.Clone(), nil
}

func (s *MemoryJobStore) Update(_ context.Context, job *transition.TransitionJob) error {
	if job == nil {
		return fmt.Errorf("job required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return jobNotFound(job.ID)
	}
	if err := checkStatusChange(current, job); err != nil {
		return err
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryJobStore) List(_ context.Context, filter JobFilter) ([]*transition.TransitionJob, error) {
	s.mu.RLock()
	out := make([]*transition.TransitionJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.matches(job) {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()
	sortJobs(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryJobStore) PurgeTerminal(_ context.Context, olderThan map[transition.JobStatus]time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if purgeable(job, olderThan) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryJobStore) Delete(_ context.Context, id string) error {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return jobNotFound(id)
	}
	delete(s.jobs, id)
	return nil
}

func validateNewJob(job *transition.TransitionJob) error {
	if job == nil {
		return fmt.Errorf("job required")
	}
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id required")
	}
	if job.Status != transition.JobQueued {
		return transition.NewError(transition.ErrInvalidJobTransition,
			fmt.Sprintf("job %s must be created queued, got %s", job.ID, job.Status), nil, map[string]any{
				"job_id": job.ID,
				"status": string(job.Status),
			})
	}
	return nil
}

func checkStatusChange(current, next *transition.TransitionJob) error {
	if current.Status == next.Status || current.Status.CanTransitionTo(next.Status) {
		return nil
	}
	return transition.NewError(transition.ErrInvalidJobTransition,
		fmt.Sprintf("stored job %s cannot move from %s to %s", next.ID, current.Status, next.Status), nil, map[string]any{
			"job_id": next.ID,
			"from":   string(current.Status),
			"to":     string(next.Status),
		})
}

func purgeable(job *transition.TransitionJob, olderThan map[transition.JobStatus]time.Time) bool {
	if !job.Status.IsTerminal() || job.FinishedAt == nil {
		return false
	}
	cutoff, ok := olderThan[job.Status]
	if !ok || cutoff.IsZero() {
		return false
	}
	return job.FinishedAt.Before(cutoff)
}

func jobNotFound(id string) error {
	return transition.NewError(ErrJobNotFound, fmt.Sprintf("job %s not found", id), nil, map[string]any{
		"job_id": id,
	})
}

func sortJobs(jobs []*transition.TransitionJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
