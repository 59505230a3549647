package transition

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusEdges(t *testing.T) {
	assert.True(t, JobQueued.CanTransitionTo(JobStarted))
	assert.True(t, JobStarted.CanTransitionTo(JobFinished))
	assert.True(t, JobStarted.CanTransitionTo(JobFailed))
	assert.True(t, JobFailed.CanTransitionTo(JobQueued))
	assert.True(t, JobFailed.CanTransitionTo(JobFrozen))

	assert.False(t, JobQueued.CanTransitionTo(JobFinished))
	assert.False(t, JobFinished.CanTransitionTo(JobQueued))
	assert.False(t, JobFrozen.CanTransitionTo(JobQueued))

	assert.True(t, JobFinished.IsTerminal())
	assert.True(t, JobFrozen.IsTerminal())
	assert.False(t, JobFailed.IsTerminal())
}

func TestParseJobStatus(t *testing.T) {
	st, err := ParseJobStatus(" Frozen ")
	require.NoError(t, err)
	assert.Equal(t, JobFrozen, st)

	_, err = ParseJobStatus("cancelled")
	assert.Error(t, err)
}

func TestJobRetryUntilFrozen(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	job := &TransitionJob{ID: "j1", Status: JobQueued, Attempt: 1}

	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, job.Advance(JobStarted, now))
		require.NoError(t, job.Fail(errors.New("boom"), now))
		assert.Equal(t, "boom", job.LastError)
		if attempt < 3 {
			require.Error(t, job.Freeze(3, now))
			require.NoError(t, job.Retry(3, now))
			assert.Equal(t, attempt+1, job.Attempt)
		}
	}

	err := job.Retry(3, now)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrInvalidJobTransition))

	require.NoError(t, job.Freeze(3, now))
	assert.Equal(t, JobFrozen, job.Status)
	assert.Equal(t, 3, job.Attempt)
	require.NotNil(t, job.FinishedAt)
	assert.Equal(t, "boom", job.LastError)

	assert.Error(t, job.Advance(JobQueued, now))
}

func TestJobAdvanceRejectsIllegalEdges(t *testing.T) {
	job := &TransitionJob{ID: "j1", Status: JobQueued, Attempt: 1}
	err := job.Advance(JobFinished, time.Now())
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidJobTransition, ErrorCode(err))
	assert.Equal(t, JobQueued, job.Status)

	require.NoError(t, job.Advance(JobStarted, time.Now()))
	require.NoError(t, job.Fail(nil, time.Now()))
	assert.Error(t, job.Advance(JobQueued, time.Now()))

	job.Status = JobFinished
	assert.Error(t, job.Retry(3, time.Now()))
}

func TestJobFinishSetsFinishedAt(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	job := &TransitionJob{ID: "j1", Status: JobQueued, Attempt: 1}
	require.NoError(t, job.Advance(JobStarted, now))
	require.NoError(t, job.Advance(JobFinished, now))
	require.NotNil(t, job.FinishedAt)
	assert.True(t, job.FinishedAt.Equal(now))

	cp := job.Clone()
	cp.EntityIDs = append(cp.EntityIDs, "x")
	assert.Empty(t, job.EntityIDs)
}
