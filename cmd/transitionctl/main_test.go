package main

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transition "github.com/goliatone/go-transition"
	"github.com/goliatone/go-transition/dispatcher"
	"github.com/goliatone/go-transition/store"
)

const definitions = `
version: 1
actions:
  - name: notify
    prerequisites: [assign_user]
  - name: assign_user
bindings:
  - entity_type: asset
    field: status
    transitions:
      - name: start
        from: [new]
        to: in_progress
        actions: [notify, assign_user]
      - name: cancel
        from: [new, in_progress]
        to: cancelled
        capability: assets.cancel
      - name: finish
        from: [in_progress]
        to: done
`

func writeDefinitions(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transitions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := run(args, &out, &errOut)
	return out.String(), err
}

func tempDB(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transitions.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return path, db
}

func TestValidateCommand(t *testing.T) {
	out, err := runCLI(t, "validate", writeDefinitions(t, definitions))
	require.NoError(t, err)
	assert.Contains(t, out, "ok: 1 bindings, 3 transitions")
	assert.NotContains(t, out, "no action catalog")

	bare := writeDefinitions(t, `
bindings:
  - entity_type: asset
    field: status
    transitions:
      - {name: start, from: [new], to: done, actions: [a, b]}
`)
	out, err = runCLI(t, "validate", bare)
	require.NoError(t, err)
	assert.Contains(t, out, "no action catalog")
}

func TestValidateReportsCycles(t *testing.T) {
	path := writeDefinitions(t, `
actions:
  - {name: a, prerequisites: [b]}
  - {name: b, prerequisites: [a]}
bindings:
  - entity_type: asset
    field: status
    transitions:
      - {name: loop, from: [new], to: done, actions: [a, b]}
`)
	_, err := runCLI(t, "validate", path)
	require.Error(t, err)
	assert.True(t, transition.IsKind(err, transition.ErrCycle))
}

func TestPlanCommand(t *testing.T) {
	out, err := runCLI(t, "plan", writeDefinitions(t, definitions), "asset.status.start")
	require.NoError(t, err)
	assert.Contains(t, out, "asset.status.start: new -> in_progress")
	assert.Contains(t, out, "1. assign_user")
	assert.Contains(t, out, "2. notify")

	_, err = runCLI(t, "plan", writeDefinitions(t, definitions), "asset.status.missing")
	assert.True(t, transition.IsKind(err, transition.ErrUnknownTransition))
}

func TestAvailableCommand(t *testing.T) {
	path := writeDefinitions(t, definitions)

	out, err := runCLI(t, "available", path, "asset", "status", "new")
	require.NoError(t, err)
	assert.Contains(t, out, "start")
	assert.Contains(t, out, "cancel")
	assert.NotContains(t, out, "finish")

	out, err = runCLI(t, "available", path, "asset", "status", "new", "--caller", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "start")
	assert.NotContains(t, out, "cancel")

	out, err = runCLI(t, "available", path, "asset", "status", "new", "--caller", "u1", "-c", "assets.cancel")
	require.NoError(t, err)
	assert.Contains(t, out, "cancel")

	_, err = runCLI(t, "available", path, "asset", "owner", "new")
	assert.ErrorContains(t, err, "not declared")
}

func TestHistoryCommand(t *testing.T) {
	path, db := tempDB(t)
	s := store.NewSQLite(db)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(ctx, transition.TransitionHistory{
		ID: "h1", TransitionID: "asset.status.start", TransitionName: "start",
		EntityType: "asset", EntityID: "a1", Source: "new", Target: "in_progress",
		PerformedBy: "user:u1", ActionsRun: []string{"assign_user", "notify"}, Timestamp: base,
	}))
	require.NoError(t, s.Append(ctx, transition.TransitionHistory{
		ID: "h2", TransitionID: "asset.status.finish", TransitionName: "finish",
		EntityType: "asset", EntityID: "a1", Source: "in_progress", Target: "done",
		PerformedBy: "user:u1", Error: "mailer down", Timestamp: base.Add(time.Hour),
	}))

	out, err := runCLI(t, "history", "--db", path, "asset", "a1")
	require.NoError(t, err)
	assert.Contains(t, out, "assign_user,notify")
	assert.Contains(t, out, "mailer down")
	assert.Less(t, bytes.Index([]byte(out), []byte("asset.status.finish")), bytes.Index([]byte(out), []byte("asset.status.start")))

	out, err = runCLI(t, "history", "--db", path, "--limit", "1", "asset", "a1")
	require.NoError(t, err)
	assert.NotContains(t, out, "asset.status.start")
}

func seedJobs(t *testing.T, db *sql.DB, at time.Time) {
	t.Helper()
	ctx := context.Background()
	jobs := dispatcher.NewSQLiteJobStore(db, "")
	for _, id := range []string{"j-queued", "j-frozen"} {
		job := &transition.TransitionJob{
			ID: id, TransitionID: "asset.status.archive", EntityType: "asset", EntityIDs: []string{"a1"},
			Queue: "archive", Status: transition.JobQueued, Attempt: 1, CreatedAt: at, UpdatedAt: at,
		}
		require.NoError(t, jobs.Create(ctx, job))
		if id != "j-frozen" {
			continue
		}
		require.NoError(t, job.Advance(transition.JobStarted, at))
		require.NoError(t, jobs.Update(ctx, job))
		require.NoError(t, job.Fail(assert.AnError, at))
		require.NoError(t, jobs.Update(ctx, job))
		require.NoError(t, job.Freeze(1, at))
		require.NoError(t, jobs.Update(ctx, job))
	}
}

func TestJobsCommand(t *testing.T) {
	path, db := tempDB(t)
	seedJobs(t, db, time.Now().Add(-time.Hour))

	out, err := runCLI(t, "jobs", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "j-queued")
	assert.Contains(t, out, "j-frozen")

	out, err = runCLI(t, "jobs", "--db", path, "--status", "frozen")
	require.NoError(t, err)
	assert.NotContains(t, out, "j-queued")
	assert.Contains(t, out, assert.AnError.Error())

	_, err = runCLI(t, "jobs", "--db", path, "--status", "paused")
	assert.Error(t, err)
}

func TestSweepCommand(t *testing.T) {
	path, db := tempDB(t)
	seedJobs(t, db, time.Now().Add(-48*time.Hour))

	out, err := runCLI(t, "sweep", "--db", path, "--frozen-ttl", "24h")
	require.NoError(t, err)
	assert.Contains(t, out, "purged 1 jobs")

	out, err = runCLI(t, "jobs", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "j-queued")
	assert.NotContains(t, out, "j-frozen")
}

func TestGlogAdapterEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "debug", true)

	logger.(glogLogger).WithFields(map[string]any{"job_id": "j1"}).Info("job finished")
	assert.Contains(t, buf.String(), "job_id")
	assert.Contains(t, buf.String(), "job finished")

	buf.Reset()
	newLogger(&buf, "error", true).Info("dropped")
	assert.Empty(t, buf.String())
}
