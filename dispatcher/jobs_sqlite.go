package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	transition "github.com/goliatone/go-transition"
)

// SQLiteJobStore persists jobs in one table of a database/sql handle.
type SQLiteJobStore struct {
	db    *sql.DB
	table string

	schemaOnce sync.Once
	schemaErr  error
}

// NewSQLiteJobStore builds a job store on db. The table is created on first use.
func NewSQLiteJobStore(db *sql.DB, table string) *SQLiteJobStore {
	if table = strings.TrimSpace(table); table == "" {
		table = "transition_jobs"
	}
	return &SQLiteJobStore{db: db, table: table}
}

func (s *SQLiteJobStore) Create(ctx context.Context, job *transition.TransitionJob) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	row, err := encodeJob(job)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, transition_id, entity_type, entity_ids, requested_by, extra_input, queue, status, attempt, last_error, created_at, updated_at, finished_at, finished_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	_, err = s.db.ExecContext(ctx, q, row.args()...)
	return err
}

func (s *SQLiteJobStore) Get(ctx context.Context, id string) (*transition.TransitionJob, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, jobColumns, s.table)
	job, err := scanJob(s.db.QueryRowContext(ctx, q, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound(id)
	}
	return job, err
}

func (s *SQLiteJobStore) Update(ctx context.Context, job *transition.TransitionJob) error {
	if job == nil {
		return fmt.Errorf("job required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, jobColumns, s.table)
	current, err := scanJob(tx.QueryRowContext(ctx, q, job.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return jobNotFound(job.ID)
	}
	if err != nil {
		return err
	}
	if err := checkStatusChange(current, job); err != nil {
		return err
	}

	row, err := encodeJob(job)
	if err != nil {
		return err
	}
	update := fmt.Sprintf(`UPDATE %s SET status = ?, attempt = ?, last_error = ?, extra_input = ?, updated_at = ?, finished_at = ?, finished_nanos = ?
		WHERE id = ? AND status = ?`, s.table)
	res, err := tx.ExecContext(ctx, update,
		row.status, row.attempt, row.lastError, row.extraInput, row.updatedAt, row.finishedAt, row.finishedNanos,
		job.ID, string(current.Status))
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return transition.NewError(transition.ErrInvalidJobTransition,
			fmt.Sprintf("job %s changed concurrently", job.ID), nil, map[string]any{"job_id": job.ID})
	}
	return tx.Commit()
}

func (s *SQLiteJobStore) List(ctx context.Context, filter JobFilter) ([]*transition.TransitionJob, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if q := strings.TrimSpace(filter.Queue); q != "" {
		where = append(where, "queue = ?")
		args = append(args, q)
	}
	if id := strings.TrimSpace(filter.TransitionID); id != "" {
		where = append(where, "transition_id = ?")
		args = append(args, id)
	}
	q := fmt.Sprintf(`SELECT %s FROM %s`, jobColumns, s.table)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY rowid ASC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*transition.TransitionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteJobStore) PurgeTerminal(ctx context.Context, olderThan map[transition.JobStatus]time.Time) (int, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	removed := 0
	for _, status := range []transition.JobStatus{transition.JobFinished, transition.JobFrozen} {
		cutoff, ok := olderThan[status]
		if !ok || cutoff.IsZero() {
			continue
		}
		q := fmt.Sprintf(`DELETE FROM %s WHERE status = ? AND finished_nanos IS NOT NULL AND finished_nanos < ?`, s.table)
		res, err := s.db.ExecContext(ctx, q, string(status), cutoff.UTC().UnixNano())
		if err != nil {
			return removed, err
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}
	return removed, nil
}

func (s *SQLiteJobStore) Delete(ctx context.Context, id string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return jobNotFound(id)
	}
	return nil
}

func (s *SQLiteJobStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite job store not configured")
	}
	s.schemaOnce.Do(func() {
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				transition_id TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				entity_ids TEXT NOT NULL,
				requested_by TEXT NOT NULL,
				extra_input TEXT NOT NULL,
				queue TEXT NOT NULL,
				status TEXT NOT NULL,
				attempt INTEGER NOT NULL,
				last_error TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				finished_at TEXT,
				finished_nanos INTEGER
			)`, s.table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status, finished_nanos)`, s.table, s.table),
		}
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				s.schemaErr = err
				return
			}
		}
	})
	return s.schemaErr
}

const jobColumns = `id, transition_id, entity_type, entity_ids, requested_by, extra_input, queue, status, attempt, last_error, created_at, updated_at, finished_at`

type jobRow struct {
	id            string
	transitionID  string
	entityType    string
	entityIDs     string
	requestedBy   string
	extraInput    string
	queue         string
	status        string
	attempt       int
	lastError     string
	createdAt     string
	updatedAt     string
	finishedAt    sql.NullString
	finishedNanos sql.NullInt64
}

func (r jobRow) args() []any {
	return []any{
		r.id, r.transitionID, r.entityType, r.entityIDs, r.requestedBy, r.extraInput, r.queue,
		r.status, r.attempt, r.lastError, r.createdAt, r.updatedAt, r.finishedAt, r.finishedNanos,
	}
}

func encodeJob(job *transition.TransitionJob) (jobRow, error) {
	ids, err := json.Marshal(job.EntityIDs)
	if err != nil {
		return jobRow{}, err
	}
	caller, err := json.Marshal(job.RequestedBy)
	if err != nil {
		return jobRow{}, err
	}
	input, err := json.Marshal(job.ExtraInput)
	if err != nil {
		return jobRow{}, err
	}
	row := jobRow{
		id:           job.ID,
		transitionID: job.TransitionID,
		entityType:   job.EntityType,
		entityIDs:    string(ids),
		requestedBy:  string(caller),
		extraInput:   string(input),
		queue:        job.Queue,
		status:       string(job.Status),
		attempt:      job.Attempt,
		lastError:    job.LastError,
		createdAt:    job.CreatedAt.UTC().Format(time.RFC3339Nano),
		updatedAt:    job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if job.FinishedAt != nil {
		row.finishedAt = sql.NullString{String: job.FinishedAt.UTC().Format(time.RFC3339Nano), Valid: true}
		row.finishedNanos = sql.NullInt64{Int64: job.FinishedAt.UTC().UnixNano(), Valid: true}
	}
	return row, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner rowScanner) (*transition.TransitionJob, error) {
	var row jobRow
	if err := scanner.Scan(
		&row.id, &row.transitionID, &row.entityType, &row.entityIDs, &row.requestedBy, &row.extraInput,
		&row.queue, &row.status, &row.attempt, &row.lastError, &row.createdAt, &row.updatedAt, &row.finishedAt,
	); err != nil {
		return nil, err
	}
	job := &transition.TransitionJob{
		ID:           row.id,
		TransitionID: row.transitionID,
		EntityType:   row.entityType,
		Queue:        row.queue,
		Status:       transition.JobStatus(row.status),
		Attempt:      row.attempt,
		LastError:    row.lastError,
	}
	if err := json.Unmarshal([]byte(row.entityIDs), &job.EntityIDs); err != nil {
		return nil, fmt.Errorf("decode entity ids of job %s: %w", row.id, err)
	}
	if err := json.Unmarshal([]byte(row.requestedBy), &job.RequestedBy); err != nil {
		return nil, fmt.Errorf("decode caller of job %s: %w", row.id, err)
	}
	if row.extraInput != "" && row.extraInput != "null" {
		if err := json.Unmarshal([]byte(row.extraInput), &job.ExtraInput); err != nil {
			return nil, fmt.Errorf("decode input of job %s: %w", row.id, err)
		}
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, row.createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, row.updatedAt)
	if row.finishedAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, row.finishedAt.String); err == nil {
			job.FinishedAt = &ts
		}
	}
	return job, nil
}
