package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	transition "github.com/goliatone/go-transition"
)

const defaultPageSize = 50

type sqlExecContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type sqlQueryContext interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite persists entities and history in two tables of a database/sql handle.
type SQLite struct {
	db           *sql.DB
	entityTable  string
	historyTable string
	pageSize     int
}

// SQLiteOption customizes a SQLite store.
type SQLiteOption func(*SQLite)

// WithTables overrides the entity and history table names.
func WithTables(entities, history string) SQLiteOption {
	return func(s *SQLite) {
		if entities = strings.TrimSpace(entities); entities != "" {
			s.entityTable = entities
		}
		if history = strings.TrimSpace(history); history != "" {
			s.historyTable = history
		}
	}
}

// WithPageSize sets how many history rows Query fetches per round trip.
func WithPageSize(n int) SQLiteOption {
	return func(s *SQLite) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewSQLite builds a store on db. Tables are created on first use.
func NewSQLite(db *sql.DB, opts ...SQLiteOption) *SQLite {
	s := &SQLite{
		db:           db,
		entityTable:  "entities",
		historyTable: "transition_history",
		pageSize:     defaultPageSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Load reads one entity.
func (s *SQLite) Load(ctx context.Context, ref transition.EntityRef) (*transition.Entity, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return nil, err
	}
	return s.load(ctx, s.db, ref)
}

// Put upserts an entity and bumps its version.
func (s *SQLite) Put(ctx context.Context, entity *transition.Entity) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	rec, err := normalizeEntity(entity)
	if err != nil {
		return err
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return err
	}
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (entity_type, entity_id, fields, version, updated_at) VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET fields=excluded.fields, version=version+1, updated_at=excluded.updated_at`, s.entityTable)
	if _, err := s.db.ExecContext(ctx, q, rec.Type, rec.ID, string(fieldsJSON), formatTimestamp(rec.UpdatedAt)); err != nil {
		return err
	}
	current, err := s.load(ctx, s.db, rec.Ref())
	if err != nil {
		return err
	}
	if current != nil {
		entity.Version = current.Version
	}
	return nil
}

// RunInTransaction executes fn in one database transaction.
func (s *SQLite) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	if fn == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.ensureSchema(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fn(&sqliteTx{parent: s, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Append inserts a history record outside of an entity transaction.
func (s *SQLite) Append(ctx context.Context, rec transition.TransitionHistory) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return err
	}
	return s.appendHistory(ctx, s.db, rec)
}

// Query pages through history newest first. Each page is read and closed
// before its rows are yielded, so no cursor stays open while the caller iterates.
func (s *SQLite) Query(ctx context.Context, entityType, entityID string) iter.Seq2[transition.TransitionHistory, error] {
	return func(yield func(transition.TransitionHistory, error) bool) {
		if s == nil || s.db == nil {
			yield(transition.TransitionHistory{}, errors.New("sqlite store not configured"))
			return
		}
		if err := s.ensureSchema(ctx, s.db); err != nil {
			yield(transition.TransitionHistory{}, err)
			return
		}

		var cursor *pageCursor
		for {
			page, next, err := s.historyPage(ctx, entityType, entityID, cursor)
			if err != nil {
				yield(transition.TransitionHistory{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if next == nil {
				return
			}
			cursor = next
		}
	}
}

type pageCursor struct {
	nanos int64
	seq   int64
}

func (s *SQLite) historyPage(ctx context.Context, entityType, entityID string, cursor *pageCursor) ([]transition.TransitionHistory, *pageCursor, error) {
	cols := `seq, id, transition_id, transition_name, entity_type, entity_id, source, target, performed_by,
		extra_input, actions_run, field_diff, attachments, execution_id, job_id, error, ts, ts_nanos`
	args := []any{entityType, entityID}
	where := `entity_type = ? AND entity_id = ?`
	if cursor != nil {
		where += ` AND (ts_nanos < ? OR (ts_nanos = ? AND seq < ?))`
		args = append(args, cursor.nanos, cursor.nanos, cursor.seq)
	}
	args = append(args, s.pageSize)
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY ts_nanos DESC, seq DESC LIMIT ?`, cols, s.historyTable, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		out  []transition.TransitionHistory
		last pageCursor
	)
	for rows.Next() {
		var (
			rec                                          transition.TransitionHistory
			extraJSON, actionsJSON, diffJSON, attachJSON string
			ts                                           string
		)
		if err := rows.Scan(
			&last.seq,
			&rec.ID,
			&rec.TransitionID,
			&rec.TransitionName,
			&rec.EntityType,
			&rec.EntityID,
			&rec.Source,
			&rec.Target,
			&rec.PerformedBy,
			&extraJSON,
			&actionsJSON,
			&diffJSON,
			&attachJSON,
			&rec.ExecutionID,
			&rec.JobID,
			&rec.Error,
			&ts,
			&last.nanos,
		); err != nil {
			return nil, nil, err
		}
		if err := decodeJSON(extraJSON, &rec.ExtraInput); err != nil {
			return nil, nil, err
		}
		if err := decodeJSON(actionsJSON, &rec.ActionsRun); err != nil {
			return nil, nil, err
		}
		if err := decodeJSON(diffJSON, &rec.FieldDiff); err != nil {
			return nil, nil, err
		}
		if err := decodeJSON(attachJSON, &rec.Attachments); err != nil {
			return nil, nil, err
		}
		if parsed, ok := parseTimestamp(ts); ok {
			rec.Timestamp = parsed
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(out) < s.pageSize {
		return out, nil, nil
	}
	next := last
	return out, &next, nil
}

func (s *SQLite) load(ctx context.Context, q sqlQueryContext, ref transition.EntityRef) (*transition.Entity, error) {
	if !ref.Valid() {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT entity_type, entity_id, fields, version, updated_at FROM %s WHERE entity_type = ? AND entity_id = ?`, s.entityTable)
	var (
		e          transition.Entity
		fieldsJSON string
		updatedAt  string
	)
	err := q.QueryRowContext(ctx, query, ref.Type, ref.ID).Scan(&e.Type, &e.ID, &fieldsJSON, &e.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(fieldsJSON, &e.Fields); err != nil {
		return nil, err
	}
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	if ts, ok := parseTimestamp(updatedAt); ok {
		e.UpdatedAt = ts
	}
	return &e, nil
}

func (s *SQLite) saveIfVersion(ctx context.Context, exec sqlExecContext, entity *transition.Entity, expectedVersion int) (int, error) {
	rec, err := normalizeEntity(entity)
	if err != nil {
		return 0, err
	}
	if expectedVersion < 0 {
		expectedVersion = 0
	}
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return 0, err
	}

	if expectedVersion == 0 {
		q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (entity_type, entity_id, fields, version, updated_at) VALUES (?, ?, ?, 1, ?)`, s.entityTable)
		result, err := exec.ExecContext(ctx, q, rec.Type, rec.ID, string(fieldsJSON), formatTimestamp(rec.UpdatedAt))
		if err != nil {
			return 0, err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return 0, versionConflict(rec.Ref(), expectedVersion, -1)
		}
		return 1, nil
	}

	newVersion := expectedVersion + 1
	q := fmt.Sprintf(`UPDATE %s SET fields=?, version=?, updated_at=? WHERE entity_type=? AND entity_id=? AND version=?`, s.entityTable)
	result, err := exec.ExecContext(ctx, q, string(fieldsJSON), newVersion, formatTimestamp(rec.UpdatedAt), rec.Type, rec.ID, expectedVersion)
	if err != nil {
		return 0, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return 0, versionConflict(rec.Ref(), expectedVersion, -1)
	}
	return newVersion, nil
}

func (s *SQLite) appendHistory(ctx context.Context, exec sqlExecContext, rec transition.TransitionHistory) error {
	rec, err := normalizeHistory(rec)
	if err != nil {
		return err
	}
	extraJSON, err := json.Marshal(rec.ExtraInput)
	if err != nil {
		return err
	}
	actionsJSON, err := json.Marshal(rec.ActionsRun)
	if err != nil {
		return err
	}
	diffJSON, err := json.Marshal(rec.FieldDiff)
	if err != nil {
		return err
	}
	attachJSON, err := json.Marshal(rec.Attachments)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (
		id, transition_id, transition_name, entity_type, entity_id, source, target, performed_by,
		extra_input, actions_run, field_diff, attachments, execution_id, job_id, error, ts, ts_nanos
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.historyTable)
	_, err = exec.ExecContext(ctx, q,
		rec.ID,
		rec.TransitionID,
		rec.TransitionName,
		rec.EntityType,
		rec.EntityID,
		rec.Source,
		rec.Target,
		rec.PerformedBy,
		string(extraJSON),
		string(actionsJSON),
		string(diffJSON),
		string(attachJSON),
		rec.ExecutionID,
		rec.JobID,
		rec.Error,
		formatTimestamp(rec.Timestamp),
		rec.Timestamp.UnixNano(),
	)
	return err
}

func (s *SQLite) ensureSchema(ctx context.Context, exec sqlExecContext) error {
	if exec == nil {
		return errors.New("sqlite exec not configured")
	}
	entityDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		fields TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	)`, s.entityTable)
	if _, err := exec.ExecContext(ctx, entityDDL); err != nil {
		return err
	}
	historyDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		transition_id TEXT NOT NULL,
		transition_name TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		performed_by TEXT,
		extra_input TEXT,
		actions_run TEXT,
		field_diff TEXT,
		attachments TEXT,
		execution_id TEXT,
		job_id TEXT,
		error TEXT,
		ts TEXT NOT NULL,
		ts_nanos INTEGER NOT NULL
	)`, s.historyTable)
	if _, err := exec.ExecContext(ctx, historyDDL); err != nil {
		return err
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_entity_idx ON %s (entity_type, entity_id, ts_nanos, seq)`, s.historyTable, s.historyTable)
	_, err := exec.ExecContext(ctx, index)
	return err
}

type sqliteTx struct {
	parent *SQLite
	tx     *sql.Tx
}

func (s *sqliteTx) Load(ctx context.Context, ref transition.EntityRef) (*transition.Entity, error) {
	if s == nil || s.tx == nil {
		return nil, errors.New("sqlite tx store not configured")
	}
	return s.parent.load(ctx, s.tx, ref)
}

func (s *sqliteTx) SaveIfVersion(ctx context.Context, entity *transition.Entity, expectedVersion int) (int, error) {
	if s == nil || s.tx == nil {
		return 0, errors.New("sqlite tx store not configured")
	}
	return s.parent.saveIfVersion(ctx, s.tx, entity, expectedVersion)
}

func (s *sqliteTx) AppendHistory(ctx context.Context, rec transition.TransitionHistory) error {
	if s == nil || s.tx == nil {
		return errors.New("sqlite tx store not configured")
	}
	return s.parent.appendHistory(ctx, s.tx, rec)
}

func decodeJSON(raw string, target any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), target)
}

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}
