package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"

	transition "github.com/goliatone/go-transition"
)

// Memory is a thread-safe in-memory entity and history store.
type Memory struct {
	mu       sync.RWMutex
	entities map[transition.EntityRef]*transition.Entity
	history  []historyRow
	ids      map[string]struct{}
	seq      int64
}

type historyRow struct {
	seq int64
	rec transition.TransitionHistory
}

// NewMemory constructs an empty store.
func NewMemory() *Memory {
	return &Memory{
		entities: make(map[transition.EntityRef]*transition.Entity),
		ids:      make(map[string]struct{}),
	}
}

// Load returns a cloned entity.
func (s *Memory) Load(_ context.Context, ref transition.EntityRef) (*transition.Entity, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entities[ref].Clone(), nil
}

// Put stores a copy of entity and bumps its version.
func (s *Memory) Put(_ context.Context, entity *transition.Entity) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	rec, err := normalizeEntity(entity)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Version = 1
	if current, ok := s.entities[rec.Ref()]; ok {
		rec.Version = current.Version + 1
	}
	s.entities[rec.Ref()] = rec
	entity.Version = rec.Version
	return nil
}

// RunInTransaction stages writes on cloned state and swaps it in only when fn succeeds.
func (s *Memory) RunInTransaction(_ context.Context, fn func(Tx) error) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	if fn == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		parent:   s,
		entities: make(map[transition.EntityRef]*transition.Entity, len(s.entities)),
		ids:      make(map[string]struct{}),
		seq:      s.seq,
	}
	for ref, e := range s.entities {
		tx.entities[ref] = e
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.entities = tx.entities
	s.history = append(s.history, tx.history...)
	for id := range tx.ids {
		s.ids[id] = struct{}{}
	}
	s.seq = tx.seq
	return nil
}

// Append adds a history record outside of an entity transaction.
func (s *Memory) Append(_ context.Context, rec transition.TransitionHistory) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	rec, err := normalizeHistory(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[rec.ID]; ok {
		return fmt.Errorf("history record %s already exists", rec.ID)
	}
	s.seq++
	s.ids[rec.ID] = struct{}{}
	s.history = append(s.history, historyRow{seq: s.seq, rec: rec})
	return nil
}

// Query snapshots matching records each time the sequence is ranged over.
func (s *Memory) Query(ctx context.Context, entityType, entityID string) iter.Seq2[transition.TransitionHistory, error] {
	return func(yield func(transition.TransitionHistory, error) bool) {
		if s == nil {
			yield(transition.TransitionHistory{}, errors.New("in-memory store not configured"))
			return
		}
		s.mu.RLock()
		var rows []historyRow
		for _, row := range s.history {
			if row.rec.EntityType == entityType && row.rec.EntityID == entityID {
				rows = append(rows, row)
			}
		}
		s.mu.RUnlock()

		sortRowsDesc(rows)
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				yield(transition.TransitionHistory{}, err)
				return
			}
			if !yield(row.rec.Clone(), nil) {
				return
			}
		}
	}
}

// Len returns the number of stored history records.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

func sortRowsDesc(rows []historyRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		ti, tj := rows[i].rec.Timestamp, rows[j].rec.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return rows[i].seq > rows[j].seq
	})
}

type memoryTx struct {
	parent   *Memory
	entities map[transition.EntityRef]*transition.Entity
	history  []historyRow
	ids      map[string]struct{}
	seq      int64
}

func (tx *memoryTx) Load(_ context.Context, ref transition.EntityRef) (*transition.Entity, error) {
	return tx.entities[ref].Clone(), nil
}

func (tx *memoryTx) SaveIfVersion(_ context.Context, entity *transition.Entity, expectedVersion int) (int, error) {
	rec, err := normalizeEntity(entity)
	if err != nil {
		return 0, err
	}
	if expectedVersion < 0 {
		expectedVersion = 0
	}
	current, ok := tx.entities[rec.Ref()]
	switch {
	case !ok && expectedVersion != 0:
		return 0, versionConflict(rec.Ref(), expectedVersion, 0)
	case ok && current.Version != expectedVersion:
		return 0, versionConflict(rec.Ref(), expectedVersion, current.Version)
	}
	rec.Version = expectedVersion + 1
	tx.entities[rec.Ref()] = rec
	return rec.Version, nil
}

func (tx *memoryTx) AppendHistory(_ context.Context, rec transition.TransitionHistory) error {
	rec, err := normalizeHistory(rec)
	if err != nil {
		return err
	}
	_, existing := tx.parent.ids[rec.ID]
	_, staged := tx.ids[rec.ID]
	if existing || staged {
		return fmt.Errorf("history record %s already exists", rec.ID)
	}
	tx.seq++
	tx.ids[rec.ID] = struct{}{}
	tx.history = append(tx.history, historyRow{seq: tx.seq, rec: rec})
	return nil
}
