// Package store persists entities and the transition audit trail.
//
// EntityStore gives the engine an atomic read-check-write boundary: every
// per-entity state write and history append of one execution happen inside a
// single RunInTransaction call, or not at all.
package store

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	transition "github.com/goliatone/go-transition"
)

// EntityStore loads entities and commits transition results atomically.
type EntityStore interface {
	// Load returns a copy of the entity, or nil when it does not exist.
	Load(ctx context.Context, ref transition.EntityRef) (*transition.Entity, error)
	// Put creates or replaces an entity outside of a transition, bumping its version.
	Put(ctx context.Context, entity *transition.Entity) error
	RunInTransaction(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional boundary handed to RunInTransaction callbacks.
type Tx interface {
	Load(ctx context.Context, ref transition.EntityRef) (*transition.Entity, error)
	SaveIfVersion(ctx context.Context, entity *transition.Entity, expectedVersion int) (newVersion int, err error)
	AppendHistory(ctx context.Context, rec transition.TransitionHistory) error
}

// HistoryStore is the append-only audit log.
type HistoryStore interface {
	Append(ctx context.Context, rec transition.TransitionHistory) error
	// Query yields the records of one entity, newest first. The sequence is
	// finite and may be ranged over again to re-read the log.
	Query(ctx context.Context, entityType, entityID string) iter.Seq2[transition.TransitionHistory, error]
}

// Collect drains a history sequence into a slice.
func Collect(seq iter.Seq2[transition.TransitionHistory, error]) ([]transition.TransitionHistory, error) {
	var out []transition.TransitionHistory
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func versionConflict(ref transition.EntityRef, expected, actual int) error {
	return transition.NewError(transition.ErrStateConflict,
		fmt.Sprintf("entity %s changed concurrently", ref), nil, map[string]any{
			"entity_type":      ref.Type,
			"entity_id":        ref.ID,
			"expected_version": expected,
			"actual_version":   actual,
		})
}

func normalizeEntity(entity *transition.Entity) (*transition.Entity, error) {
	if entity == nil {
		return nil, fmt.Errorf("entity required")
	}
	out := entity.Clone()
	out.Type = strings.TrimSpace(out.Type)
	out.ID = strings.TrimSpace(out.ID)
	if !out.Ref().Valid() {
		return nil, fmt.Errorf("entity type and id required")
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = time.Now().UTC()
	}
	return out, nil
}

func normalizeHistory(rec transition.TransitionHistory) (transition.TransitionHistory, error) {
	rec = rec.Clone()
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if strings.TrimSpace(rec.EntityType) == "" || strings.TrimSpace(rec.EntityID) == "" {
		return rec, fmt.Errorf("history record %s requires entity type and id", rec.ID)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}
