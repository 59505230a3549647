package transition

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// EntityRef is a weak reference to a stateful entity.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r EntityRef) String() string {
	return r.Type + ":" + r.ID
}

// Valid reports whether both type and id are set.
func (r EntityRef) Valid() bool {
	return strings.TrimSpace(r.Type) != "" && strings.TrimSpace(r.ID) != ""
}

// Entity is the engine view of one stateful record: its type, id and mutable fields.
// Version is an optimistic-lock counter maintained by the entity store.
type Entity struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Version   int            `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewEntity builds an entity with a copy of fields.
func NewEntity(entityType, id string, fields map[string]any) *Entity {
	e := &Entity{
		Type:   strings.TrimSpace(entityType),
		ID:     strings.TrimSpace(id),
		Fields: make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

func (e *Entity) Ref() EntityRef {
	return EntityRef{Type: e.Type, ID: e.ID}
}

func (e *Entity) Get(field string) (any, bool) {
	if e == nil || e.Fields == nil {
		return nil, false
	}
	v, ok := e.Fields[field]
	return v, ok
}

func (e *Entity) Set(field string, value any) {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[field] = value
}

// State returns the trimmed string value of field, or "" when unset.
func (e *Entity) State(field string) string {
	v, ok := e.Get(field)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return NormalizeState(s)
	}
	return NormalizeState(fmt.Sprint(v))
}

// Clone copies the entity and its top-level fields.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	return &cp
}

func (e *Entity) String() string {
	if e == nil {
		return "<nil>"
	}
	return e.Ref().String()
}

// FieldChange records the old and new value of one field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// DiffFields returns the fields whose value differs between before and after.
func DiffFields(before, after map[string]any) map[string]FieldChange {
	diff := make(map[string]FieldChange)
	for k, nv := range after {
		ov, ok := before[k]
		if ok && reflect.DeepEqual(ov, nv) {
			continue
		}
		diff[k] = FieldChange{Old: ov, New: nv}
	}
	for k, ov := range before {
		if _, ok := after[k]; ok {
			continue
		}
		diff[k] = FieldChange{Old: ov, New: nil}
	}
	if len(diff) == 0 {
		return nil
	}
	return diff
}

// SortedRefs returns refs ordered by type then id.
func SortedRefs(refs []EntityRef) []EntityRef {
	out := make([]EntityRef, len(refs))
	copy(out, refs)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type == out[j].Type {
			return out[i].ID < out[j].ID
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Refs builds references for ids of one entity type.
func Refs(entityType string, ids ...string) []EntityRef {
	refs := make([]EntityRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, EntityRef{Type: entityType, ID: id})
	}
	return refs
}
