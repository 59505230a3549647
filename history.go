package transition

import (
	"strings"
	"time"
)

// TransitionHistory is the immutable audit record of one transition attempt on one entity.
// Error is set only for attempts that were abandoned (a frozen job's last attempt).
type TransitionHistory struct {
	ID             string                 `json:"id"`
	TransitionID   string                 `json:"transition_id"`
	TransitionName string                 `json:"transition_name"`
	EntityType     string                 `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	Source         string                 `json:"source"`
	Target         string                 `json:"target"`
	PerformedBy    string                 `json:"performed_by"`
	ExtraInput     map[string]any         `json:"extra_input,omitempty"`
	ActionsRun     []string               `json:"actions_run,omitempty"`
	FieldDiff      map[string]FieldChange `json:"field_diff,omitempty"`
	Attachments    []AttachmentRef        `json:"attachments,omitempty"`
	ExecutionID    string                 `json:"execution_id,omitempty"`
	JobID          string                 `json:"job_id,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Failed reports whether the record carries an error marker.
func (h TransitionHistory) Failed() bool {
	return strings.TrimSpace(h.Error) != ""
}

func (h TransitionHistory) EntityRef() EntityRef {
	return EntityRef{Type: h.EntityType, ID: h.EntityID}
}

// Clone copies the slices and maps of a history record.
func (h TransitionHistory) Clone() TransitionHistory {
	h.ExtraInput = CopyMap(h.ExtraInput)
	h.ActionsRun = copyStrings(h.ActionsRun)
	if len(h.Attachments) > 0 {
		h.Attachments = append([]AttachmentRef(nil), h.Attachments...)
	}
	if len(h.FieldDiff) > 0 {
		diff := make(map[string]FieldChange, len(h.FieldDiff))
		for k, v := range h.FieldDiff {
			diff[k] = v
		}
		h.FieldDiff = diff
	}
	return h
}
