package transition

import (
	"strings"

	"github.com/goliatone/go-errors"
)

// JobMessageType is the message type carried on the async queue.
const JobMessageType = "transition.job"

// JobMessage is the self-contained payload a worker needs to run one attempt of a job.
type JobMessage struct {
	JobID        string         `json:"jobId"`
	TransitionID string         `json:"transitionId"`
	EntityType   string         `json:"entityType"`
	EntityIDs    []string       `json:"entityIds"`
	CallerRef    string         `json:"callerRef"`
	Caller       Caller         `json:"caller"`
	ExtraInput   map[string]any `json:"extraInput,omitempty"`
	Attempt      int            `json:"attempt"`
}

func (m JobMessage) Type() string {
	return JobMessageType
}

func (m JobMessage) Validate() error {
	var missing []string
	if strings.TrimSpace(m.JobID) == "" {
		missing = append(missing, "jobId")
	}
	if strings.TrimSpace(m.TransitionID) == "" {
		missing = append(missing, "transitionId")
	}
	if strings.TrimSpace(m.EntityType) == "" {
		missing = append(missing, "entityType")
	}
	if len(m.EntityIDs) == 0 {
		missing = append(missing, "entityIds")
	}
	if len(missing) > 0 {
		return errors.New("invalid job message", errors.CategoryValidation).
			WithTextCode("INVALID_MESSAGE").
			WithMetadata(map[string]any{"missing": missing})
	}
	return nil
}

// MessageForJob builds the queue payload for the job's current attempt.
func MessageForJob(job *TransitionJob) JobMessage {
	return JobMessage{
		JobID:        job.ID,
		TransitionID: job.TransitionID,
		EntityType:   job.EntityType,
		EntityIDs:    copyStrings(job.EntityIDs),
		CallerRef:    job.RequestedBy.Ref(),
		Caller:       job.RequestedBy,
		ExtraInput:   CopyMap(job.ExtraInput),
		Attempt:      job.Attempt,
	}
}

// Refs returns entity references for every id of the message.
func (m JobMessage) Refs() []EntityRef {
	return Refs(m.EntityType, m.EntityIDs...)
}
