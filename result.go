package transition

// ExecutionResult is returned by a transition execution.
// For an async transition only Job is set; the rest is filled by the worker later.
type ExecutionResult struct {
	ExecutionID string              `json:"execution_id,omitempty"`
	Transition  Transition          `json:"transition"`
	History     []TransitionHistory `json:"history,omitempty"`
	Attachments []AttachmentRef     `json:"attachments,omitempty"`
	ActionsRun  []string            `json:"actions_run,omitempty"`
	Redirect    string              `json:"redirect,omitempty"`
	Job         *TransitionJob      `json:"job,omitempty"`
}

// Deferred reports whether the work was handed to the async dispatcher.
func (r *ExecutionResult) Deferred() bool {
	return r != nil && r.Job != nil
}

// Attachment returns the single attachment produced, if any.
func (r *ExecutionResult) Attachment() (AttachmentRef, bool) {
	if r == nil || len(r.Attachments) == 0 {
		return AttachmentRef{}, false
	}
	return r.Attachments[0], true
}
