package transition

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeTypeMismatch         = "TRANSITION_TYPE_MISMATCH"
	ErrCodeInvalidState         = "TRANSITION_INVALID_STATE"
	ErrCodeMissingInput         = "TRANSITION_MISSING_INPUT"
	ErrCodeUnknownAction        = "TRANSITION_UNKNOWN_ACTION"
	ErrCodeCycle                = "TRANSITION_CYCLE"
	ErrCodeAttachmentConflict   = "TRANSITION_ATTACHMENT_CONFLICT"
	ErrCodeActionExecution      = "TRANSITION_ACTION_FAILED"
	ErrCodeJobExhausted         = "TRANSITION_JOB_EXHAUSTED"
	ErrCodeUnknownTransition    = "TRANSITION_NOT_FOUND"
	ErrCodeEntityNotFound       = "TRANSITION_ENTITY_NOT_FOUND"
	ErrCodeForbidden            = "TRANSITION_FORBIDDEN"
	ErrCodeInvalidJobTransition = "TRANSITION_INVALID_JOB_STATUS"
	ErrCodeStateConflict        = "TRANSITION_STATE_CONFLICT"
	ErrCodeInvalidDefinition    = "TRANSITION_INVALID_DEFINITION"
)

var (
	ErrTypeMismatch         = apperrors.New("heterogeneous entity batch", apperrors.CategoryBadInput).WithTextCode(ErrCodeTypeMismatch)
	ErrInvalidState         = apperrors.New("entity not in a legal source state", apperrors.CategoryConflict).WithTextCode(ErrCodeInvalidState)
	ErrMissingInput         = apperrors.New("required input missing", apperrors.CategoryValidation).WithTextCode(ErrCodeMissingInput)
	ErrUnknownAction        = apperrors.New("unknown action", apperrors.CategoryBadInput).WithTextCode(ErrCodeUnknownAction)
	ErrCycle                = apperrors.New("action prerequisites form a cycle", apperrors.CategoryBadInput).WithTextCode(ErrCodeCycle)
	ErrAttachmentConflict   = apperrors.New("more than one action produces an attachment", apperrors.CategoryConflict).WithTextCode(ErrCodeAttachmentConflict)
	ErrActionExecution      = apperrors.New("action failed", apperrors.CategoryHandler).WithTextCode(ErrCodeActionExecution)
	ErrJobExhausted         = apperrors.New("transition job exhausted its attempts", apperrors.CategoryExternal).WithTextCode(ErrCodeJobExhausted)
	ErrUnknownTransition    = apperrors.New("unknown transition", apperrors.CategoryBadInput).WithTextCode(ErrCodeUnknownTransition)
	ErrEntityNotFound       = apperrors.New("entity not found", apperrors.CategoryBadInput).WithTextCode(ErrCodeEntityNotFound)
	ErrForbidden            = apperrors.New("caller may not perform transition", apperrors.CategoryBadInput).WithTextCode(ErrCodeForbidden)
	ErrInvalidJobTransition = apperrors.New("invalid job status transition", apperrors.CategoryConflict).WithTextCode(ErrCodeInvalidJobTransition)
	ErrStateConflict        = apperrors.New("entity changed concurrently", apperrors.CategoryConflict).WithTextCode(ErrCodeStateConflict)
	ErrInvalidDefinition    = apperrors.New("invalid transition definition", apperrors.CategoryValidation).WithTextCode(ErrCodeInvalidDefinition)
)

// NewError clones base with a specific message, cause and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidDefinition
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of the first engine error in err's chain.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsKind reports whether err carries the same text code as base.
func IsKind(err error, base *apperrors.Error) bool {
	if err == nil || base == nil {
		return false
	}
	return ErrorCode(err) == base.TextCode
}

// ErrorMetadata returns the metadata attached to an engine error.
func ErrorMetadata(err error) map[string]any {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.Metadata
	}
	return nil
}
