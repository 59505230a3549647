package engine

import (
	"net/http"
	"strings"

	transition "github.com/goliatone/go-transition"
)

const (
	GRPCCodeAborted            = "Aborted"
	GRPCCodeFailedPrecondition = "FailedPrecondition"
	GRPCCodeInternal           = "Internal"
	GRPCCodeInvalidArgument    = "InvalidArgument"
	GRPCCodeNotFound           = "NotFound"
	GRPCCodePermissionDenied   = "PermissionDenied"
	GRPCCodeResourceExhausted  = "ResourceExhausted"
)

const rpcCodeInternal = "TRANSITION_INTERNAL"

// TransportErrorMapping is the protocol-level view of an engine error.
type TransportErrorMapping struct {
	Code       string
	HTTPStatus int
	GRPCCode   string
	RPCCode    string
}

// RPCErrorEnvelope is the RPC transport error shape.
type RPCErrorEnvelope struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

var transportMappings = map[string]struct {
	status int
	grpc   string
}{
	transition.ErrCodeTypeMismatch:         {http.StatusBadRequest, GRPCCodeInvalidArgument},
	transition.ErrCodeInvalidState:         {http.StatusConflict, GRPCCodeFailedPrecondition},
	transition.ErrCodeMissingInput:         {http.StatusUnprocessableEntity, GRPCCodeInvalidArgument},
	transition.ErrCodeUnknownAction:        {http.StatusInternalServerError, GRPCCodeFailedPrecondition},
	transition.ErrCodeCycle:                {http.StatusInternalServerError, GRPCCodeFailedPrecondition},
	transition.ErrCodeAttachmentConflict:   {http.StatusConflict, GRPCCodeFailedPrecondition},
	transition.ErrCodeActionExecution:      {http.StatusInternalServerError, GRPCCodeAborted},
	transition.ErrCodeJobExhausted:         {http.StatusServiceUnavailable, GRPCCodeResourceExhausted},
	transition.ErrCodeUnknownTransition:    {http.StatusNotFound, GRPCCodeNotFound},
	transition.ErrCodeEntityNotFound:       {http.StatusNotFound, GRPCCodeNotFound},
	transition.ErrCodeForbidden:            {http.StatusForbidden, GRPCCodePermissionDenied},
	transition.ErrCodeInvalidJobTransition: {http.StatusConflict, GRPCCodeFailedPrecondition},
	transition.ErrCodeStateConflict:        {http.StatusConflict, GRPCCodeAborted},
	transition.ErrCodeInvalidDefinition:    {http.StatusBadRequest, GRPCCodeInvalidArgument},
}

// MapError maps engine error codes to HTTP status and gRPC code strings.
func MapError(err error) TransportErrorMapping {
	code := strings.TrimSpace(transition.ErrorCode(err))
	if m, ok := transportMappings[code]; ok {
		return TransportErrorMapping{Code: code, HTTPStatus: m.status, GRPCCode: m.grpc, RPCCode: code}
	}
	return TransportErrorMapping{
		Code:       code,
		HTTPStatus: http.StatusInternalServerError,
		GRPCCode:   GRPCCodeInternal,
		RPCCode:    rpcCodeInternal,
	}
}

// HTTPStatusForError returns the mapped HTTP status code for an engine error.
func HTTPStatusForError(err error) int {
	return MapError(err).HTTPStatus
}

// RPCErrorForError returns an RPC envelope for err, or nil.
func RPCErrorForError(err error) *RPCErrorEnvelope {
	if err == nil {
		return nil
	}
	mapping := MapError(err)
	return &RPCErrorEnvelope{
		Code:     mapping.RPCCode,
		Message:  err.Error(),
		Metadata: transition.ErrorMetadata(err),
	}
}
