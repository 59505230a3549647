package transition

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorKeepsCodeAndMetadata(t *testing.T) {
	cause := errors.New("db down")
	err := NewError(ErrEntityNotFound, "task 7 not found", cause, map[string]any{"entity_id": "7"})

	assert.Equal(t, "task 7 not found", err.Message)
	assert.Equal(t, ErrCodeEntityNotFound, err.TextCode)
	assert.Equal(t, "7", err.Metadata["entity_id"])
	assert.ErrorIs(t, err, cause)

	// sentinel untouched
	assert.Equal(t, "entity not found", ErrEntityNotFound.Message)
	assert.Empty(t, ErrEntityNotFound.Metadata)
}

func TestIsKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("execute: %w", NewError(ErrCycle, "a -> b -> a", nil, nil))
	assert.True(t, IsKind(err, ErrCycle))
	assert.False(t, IsKind(err, ErrInvalidState))
	assert.False(t, IsKind(nil, ErrCycle))
	assert.Equal(t, "", ErrorCode(errors.New("plain")))
}

func TestRecoverActionConvertsPanic(t *testing.T) {
	var logged string
	run := func() (err error) {
		defer RecoverAction(&err, "explode", func(name string, r any, stack []byte, fields ...map[string]any) {
			logged = name
		})
		panic("kaboom")
	}

	err := run()
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrActionExecution))
	assert.Equal(t, "explode", logged)
	assert.Equal(t, true, ErrorMetadata(err)["panic"])
}

func TestCleanStackTraceDropsPanicFrames(t *testing.T) {
	stack := []byte("goroutine 1\npanic({0x1})\n\t/go/src/runtime/panic.go:785\nmain.explode()\n\t/app/main.go:10")
	out := string(cleanStackTrace(stack))
	assert.Equal(t, "main.explode()\n\t/app/main.go:10", out)
}
