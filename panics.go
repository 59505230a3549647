package transition

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicLogger receives a recovered panic with a trimmed stack.
type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// RecoverAction turns a panic inside an action body into ErrActionExecution stored in *errp.
// It must be deferred directly.
func RecoverAction(errp *error, action string, logger PanicLogger) {
	r := recover()
	if r == nil {
		return
	}
	stack := make([]byte, 8096)
	n := runtime.Stack(stack, false)
	stack = cleanStackTrace(stack[:n])

	if logger != nil {
		logger(action, r, stack, map[string]any{"action": action})
	}

	var cause error
	if e, ok := r.(error); ok {
		cause = e
	} else {
		cause = fmt.Errorf("%v", r)
	}
	if errp != nil {
		*errp = NewError(ErrActionExecution, fmt.Sprintf("action %s panicked: %v", action, r), cause, map[string]any{
			"action": action,
			"panic":  true,
		})
	}
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() frame and its file line
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
