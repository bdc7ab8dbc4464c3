package errors

import (
	"fmt"
	"runtime/debug"
)

const maxStackBytes = 8 << 10

// RecoverPanic turns a recovered value into a fatal ErrInternal. A handler that
// panics on an envelope fails it once; the broker does not retry it.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("panic: %v", r)
	}

	stack := debug.Stack()
	if len(stack) > maxStackBytes {
		stack = stack[:maxStackBytes]
	}
	return ErrInternal.
		WithCause(cause).
		WithDetail("panic", true).
		WithDetail("stack_trace", string(stack)).
		AsFatal()
}
