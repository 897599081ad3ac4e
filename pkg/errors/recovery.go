package errors

import (
	"fmt"
	"runtime/debug"
)

const maxPanicStack = 4096

// PanicError carries a recovered panic value and the stack that raised it.
type PanicError struct {
	Value interface{}
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func (e *PanicError) IsFatal() bool { return true }

// RecoverPanic converts a value returned by recover() into an error. It
// returns nil when nothing was recovered.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}
	stack := debug.Stack()
	if len(stack) > maxPanicStack {
		stack = stack[:maxPanicStack]
	}
	return &PanicError{Value: r, Stack: string(stack)}
}
