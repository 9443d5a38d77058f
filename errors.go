package comlink

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

var (
	// ErrReleased is returned by every operation on a released reference.
	ErrReleased = errors.New("comlink: reference has been released")
	// ErrUnserializableValue replaces a result that could not be converted to a wire value.
	ErrUnserializableValue = errors.New("comlink: unserializable return value")
	// ErrRootAssignment is returned when a root reference is assigned to.
	ErrRootAssignment = errors.New("comlink: cannot assign to the root reference")
)

// RemoteError is an error raised on the other side of the channel.
// Message, Name and Stack are those of the original error.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// StackTrace returns the stack recorded where the error was created.
func (e *RemoteError) StackTrace() string {
	return e.Stack
}

// ThrownValue carries a non-error value raised on the other side of the
// channel. Value is passed through unchanged and may be nil.
type ThrownValue struct {
	Value any
}

func (t *ThrownValue) Error() string {
	return fmt.Sprintf("comlink: thrown value %v", t.Value)
}

// Throw returns an error that raises v, not wrapped as an error, to the
// caller of the exposed function that returns it.
func Throw(v any) error {
	return &ThrownValue{Value: v}
}

// NewError returns an error that records the stack of its caller, so that
// both message and stack reach the remote caller.
func NewError(msg string) error {
	return &stackError{err: errors.New(msg), stack: callers(3)}
}

// stackTracer is implemented by errors that carry a stack.
type stackTracer interface {
	StackTrace() string
}

// namer lets an error report its name on the wire.
type namer interface {
	ErrorName() string
}

// ErrorName implements the name reported on the wire.
func (e *RemoteError) ErrorName() string {
	return e.Name
}

type stackError struct {
	err   error
	stack string
}

func (e *stackError) Error() string      { return e.err.Error() }
func (e *stackError) Unwrap() error      { return e.err }
func (e *stackError) StackTrace() string { return e.stack }

// callers formats the stack above skip frames.
func callers(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}

// errorName is the name sent with err.
func errorName(err error) string {
	var n namer
	if errors.As(err, &n) && n.ErrorName() != "" {
		return n.ErrorName()
	}
	return "Error"
}

// errorStack is the stack sent with err.
func errorStack(err error) string {
	var st stackTracer
	if errors.As(err, &st) {
		return st.StackTrace()
	}
	return ""
}
