// Package objects is the reflection object model behind an exposed value.
//
// A remote caller addresses the exposed root with a call path of string
// segments. This package resolves such paths against ordinary Go values,
// assigns through them, invokes functions found at them and constructs new
// values from classes.
//
// # Property Resolution
//
// A segment resolves against the current value, in order, through:
//
//   - PropertyGetter, when the value implements it
//   - map keys (string keys, or integer keys parsed from the segment)
//   - exported struct fields, by Go name, json tag name or lower-camel form
//   - methods, bound to their receiver, by Go name or lower-camel form
//   - slice and array indices, plus "length" on slices, arrays, maps and strings
//
// Pointers and interfaces are followed transparently. A missing segment is a
// *PropertyError naming the failing access and wrapping ErrPropertyNotFound.
//
// # Invocation
//
// Call accepts any Go func. A leading context.Context parameter receives the
// request context, arguments are converted to the parameter types with
// Convert, and a trailing error result is reported as failure. Functions
// returning nothing yield nil, a single result yields that value, several
// results yield a []any.
//
//	counter := &Counter{}
//	fn, _ := objects.Get(counter, []string{"add"})
//	v, err := objects.Call(ctx, fn, []any{2.0})
//
// # Construction
//
// Values implementing Constructor can be instantiated remotely. NewClass
// turns a factory func into one:
//
//	root := map[string]any{"Counter": objects.NewClass(NewCounter)}
package objects

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPropertyNotFound is returned when a path segment does not resolve.
	ErrPropertyNotFound = errors.New("property not found")
	// ErrNotSettable is returned when assigning to a read-only location.
	ErrNotSettable = errors.New("property is not settable")
	// ErrNotCallable is returned when invoking a value that is not a func.
	ErrNotCallable = errors.New("value is not callable")
	// ErrNotConstructor is returned when constructing a value that is not a Constructor.
	ErrNotConstructor = errors.New("value is not a constructor")
	// ErrConversion is returned when a value cannot be converted to the required type.
	ErrConversion = errors.New("cannot convert value")
	// ErrArgumentCount is returned when a call supplies too many arguments.
	ErrArgumentCount = errors.New("too many arguments")
)

// PropertyGetter lets a value resolve its own properties.
// The boolean reports whether name exists.
type PropertyGetter interface {
	GetProperty(name string) (any, bool)
}

// PropertySetter lets a value accept assignments to its own properties.
type PropertySetter interface {
	SetProperty(name string, value any) error
}

// Constructor is a value that can be instantiated with arguments.
type Constructor interface {
	Construct(ctx context.Context, args []any) (any, error)
}

// Invoker is a callable value living elsewhere, such as a remote reference.
// Convert adapts an Invoker to any Go func type.
type Invoker interface {
	Invoke(ctx context.Context, args ...any) (any, error)
}

// PropertyError describes a failed access along a call path.
type PropertyError struct {
	Op   string
	Path []string
	Err  error
}

func (e *PropertyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, PathString(e.Path), e.Err)
}

func (e *PropertyError) Unwrap() error {
	return e.Err
}

// PathString joins a call path for messages.
func PathString(path []string) string {
	if len(path) == 0 {
		return "<root>"
	}
	return strings.Join(path, ".")
}
