package objects

import (
	"context"
	"fmt"
	"reflect"
)

// Call invokes fn with args and returns its result.
//
// Missing trailing arguments are passed as zero values. Supplying more
// arguments than a non-variadic fn accepts fails with ErrArgumentCount.
// Panics raised by fn are not recovered here.
func Call(ctx context.Context, fn any, args []any) (any, error) {
	if inv, ok := fn.(Invoker); ok {
		return inv.Invoke(ctx, args...)
	}

	fv := reflect.ValueOf(fn)
	if fn == nil || fv.Kind() != reflect.Func || fv.IsNil() {
		return nil, fmt.Errorf("%w: %T", ErrNotCallable, fn)
	}

	in, err := callArgs(ctx, fv.Type(), args)
	if err != nil {
		return nil, err
	}
	return results(fv.Call(in))
}

func callArgs(ctx context.Context, t reflect.Type, args []any) ([]reflect.Value, error) {
	var in []reflect.Value
	first := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		in = append(in, reflect.ValueOf(&ctx).Elem())
		first = 1
	}

	params := t.NumIn() - first
	fixed := params
	if t.IsVariadic() {
		fixed--
	}
	if !t.IsVariadic() && len(args) > params {
		return nil, fmt.Errorf("%w: got %d, want at most %d", ErrArgumentCount, len(args), params)
	}

	for i := 0; i < fixed; i++ {
		pt := t.In(first + i)
		if i >= len(args) {
			in = append(in, reflect.Zero(pt))
			continue
		}
		v, err := Convert(args[i], pt)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in = append(in, v)
	}

	if t.IsVariadic() {
		et := t.In(t.NumIn() - 1).Elem()
		for i := fixed; i < len(args); i++ {
			v, err := Convert(args[i], et)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, v)
		}
	}
	return in, nil
}

func results(out []reflect.Value) (any, error) {
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if !out[n-1].IsNil() {
			return nil, out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		vals := make([]any, len(out))
		for i, v := range out {
			vals[i] = v.Interface()
		}
		return vals, nil
	}
}

// Construct instantiates c with args.
func Construct(ctx context.Context, c any, args []any) (any, error) {
	ctor, ok := c.(Constructor)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotConstructor, c)
	}
	return ctor.Construct(ctx, args)
}

// Class is a Constructor backed by a factory func.
type Class struct {
	factory reflect.Value
}

// NewClass returns a Constructor that calls factory with the construction
// arguments, converted as Call converts them. NewClass panics if factory is
// not a func.
func NewClass(factory any) *Class {
	fv := reflect.ValueOf(factory)
	if fv.Kind() != reflect.Func || fv.IsNil() {
		panic(fmt.Sprintf("objects: NewClass requires a func, got %T", factory))
	}
	return &Class{factory: fv}
}

// Construct implements Constructor.
func (c *Class) Construct(ctx context.Context, args []any) (any, error) {
	return Call(ctx, c.factory.Interface(), args)
}
