package objects

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	invokerType = reflect.TypeOf((*Invoker)(nil)).Elem()
)

// Convert returns v as a value of type t.
//
// Values already assignable to t are used as is. Numbers convert between
// numeric kinds when no precision is lost, an Invoker becomes a func of
// type t, and slices and maps convert element by element. Remaining
// composite shapes, such as a map decoded from JSON into a struct, are
// reshaped through their JSON form. A nil v yields the zero value of t.
func Convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}

	if t.Kind() == reflect.Func && rv.Type().Implements(invokerType) {
		return invokerFunc(v.(Invoker), t), nil
	}

	switch {
	case isNumber(rv.Kind()) && isNumber(t.Kind()):
		return convertNumber(rv, t)
	case rv.Kind() == reflect.String && t.Kind() == reflect.String:
		return rv.Convert(t), nil
	case rv.Kind() == reflect.Bool && t.Kind() == reflect.Bool:
		return rv.Convert(t), nil
	}

	switch t.Kind() {
	case reflect.Slice:
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			out := reflect.MakeSlice(t, rv.Len(), rv.Len())
			for i := 0; i < rv.Len(); i++ {
				elem, err := Convert(rv.Index(i).Interface(), t.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("index %d: %w", i, err)
				}
				out.Index(i).Set(elem)
			}
			return out, nil
		}
	case reflect.Map:
		if rv.Kind() == reflect.Map {
			out := reflect.MakeMapWithSize(t, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				key, err := Convert(iter.Key().Interface(), t.Key())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("key %v: %w", iter.Key(), err)
				}
				elem, err := Convert(iter.Value().Interface(), t.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("key %v: %w", iter.Key(), err)
				}
				out.SetMapIndex(key, elem)
			}
			return out, nil
		}
	case reflect.Pointer:
		elem, err := Convert(v, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(elem)
		return p, nil
	}

	if isComposite(rv.Kind()) && isComposite(t.Kind()) {
		return reshape(v, t)
	}
	return reflect.Value{}, fmt.Errorf("%w: %T to %s", ErrConversion, v, t)
}

// Decode stores v into the value pointed to by dst, converting as Convert does.
func Decode(v any, dst any) error {
	pv := reflect.ValueOf(dst)
	if pv.Kind() != reflect.Pointer || pv.IsNil() {
		return fmt.Errorf("%w: decode target must be a non-nil pointer, got %T", ErrConversion, dst)
	}
	cv, err := Convert(v, pv.Type().Elem())
	if err != nil {
		return err
	}
	pv.Elem().Set(cv)
	return nil
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func isComposite(k reflect.Kind) bool {
	switch k {
	case reflect.Map, reflect.Struct, reflect.Slice, reflect.Array:
		return true
	}
	return false
}

func convertNumber(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := asInt(rv)
		if !ok || out.OverflowInt(n) {
			return reflect.Value{}, fmt.Errorf("%w: %v to %s", ErrConversion, rv, t)
		}
		out.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := asInt(rv)
		if !ok || n < 0 || out.OverflowUint(uint64(n)) {
			if rv.CanUint() {
				u := rv.Uint()
				if !out.OverflowUint(u) {
					out.SetUint(u)
					return out, nil
				}
			}
			return reflect.Value{}, fmt.Errorf("%w: %v to %s", ErrConversion, rv, t)
		}
		out.SetUint(uint64(n))
	default:
		out.SetFloat(rv.Convert(reflect.TypeOf(float64(0))).Float())
	}
	return out, nil
}

// asInt reports rv as an int64 when it holds an integral value.
func asInt(rv reflect.Value) (int64, bool) {
	switch {
	case rv.CanInt():
		return rv.Int(), true
	case rv.CanUint():
		u := rv.Uint()
		return int64(u), u <= math.MaxInt64
	case rv.CanFloat():
		f := rv.Float()
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}

func reshape(v any, t reflect.Type) (reflect.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %T to %s: %v", ErrConversion, v, t, err)
	}
	out := reflect.New(t)
	if err := json.Unmarshal(data, out.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %T to %s: %v", ErrConversion, v, t, err)
	}
	return out.Elem(), nil
}

// invokerFunc builds a func of type t that forwards its arguments to inv.
// A leading context.Context parameter is used for the call. When t has a
// trailing error result, failures are returned through it; otherwise they
// panic with the error.
func invokerFunc(inv Invoker, t reflect.Type) reflect.Value {
	return reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		if len(in) > 0 && t.In(0) == contextType {
			if c, ok := in[0].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
			in = in[1:]
		}

		args := make([]any, 0, len(in))
		for i, a := range in {
			if t.IsVariadic() && i == len(in)-1 {
				for j := 0; j < a.Len(); j++ {
					args = append(args, a.Index(j).Interface())
				}
				continue
			}
			args = append(args, a.Interface())
		}

		result, err := inv.Invoke(ctx, args...)

		outs := make([]reflect.Value, t.NumOut())
		hasErr := t.NumOut() > 0 && t.Out(t.NumOut()-1) == errorType
		filled := false
		for i := range outs {
			ot := t.Out(i)
			if hasErr && i == len(outs)-1 {
				continue
			}
			outs[i] = reflect.Zero(ot)
			if err != nil || filled {
				continue
			}
			cv, cerr := Convert(result, ot)
			if cerr != nil {
				err = cerr
				continue
			}
			outs[i] = cv
			filled = true
		}

		if hasErr {
			errOut := reflect.Zero(errorType)
			if err != nil {
				errOut = reflect.ValueOf(&err).Elem()
			}
			outs[len(outs)-1] = errOut
		} else if err != nil {
			panic(err)
		}
		return outs
	})
}
