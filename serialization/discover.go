package serialization

import (
	"fmt"
	"reflect"

	"github.com/smnsjas/go-comlink/channel"
)

var transferableType = reflect.TypeOf((*channel.Transferable)(nil)).Elem()

// visitKey identifies a reference already walked. Slices sharing a backing
// array but differing in length are distinct values.
type visitKey struct {
	typ reflect.Type
	ptr uintptr
	len int
}

// CollectTransferables walks v and returns every Transferable it reaches,
// each listed once, in discovery order. Pointers, maps and slices are
// visited at most once, so self-referential graphs terminate. Only exported
// struct fields are followed; a Transferable is not descended into.
func CollectTransferables(v any) []channel.Transferable {
	found, _ := inspect(v)
	return found
}

// inspect collects the transferables in v and reports the first value that
// cannot be cloned across an endpoint: funcs, channels and unsafe pointers.
func inspect(v any) ([]channel.Transferable, error) {
	w := walker{visited: make(map[visitKey]struct{})}
	w.walk(reflect.ValueOf(v))
	if w.uncloneable != nil {
		return w.found, fmt.Errorf("%w: %s", ErrNotCloneable, w.uncloneable)
	}
	return w.found, nil
}

type walker struct {
	visited     map[visitKey]struct{}
	found       []channel.Transferable
	uncloneable reflect.Type
}

func (w *walker) seen(k visitKey) bool {
	if _, ok := w.visited[k]; ok {
		return true
	}
	w.visited[k] = struct{}{}
	return false
}

func (w *walker) add(t channel.Transferable) {
	for _, existing := range w.found {
		if sameTransferable(existing, t) {
			return
		}
	}
	w.found = append(w.found, t)
}

func (w *walker) walk(v reflect.Value) {
	if !v.IsValid() {
		return
	}

	switch v.Kind() {
	case reflect.Interface:
		if !v.IsNil() {
			w.walk(v.Elem())
		}
		return
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		if v.IsNil() {
			return
		}
	}

	if v.Type().Implements(transferableType) && v.CanInterface() {
		if t, ok := v.Interface().(channel.Transferable); ok {
			w.add(t)
			return
		}
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		if w.uncloneable == nil {
			w.uncloneable = v.Type()
		}
	case reflect.Pointer:
		if w.seen(visitKey{typ: v.Type(), ptr: v.Pointer()}) {
			return
		}
		w.walk(v.Elem())
	case reflect.Map:
		if w.seen(visitKey{typ: v.Type(), ptr: v.Pointer()}) {
			return
		}
		iter := v.MapRange()
		for iter.Next() {
			w.walk(iter.Key())
			w.walk(iter.Value())
		}
	case reflect.Slice:
		if w.seen(visitKey{typ: v.Type(), ptr: v.Pointer(), len: v.Len()}) {
			return
		}
		for i := 0; i < v.Len(); i++ {
			w.walk(v.Index(i))
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			w.walk(v.Index(i))
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			w.walk(v.Field(i))
		}
	}
}

// sameTransferable compares two transferables, treating values of
// incomparable dynamic type as distinct.
func sameTransferable(a, b channel.Transferable) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
