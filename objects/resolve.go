package objects

import (
	"fmt"
	"go/token"
	"reflect"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Get resolves path against root and returns the value found.
// An empty path returns root itself.
func Get(root any, path []string) (any, error) {
	cur := root
	for i, name := range path {
		next, err := property(cur, name)
		if err != nil {
			return nil, &PropertyError{Op: "get", Path: path[:i+1], Err: err}
		}
		cur = next
	}
	return cur, nil
}

// Set assigns value to the location named by path. The path must not be empty.
func Set(root any, path []string, value any) error {
	if len(path) == 0 {
		return &PropertyError{Op: "set", Path: path, Err: ErrNotSettable}
	}
	parent, err := Get(root, path[:len(path)-1])
	if err != nil {
		return err
	}
	if err := setProperty(parent, path[len(path)-1], value); err != nil {
		return &PropertyError{Op: "set", Path: path, Err: err}
	}
	return nil
}

func property(cur any, name string) (any, error) {
	if cur == nil {
		return nil, fmt.Errorf("%w: cannot read %q of nil", ErrPropertyNotFound, name)
	}
	if g, ok := cur.(PropertyGetter); ok {
		if v, ok := g.GetProperty(name); ok {
			return v, nil
		}
	}

	rv := reflect.ValueOf(cur)
	base := indirect(rv)

	if base.IsValid() {
		switch base.Kind() {
		case reflect.Map:
			if key, ok := mapKey(base.Type().Key(), name); ok {
				if v := base.MapIndex(key); v.IsValid() {
					return v.Interface(), nil
				}
			}
		case reflect.Struct:
			if f, ok := field(base, name); ok {
				return f.Interface(), nil
			}
		}
	}

	if m, ok := method(rv, name); ok {
		return m.Interface(), nil
	}

	if base.IsValid() {
		switch base.Kind() {
		case reflect.Slice, reflect.Array:
			if name == "length" {
				return base.Len(), nil
			}
			if i, err := strconv.Atoi(name); err == nil && i >= 0 && i < base.Len() {
				return base.Index(i).Interface(), nil
			}
		case reflect.Map, reflect.String:
			if name == "length" {
				return base.Len(), nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %q on %T", ErrPropertyNotFound, name, cur)
}

func setProperty(parent any, name string, value any) error {
	if parent == nil {
		return fmt.Errorf("%w: cannot set %q of nil", ErrPropertyNotFound, name)
	}
	if s, ok := parent.(PropertySetter); ok {
		return s.SetProperty(name, value)
	}

	base := indirect(reflect.ValueOf(parent))
	if !base.IsValid() {
		return fmt.Errorf("%w: cannot set %q of nil", ErrPropertyNotFound, name)
	}

	switch base.Kind() {
	case reflect.Map:
		if base.IsNil() {
			return fmt.Errorf("%w: nil map", ErrNotSettable)
		}
		key, ok := mapKey(base.Type().Key(), name)
		if !ok {
			return fmt.Errorf("%w: key %q for %s", ErrConversion, name, base.Type())
		}
		v, err := Convert(value, base.Type().Elem())
		if err != nil {
			return err
		}
		base.SetMapIndex(key, v)
		return nil

	case reflect.Struct:
		f, ok := field(base, name)
		if !ok {
			return fmt.Errorf("%w: %q on %s", ErrPropertyNotFound, name, base.Type())
		}
		if !f.CanSet() {
			return fmt.Errorf("%w: %q on %s", ErrNotSettable, name, base.Type())
		}
		v, err := Convert(value, f.Type())
		if err != nil {
			return err
		}
		f.Set(v)
		return nil

	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(name)
		if err != nil || i < 0 || i >= base.Len() {
			return fmt.Errorf("%w: index %q of %s", ErrPropertyNotFound, name, base.Type())
		}
		elem := base.Index(i)
		if !elem.CanSet() {
			return fmt.Errorf("%w: index %d of %s", ErrNotSettable, i, base.Type())
		}
		v, err := Convert(value, elem.Type())
		if err != nil {
			return err
		}
		elem.Set(v)
		return nil
	}

	return fmt.Errorf("%w: %q on %T", ErrNotSettable, name, parent)
}

// indirect follows pointers and interfaces. It returns the zero Value
// when it meets a nil.
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func mapKey(t reflect.Type, name string) (reflect.Value, bool) {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(name).Convert(t), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(name, 10, 64)
		if err != nil || reflect.Zero(t).OverflowInt(n) {
			return reflect.Value{}, false
		}
		return reflect.ValueOf(n).Convert(t), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(name, 10, 64)
		if err != nil || reflect.Zero(t).OverflowUint(n) {
			return reflect.Value{}, false
		}
		return reflect.ValueOf(n).Convert(t), true
	case reflect.Interface:
		if t.NumMethod() == 0 {
			return reflect.ValueOf(name), true
		}
	}
	return reflect.Value{}, false
}

// field finds an exported field of the struct v by Go name, json tag or
// lower-camel form. Promoted fields behind nil embedded pointers are skipped.
func field(v reflect.Value, name string) (reflect.Value, bool) {
	exported := exportedName(name)
	for _, sf := range reflect.VisibleFields(v.Type()) {
		if !sf.IsExported() || sf.Anonymous {
			continue
		}
		if sf.Name != name && sf.Name != exported && jsonName(sf) != name {
			continue
		}
		f, err := v.FieldByIndexErr(sf.Index)
		if err != nil {
			continue
		}
		return f, true
	}
	return reflect.Value{}, false
}

func jsonName(sf reflect.StructField) string {
	tag, ok := sf.Tag.Lookup("json")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return ""
	}
	return name
}

// method finds a method of v, trying the addressable form first so that
// pointer receivers are visible.
func method(v reflect.Value, name string) (reflect.Value, bool) {
	if !v.IsValid() {
		return reflect.Value{}, false
	}
	candidates := []string{name}
	if exported := exportedName(name); exported != name {
		candidates = append(candidates, exported)
	}
	for _, n := range candidates {
		if !token.IsExported(n) {
			continue
		}
		if m := v.MethodByName(n); m.IsValid() {
			return m, true
		}
		if v.Kind() != reflect.Pointer {
			continue
		}
		if base := indirect(v); base.IsValid() {
			if m := base.MethodByName(n); m.IsValid() {
				return m, true
			}
		}
	}
	return reflect.Value{}, false
}

func exportedName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}
