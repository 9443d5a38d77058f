package serialization

import (
	"fmt"

	"github.com/smnsjas/go-comlink/channel"
	"github.com/smnsjas/go-comlink/messages"
)

// Transferred is a RAW value carrying an explicit transfer list.
// It is produced by Transfer and consumed by ToWireValue.
type Transferred struct {
	Value     any
	Transfers []channel.Transferable
}

// Transfer marks v so that the listed transferables move to the receiver
// instead of being copied. The returned value is passed in place of v.
func Transfer(v any, transfers ...channel.Transferable) any {
	if t, ok := v.(*Transferred); ok {
		return &Transferred{
			Value:     t.Value,
			Transfers: append(append([]channel.Transferable(nil), t.Transfers...), transfers...),
		}
	}
	return &Transferred{Value: v, Transfers: transfers}
}

// Unwrap returns the value marked by Transfer and its transfer list.
// Unmarked values are returned unchanged with a nil list.
func Unwrap(v any) (any, []channel.Transferable) {
	if t, ok := v.(*Transferred); ok {
		return t.Value, t.Transfers
	}
	return v, nil
}

// ToWireValue converts v to its wire form.
//
// The first handler in reg that accepts v serializes it and its name becomes
// the wire tag. Otherwise v travels RAW with its explicit transfer list plus
// any transferables discovered inside it, provided it can be cloned.
func ToWireValue(reg *Registry, v any) (messages.WireValue, []channel.Transferable, error) {
	value, explicit := Unwrap(v)

	if reg != nil {
		if name, h, ok := reg.Match(value); ok {
			wire, transfers, err := h.Serialize(value)
			if err != nil {
				return messages.WireValue{}, nil, fmt.Errorf("serialize with handler %q: %w", name, err)
			}
			return messages.Handler(name, wire), transfers, nil
		}
	}

	found, err := inspect(value)
	if err != nil {
		return messages.WireValue{}, nil, err
	}
	return messages.Raw(value), mergeTransferables(explicit, found), nil
}

// FromWireValue restores the value carried by w.
func FromWireValue(reg *Registry, w messages.WireValue) (any, error) {
	switch w.Type {
	case messages.WireValueRaw:
		return w.Value, nil
	case messages.WireValueHandler:
		if reg == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, w.Name)
		}
		h, ok := reg.Lookup(w.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, w.Name)
		}
		v, err := h.Deserialize(w.Value)
		if err != nil {
			return nil, fmt.Errorf("deserialize with handler %q: %w", w.Name, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: wire value %q", messages.ErrUnknownMessageType, w.Type)
	}
}

// ToWireValues converts each element of values, concatenating the
// transfer lists.
func ToWireValues(reg *Registry, values []any) ([]messages.WireValue, []channel.Transferable, error) {
	wires := make([]messages.WireValue, len(values))
	var transfers []channel.Transferable
	for i, v := range values {
		w, t, err := ToWireValue(reg, v)
		if err != nil {
			return nil, nil, fmt.Errorf("argument %d: %w", i, err)
		}
		wires[i] = w
		transfers = mergeTransferables(transfers, t)
	}
	return wires, transfers, nil
}

// FromWireValues restores each element of wires.
func FromWireValues(reg *Registry, wires []messages.WireValue) ([]any, error) {
	values := make([]any, len(wires))
	for i, w := range wires {
		v, err := FromWireValue(reg, w)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		values[i] = v
	}
	return values, nil
}

// mergeTransferables appends the elements of b missing from a.
func mergeTransferables(a, b []channel.Transferable) []channel.Transferable {
	out := make([]channel.Transferable, 0, len(a)+len(b))
	for _, list := range [][]channel.Transferable{a, b} {
	next:
		for _, t := range list {
			if t == nil {
				continue
			}
			for _, existing := range out {
				if sameTransferable(existing, t) {
					continue next
				}
			}
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
