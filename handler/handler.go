// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters between the untyped data delivered and
// published by a layer.Node and values of other types.
//
// Values may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
// Published values may be []byte or string, or any type that supports one of
// the encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
package handler

import (
	"bytes"
	"encoding"
	"fmt"

	"github.com/creachadair/layer"
)

// A Delivery is a single value delivered to a listener.
type Delivery[V any] struct {
	Subject layer.Address
	Value   V
	Hops    []layer.ID // the nodes the data passed through, nearest last
}

// Listener adapts a function f that accepts values of type V to a
// layer.Listener. Data that cannot be decoded as a V is reported to onError,
// if it is not nil, and otherwise discarded.
func Listener[V any](f func(Delivery[V]), onError func(layer.Address, error)) *layer.Listener {
	return layer.NewListener(func(addr layer.Address, data []byte, hops []layer.ID) {
		var v V
		if err := unmarshal(data, &v); err != nil {
			if onError != nil {
				onError(addr, fmt.Errorf("decode %v: %w", addr, err))
			}
			return
		}
		f(Delivery[V]{Subject: addr, Value: v, Hops: hops})
	})
}

// Publish encodes v and publishes it to addr at n.
func Publish[V any](n *layer.Node, addr layer.Address, v V) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	n.Publish(addr, data)
	return nil
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string; otherwise it must implement either the encoding.BinaryMarshaler
// interface or the encoding.TextMarshaler interface. If v implements both,
// BinaryMarshaler is preferred.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
