// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package keytrie implements a fixed-depth lookup tree over fixed-length byte
// keys, such as 32-byte identifiers.
//
// A key is split into segments at fixed offsets, and each level of the tree
// matches one segment by exact comparison. Splitting the key bounds the
// fan-out at each level, and keys that share a prefix share the upper levels
// of the tree:
//
//	m := keytrie.New[string](32, 2, 2, 2) // segments [0:2], [2:4], [4:6], [6:32]
//	m.Put(key, "value")
//	v, ok := m.Get(key)
//
// A Map never deletes branches and is not rebalanced. It is not safe for
// concurrent use without external synchronization.
package keytrie

import (
	"bytes"
	"fmt"
)

// A Map associates values of type V with fixed-length byte keys.
type Map[V any] struct {
	keyLen int
	ends   []int // end offset of each segment; the last is keyLen
	root   entry[V]
	size   int
}

type entry[V any] struct {
	part     []byte
	children []*entry[V]
	value    V
	ok       bool // value is present
}

// New constructs an empty map for keys of exactly keyLen bytes, split into
// segments of the given lengths. If the segments do not cover the whole key,
// the remaining suffix is an implicit final segment. New panics if keyLen or
// any segment length is not positive, or if the segments exceed keyLen.
func New[V any](keyLen int, segments ...int) *Map[V] {
	if keyLen <= 0 {
		panic(fmt.Sprintf("invalid key length %d", keyLen))
	}
	m := &Map[V]{keyLen: keyLen}
	var end int
	for _, n := range segments {
		if n <= 0 {
			panic(fmt.Sprintf("invalid segment length %d", n))
		}
		end += n
		if end > keyLen {
			panic(fmt.Sprintf("segments exceed key length %d", keyLen))
		}
		m.ends = append(m.ends, end)
	}
	if end < keyLen {
		m.ends = append(m.ends, keyLen)
	}
	return m
}

// Len reports the number of keys with values in m.
func (m *Map[V]) Len() int { return m.size }

// Put sets the value for key to v. If key already had a value, Put returns
// the previous value and true; otherwise it returns a zero value and false.
func (m *Map[V]) Put(key []byte, v V) (V, bool) {
	e := m.find(key, true)
	old, ok := e.value, e.ok
	e.value, e.ok = v, true
	if !ok {
		m.size++
	}
	return old, ok
}

// Get returns the value for key and true, or a zero value and false if key
// has no value in m.
func (m *Map[V]) Get(key []byte) (V, bool) {
	if e := m.find(key, false); e != nil && e.ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

// GetOrPut returns the value for key. If key has no value in m, GetOrPut
// calls gen to construct one, stores it, and returns it.
func (m *Map[V]) GetOrPut(key []byte, gen func() V) V {
	e := m.find(key, true)
	if !e.ok {
		e.value, e.ok = gen(), true
		m.size++
	}
	return e.value
}

// find returns the leaf entry for key. If fill is true, missing entries are
// created along the way; otherwise find returns nil when key is not present.
func (m *Map[V]) find(key []byte, fill bool) *entry[V] {
	if len(key) != m.keyLen {
		panic(fmt.Sprintf("key length %d, want %d", len(key), m.keyLen))
	}
	cur := &m.root
	var start int
	for _, end := range m.ends {
		part := key[start:end]
		start = end

		next := cur.child(part)
		if next == nil {
			if !fill {
				return nil
			}
			next = &entry[V]{part: bytes.Clone(part)}
			cur.children = append(cur.children, next)
		}
		cur = next
	}
	return cur
}

func (e *entry[V]) child(part []byte) *entry[V] {
	for _, c := range e.children {
		if bytes.Equal(c.part, part) {
			return c
		}
	}
	return nil
}
