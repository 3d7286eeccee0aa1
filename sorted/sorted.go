// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package sorted implements a doubly-linked list that keeps its elements
// ordered by a caller-supplied comparison function.
//
// Elements are located by predicate rather than by key, and a [Ref] returned
// by [List.Find] removes exactly the element it was bound to, independent of
// the comparison function:
//
//	lst := sorted.New(func(a, b int) int { return a - b })
//	lst.Insert(3)
//	lst.Insert(1)
//	lst.Find(func(v int) bool { return v == 3 }).Remove()
//
// A List is not safe for concurrent use without external synchronization.
package sorted

import "iter"

// A List is a sequence of values kept in non-decreasing order according to
// its comparison function.
type List[T any] struct {
	cmp         func(a, b T) int
	first, last *node[T]
	size        int
}

type node[T any] struct {
	prev, next *node[T]
	value      T
	linked     bool
}

// New constructs an empty list ordered by cmp. The cmp function must return
// a negative value if a < b, zero if a == b, and a positive value if a > b.
func New[T any](cmp func(a, b T) int) *List[T] { return &List[T]{cmp: cmp} }

// Len reports the number of elements in lst.
func (lst *List[T]) Len() int { return lst.size }

// First returns the least element of lst. If lst is empty, it returns a zero
// value and false.
func (lst *List[T]) First() (T, bool) {
	if lst.first == nil {
		var zero T
		return zero, false
	}
	return lst.first.value, true
}

// Last returns the greatest element of lst. If lst is empty, it returns a
// zero value and false.
func (lst *List[T]) Last() (T, bool) {
	if lst.last == nil {
		var zero T
		return zero, false
	}
	return lst.last.value, true
}

// Insert adds v to lst in order. If lst already contains elements equal to v,
// the new element is placed after all of them.
func (lst *List[T]) Insert(v T) {
	next := lst.first
	for next != nil && lst.cmp(next.value, v) <= 0 {
		next = next.next
	}
	lst.insertBefore(next, v)
}

func (lst *List[T]) insertBefore(next *node[T], v T) {
	n := &node[T]{value: v, linked: true}
	switch {
	case lst.first == nil:
		lst.first, lst.last = n, n
	case next == nil:
		n.prev = lst.last
		lst.last.next = n
		lst.last = n
	default:
		n.next = next
		n.prev = next.prev
		if next.prev != nil {
			next.prev.next = n
		} else {
			lst.first = n
		}
		next.prev = n
	}
	lst.size++
}

func (lst *List[T]) unlink(n *node[T]) {
	if !n.linked {
		return
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		lst.last = n.prev
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		lst.first = n.next
	}
	n.prev, n.next, n.linked = nil, nil, false
	lst.size--
}

// Find returns a reference to the first element of lst, in order, for which
// match reports true. The result is never nil: if no element matches, the
// reference is empty and its Remove method does nothing.
func (lst *List[T]) Find(match func(T) bool) *Ref[T] {
	for n := lst.first; n != nil; n = n.next {
		if match(n.value) {
			return &Ref[T]{list: lst, node: n}
		}
	}
	return &Ref[T]{list: lst}
}

// All returns an iterator over the elements of lst in order.  The list must
// not be modified while the iteration is in progress.
func (lst *List[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for n := lst.first; n != nil; n = n.next {
			if !yield(n.value) {
				return
			}
		}
	}
}

// A Ref is a reference to a single element of a [List].
type Ref[T any] struct {
	list *List[T]
	node *node[T]
}

// Value returns the referenced value and true, or a zero value and false if
// the reference is empty or its element has been removed.
func (r *Ref[T]) Value() (T, bool) {
	if r.node == nil || !r.node.linked {
		var zero T
		return zero, false
	}
	return r.node.value, true
}

// Remove unlinks the referenced element from its list in constant time.
// Removing an element more than once, or removing through an empty
// reference, has no effect.
func (r *Ref[T]) Remove() {
	if r.node != nil {
		r.list.unlink(r.node)
	}
}
