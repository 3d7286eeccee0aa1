// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package layer

import (
	"fmt"
	"slices"

	"github.com/creachadair/layer/keytrie"
	"github.com/creachadair/mds/mapset"
)

// A SubjectMap is a registry of subjects keyed by address. It tracks which
// subjects currently have a positive weight, and notifies global observers of
// the weight changes of every subject it manages.
//
// Subjects are created on first reference and are never removed.
//
// A SubjectMap is not safe for concurrent use without external
// synchronization.
type SubjectMap struct {
	subjects *keytrie.Map[*Subject]

	interested mapset.Set[*Subject]
	order      []*Subject // interested subjects, in order of becoming so
	global     []*Observer
}

// NewSubjectMap constructs an empty subject map.
func NewSubjectMap() *SubjectMap {
	return &SubjectMap{
		subjects:   keytrie.New[*Subject](IDLen, 2, 2, 2),
		interested: mapset.New[*Subject](),
	}
}

func (m *SubjectMap) register(addr Address) func() *Subject {
	return func() *Subject {
		s := NewSubject(addr)
		s.AddObserver(NewObserver(func(addr Address, weight int) {
			if weight > 0 {
				if !m.interested.Has(s) {
					m.interested.Add(s)
					m.order = append(m.order, s)
				}
			} else if m.interested.Has(s) {
				m.interested.Remove(s)
				m.order = slices.DeleteFunc(m.order, func(t *Subject) bool { return t == s })
			}
			for _, o := range slices.Clone(m.global) {
				o.notify(addr, weight)
			}
		}))
		return s
	}
}

func (m *SubjectMap) getOrCreate(addr Address) *Subject {
	return m.subjects.GetOrPut(addr[:], m.register(addr))
}

// Subject returns the subject for addr, if one exists.
func (m *SubjectMap) Subject(addr Address) (*Subject, bool) {
	return m.subjects.Get(addr[:])
}

// Interest sets the weight of l's interest in the subject for addr.  A
// positive weight creates the subject if necessary; withdrawing interest from
// an address with no subject does nothing.
func (m *SubjectMap) Interest(addr Address, l *Listener, weight int) error {
	if weight > 0 {
		return m.getOrCreate(addr).Interest(l, weight)
	}
	if s, ok := m.Subject(addr); ok {
		return s.Interest(l, weight)
	}
	if weight < 0 {
		return fmt.Errorf("interest %v: %w (%d)", addr, ErrNegativeWeight, weight)
	}
	return nil
}

// Publish delivers data to the listeners of the subject for addr. If there is
// no such subject, Publish does nothing.
func (m *SubjectMap) Publish(addr Address, data []byte, hops []ID) {
	if s, ok := m.Subject(addr); ok {
		s.Publish(data, hops)
	}
}

// Weight returns the derived weight of the subject for addr, or 0 if there
// is no such subject.
func (m *SubjectMap) Weight(addr Address) int {
	if s, ok := m.Subject(addr); ok {
		return s.Weight()
	}
	return 0
}

// Interested returns the subjects whose weight is currently positive, in the
// order they became so.
func (m *SubjectMap) Interested() []*Subject { return slices.Clone(m.order) }

// AddObserver adds o to the observers of the subject for addr, creating the
// subject if necessary.
func (m *SubjectMap) AddObserver(addr Address, o *Observer) {
	m.getOrCreate(addr).AddObserver(o)
}

// RemoveObserver removes o from the observers of the subject for addr.
func (m *SubjectMap) RemoveObserver(addr Address, o *Observer) {
	if s, ok := m.Subject(addr); ok {
		s.RemoveObserver(o)
	}
}

// AddGlobalObserver adds o to the observers notified of weight changes for
// every subject in m. Adding an observer that is already present has no
// effect.
func (m *SubjectMap) AddGlobalObserver(o *Observer) {
	if !slices.Contains(m.global, o) {
		m.global = append(m.global, o)
	}
}

// RemoveGlobalObserver removes o from the global observers of m.
func (m *SubjectMap) RemoveGlobalObserver(o *Observer) {
	if i := slices.Index(m.global, o); i >= 0 {
		m.global = slices.Delete(m.global, i, i+1)
	}
}
