// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package layer

import (
	"errors"
	"fmt"
	"slices"

	"github.com/creachadair/layer/sorted"
)

// ErrNegativeWeight is reported for an interest with a weight less than zero.
var ErrNegativeWeight = errors.New("negative weight")

// A Listener receives data published to the subjects it is interested in.
// Listeners are compared by identity: each call to [NewListener] returns a
// distinct listener, even for the same function.
type Listener struct {
	f func(Address, []byte, []ID)
}

// NewListener returns a new listener that calls f with the address, data, and
// hop list of each delivery.
func NewListener(f func(addr Address, data []byte, hops []ID)) *Listener {
	return &Listener{f: f}
}

func (l *Listener) deliver(addr Address, data []byte, hops []ID) { l.f(addr, data, hops) }

// An Observer is notified when the derived weight of a subject changes.
// Observers are compared by identity.
type Observer struct {
	f func(Address, int)
}

// NewObserver returns a new observer that calls f with the address and new
// weight of each subject whose weight changes.
func NewObserver(f func(addr Address, weight int)) *Observer {
	return &Observer{f: f}
}

func (o *Observer) notify(addr Address, weight int) { o.f(addr, weight) }

type interest struct {
	l      *Listener
	weight int
}

// A Subject is the local state of one subject address: the interests of local
// listeners and the observers of its derived weight.
//
// A Subject is not safe for concurrent use without external synchronization.
type Subject struct {
	addr      Address
	interests *sorted.List[interest] // descending by weight
	observers []*Observer
}

// NewSubject constructs a subject for addr with no interests.
func NewSubject(addr Address) *Subject {
	return &Subject{
		addr:      addr,
		interests: sorted.New(func(a, b interest) int { return b.weight - a.weight }),
	}
}

// Address returns the address of s.
func (s *Subject) Address() Address { return s.addr }

// Weight returns the derived weight of s, the maximum weight of its
// interests, or 0 if it has none.
func (s *Subject) Weight() int {
	if top, ok := s.interests.First(); ok {
		return top.weight
	}
	return 0
}

// Interest sets the weight of l's interest in s. A weight of 0 removes any
// interest l has; a positive weight adds or replaces it. If the derived
// weight of s changes as a result, each observer of s is notified once.
func (s *Subject) Interest(l *Listener, weight int) error {
	if weight < 0 {
		return fmt.Errorf("interest %v: %w (%d)", s.addr, ErrNegativeWeight, weight)
	}
	old := s.Weight()
	s.interests.Find(func(e interest) bool { return e.l == l }).Remove()
	if weight > 0 {
		s.interests.Insert(interest{l: l, weight: weight})
	}
	if w := s.Weight(); w != old {
		for _, o := range slices.Clone(s.observers) {
			o.notify(s.addr, w)
		}
	}
	return nil
}

// Publish delivers data and hops to every listener interested in s, in order
// of descending weight.
func (s *Subject) Publish(data []byte, hops []ID) {
	for _, l := range s.Listeners() {
		l.deliver(s.addr, data, hops)
	}
}

// Listeners returns a snapshot of the listeners interested in s, in order of
// descending weight.
func (s *Subject) Listeners() []*Listener {
	out := make([]*Listener, 0, s.interests.Len())
	for e := range s.interests.All() {
		out = append(out, e.l)
	}
	return out
}

// AddObserver adds o to the observers of s. Adding an observer that is
// already present has no effect.
func (s *Subject) AddObserver(o *Observer) {
	if !slices.Contains(s.observers, o) {
		s.observers = append(s.observers, o)
	}
}

// RemoveObserver removes o from the observers of s, if it is present.
func (s *Subject) RemoveObserver(o *Observer) {
	if i := slices.Index(s.observers, o); i >= 0 {
		s.observers = slices.Delete(s.observers, i, i+1)
	}
}
