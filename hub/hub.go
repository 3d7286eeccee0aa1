// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package hub implements the client-facing side of a node: a set of local
// channels, one per subject address, to which clients subscribe and publish
// without taking part in the mesh themselves.
//
// A channel is awake while it has at least one subscriber, and sleeping
// otherwise. Use [Bridge] to connect a hub to a [layer.Node], so that awake
// channels register interest in the mesh and publications flow both ways.
// Use [Handler] to serve hub clients over WebSocket.
package hub

import (
	"slices"
	"sync"

	"github.com/creachadair/layer"
)

// State is the state of a channel.
type State int

const (
	Sleeping State = iota // no subscribers
	Awake                 // at least one subscriber
)

func (s State) String() string {
	if s == Awake {
		return "awake"
	}
	return "sleeping"
}

// A Subscriber receives the payloads published to the channels it subscribes
// to. Subscribers are compared by identity.
type Subscriber struct {
	f func(layer.Address, []byte)
}

// NewSubscriber returns a new subscriber that calls f with the address and
// payload of each publication it receives.
func NewSubscriber(f func(addr layer.Address, payload []byte)) *Subscriber {
	return &Subscriber{f: f}
}

type (
	stateFunc   = func(layer.Address, State)
	publishFunc = func(layer.Address, []byte, *Subscriber)
)

// A Hub is a collection of channels keyed by subject address. All methods of
// a Hub are safe for concurrent use.
type Hub struct {
	μ       sync.Mutex
	subs    map[layer.Address][]*Subscriber // only awake channels have entries
	onState []*stateFunc
	onPub   []*publishFunc
}

// New constructs a new hub in which all channels are sleeping.
func New() *Hub { return &Hub{subs: make(map[layer.Address][]*Subscriber)} }

// Subscribe adds s to the subscribers of the channel for addr, waking the
// channel if it was sleeping. It reports false if s was already subscribed.
func (h *Hub) Subscribe(addr layer.Address, s *Subscriber) bool {
	h.μ.Lock()
	defer h.μ.Unlock()
	cur := h.subs[addr]
	if slices.Contains(cur, s) {
		return false
	}
	h.subs[addr] = append(cur, s)
	if len(cur) == 0 {
		h.notifyLocked(addr, Awake)
	}
	return true
}

// Unsubscribe removes s from the subscribers of the channel for addr. When
// the last subscriber leaves, the channel goes to sleep. It reports false if
// s was not subscribed.
func (h *Hub) Unsubscribe(addr layer.Address, s *Subscriber) bool {
	h.μ.Lock()
	defer h.μ.Unlock()
	cur := h.subs[addr]
	i := slices.Index(cur, s)
	if i < 0 {
		return false
	}
	if len(cur) == 1 {
		delete(h.subs, addr)
		h.notifyLocked(addr, Sleeping)
	} else {
		h.subs[addr] = slices.Delete(cur, i, i+1)
	}
	return true
}

func (h *Hub) notifyLocked(addr layer.Address, s State) {
	for _, f := range h.onState {
		(*f)(addr, s)
	}
}

// Publish delivers payload to the subscribers of the channel for addr other
// than from, which may be nil. Publication hooks are called regardless of
// whether the channel is awake. Subscribers and hooks are called without
// holding any locks of h.
func (h *Hub) Publish(addr layer.Address, payload []byte, from *Subscriber) {
	h.μ.Lock()
	subs := slices.Clone(h.subs[addr])
	hooks := slices.Clone(h.onPub)
	h.μ.Unlock()

	for _, s := range subs {
		if s != from {
			s.f(addr, payload)
		}
	}
	for _, f := range hooks {
		(*f)(addr, payload, from)
	}
}

// State reports the state of the channel for addr.
func (h *Hub) State(addr layer.Address) State {
	h.μ.Lock()
	defer h.μ.Unlock()
	if len(h.subs[addr]) != 0 {
		return Awake
	}
	return Sleeping
}

// Awake returns the addresses of the channels that are currently awake, in
// no particular order.
func (h *Hub) Awake() []layer.Address {
	h.μ.Lock()
	defer h.μ.Unlock()
	out := make([]layer.Address, 0, len(h.subs))
	for addr := range h.subs {
		out = append(out, addr)
	}
	return out
}

// OnState registers f to be called whenever a channel wakes or goes to
// sleep. Before OnState returns, f is called once for each channel that is
// already awake. The returned function unregisters f.
//
// State hooks are called while h is locked, in the order of the changes, and
// must not call methods of h.
func (h *Hub) OnState(f func(addr layer.Address, s State)) (cancel func()) {
	p := &f
	h.μ.Lock()
	defer h.μ.Unlock()
	h.onState = append(h.onState, p)
	for addr := range h.subs {
		f(addr, Awake)
	}
	return func() {
		h.μ.Lock()
		defer h.μ.Unlock()
		h.onState = slices.DeleteFunc(h.onState, func(q *stateFunc) bool { return q == p })
	}
}

// OnPublish registers f to be called for every publication on h, with the
// address, payload, and publishing subscriber. The returned function
// unregisters f.
func (h *Hub) OnPublish(f func(addr layer.Address, payload []byte, from *Subscriber)) (cancel func()) {
	p := &f
	h.μ.Lock()
	defer h.μ.Unlock()
	h.onPub = append(h.onPub, p)
	return func() {
		h.μ.Lock()
		defer h.μ.Unlock()
		h.onPub = slices.DeleteFunc(h.onPub, func(q *publishFunc) bool { return q == p })
	}
}
