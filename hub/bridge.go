// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package hub

import (
	"github.com/creachadair/layer"
	"github.com/creachadair/mds/value"
)

// DefaultWeight is the interest weight used by [Bridge] for a weight less
// than 1.
const DefaultWeight = layer.MaxRelayWeight

// Bridge connects h to n. While a channel of h is awake, n holds an interest
// in its address with the given weight; data delivered to that interest at n
// is published to the channel, and payloads published to h by its
// subscribers are published by n without being delivered back to h.
//
// The returned function disconnects the bridge and withdraws its interests.
func Bridge(h *Hub, n *layer.Node, weight int) (stop func()) {
	weight = value.Cond(weight > 0, weight, DefaultWeight)

	// The bridge publishes into h as src, so that its own publications are
	// not sent back to n.
	src := NewSubscriber(func(layer.Address, []byte) {})
	l := layer.NewListener(func(addr layer.Address, data []byte, _ []layer.ID) {
		h.Publish(addr, data, src)
	})

	stopState := h.OnState(func(addr layer.Address, s State) {
		n.Interest(addr, l, value.Cond(s == Awake, weight, 0))
	})
	stopPub := h.OnPublish(func(addr layer.Address, payload []byte, from *Subscriber) {
		if from != src {
			n.PublishFrom(l, addr, payload)
		}
	})
	return func() {
		stopState()
		stopPub()
		for _, addr := range h.Awake() {
			n.Interest(addr, l, 0)
		}
	}
}
