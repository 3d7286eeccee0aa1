// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package layer implements an overlay publish/subscribe mesh.
//
// Independent nodes link to each other over bidirectional message channels,
// advertise their interest in subjects with a weight, and forward published
// data only along links that lead to interested nodes. Propagated interest
// decays by one at each hop and is capped at [MaxRelayWeight], which bounds
// the distance interest travels. Each published message carries the list of
// nodes it has passed through, so that it is never sent back across a link it
// has already crossed.
//
// # Nodes
//
// The core type defined by this package is the [Node]. To create a node:
//
//	n := layer.NewNode(nil)
//
// A node tracks the interests of its local listeners:
//
//	addr := layer.AddressOf("weather")
//	l := layer.NewListener(func(addr layer.Address, data []byte, hops []layer.ID) {
//	   log.Printf("%v: %q", addr, data)
//	})
//	n.Interest(addr, l, 3)
//
// and delivers published data to them, and to any interested peers:
//
//	n.Publish(addr, []byte("sunny"))
//
// # Links
//
// The [Connection] interface describes a link to a peer. The [Conn] type
// implements a link over a [Channel], and [Handshake] establishes one by
// exchanging initial frames with the peer:
//
//	conn, err := layer.Handshake(ctx, n, ch, nil)
//
// To dial other nodes by URL, register a [Dialer] for the URL scheme and call
// [Node.Connect]. The peers package provides dialers for WebSocket and TCP
// transports, and the channel package provides channel implementations.
//
// When a link is added, the node sends the peer one [Interest] message for
// each subject it is interested in, and follows further changes for as long
// as the link remains. The node also introduces the new peer and its existing
// peers to one another with [ConnectionInfo] messages, and dials the peers it
// learns about this way on a best-effort basis. Links marked internal are
// never advertised.
//
// # Metrics
//
// Nodes maintain a collection of metrics while running. Use the [Node.Metrics]
// method to obtain an [expvar.Map] containing the metrics exported by the
// node. By default, metrics are shared globally among all nodes.
//
// The metrics currently exported include:
//
//   - messages_received: counter of messages received on links
//   - messages_sent: counter of messages sent on links
//   - messages_dropped: counter of messages discarded
//   - interests_in: counter of interest messages received
//   - publishes_in: counter of publish messages received
//   - publishes_forwarded: counter of publish messages forwarded to peers
//   - gossip_in: counter of connection-info messages received
//   - gossip_dials_failed: counter of failed dials to advertised peers
//   - handshakes_failed: counter of failed handshakes
//   - protocol_errors: counter of links closed for protocol violations
//   - connections_active: gauge of active links
package layer
