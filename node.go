// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package layer

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

var (
	// ErrDuplicate is reported by [Node.Connect] when the node already has a
	// link with the requested URL or identity.
	ErrDuplicate = errors.New("duplicate connection")

	// ErrUnsupportedScheme is reported by [Node.Connect] for a URL whose
	// scheme has no registered dialer.
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")

	// ErrNodeClosed is reported by [Node.Connect] after the node is closed.
	ErrNodeClosed = errors.New("node is closed")
)

// DefaultHandshakeTimeout is the handshake timeout used when none is set in
// the [NodeOptions].
const DefaultHandshakeTimeout = 10 * time.Second

// MaxRelayWeight is the largest weight a node propagates for an interest it
// learned from a peer.
const MaxRelayWeight = 3

// ConnState is the state of a [Connection].
type ConnState int

const (
	Connected    ConnState = iota // the link is usable
	Disconnected                  // the link is closed
)

func (s ConnState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// A Connection is a link from a [Node] to one peer. [Conn] is the standard
// implementation.
type Connection interface {
	// Identity reports the identity of the peer.
	Identity() ID

	// URL reports the URL at which the peer can be reached, or "" if it is
	// not known.
	URL() string

	// Internal reports whether the link is private and must not be
	// advertised to other peers.
	Internal() bool

	// State reports the current state of the link.
	State() ConnState

	// Send queues m for delivery to the peer. Send must not block, and
	// delivery is best-effort: messages sent on a closed link are discarded.
	Send(m Message)

	// OnMessage registers f to be called for each message received from the
	// peer. Calling the returned function unregisters f.
	OnMessage(f func(Message)) (cancel func())

	// OnState registers f to be called when the state of the link changes.
	// Calling the returned function unregisters f.
	OnState(f func(ConnState)) (cancel func())
}

// A Dialer opens a channel to the node at the given URL.
type Dialer func(ctx context.Context, url string) (Channel, error)

// NodeOptions are settings for a [Node]. A nil *NodeOptions is ready for use
// and provides defaults as described.
type NodeOptions struct {
	// The identity of the node. If zero, a random identity is chosen.
	Identity ID

	// Logger receives structured log records from the node and its links.
	// If nil, logs are discarded.
	Logger *zerolog.Logger

	// HandshakeTimeout bounds the time a link waits for the initial frame of
	// its peer. If zero, DefaultHandshakeTimeout is used.
	HandshakeTimeout time.Duration

	// AdvertiseURL, if set, is sent to peers in the initial frame so that
	// peers which accepted a link from this node can advertise it to others.
	AdvertiseURL string

	// If true, the node keeps its own metrics instead of updating the metrics
	// shared by all nodes.
	DetachMetrics bool
}

func (o *NodeOptions) identity() ID {
	if o == nil || o.Identity.IsZero() {
		return RandomID()
	}
	return o.Identity
}

func (o *NodeOptions) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

func (o *NodeOptions) handshakeTimeout() time.Duration {
	if o == nil || o.HandshakeTimeout <= 0 {
		return DefaultHandshakeTimeout
	}
	return o.HandshakeTimeout
}

func (o *NodeOptions) advertiseURL() string {
	if o == nil {
		return ""
	}
	return o.AdvertiseURL
}

func (o *NodeOptions) metrics() *nodeMetrics {
	if o == nil || !o.DetachMetrics {
		return rootMetrics
	}
	return newNodeMetrics()
}

// ConnectOptions are settings for [Node.Connect]. A nil *ConnectOptions is
// ready for use and provides defaults as described.
type ConnectOptions struct {
	// If set, the expected identity of the peer. Connect fails if the node
	// already has a link to a peer with this identity, or if the peer
	// declares a different identity in its initial frame.
	Identity *ID

	// If true, the link is internal and is never advertised to other peers.
	Internal bool
}

// A Node is one member of the overlay mesh. It tracks the interests of its
// local listeners and of its peers, forwards published data toward
// interested peers, and advertises its links to one another.
//
// All methods of a Node are safe for concurrent use.
type Node struct {
	id        ID
	log       zerolog.Logger
	htimeout  time.Duration
	advertise string
	metrics   *nodeMetrics

	ctx    context.Context // governs background dials
	cancel context.CancelFunc
	tasks  *taskgroup.Group

	μ        sync.Mutex
	subjects *SubjectMap
	links    []*link
	dialers  map[string]Dialer
	closed   bool
}

// A link records a connection and the closure that undoes its setup.
type link struct {
	c        Connection
	teardown func()
}

// NewNode constructs a new node with no links.
func NewNode(opts *NodeOptions) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:        opts.identity(),
		htimeout:  opts.handshakeTimeout(),
		advertise: opts.advertiseURL(),
		metrics:   opts.metrics(),
		ctx:       ctx,
		cancel:    cancel,
		tasks:     taskgroup.New(nil),
		subjects:  NewSubjectMap(),
		dialers:   make(map[string]Dialer),
	}
	n.log = opts.logger().With().Str("node", n.id.String()[:8]).Logger()
	return n
}

// Identity returns the identity of n.
func (n *Node) Identity() ID { return n.id }

// Metrics returns a metrics map for the node. It is safe for the caller to add
// additional metrics to the map while the node is active.
func (n *Node) Metrics() *expvar.Map { return n.metrics.emap }

// Dial registers d to open links for URLs with the given scheme, replacing
// any previous dialer for that scheme. Passing a nil Dialer removes the
// dialer for scheme.
func (n *Node) Dial(scheme string, d Dialer) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	if d == nil {
		delete(n.dialers, scheme)
	} else {
		n.dialers[scheme] = d
	}
	return n
}

// AddConnection adds c to the links of n. It reports false without changing
// any state if c is not connected, if c leads back to n itself, if n is
// closed, or if n already has a link with the same identity or the same
// non-empty URL as c.
//
// When c is added, it is introduced to the other links of n and receives the
// current interests of n. Thereafter, n follows the interest, publish, and
// gossip messages of c until c disconnects or is removed.
func (n *Node) AddConnection(c Connection) bool {
	n.μ.Lock()
	defer n.μ.Unlock()

	if n.closed || c.State() != Connected || c.Identity() == n.id {
		return false
	}
	if slices.ContainsFunc(n.links, func(o *link) bool {
		return o.c.Identity() == c.Identity() || (c.URL() != "" && c.URL() == o.c.URL())
	}) {
		return false
	}
	n.links = append(n.links, &link{c: c, teardown: n.setupLocked(c)})
	n.metrics.connActive.Add(1)
	n.log.Debug().Str("peer", c.Identity().String()[:8]).Str("url", c.URL()).
		Bool("internal", c.Internal()).Msg("link added")
	return true
}

// setupLocked wires c into n and returns a function that reverses it.
// The caller must hold n.μ.
func (n *Node) setupLocked(c Connection) func() {
	// Introduce c and the other links to each other. Internal links and links
	// with no URL are not advertised.
	for _, o := range n.links {
		if advertisable(o.c) {
			c.Send(ConnectionInfo{Identity: o.c.Identity(), URL: o.c.URL()})
		}
		if advertisable(c) {
			o.c.Send(ConnectionInfo{Identity: c.Identity(), URL: c.URL()})
		}
	}

	// Bootstrap the current interests, and follow any changes.
	for _, s := range n.subjects.Interested() {
		c.Send(Interest{Subject: s.Address(), Weight: s.Weight()})
	}
	wo := NewObserver(func(addr Address, weight int) {
		c.Send(Interest{Subject: addr, Weight: weight})
	})
	n.subjects.AddGlobalObserver(wo)

	// Forward data to the peer, unless it has already seen it.
	peer := c.Identity()
	dl := NewListener(func(addr Address, data []byte, hops []ID) {
		if !containsID(hops, peer) {
			c.Send(Publish{Subject: addr, Data: data, Hops: hops})
			n.metrics.publishFwd.Add(1)
		}
	})

	ps := &peerState{dl: dl, requested: mapset.New[Address]()}
	stopMsg := c.OnMessage(func(m Message) { n.handle(c, ps, m) })
	stopState := c.OnState(func(s ConnState) {
		if s != Connected {
			n.RemoveConnection(c)
		}
	})

	return func() {
		ps.removed = true
		for addr := range ps.requested {
			n.subjects.Interest(addr, dl, 0)
		}
		stopMsg()
		stopState()
		n.subjects.RemoveGlobalObserver(wo)
	}
}

// peerState is the routing state of one link. Its fields are guarded by the
// lock of the node.
type peerState struct {
	dl        *Listener           // forwards data to the peer
	requested mapset.Set[Address] // subjects the peer asked us for
	removed   bool                // the link has been torn down
}

// active reports whether the link of ps is still in place.
func (n *Node) active(ps *peerState) bool {
	n.μ.Lock()
	defer n.μ.Unlock()
	return !ps.removed
}

func advertisable(c Connection) bool { return !c.Internal() && c.URL() != "" }

// relayWeight returns the weight a node holds for an interest of weight w
// received from a peer.
func relayWeight(w int) int { return min(max(w-1, 0), MaxRelayWeight) }

// handle processes a message m received on c. Messages that arrive after the
// link has been torn down are dropped.
func (n *Node) handle(c Connection, ps *peerState, m Message) {
	switch t := m.(type) {
	case Interest:
		n.metrics.interestIn.Add(1)
		w := relayWeight(t.Weight)

		n.μ.Lock()
		defer n.μ.Unlock()
		if ps.removed {
			n.metrics.msgDropped.Add(1)
			return
		}
		if w > 0 {
			ps.requested.Add(t.Subject)
		} else {
			ps.requested.Remove(t.Subject)
		}
		n.subjects.Interest(t.Subject, ps.dl, w)

	case Publish:
		n.metrics.publishIn.Add(1)
		if !n.active(ps) {
			n.metrics.msgDropped.Add(1)
			return
		} else if containsID(t.Hops, n.id) {
			return
		}
		hops := append(slices.Clone(t.Hops), c.Identity())
		n.deliver(nil, t.Subject, t.Data, hops)

	case ConnectionInfo:
		n.metrics.gossipIn.Add(1)
		if !n.active(ps) {
			n.metrics.msgDropped.Add(1)
			return
		}
		n.gossip(t)

	default:
		n.metrics.msgDropped.Add(1)
	}
}

// gossip makes a best-effort attempt to link to the node described by ci.
func (n *Node) gossip(ci ConnectionInfo) {
	if ci.URL == "" || ci.Identity == n.id {
		return
	}
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.closed || n.hasURLLocked(ci.URL) || n.hasIDLocked(ci.Identity) {
		return
	}
	n.tasks.Go(func() error {
		if _, err := n.Connect(n.ctx, ci.URL, &ConnectOptions{Identity: &ci.Identity}); err != nil {
			n.metrics.gossipFailed.Add(1)
			n.log.Debug().Err(err).Str("url", ci.URL).Msg("gossip dial failed")
		}
		return nil
	})
}

// deliver publishes data to the listeners of addr other than skip. The
// listeners are called without holding the lock, so a listener may call
// back into n.
func (n *Node) deliver(skip *Listener, addr Address, data []byte, hops []ID) {
	n.μ.Lock()
	s, ok := n.subjects.Subject(addr)
	var ls []*Listener
	if ok {
		ls = s.Listeners()
	}
	n.μ.Unlock()

	for _, l := range ls {
		if l != skip {
			l.deliver(addr, data, hops)
		}
	}
}

// RemoveConnection removes c from the links of n, withdrawing the interests
// c registered. It reports whether c was found.
func (n *Node) RemoveConnection(c Connection) bool {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.removeLocked(slices.IndexFunc(n.links, func(o *link) bool { return o.c == c }))
}

// RemoveConnectionByID removes the link to the peer with the given identity,
// if there is one, and reports whether it was found.
func (n *Node) RemoveConnectionByID(id ID) bool {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.removeLocked(slices.IndexFunc(n.links, func(o *link) bool { return o.c.Identity() == id }))
}

func (n *Node) removeLocked(i int) bool {
	if i < 0 {
		return false
	}
	lk := n.links[i]
	n.links = slices.Delete(n.links, i, i+1)
	lk.teardown()
	n.metrics.connActive.Add(-1)
	n.log.Debug().Str("peer", lk.c.Identity().String()[:8]).Msg("link removed")
	return true
}

// HasConnection reports whether n has a link to the peer with identity id.
func (n *Node) HasConnection(id ID) bool {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.hasIDLocked(id)
}

// HasURL reports whether n has a link with the given URL.
func (n *Node) HasURL(url string) bool {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.hasURLLocked(url)
}

func (n *Node) hasIDLocked(id ID) bool {
	return slices.ContainsFunc(n.links, func(o *link) bool { return o.c.Identity() == id })
}

func (n *Node) hasURLLocked(url string) bool {
	return url != "" && slices.ContainsFunc(n.links, func(o *link) bool { return o.c.URL() == url })
}

// Connections returns a snapshot of the current links of n.
func (n *Node) Connections() []Connection {
	n.μ.Lock()
	defer n.μ.Unlock()
	out := make([]Connection, len(n.links))
	for i, lk := range n.links {
		out[i] = lk.c
	}
	return out
}

// Interest sets the weight of l's interest in addr. A weight of 0 withdraws
// the interest. Changes in the weight of addr are propagated to the peers of
// n.
func (n *Node) Interest(addr Address, l *Listener, weight int) error {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.subjects.Interest(addr, l, weight)
}

// Publish publishes data to addr, delivering it to local listeners and
// forwarding it to interested peers.
func (n *Node) Publish(addr Address, data []byte) { n.deliver(nil, addr, data, nil) }

// PublishFrom is as Publish, but does not deliver data to skip.
func (n *Node) PublishFrom(skip *Listener, addr Address, data []byte) {
	n.deliver(skip, addr, data, nil)
}

// Weight returns the current weight of addr at n.
func (n *Node) Weight(addr Address) int {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.subjects.Weight(addr)
}

// Interested returns the addresses of the subjects with a positive weight at
// n, in the order they became so.
func (n *Node) Interested() []Address {
	n.μ.Lock()
	defer n.μ.Unlock()
	ss := n.subjects.Interested()
	out := make([]Address, len(ss))
	for i, s := range ss {
		out[i] = s.Address()
	}
	return out
}

// AddObserver registers o to be notified of weight changes for every subject
// at n. Observers are called while n is locked, and must not call methods of
// n.
func (n *Node) AddObserver(o *Observer) {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.subjects.AddGlobalObserver(o)
}

// RemoveObserver removes o from the observers of n.
func (n *Node) RemoveObserver(o *Observer) {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.subjects.RemoveGlobalObserver(o)
}

// Connect dials the node at url and performs a handshake with it. Connect
// reports [ErrDuplicate] if n already has a link with this URL or with the
// identity given in opts, and [ErrUnsupportedScheme] if no dialer is
// registered for the scheme of url.
func (n *Node) Connect(ctx context.Context, url string, opts *ConnectOptions) (*Conn, error) {
	n.μ.Lock()
	if n.closed {
		n.μ.Unlock()
		return nil, fmt.Errorf("connect %q: %w", url, ErrNodeClosed)
	}
	if n.hasURLLocked(url) || (opts != nil && opts.Identity != nil && n.hasIDLocked(*opts.Identity)) {
		n.μ.Unlock()
		return nil, fmt.Errorf("connect %q: %w", url, ErrDuplicate)
	}
	scheme, _, ok := strings.Cut(url, "://")
	dial := n.dialers[scheme]
	n.μ.Unlock()

	if !ok || dial == nil {
		return nil, fmt.Errorf("connect %q: %w", url, ErrUnsupportedScheme)
	}
	ch, err := dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect %q: %w", url, err)
	}
	hopts := &HandshakeOptions{URL: url}
	if opts != nil {
		hopts.Identity, hopts.Internal = opts.Identity, opts.Internal
	}
	return Handshake(ctx, n, ch, hopts)
}

// Close closes all the links of n and waits for pending dials to finish.
// After Close, n accepts no further links. It reports the errors from closing
// the links, if any.
func (n *Node) Close() error {
	n.μ.Lock()
	n.closed = true
	links := slices.Clone(n.links)
	n.μ.Unlock()

	n.cancel()
	var err error
	for _, lk := range links {
		if cl, ok := lk.c.(io.Closer); ok {
			err = multierr.Append(err, cl.Close())
		}
		n.RemoveConnection(lk.c)
	}
	n.tasks.Wait()
	return err
}
