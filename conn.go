// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package layer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
)

var (
	// ErrProtocol is reported (wrapped) when a peer violates the link
	// protocol, for example by sending an out-of-place initial frame.
	ErrProtocol = errors.New("protocol violation")

	// ErrRejected is reported by [Handshake] when the node refuses the link,
	// because it leads back to the node itself or duplicates another link.
	ErrRejected = errors.New("connection rejected")
)

// A Channel is a reliable ordered stream of messages shared by two nodes.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the message to the receiver.
	Send(Message) error

	// Receive the next available message from the channel.
	Recv() (Message, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// HandshakeState is the state of a [Conn].
type HandshakeState int

const (
	Connecting  HandshakeState = iota // the transport is not yet open
	Handshaking                       // waiting for the initial frame of the peer
	Established                       // the link is usable
	Closed                            // the link is closed (terminal)
)

var hsNames = [...]string{"connecting", "handshaking", "established", "closed"}

func (s HandshakeState) String() string {
	if s >= 0 && int(s) < len(hsNames) {
		return hsNames[s]
	}
	return fmt.Sprintf("state:%d", int(s))
}

// HandshakeOptions are settings for [Handshake]. A nil *HandshakeOptions is
// ready for use and provides defaults as described.
type HandshakeOptions struct {
	// The URL of the peer, if known. If empty, the URL declared by the peer
	// in its initial frame is used.
	URL string

	// If set, the expected identity of the peer. The handshake is rejected
	// if the peer declares a different identity.
	Identity *ID

	// If true, the link is internal and is never advertised to other peers.
	Internal bool
}

// A Conn is a link to one peer over a [Channel]. It implements the
// [Connection] interface.
//
// Outbound messages are queued and sent by a separate task, so that Send
// never blocks. Inbound messages are delivered to the registered message
// handlers in the order received.
type Conn struct {
	node     *Node
	ch       Channel
	id       ID
	url      string
	internal bool
	tasks    *taskgroup.Group

	out struct {
		// Must hold the lock to modify q or closed.
		sync.Mutex
		q      queue.Queue[Message]
		closed bool
		ready  chan struct{} // buffered: signals a change to q or closed
	}

	μ sync.Mutex

	state  HandshakeState
	err    error // the error that terminated the link
	onMsg  []*func(Message)
	onStat []*func(ConnState)
	mlog   func(MessageInfo)
}

// Handshake performs the link handshake for n on ch. It sends the initial
// frame of n while it concurrently waits for the initial frame of the peer,
// bounded by ctx and the handshake timeout of n. On success, the link is
// added to n and Handshake returns the running Conn.
//
// If the peer sends something other than an initial frame, if the wait ends
// first, or if n rejects the link, Handshake closes ch and reports an error.
func Handshake(ctx context.Context, n *Node, ch Channel, opts *HandshakeOptions) (*Conn, error) {
	c := &Conn{node: n, ch: ch, state: Connecting}
	c.out.ready = make(chan struct{}, 1)
	var want *ID
	if opts != nil {
		c.url, c.internal, want = opts.URL, opts.Internal, opts.Identity
	}
	peer, err := c.exchange(ctx)
	if err == nil && want != nil && peer.Identity != *want {
		err = fmt.Errorf("handshake: %w: peer is %v, want %v", ErrRejected, peer.Identity, *want)
	}
	if err != nil {
		n.metrics.handshakeFail.Add(1)
		ch.Close()
		c.setState(Closed)
		n.log.Debug().Err(err).Str("url", c.url).Msg("handshake failed")
		return nil, err
	}

	c.id = peer.Identity
	if c.url == "" {
		c.url = peer.URL
	}
	c.setState(Established)
	if !n.AddConnection(c) {
		n.metrics.handshakeFail.Add(1)
		ch.Close()
		c.setState(Closed)
		return nil, fmt.Errorf("handshake with %v: %w", peer.Identity, ErrRejected)
	}
	c.start()
	return c, nil
}

// exchange sends the initial frame of the node and waits for the initial
// frame of the peer.
func (c *Conn) exchange(ctx context.Context) (Initial, error) {
	c.setState(Handshaking)
	ctx, cancel := context.WithTimeout(ctx, c.node.htimeout)
	defer cancel()

	type result struct {
		msg Message
		err error
	}
	sent := make(chan error, 1)
	got := make(chan result, 1)
	taskgroup.Go(func() error {
		sent <- c.ch.Send(Initial{Identity: c.node.id, URL: c.node.advertise})
		return nil
	})
	taskgroup.Go(func() error {
		m, err := c.ch.Recv()
		got <- result{m, err}
		return nil
	})

	var peer Initial
	select {
	case r := <-got:
		if r.err != nil {
			if errors.Is(r.err, ErrDecode) {
				c.node.metrics.protocolErr.Add(1)
				return peer, fmt.Errorf("handshake: %w: %w", ErrProtocol, r.err)
			}
			return peer, fmt.Errorf("handshake: %w", r.err)
		}
		init, ok := r.msg.(Initial)
		if !ok {
			c.node.metrics.protocolErr.Add(1)
			return peer, fmt.Errorf("handshake: %w: got %v before initial frame", ErrProtocol, r.msg.Kind())
		}
		peer = init
	case <-ctx.Done():
		return peer, fmt.Errorf("handshake: %w", ctx.Err())
	}

	select {
	case err := <-sent:
		if err != nil {
			return peer, fmt.Errorf("handshake: send initial: %w", err)
		}
	case <-ctx.Done():
		return peer, fmt.Errorf("handshake: %w", ctx.Err())
	}
	return peer, nil
}

// start starts the receive and send tasks for an established link.
func (c *Conn) start() {
	g := taskgroup.New(nil)
	c.μ.Lock()
	c.tasks = g
	c.μ.Unlock()

	g.Go(func() error {
		for {
			m, err := c.ch.Recv()
			if err != nil {
				if errors.Is(err, ErrDecode) {
					c.node.metrics.protocolErr.Add(1)
					err = fmt.Errorf("%w: %w", ErrProtocol, err)
				}
				c.fail(err)
				return nil
			}
			c.node.metrics.msgRecv.Add(1)
			c.logMessage(m, false)
			if _, ok := m.(Initial); ok {
				c.node.metrics.protocolErr.Add(1)
				c.fail(fmt.Errorf("%w: unexpected initial frame", ErrProtocol))
				return nil
			}
			c.μ.Lock()
			hs := slices.Clone(c.onMsg)
			c.μ.Unlock()
			for _, h := range hs {
				(*h)(m)
			}
		}
	})

	g.Go(func() error {
		for {
			m, ok := c.next()
			if !ok {
				return nil
			}
			c.logMessage(m, true)
			if err := c.ch.Send(m); err != nil {
				c.fail(err)
				return nil
			}
			c.node.metrics.msgSent.Add(1)
		}
	})
}

// next blocks until an outbound message is available or the link closes.
func (c *Conn) next() (Message, bool) {
	for {
		c.out.Lock()
		m, ok := c.out.q.Pop()
		closed := c.out.closed
		c.out.Unlock()
		if ok {
			return m, true
		} else if closed {
			return nil, false
		}
		<-c.out.ready
	}
}

func (c *Conn) signal() {
	select {
	case c.out.ready <- struct{}{}:
	default:
	}
}

func (c *Conn) setState(s HandshakeState) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.state = s
}

func (c *Conn) logMessage(m Message, sent bool) {
	c.μ.Lock()
	log := c.mlog
	c.μ.Unlock()
	if log != nil {
		log(MessageInfo{Message: m, Sent: sent})
	}
}

// fail closes the link and records err as the reason. Only the first call
// has any effect.
func (c *Conn) fail(err error) {
	c.ch.Close()

	c.out.Lock()
	if !c.out.closed {
		c.out.closed = true
		c.node.metrics.msgDropped.Add(int64(c.out.q.Len()))
		c.out.q.Clear()
	}
	c.out.Unlock()
	c.signal()

	c.μ.Lock()
	if c.state == Closed {
		c.μ.Unlock()
		return
	}
	c.state = Closed
	c.err = err
	hs := slices.Clone(c.onStat)
	c.μ.Unlock()

	if !treatErrorAsSuccess(err) {
		c.node.log.Debug().Err(err).Str("peer", c.id.String()[:8]).Msg("link failed")
	}
	for _, h := range hs {
		(*h)(Disconnected)
	}
}

func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Identity returns the identity of the peer. It implements part of the
// [Connection] interface.
func (c *Conn) Identity() ID { return c.id }

// URL returns the URL of the peer, or "" if it is not known.
func (c *Conn) URL() string { return c.url }

// Internal reports whether c is an internal link.
func (c *Conn) Internal() bool { return c.internal }

// State reports whether c is connected.
func (c *Conn) State() ConnState {
	if c.HandshakeState() == Established {
		return Connected
	}
	return Disconnected
}

// HandshakeState reports the current state of c.
func (c *Conn) HandshakeState() HandshakeState {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state
}

// Send queues m for delivery to the peer. If c is closed, m is discarded.
func (c *Conn) Send(m Message) {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.closed {
		c.node.metrics.msgDropped.Add(1)
		return
	}
	c.out.q.Add(m)
	c.signal()
}

// OnMessage registers f to be called for each message received from the
// peer. Handlers are called synchronously with the receipt of messages, and
// must not block. The returned function unregisters f.
func (c *Conn) OnMessage(f func(Message)) func() {
	h := &f
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onMsg = append(c.onMsg, h)
	return func() {
		c.μ.Lock()
		defer c.μ.Unlock()
		c.onMsg = slices.DeleteFunc(c.onMsg, func(g *func(Message)) bool { return g == h })
	}
}

// OnState registers f to be called when c disconnects. The returned function
// unregisters f.
func (c *Conn) OnState(f func(ConnState)) func() {
	h := &f
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onStat = append(c.onStat, h)
	return func() {
		c.μ.Lock()
		defer c.μ.Unlock()
		c.onStat = slices.DeleteFunc(c.onStat, func(g *func(ConnState)) bool { return g == h })
	}
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with the peer after the handshake. Passing nil disables message
// logging.
// LogMessages returns c to permit chaining.
func (c *Conn) LogMessages(log func(MessageInfo)) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.mlog = log
	return c
}

// Close closes the link and blocks until its tasks have exited. It returns
// the same status as Wait.
func (c *Conn) Close() error {
	c.fail(net.ErrClosed)
	return c.Wait()
}

// Wait blocks until c terminates and reports the error that caused it to
// stop. If c stopped because its channel closed, Wait returns nil.
func (c *Conn) Wait() error {
	c.μ.Lock()
	g := c.tasks
	c.μ.Unlock()
	if g != nil {
		g.Wait()
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}
