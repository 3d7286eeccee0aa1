// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for linking and testing nodes.
package peers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/creachadair/layer"
	"github.com/creachadair/layer/channel"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
)

// Local is a pair of in-memory linked nodes, suitable for testing.
type Local struct {
	A, B   *layer.Node
	AB, BA *layer.Conn // the links from A to B and from B to A
}

// Stop closes both nodes and blocks until their links have exited.
func (p *Local) Stop() error { return multierr.Combine(p.A.Close(), p.B.Close()) }

// NewLocal creates a pair of nodes linked by a direct channel without
// encoding. Each node keeps its own metrics.
func NewLocal() *Local {
	a := layer.NewNode(&layer.NodeOptions{DetachMetrics: true})
	b := layer.NewNode(&layer.NodeOptions{DetachMetrics: true})
	ab, ba, err := Link(context.Background(), a, b)
	if err != nil {
		panic(fmt.Sprintf("link local nodes: %v", err))
	}
	return &Local{A: a, B: b, AB: ab, BA: ba}
}

// Link links a and b with a direct channel, running the handshake for both
// nodes concurrently. It returns the link from a to b and the link from b to a.
func Link(ctx context.Context, a, b *layer.Node) (ab, ba *layer.Conn, _ error) {
	ca, cb := channel.Direct()
	g := taskgroup.New(nil)
	g.Go(func() (err error) {
		ab, err = layer.Handshake(ctx, a, ca, nil)
		return
	})
	g.Go(func() (err error) {
		ba, err = layer.Handshake(ctx, b, cb, nil)
		return
	})
	if err := g.Wait(); err != nil {
		if ab != nil {
			ab.Close()
		}
		if ba != nil {
			ba.Close()
		}
		return nil, nil, err
	}
	return ab, ba, nil
}

// An Accepter accepts channels from remote nodes.
type Accepter interface {
	Accept(context.Context) (layer.Channel, error)
}

// Loop accepts channels from acc and runs the handshake for n on each one in
// a goroutine. Loop continues until acc closes or ctx ends. Failed handshakes
// are not fatal to the loop.
//
// Established links belong to n, and remain after Loop returns.
func Loop(ctx context.Context, acc Accepter, n *layer.Node, opts *layer.HandshakeOptions) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
				err = nil
			}
			g.Wait()
			return err
		}
		g.Go(func() error {
			layer.Handshake(ctx, n, ch, opts) // failures are logged by n
			return nil
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (layer.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// A WebSocketAccepter is an [http.Handler] that upgrades each request to a
// WebSocket and delivers the resulting channels to its Accept method.
type WebSocketAccepter struct {
	up   websocket.Upgrader
	chs  chan layer.Channel
	once sync.Once
	done chan struct{}
}

// NewWebSocketAccepter constructs a new, open WebSocket accepter.
func NewWebSocketAccepter() *WebSocketAccepter {
	return &WebSocketAccepter{
		up: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		chs:  make(chan layer.Channel),
		done: make(chan struct{}),
	}
}

// ServeHTTP implements the [http.Handler] interface. It blocks until the
// channel is accepted or the accepter is closed.
func (w *WebSocketAccepter) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	select {
	case <-w.done:
		http.Error(rw, "accepter is closed", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := w.up.Upgrade(rw, req, nil)
	if err != nil {
		return // the upgrader has already replied
	}
	ch := channel.WebSocket(conn)
	select {
	case w.chs <- ch:
	case <-w.done:
		ch.Close()
	}
}

// Accept implements the [Accepter] interface. After w is closed, Accept
// reports [net.ErrClosed].
func (w *WebSocketAccepter) Accept(ctx context.Context) (layer.Channel, error) {
	select {
	case ch := <-w.chs:
		return ch, nil
	case <-w.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes w. Requests pending delivery are dropped.
func (w *WebSocketAccepter) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}

// Register installs dialers on n for the ws, wss, and tcp URL schemes.
// WebSocket links exchange one binary message per frame; TCP links exchange
// length-prefixed frames on the byte stream.
func Register(n *layer.Node) *layer.Node {
	return n.Dial("ws", dialWebSocket).Dial("wss", dialWebSocket).Dial("tcp", dialTCP)
}

func dialWebSocket(ctx context.Context, addr string) (layer.Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	return channel.WebSocket(conn), nil
}

func dialTCP(ctx context.Context, addr string) (layer.Channel, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	} else if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", addr)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// Sweep periodically attempts to link n to each of the given URLs that it is
// not already linked to, until ctx ends. Failures are ignored, and the URLs
// are retried at the next sweep.
func Sweep(ctx context.Context, n *layer.Node, urls []string, every time.Duration, opts *layer.ConnectOptions) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		for _, u := range urls {
			if !n.HasURL(u) {
				n.Connect(ctx, u, opts)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
