// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package layer_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/layer"
	"github.com/creachadair/layer/channel"
	"github.com/creachadair/layer/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// waitFor polls cond until it reports true, or fails the test after a while.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping nodes: %v", err)
		}
		for _, n := range []*layer.Node{loc.A, loc.B} {
			if got := metric(n, "connections_active"); got != 0 {
				t.Errorf("connections_active at exit: got %d, want 0", got)
			}
		}
	}()

	if got := loc.AB.HandshakeState(); got != layer.Established {
		t.Errorf("AB state: got %v, want %v", got, layer.Established)
	}
	if loc.AB.Identity() != loc.B.Identity() || loc.BA.Identity() != loc.A.Identity() {
		t.Error("Link identities do not match the nodes")
	}

	var μ sync.Mutex
	var log []string
	loc.AB.LogMessages(func(mi layer.MessageInfo) {
		μ.Lock()
		defer μ.Unlock()
		log = append(log, mi.String())
	})

	addr := layer.AddressOf("local")
	ra := newRecorder()
	mustInterest(t, loc.A, addr, ra.l, 3)
	waitFor(t, "interest at B", func() bool { return loc.B.Weight(addr) == 2 })

	loc.B.Publish(addr, []byte("ping"))
	waitFor(t, "delivery at A", func() bool { return len(ra.data()) == 1 })
	if diff := cmp.Diff([]string{"ping"}, ra.data()); diff != "" {
		t.Errorf("A received (-want, +got):\n%s", diff)
	}

	μ.Lock()
	t.Logf("Messages on AB: %q", log)
	if len(log) < 2 {
		t.Errorf("Message log has %d entries, want at least 2", len(log))
	}
	μ.Unlock()
}

func TestCloseLink(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	addr := layer.AddressOf("close")
	mustInterest(t, loc.A, addr, newRecorder().l, 2)
	waitFor(t, "interest at B", func() bool { return loc.B.Weight(addr) == 1 })

	if err := loc.AB.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if got := loc.AB.State(); got != layer.Disconnected {
		t.Errorf("State after close: got %v, want %v", got, layer.Disconnected)
	}
	if loc.A.HasConnection(loc.B.Identity()) {
		t.Error("A still has a link to B")
	}

	// The far side notices, and withdraws the interest it held for A.
	waitFor(t, "B to drop the link", func() bool { return !loc.B.HasConnection(loc.A.Identity()) })
	if err := loc.BA.Wait(); err != nil {
		t.Errorf("Wait: unexpected error: %v", err)
	}
	if got := loc.B.Weight(addr); got != 0 {
		t.Errorf("B weight after close: got %d, want 0", got)
	}
}

// handshakePair runs the handshake concurrently for two channels.
func handshakePair(ctx context.Context, a, b *layer.Node, ca, cb layer.Channel) (errA, errB error) {
	g := taskgroup.New(nil)
	g.Go(func() error { _, errA = layer.Handshake(ctx, a, ca, nil); return nil })
	g.Go(func() error { _, errB = layer.Handshake(ctx, b, cb, nil); return nil })
	g.Wait()
	return
}

func TestHandshakeReject(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Self", func(t *testing.T) {
		n := newNode(t)
		ca, cb := channel.Direct()
		errA, errB := handshakePair(t.Context(), n, n, ca, cb)
		for _, err := range []error{errA, errB} {
			if !errors.Is(err, layer.ErrRejected) {
				t.Errorf("Handshake: got %v, want %v", err, layer.ErrRejected)
			}
		}
		if got := len(n.Connections()); got != 0 {
			t.Errorf("Connections: got %d, want 0", got)
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		loc := peers.NewLocal()
		defer loc.Stop()

		ca, cb := channel.Direct()
		errA, errB := handshakePair(t.Context(), loc.A, loc.B, ca, cb)
		for _, err := range []error{errA, errB} {
			if !errors.Is(err, layer.ErrRejected) {
				t.Errorf("Handshake: got %v, want %v", err, layer.ErrRejected)
			}
		}
		if got := metric(loc.A, "handshakes_failed"); got != 1 {
			t.Errorf("handshakes_failed: got %d, want 1", got)
		}

		// The original link is unaffected.
		if loc.AB.State() != layer.Connected || !loc.A.HasConnection(loc.B.Identity()) {
			t.Error("Original link was disturbed")
		}
	})
}

// rawPeer plays the far side of a handshake by hand on ch: it consumes the
// initial frame of the node and replies with first.
func rawPeer(t *testing.T, ch layer.Channel, first layer.Message) *taskgroup.Single[error] {
	return taskgroup.Go(func() error {
		if m, err := ch.Recv(); err != nil {
			return err
		} else if _, ok := m.(layer.Initial); !ok {
			t.Errorf("First message: got %v, want initial", m)
		}
		return ch.Send(first)
	})
}

func TestHandshakeProtocol(t *testing.T) {
	defer leaktest.Check(t)()

	n := newNode(t)
	ca, cb := channel.Direct()
	peer := rawPeer(t, cb, layer.Interest{Subject: layer.AddressOf("early"), Weight: 1})

	c, err := layer.Handshake(t.Context(), n, ca, nil)
	if !errors.Is(err, layer.ErrProtocol) {
		t.Errorf("Handshake: got (%v, %v), want %v", c, err, layer.ErrProtocol)
	}
	peer.Wait()
	if _, err := cb.Recv(); err == nil {
		t.Error("Channel was not closed after a failed handshake")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		n := layer.NewNode(&layer.NodeOptions{
			DetachMetrics:    true,
			HandshakeTimeout: 30 * time.Second,
		})
		defer n.Close()

		ca, cb := channel.Direct()
		defer cb.Close()

		// The peer takes our initial frame, but never answers.
		go cb.Recv()

		start := time.Now()
		_, err := layer.Handshake(t.Context(), n, ca, nil)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Handshake: got %v, want %v", err, context.DeadlineExceeded)
		}
		if got := time.Since(start); got != 30*time.Second {
			t.Errorf("Handshake gave up after %v, want 30s", got)
		}
		if got := metric(n, "handshakes_failed"); got != 1 {
			t.Errorf("handshakes_failed: got %d, want 1", got)
		}
	})
}

func TestLateInitial(t *testing.T) {
	defer leaktest.Check(t)()

	n := newNode(t)
	ca, cb := channel.Direct()
	peerID := layer.RandomID()
	peer := rawPeer(t, cb, layer.Initial{Identity: peerID})

	c, err := layer.Handshake(t.Context(), n, ca, &layer.HandshakeOptions{URL: "direct://peer"})
	if err != nil {
		t.Fatalf("Handshake: unexpected error: %v", err)
	}
	if err := peer.Wait(); err != nil {
		t.Fatalf("Peer: %v", err)
	}
	if c.Identity() != peerID || c.URL() != "direct://peer" {
		t.Errorf("Link: got (%v, %q), want (%v, %q)", c.Identity(), c.URL(), peerID, "direct://peer")
	}
	if !n.HasConnection(peerID) {
		t.Error("Node did not add the link")
	}

	// A second initial frame is a protocol violation that ends the link.
	if err := cb.Send(layer.Initial{Identity: peerID}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Wait(); !errors.Is(err, layer.ErrProtocol) {
		t.Errorf("Wait: got %v, want %v", err, layer.ErrProtocol)
	}
	waitFor(t, "link removal", func() bool { return !n.HasConnection(peerID) })
	if got := metric(n, "protocol_errors"); got != 1 {
		t.Errorf("protocol_errors: got %d, want 1", got)
	}
}

func TestDecodeFailure(t *testing.T) {
	defer leaktest.Check(t)()

	n := newNode(t)
	cc, sc := net.Pipe()
	defer sc.Close()

	peer := rawPeer(t, channel.IO(sc, sc), layer.Initial{Identity: layer.RandomID(), URL: "tcp://advertised:1"})
	c, err := layer.Handshake(t.Context(), n, channel.IO(cc, cc), nil)
	if err != nil {
		t.Fatalf("Handshake: unexpected error: %v", err)
	}
	if err := peer.Wait(); err != nil {
		t.Fatalf("Peer: %v", err)
	}

	// Without a URL of its own, the link uses the one the peer advertised.
	if got := c.URL(); got != "tcp://advertised:1" {
		t.Errorf("URL: got %q, want tcp://advertised:1", got)
	}

	// A well-framed document with an unknown type.
	sc.Write([]byte{5, 0, 0, 0, 0})
	if err := c.Wait(); !errors.Is(err, layer.ErrDecode) || !errors.Is(err, layer.ErrProtocol) {
		t.Errorf("Wait: got %v, want %v and %v", err, layer.ErrDecode, layer.ErrProtocol)
	}
}

func TestConnect(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := newNode(t), newNode(t)
	loop := taskgroup.New(nil)
	a.Dial("direct", func(ctx context.Context, url string) (layer.Channel, error) {
		ca, cb := channel.Direct()
		loop.Go(func() error {
			_, err := layer.Handshake(ctx, b, cb, nil)
			return err
		})
		return ca, nil
	})

	c, err := a.Connect(t.Context(), "direct://b", &layer.ConnectOptions{Internal: true})
	if err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	if err := loop.Wait(); err != nil {
		t.Fatalf("Accept handshake: %v", err)
	}
	if !c.Internal() || c.URL() != "direct://b" {
		t.Errorf("Link: got internal=%v url=%q, want true, direct://b", c.Internal(), c.URL())
	}
	if _, err := a.Connect(t.Context(), "direct://b", nil); !errors.Is(err, layer.ErrDuplicate) {
		t.Errorf("Connect again: got %v, want %v", err, layer.ErrDuplicate)
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	waitFor(t, "B to drop the link", func() bool { return len(b.Connections()) == 0 })
}

func TestHandshakeDecodeFailure(t *testing.T) {
	defer leaktest.Check(t)()

	n := newNode(t)
	cc, sc := net.Pipe()
	defer sc.Close()

	peer := taskgroup.Go(func() error {
		if _, err := channel.IO(sc, sc).Recv(); err != nil {
			return err
		}
		_, err := sc.Write([]byte{5, 0, 0, 0, 0}) // a document with no type
		return err
	})
	_, err := layer.Handshake(t.Context(), n, channel.IO(cc, cc), nil)
	if !errors.Is(err, layer.ErrProtocol) || !errors.Is(err, layer.ErrDecode) {
		t.Errorf("Handshake: got %v, want %v and %v", err, layer.ErrProtocol, layer.ErrDecode)
	}
	if err := peer.Wait(); err != nil {
		t.Errorf("Peer: %v", err)
	}
	if got := metric(n, "protocol_errors"); got != 1 {
		t.Errorf("protocol_errors: got %d, want 1", got)
	}
	if got := metric(n, "handshakes_failed"); got != 1 {
		t.Errorf("handshakes_failed: got %d, want 1", got)
	}
}

func TestConnectWrongIdentity(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := newNode(t), newNode(t)
	accept := taskgroup.New(nil)
	a.Dial("direct", func(ctx context.Context, url string) (layer.Channel, error) {
		ca, cb := channel.Direct()
		accept.Go(func() error {
			layer.Handshake(ctx, b, cb, nil) // may succeed briefly
			return nil
		})
		return ca, nil
	})

	other := layer.RandomID()
	_, err := a.Connect(t.Context(), "direct://b", &layer.ConnectOptions{Identity: &other})
	if !errors.Is(err, layer.ErrRejected) {
		t.Errorf("Connect: got %v, want %v", err, layer.ErrRejected)
	}
	accept.Wait()
	if a.HasConnection(b.Identity()) {
		t.Error("A linked to a peer with the wrong identity")
	}
	if got := metric(a, "handshakes_failed"); got != 1 {
		t.Errorf("handshakes_failed: got %d, want 1", got)
	}
	waitFor(t, "B to drop the link", func() bool { return len(b.Connections()) == 0 })
}

func TestRemoveWhileFlooding(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()
	defer loc.AB.Close() // no longer owned by A once removed

	addrs := make([]layer.Address, 8)
	for i := range addrs {
		addrs[i] = layer.AddressOf(fmt.Sprintf("flood-%d", i))
	}
	l := layer.NewListener(func(layer.Address, []byte, []layer.ID) {})

	// B toggles its interests, so that interest messages stream into A while
	// A removes its link to B.
	flood := taskgroup.Go(func() error {
		for i := range 2000 {
			if err := loc.B.Interest(addrs[i%len(addrs)], l, (i/len(addrs))%2*3); err != nil {
				return err
			}
		}
		for _, addr := range addrs {
			if err := loc.B.Interest(addr, l, 3); err != nil {
				return err
			}
		}
		return nil
	})
	waitFor(t, "interest to reach A", func() bool { return len(loc.A.Interested()) != 0 })
	if !loc.A.RemoveConnectionByID(loc.B.Identity()) {
		t.Fatal("RemoveConnectionByID: got false, want true")
	}
	if err := flood.Wait(); err != nil {
		t.Fatalf("Flood: %v", err)
	}

	// Give the receive task of A time to drain what B sent.
	time.Sleep(50 * time.Millisecond)
	for _, addr := range addrs {
		if got := loc.A.Weight(addr); got != 0 {
			t.Errorf("A weight for %v: got %d, want 0", addr, got)
		}
	}
	if got := loc.A.Interested(); len(got) != 0 {
		t.Errorf("A interested: got %v, want none", got)
	}
}
