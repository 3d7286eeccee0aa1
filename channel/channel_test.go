// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/creachadair/layer"
	"github.com/creachadair/layer/channel"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
)

var testMessages = []layer.Message{
	layer.Initial{Identity: layer.ID{1, 2, 3}, URL: "ws://localhost:1/"},
	layer.Interest{Subject: layer.AddressOf("alpha"), Weight: 3},
	layer.Publish{Subject: layer.AddressOf("bravo"), Data: []byte("hello"), Hops: []layer.ID{{4}, {5}}},
	layer.ConnectionInfo{Identity: layer.ID{6}, URL: "tcp://localhost:2"},
}

// exchange sends each of msgs from a to b, and echoes them back from b to a,
// checking that they arrive intact.
func exchange(t *testing.T, a, b layer.Channel, msgs []layer.Message) {
	t.Helper()

	g := taskgroup.New(nil)
	g.Go(func() error {
		for range msgs {
			got, err := b.Recv()
			if err != nil {
				t.Errorf("B Recv: %v", err)
				return nil
			}
			if err := b.Send(got); err != nil {
				t.Errorf("B Send: %v", err)
			}
		}
		return nil
	})
	for _, m := range msgs {
		if err := a.Send(m); err != nil {
			t.Fatalf("A Send %v: %v", m, err)
		}
		got, err := a.Recv()
		if err != nil {
			t.Fatalf("A Recv: %v", err)
		}
		if diff := cmp.Diff(m, got); diff != "" {
			t.Errorf("Echo (-want, +got):\n%s", diff)
		}
	}
	g.Wait()
}

func TestDirect(t *testing.T) {
	defer leaktest.Check(t)()

	c, s := channel.Direct()
	exchange(t, c, s, testMessages)

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("s.Close: %v", err)
	}

	// Closing one end closes both directions.
	if err := c.Send(testMessages[0]); !errors.Is(err, net.ErrClosed) {
		t.Errorf("c.Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if err := s.Send(testMessages[0]); !errors.Is(err, net.ErrClosed) {
		t.Errorf("s.Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if m, err := c.Recv(); err == nil {
		t.Errorf("c.Recv after close: got %v", m)
	}
	if m, err := s.Recv(); err == nil {
		t.Errorf("s.Recv after close: got %v", m)
	}
}

func TestDirectCloseUnblocks(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := channel.Direct()
	recv := taskgroup.Go(func() error {
		_, err := b.Recv()
		return err
	})
	a.Close()
	if err := recv.Wait(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Recv: got %v, want %v", err, net.ErrClosed)
	}
}

func TestIO(t *testing.T) {
	defer leaktest.Check(t)()

	cc, sc := net.Pipe()
	a := channel.IO(cc, cc)
	b := channel.IO(sc, sc)
	exchange(t, a, b, testMessages)

	if err := a.Close(); err != nil {
		t.Errorf("a.Close: %v", err)
	}
	if m, err := b.Recv(); err == nil {
		t.Errorf("b.Recv after close: got %v", m)
	}
	b.Close()
}

func TestIOGarbage(t *testing.T) {
	defer leaktest.Check(t)()

	cc, sc := net.Pipe()
	b := channel.IO(sc, sc)
	defer b.Close()

	go func() {
		cc.Write([]byte{0xff, 0xff, 0xff, 0x7f, 1, 2, 3, 4}) // frame too large
		cc.Close()
	}()
	if m, err := b.Recv(); !errors.Is(err, layer.ErrDecode) {
		t.Errorf("Recv: got (%v, %v), want %v", m, err, layer.ErrDecode)
	}
}

func TestWebSocket(t *testing.T) {
	defer leaktest.Check(t)()

	var up websocket.Upgrader
	srv := make(chan layer.Channel, 1)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		srv <- channel.WebSocket(conn)
	}))
	defer hs.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	a := channel.WebSocket(conn)
	b := <-srv
	exchange(t, a, b, testMessages)

	// A text message is not a valid frame.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("subscribe 16#00")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if m, err := b.Recv(); !errors.Is(err, layer.ErrDecode) {
		t.Errorf("Recv text: got (%v, %v), want %v", m, err, layer.ErrDecode)
	}

	// A normal close is reported as end of stream.
	if err := a.Close(); err != nil {
		t.Errorf("a.Close: %v", err)
	}
	if m, err := b.Recv(); err == nil {
		t.Errorf("Recv after close: got %v", m)
	}
	b.Close()
}
