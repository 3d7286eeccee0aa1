// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the layer.Channel interface.
package channel

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/layer"
	"github.com/gorilla/websocket"
)

// Direct constructs a connected pair of in-memory channels that pass messages
// directly without encoding into binary. Messages sent to A are received by B
// and vice versa. Closing either channel closes both.
func Direct() (A, B layer.Channel) {
	a2b := make(chan layer.Message)
	b2a := make(chan layer.Message)
	s := &shared{done: make(chan struct{})}
	A = direct{out: a2b, in: b2a, shared: s}
	B = direct{out: b2a, in: a2b, shared: s}
	return
}

type shared struct {
	once sync.Once
	done chan struct{}
}

type direct struct {
	out chan<- layer.Message
	in  <-chan layer.Message
	*shared
}

// Send implements a method of the [layer.Channel] interface.
func (d direct) Send(m layer.Message) error {
	select {
	case <-d.done:
		return net.ErrClosed
	default:
	}
	select {
	case d.out <- m:
		return nil
	case <-d.done:
		return net.ErrClosed
	}
}

// Recv implements a method of the [layer.Channel] interface.
func (d direct) Recv() (layer.Message, error) {
	select {
	case m := <-d.in:
		return m, nil
	case <-d.done:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [layer.Channel] interface.
func (d direct) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives messages on a reader and a writer.  Each
// message is one BSON document, framed by its own length prefix.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [layer.Channel] interface.
func (c IOChannel) Send(m layer.Message) error {
	if err := layer.WriteMessage(c.w, m); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [layer.Channel] interface.
func (c IOChannel) Recv() (layer.Message, error) { return layer.ReadMessage(c.r) }

// Close implements a method of the [layer.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// closeWait bounds the time Close waits to deliver a close frame.
const closeWait = time.Second

// WebSocket constructs a channel that exchanges messages on conn, one binary
// WebSocket message per encoded message.
func WebSocket(conn *websocket.Conn) WSChannel {
	conn.SetReadLimit(layer.MaxFrameSize)
	return WSChannel{conn: conn}
}

// A WSChannel sends and receives messages on a WebSocket connection.
type WSChannel struct {
	conn *websocket.Conn
}

// Send implements a method of the [layer.Channel] interface.
func (c WSChannel) Send(m layer.Message) error {
	data, err := layer.EncodeMessage(m)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Recv implements a method of the [layer.Channel] interface. A text message
// from the peer is reported as a decoding error. A normal close by the peer
// is reported as [io.EOF].
func (c WSChannel) Recv() (layer.Message, error) {
	typ, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	if typ != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: websocket message type %d", layer.ErrDecode, typ)
	}
	return layer.DecodeMessage(data)
}

// Close implements a method of the [layer.Channel] interface. It makes a
// best-effort attempt to send a close frame to the peer before closing the
// connection.
func (c WSChannel) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWait))
	return c.conn.Close()
}
