// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package hub

import (
	"errors"
	"expvar"
	"net/http"
	"time"

	"github.com/creachadair/layer"
	"github.com/creachadair/layer/packet"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// OutboxSize is the number of deliveries buffered for each client. When a
// client falls further behind, deliveries to it are dropped.
const OutboxSize = 256

const writeWait = 10 * time.Second

// Handler is an [http.Handler] that serves hub clients over WebSocket.
//
// Each WebSocket message from a client carries one packet, in binary form on
// a binary message or in text form on a text message. Deliveries are sent to
// the client as publish packets in binary form. When the client goes away,
// its subscriptions are removed. A client that sends an invalid packet is
// disconnected.
type Handler struct {
	hub *Hub
	log zerolog.Logger
	up  websocket.Upgrader

	clients expvar.Int // gauge
	dropped expvar.Int
	emap    *expvar.Map
}

// NewHandler constructs a handler serving clients of h. If log == nil, logs
// are discarded.
func NewHandler(h *Hub, log *zerolog.Logger) *Handler {
	hd := &Handler{
		hub: h,
		log: zerolog.Nop(),
		up: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		emap: new(expvar.Map),
	}
	if log != nil {
		hd.log = log.With().Str("component", "hub").Logger()
	}
	hd.emap.Set("clients_active", &hd.clients)
	hd.emap.Set("deliveries_dropped", &hd.dropped)
	return hd
}

// Metrics returns the metrics exported by the handler: the number of
// connected clients (clients_active), and the number of deliveries dropped
// because a client fell behind (deliveries_dropped).
func (hd *Handler) Metrics() *expvar.Map { return hd.emap }

// ServeHTTP implements the [http.Handler] interface. It blocks until the
// client disconnects.
func (hd *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := hd.up.Upgrade(w, r, nil)
	if err != nil {
		return // the upgrader has already replied
	}
	conn.SetReadLimit(layer.MaxFrameSize)
	hd.clients.Add(1)
	defer hd.clients.Add(-1)

	log := hd.log.With().Str("client", r.RemoteAddr).Logger()
	log.Debug().Msg("client connected")

	out := make(chan []byte, OutboxSize)
	done := make(chan struct{})
	sub := NewSubscriber(func(addr layer.Address, payload []byte) {
		pkt := packet.Packet{Type: packet.Publish, Address: addr, Payload: payload}
		select {
		case out <- pkt.Encode():
		default:
			hd.dropped.Add(1)
		}
	})

	writer := taskgroup.Go(func() error {
		for {
			select {
			case <-done:
				return nil
			case msg := <-out:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
					conn.Close() // unblock the reader
					return err
				}
			}
		}
	})

	subs := mapset.New[layer.Address]()
	err = hd.serve(conn, sub, subs)
	close(done)
	for addr := range subs {
		hd.hub.Unsubscribe(addr, sub)
	}
	if werr := writer.Wait(); err == nil {
		err = werr
	}
	conn.Close()

	if err != nil && !isNormalClose(err) {
		log.Debug().Err(err).Msg("client disconnected")
	} else {
		log.Debug().Msg("client disconnected")
	}
}

// serve reads packets from conn and applies them to the hub on behalf of sub,
// recording the subscriptions in subs. It returns when the client leaves or
// sends an invalid packet.
func (hd *Handler) serve(conn *websocket.Conn, sub *Subscriber, subs mapset.Set[layer.Address]) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var pkt packet.Packet
		if mt == websocket.TextMessage {
			pkt, err = packet.DecodeText(string(data))
		} else {
			pkt, err = packet.Decode(data)
		}
		if err != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, err.Error()),
				time.Now().Add(writeWait))
			return err
		}

		switch pkt.Type {
		case packet.Subscribe:
			subs.Add(pkt.Address)
			hd.hub.Subscribe(pkt.Address, sub)
		case packet.Unsubscribe:
			subs.Remove(pkt.Address)
			hd.hub.Unsubscribe(pkt.Address, sub)
		case packet.Publish:
			hd.hub.Publish(pkt.Address, pkt.Payload, sub)
		}
	}
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}
