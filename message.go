// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package layer

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
)

// MaxFrameSize is the largest encoded message accepted from a byte stream.
const MaxFrameSize = 16 << 20

// ErrDecode is reported (wrapped) for any message that cannot be decoded.
var ErrDecode = errors.New("invalid message")

// Kind describes the type of a wire message.
type Kind byte

const (
	KindInitial        Kind = 1 // The first frame sent on a new link
	KindInterest       Kind = 2 // A change of interest weight for a subject
	KindPublish        Kind = 3 // Data published to a subject
	KindConnectionInfo Kind = 4 // Gossip about another reachable node
)

// String returns the name of k as it appears in the "type" field on the wire.
func (k Kind) String() string {
	switch k {
	case KindInitial:
		return "initial"
	case KindInterest:
		return "interest"
	case KindPublish:
		return "publish"
	case KindConnectionInfo:
		return "connection-info"
	default:
		return fmt.Sprintf("kind:%d", byte(k))
	}
}

// A Message is one frame exchanged between nodes. The concrete type of a
// Message is exactly one of [Initial], [Interest], [Publish], or
// [ConnectionInfo].
type Message interface {
	Kind() Kind
	String() string

	isMessage()
}

// Initial is the first frame each side of a link sends, declaring its
// identity. URL is an optional address at which the sender accepts
// connections from other nodes.
type Initial struct {
	Identity ID
	URL      string
}

// Interest announces the sender's interest weight for a subject.  A weight of
// zero withdraws interest.
type Interest struct {
	Subject Address
	Weight  int
}

// Publish carries data published to a subject. Hops lists the identities of
// the nodes the message has already passed through.
type Publish struct {
	Subject Address
	Data    []byte
	Hops    []ID
}

// ConnectionInfo advertises another node the sender is linked to.
type ConnectionInfo struct {
	Identity ID
	URL      string
}

func (Initial) Kind() Kind        { return KindInitial }
func (Interest) Kind() Kind       { return KindInterest }
func (Publish) Kind() Kind        { return KindPublish }
func (ConnectionInfo) Kind() Kind { return KindConnectionInfo }

func (Initial) isMessage()        {}
func (Interest) isMessage()       {}
func (Publish) isMessage()        {}
func (ConnectionInfo) isMessage() {}

func short(b []byte) string { return hex.EncodeToString(b[:4]) }

func (m Initial) String() string {
	return fmt.Sprintf("Initial(%s, url=%q)", short(m.Identity[:]), m.URL)
}

func (m Interest) String() string {
	return fmt.Sprintf("Interest(%s, weight=%d)", short(m.Subject[:]), m.Weight)
}

func (m Publish) String() string {
	return fmt.Sprintf("Publish(%s, [%d bytes], hops=%d)", short(m.Subject[:]), len(m.Data), len(m.Hops))
}

func (m ConnectionInfo) String() string {
	return fmt.Sprintf("ConnectionInfo(%s, url=%q)", short(m.Identity[:]), m.URL)
}

// A MessageInfo combines a message and a flag indicating whether the message
// was sent or received.
type MessageInfo struct {
	Message      // the message being logged
	Sent    bool // whether the message was sent (true) or received (false)
}

func (m MessageInfo) String() string {
	if m.Sent {
		return "send " + m.Message.String()
	}
	return "recv " + m.Message.String()
}

// Wire formats. Each message is one BSON document whose "type" field selects
// the layout of the remaining fields.
type (
	wireInitial struct {
		Type     string `bson:"type"`
		Identity []byte `bson:"identity"`
		URL      string `bson:"url,omitempty"`
	}
	wireInterest struct {
		Type    string `bson:"type"`
		Subject []byte `bson:"subjectAddress"`
		Weight  int64  `bson:"weight"`
	}
	wirePublish struct {
		Type    string   `bson:"type"`
		Subject []byte   `bson:"subjectAddress"`
		Data    []byte   `bson:"data"`
		Hops    [][]byte `bson:"hops"`
	}
	wireConnectionInfo struct {
		Type     string `bson:"type"`
		Identity []byte `bson:"identity"`
		URL      string `bson:"url"`
	}
)

// EncodeMessage encodes m in binary format.
func EncodeMessage(m Message) ([]byte, error) {
	var w any
	switch t := m.(type) {
	case Initial:
		w = wireInitial{Type: t.Kind().String(), Identity: t.Identity[:], URL: t.URL}
	case Interest:
		if t.Weight < 0 {
			return nil, fmt.Errorf("encode %v: %w", t, ErrNegativeWeight)
		}
		w = wireInterest{Type: t.Kind().String(), Subject: t.Subject[:], Weight: int64(t.Weight)}
	case Publish:
		hops := make([][]byte, len(t.Hops))
		for i := range t.Hops {
			hops[i] = t.Hops[i][:]
		}
		data := t.Data
		if data == nil {
			data = []byte{}
		}
		w = wirePublish{Type: t.Kind().String(), Subject: t.Subject[:], Data: data, Hops: hops}
	case ConnectionInfo:
		w = wireConnectionInfo{Type: t.Kind().String(), Identity: t.Identity[:], URL: t.URL}
	default:
		return nil, fmt.Errorf("cannot encode message of type %T", m)
	}
	return bson.Marshal(w)
}

// DecodeMessage decodes a message from its binary format. Any error it
// reports wraps [ErrDecode].
func DecodeMessage(data []byte) (Message, error) {
	doc := bson.Raw(data)
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	tv, err := doc.LookupErr("type")
	if err != nil {
		return nil, fmt.Errorf("%w: missing type", ErrDecode)
	}
	typ, ok := tv.StringValueOK()
	if !ok {
		return nil, fmt.Errorf("%w: type is %v, not a string", ErrDecode, tv.Type)
	}

	switch typ {
	case KindInitial.String():
		var w wireInitial
		if err := unmarshalWire(doc, &w, "identity"); err != nil {
			return nil, err
		}
		id, err := IDFromBytes(w.Identity)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return Initial{Identity: id, URL: w.URL}, nil

	case KindInterest.String():
		var w wireInterest
		if err := unmarshalWire(doc, &w, "subjectAddress", "weight"); err != nil {
			return nil, err
		}
		addr, err := AddressFromBytes(w.Subject)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		} else if w.Weight < 0 {
			return nil, fmt.Errorf("%w: negative weight %d", ErrDecode, w.Weight)
		}
		return Interest{Subject: addr, Weight: int(w.Weight)}, nil

	case KindPublish.String():
		var w wirePublish
		if err := unmarshalWire(doc, &w, "subjectAddress", "data", "hops"); err != nil {
			return nil, err
		}
		addr, err := AddressFromBytes(w.Subject)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		hops := make([]ID, len(w.Hops))
		for i, h := range w.Hops {
			hops[i], err = IDFromBytes(h)
			if err != nil {
				return nil, fmt.Errorf("%w: hop %d: %v", ErrDecode, i, err)
			}
		}
		return Publish{Subject: addr, Data: w.Data, Hops: hops}, nil

	case KindConnectionInfo.String():
		var w wireConnectionInfo
		if err := unmarshalWire(doc, &w, "identity", "url"); err != nil {
			return nil, err
		}
		id, err := IDFromBytes(w.Identity)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return ConnectionInfo{Identity: id, URL: w.URL}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrDecode, typ)
	}
}

// unmarshalWire decodes doc into w after checking that the required fields
// are present.
func unmarshalWire(doc bson.Raw, w any, required ...string) error {
	for _, name := range required {
		if _, err := doc.LookupErr(name); err != nil {
			return fmt.Errorf("%w: missing field %q", ErrDecode, name)
		}
	}
	if err := bson.Unmarshal(doc, w); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// WriteMessage writes m to w in binary format.
func WriteMessage(w io.Writer, m Message) error {
	data, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadMessage reads a single message in binary format from r. Each message
// is framed by the little-endian length prefix of its encoding.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("short frame header: %w", err)
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size < 5 || size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d out of range", ErrDecode, size)
	}
	buf := make([]byte, int(size))
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return nil, fmt.Errorf("short frame: %w", err)
	}
	return DecodeMessage(buf)
}
