// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package packet encodes and decodes the packets exchanged between a hub and
// its clients.
//
// A packet has a binary form, used on binary WebSocket frames:
//
//	type:1  address:32  [payload:*]
//
// where type is 0 (subscribe), 1 (unsubscribe), or 2 (publish), and only a
// publish packet carries a payload. It also has a text form, used on text
// frames, with whitespace-separated fields:
//
//	subscribe 16#<hex-address>
//	publish 16#<hex-address> 64#<base64-payload>
//
// In text, a byte string is written as hexadecimal with the prefix "16#" (or
// "16x"), or as base64 with the prefix "64#". An address shorter than 32
// bytes is padded with zeroes.
package packet

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/creachadair/layer"
	"github.com/creachadair/mds/value"
)

var (
	// ErrLength is reported for a binary packet too short to hold an address.
	ErrLength = errors.New("invalid packet length")

	// ErrType is reported for a packet with an unknown type.
	ErrType = errors.New("invalid packet type")

	// ErrText is reported for a malformed text packet.
	ErrText = errors.New("invalid text packet")
)

// Type is the type of a packet.
type Type byte

const (
	Subscribe   Type = 0
	Unsubscribe Type = 1
	Publish     Type = 2
)

var typeNames = [...]string{"subscribe", "unsubscribe", "publish"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type:%d", byte(t))
}

// ParseType parses the name of a packet type.
func ParseType(s string) (Type, error) {
	for i, name := range typeNames {
		if s == name {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrType, s)
}

// A Packet is a single request from a client, or a delivery to it.
type Packet struct {
	Type    Type
	Address layer.Address
	Payload []byte // only for Publish
}

func (p Packet) String() string {
	return fmt.Sprintf("%v %s (%d bytes)", p.Type, p.Address.String()[:8], len(p.Payload))
}

// Encode encodes p in binary form. The payload of a packet other than a
// publish is not encoded.
func (p Packet) Encode() []byte {
	payload := value.Cond(p.Type == Publish, p.Payload, nil)
	buf := make([]byte, 0, 1+len(p.Address)+len(payload))
	buf = append(buf, byte(p.Type))
	buf = append(buf, p.Address[:]...)
	return append(buf, payload...)
}

// Decode decodes a packet from its binary form. The payload of the result
// aliases data. Bytes following the address of a packet other than a publish
// are ignored.
func Decode(data []byte) (Packet, error) {
	var p Packet
	if len(data) < 1+len(p.Address) {
		return p, fmt.Errorf("%w: %d bytes", ErrLength, len(data))
	}
	p.Type = Type(data[0])
	if p.Type > Publish {
		return p, fmt.Errorf("%w: %d", ErrType, data[0])
	}
	copy(p.Address[:], data[1:])
	if p.Type == Publish {
		p.Payload = data[1+len(p.Address):]
	}
	return p, nil
}

// EncodeText encodes p in text form.
func (p Packet) EncodeText() string {
	s := p.Type.String() + " 16#" + hex.EncodeToString(p.Address[:])
	if p.Type == Publish {
		s += " 64#" + base64.StdEncoding.EncodeToString(p.Payload)
	}
	return s
}

// DecodeText decodes a packet from its text form.
func DecodeText(s string) (Packet, error) {
	var p Packet
	fs := strings.Fields(s)
	if len(fs) == 0 {
		return p, fmt.Errorf("%w: empty", ErrText)
	}
	t, err := ParseType(fs[0])
	if err != nil {
		return p, err
	}
	p.Type = t

	if want := value.Cond(t == Publish, 3, 2); len(fs) != want {
		return p, fmt.Errorf("%w: %v has %d fields, want %d", ErrText, t, len(fs), want)
	}
	addr, err := parseBytes(fs[1])
	if err != nil {
		return p, err
	} else if len(addr) > len(p.Address) {
		return p, fmt.Errorf("%w: address has %d bytes", ErrText, len(addr))
	}
	copy(p.Address[:], addr)

	if t == Publish {
		p.Payload, err = parseBytes(fs[2])
		if err != nil {
			return p, err
		}
	}
	return p, nil
}

// parseBytes decodes a byte string written in hexadecimal or base64 with a
// radix prefix.
func parseBytes(s string) ([]byte, error) {
	var b []byte
	var err error
	if rest, ok := strings.CutPrefix(s, "64#"); ok {
		b, err = base64.StdEncoding.DecodeString(rest)
	} else if rest, ok := cutHex(s); ok {
		b, err = hex.DecodeString(rest)
	} else {
		return nil, fmt.Errorf("%w: %q is not a byte string", ErrText, s)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrText, err)
	}
	return b, nil
}

func cutHex(s string) (string, bool) {
	if rest, ok := strings.CutPrefix(s, "16#"); ok {
		return rest, true
	}
	return strings.CutPrefix(s, "16x")
}
