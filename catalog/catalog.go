// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package catalog maps mnemonic subject names to subject addresses. Names are
// not exchanged between nodes on the wire, only the addresses derived from
// them, so a catalog remembers the names it has resolved in order to render
// addresses for humans.
//
// # Usage
//
// Construct a catalog that remembers up to a fixed number of names:
//
//	names := catalog.New(1024)
//
// Resolve a name to obtain its address:
//
//	addr := names.Resolve("weather")
//
// To render an address, use Format. Addresses whose names are known are
// formatted as quoted names, and others as hexadecimal:
//
//	names.Format(addr)                      // "\"weather\""
//	names.Format(layer.AddressOf("storms")) // "0x…"
//
// To go the other way, Parse accepts either form:
//
//	addr, err := names.Parse(`0x1c2f…`)
package catalog

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/creachadair/layer"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the number of names remembered by a catalog constructed with
// a size less than 1.
const DefaultSize = 4096

// ErrAddress is reported by Parse for a malformed hexadecimal address.
var ErrAddress = errors.New("invalid address")

// Names is a bounded cache of the names of subject addresses. When it is
// full, the least recently used names are forgotten. A Names value is safe
// for concurrent use by multiple goroutines.
type Names struct {
	cache *lru.Cache[layer.Address, string]
}

// New creates a new empty catalog that remembers up to size names.
// If size < 1, DefaultSize is used.
func New(size int) *Names {
	if size < 1 {
		size = DefaultSize
	}
	c, err := lru.New[layer.Address, string](size)
	if err != nil {
		panic(fmt.Sprintf("create name cache: %v", err)) // unreachable for size > 0
	}
	return &Names{cache: c}
}

// Resolve returns the address of name, and remembers the name.
func (n *Names) Resolve(name string) layer.Address {
	addr := layer.AddressOf(name)
	n.cache.Add(addr, name)
	return addr
}

// Lookup reports the name of addr, if it is known.
func (n *Names) Lookup(addr layer.Address) (string, bool) { return n.cache.Get(addr) }

// Len reports the number of names currently remembered.
func (n *Names) Len() int { return n.cache.Len() }

// Format renders addr as a quoted name if its name is known, otherwise as
// "0x" followed by the address in hexadecimal.
func (n *Names) Format(addr layer.Address) string {
	if name, ok := n.Lookup(addr); ok {
		return strconv.Quote(name)
	}
	return "0x" + addr.String()
}

// Parse parses s as an address. A string with the prefix "0x", "16#", or
// "16x" is decoded as hexadecimal, and zero-padded if it is shorter than an
// address. A quoted string is unquoted and resolved as a name. Any other
// string is resolved as a name.
func (n *Names) Parse(s string) (layer.Address, error) {
	for _, pfx := range []string{"0x", "16#", "16x"} {
		if rest, ok := strings.CutPrefix(s, pfx); ok {
			return ParseHex(rest)
		}
	}
	if strings.HasPrefix(s, `"`) {
		name, err := strconv.Unquote(s)
		if err != nil {
			return layer.Address{}, fmt.Errorf("parse name %s: %w", s, err)
		}
		return n.Resolve(name), nil
	}
	return n.Resolve(s), nil
}

// ParseHex decodes s as a hexadecimal address without a prefix. If s
// encodes fewer bytes than an address, the rest are zero.
func ParseHex(s string) (layer.Address, error) {
	var addr layer.Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return addr, fmt.Errorf("%w: %v", ErrAddress, err)
	} else if len(b) > len(addr) {
		return addr, fmt.Errorf("%w: %d bytes, at most %d allowed", ErrAddress, len(b), len(addr))
	}
	copy(addr[:], b)
	return addr, nil
}
