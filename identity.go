// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package layer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/minio/sha256-simd"
)

// IDLen is the length in bytes of node identities and subject addresses.
const IDLen = 32

// An ID is the identity of a node. A node chooses a random identity when it
// starts, and keeps it for the lifetime of the process.
type ID [IDLen]byte

// RandomID returns a new random node identity.
func RandomID() ID {
	var id ID
	rand.Read(id[:])
	return id
}

// IDFromBytes converts b to an ID. It reports an error if len(b) != IDLen.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLen {
		return id, fmt.Errorf("identity must be %d bytes, got %d", IDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseID parses a hex-encoded node identity.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid identity: %w", err)
	}
	return IDFromBytes(b)
}

// String returns the hex encoding of id.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the zero identity.
func (id ID) IsZero() bool { return id == ID{} }

// containsID reports whether ids contains id.
func containsID(ids []ID, id ID) bool { return slices.Contains(ids, id) }

// An Address names a subject.
type Address [IDLen]byte

// AddressOf returns the subject address for a human-readable name, the
// SHA-256 digest of its UTF-8 encoding.
func AddressOf(name string) Address { return Address(sha256.Sum256([]byte(name))) }

// AddressFromBytes converts b to an Address. It reports an error if
// len(b) != IDLen.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != IDLen {
		return a, fmt.Errorf("subject address must be %d bytes, got %d", IDLen, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// ParseAddress parses a hex-encoded subject address.
func ParseAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid subject address: %w", err)
	}
	return AddressFromBytes(b)
}

// String returns the hex encoding of a.
func (a Address) String() string { return hex.EncodeToString(a[:]) }
