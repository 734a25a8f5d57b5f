// Package id implements the 256-bit node/content identifiers used
// throughout the DHT: hashing, random generation, the XOR distance metric,
// and hex (de)serialization.
package id

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Len is the width of a NID in bytes.
const Len = 32

// NID is a 256-bit opaque identifier: either the SHA-256 digest of some
// content, or a uniformly random value used to name a node.
type NID = common.Hash

// ErrMalformedID is returned by FromHex when the input is not valid hex or
// does not decode to exactly Len bytes.
var ErrMalformedID = errors.New("id: malformed id")

// Zero is the all-zero NID, used as a sentinel that is guaranteed never to
// be a legitimate content hash or randomly drawn node identifier in
// practice.
var Zero NID

// Hash derives the NID of a piece of content as its SHA-256 digest.
func Hash(data []byte) NID {
	return NID(sha256.Sum256(data))
}

// Random draws a uniformly random NID from a cryptographically seeded
// source, suitable for naming a new node.
func Random() (NID, error) {
	var n NID
	if _, err := rand.Read(n[:]); err != nil {
		return NID{}, fmt.Errorf("id: random: %w", err)
	}
	return n, nil
}

// MustRandom is like Random but panics on failure; failure here means the
// system CSPRNG is broken, which callers generally cannot recover from
// anyway.
func MustRandom() NID {
	n, err := Random()
	if err != nil {
		panic(err)
	}
	return n
}

// Distance returns the position, 0-based from the most significant bit, of
// the highest set bit in a XOR b. Identical ids have distance 0. The result
// is in [0, 255] and indexes directly into a 256-bucket routing table.
func Distance(a, b NID) int {
	for i := 0; i < Len; i += 8 {
		ai := binary.BigEndian.Uint64(a[i : i+8])
		bi := binary.BigEndian.Uint64(b[i : i+8])
		x := ai ^ bi
		if x != 0 {
			return i*8 + bits.LeadingZeros64(x)
		}
	}
	return 0
}

// Less reports whether a is closer to target than b is, with ties broken by
// the lexicographic order of the raw ids. It defines the ascending ordering
// used when selecting the k closest contacts to a target.
func Less(target, a, b NID) bool {
	da, db := xorBytes(target, a), xorBytes(target, b)
	for i := range da {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false
}

func xorBytes(target, a NID) [Len]byte {
	var out [Len]byte
	for i := 0; i < Len; i++ {
		out[i] = target[i] ^ a[i]
	}
	return out
}

// ToHex renders n as a "0x"-prefixed hex string.
func ToHex(n NID) string {
	return hexutil.Encode(n[:])
}

// FromHex parses a "0x"-prefixed hex string into a NID, failing with
// ErrMalformedID on non-hex input, a missing "0x" prefix, or the wrong
// length.
func FromHex(s string) (NID, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return NID{}, fmt.Errorf("%w: %v", ErrMalformedID, err)
	}
	if len(b) != Len {
		return NID{}, fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedID, Len, len(b))
	}
	var n NID
	copy(n[:], b)
	return n, nil
}
