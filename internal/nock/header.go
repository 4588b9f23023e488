// Package nock provides NOCK chain primitives: the canonical block header
// codec, proof hashing, difficulty targets, and node access over JSON-RPC
// and ZMQ.
package nock

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"lukechampine.com/blake3"
)

// HeaderFixedSize is the size of the fixed-width header prefix. The nonce
// follows and is variable length.
const HeaderFixedSize = 4 + 32 + 32 + 8 + 4

// Header is a candidate block header as assembled from a share submission.
// The nonce is opaque bytes chosen by the miner.
type Header struct {
	Version    uint32
	PrevHash   [32]byte
	MerkleRoot [32]byte
	NTime      uint64
	Difficulty uint32
	Nonce      []byte
}

// Encode serializes the header into its canonical byte layout:
// u32 LE version, prev hash, merkle root, u64 LE ntime, u32 LE difficulty,
// nonce bytes. The layout is fixed so independent implementations hash
// identical shares identically.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderFixedSize+len(h.Nonce))
	binary.LittleEndian.PutUint32(buf[0:4], h.Version)
	copy(buf[4:36], h.PrevHash[:])
	copy(buf[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint64(buf[68:76], h.NTime)
	binary.LittleEndian.PutUint32(buf[76:80], h.Difficulty)
	copy(buf[HeaderFixedSize:], h.Nonce)
	return buf
}

// ParseHeader decodes a canonical header. Any bytes past the fixed prefix
// are the nonce.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderFixedSize {
		return nil, fmt.Errorf("header too short: %d bytes, need at least %d", len(data), HeaderFixedSize)
	}

	h := &Header{
		Version:    binary.LittleEndian.Uint32(data[0:4]),
		NTime:      binary.LittleEndian.Uint64(data[68:76]),
		Difficulty: binary.LittleEndian.Uint32(data[76:80]),
	}
	copy(h.PrevHash[:], data[4:36])
	copy(h.MerkleRoot[:], data[36:68])

	if len(data) > HeaderFixedSize {
		h.Nonce = bytes.Clone(data[HeaderFixedSize:])
	}
	return h, nil
}

// Hash returns the BLAKE3 hash of the canonical header encoding.
func (h *Header) Hash() [32]byte {
	return blake3.Sum256(h.Encode())
}

// LeadingU64 interprets the first 8 bytes of a hash as a big-endian integer.
// Smaller values mean more leading zero bits, i.e. more work.
func LeadingU64(hash [32]byte) uint64 {
	return binary.BigEndian.Uint64(hash[:8])
}

// AchievedDifficulty computes floor(2^64 / leading_u64(hash)). A hash whose
// leading word is zero saturates to the maximum difficulty.
func AchievedDifficulty(hash [32]byte) uint64 {
	x := LeadingU64(hash)
	if x <= 1 {
		return math.MaxUint64
	}
	q, _ := bits.Div64(1, 0, x)
	return q
}
