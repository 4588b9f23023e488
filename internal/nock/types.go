package nock

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"
)

// Template is a block template issued by the NOCK node. It is invalidated
// whenever the chain tip changes or a block solution is found.
type Template struct {
	JobID             string
	Height            uint64
	PrevHash          [32]byte
	MerkleRoot        [32]byte
	Version           uint32
	NetworkDifficulty uint64
	BlockTarget       uint64
	IssuedAt          time.Time
}

// PrevHashHex returns the template's previous block hash as hex.
func (t *Template) PrevHashHex() string {
	return hex.EncodeToString(t.PrevHash[:])
}

// Client is the interface to a NOCK node used by the pool and the payout
// engine. Implementations convert transport failures to external errors.
type Client interface {
	// GetBlockTemplate fetches a fresh template from the node.
	GetBlockTemplate(ctx context.Context) (*Template, error)

	// SubmitBlock submits a solved canonical header and returns the block hash.
	SubmitBlock(ctx context.Context, header []byte) (string, error)

	// SendPayout submits a payment and returns the transaction hash.
	SendPayout(ctx context.Context, address string, amount float64) (string, error)

	// GetConfirmations returns the confirmation count for a transaction.
	GetConfirmations(ctx context.Context, txHash string) (int64, error)

	// BestHeight returns the current chain tip height.
	BestHeight(ctx context.Context) (uint64, error)
}

// ParseHash32 decodes a 32-byte hash from hex.
func ParseHash32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("invalid hash length: %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
