// Package shareproc implements share validation for the NOCK pool: rate
// limiting, deduplication, format and staleness checks, proof hashing, and
// classification into valid shares, invalid shares, and block solutions.
package shareproc

import (
	"fmt"
	"time"
)

// Status classifies the outcome of a share submission.
type Status int

// Share statuses.
const (
	StatusValid Status = iota
	StatusInvalid
	StatusStale
	StatusDuplicate
	StatusRateLimited
	StatusRetryLater
)

// String returns the wire representation of the status.
func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	case StatusStale:
		return "stale"
	case StatusDuplicate:
		return "duplicate"
	case StatusRateLimited:
		return "rate_limited"
	case StatusRetryLater:
		return "retry_later"
	default:
		return "unknown"
	}
}

// Share is a submission from a miner, already parsed off the wire.
type Share struct {
	MinerID           string
	WorkerName        string
	JobID             string
	PrevHash          [32]byte
	MerkleRoot        [32]byte
	NTime             uint64
	NonceHex          string
	ClaimedDifficulty uint64
	RemoteAddr        string
	SubmittedAt       time.Time
}

// Fingerprint identifies a share within the dedup window.
func (s *Share) Fingerprint() string {
	return fmt.Sprintf("%s:%s:%d", s.MinerID, s.NonceHex, s.NTime)
}

// Result is the outcome of processing a single share.
type Result struct {
	Status             Status
	Reason             string
	AchievedDifficulty uint64
	IsBlockSolution    bool
	Hash               [32]byte
	ProcessingTime     time.Duration
}

// Stats is an atomic snapshot of processor counters.
type Stats struct {
	Total       uint64
	Valid       uint64
	Invalid     uint64
	Stale       uint64
	Duplicate   uint64
	RateLimited uint64
	Blocks      uint64
	AvgLatency  time.Duration
}
