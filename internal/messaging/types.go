package messaging

import "time"

// ShareMessage is a validated share published for durability consumers.
type ShareMessage struct {
	MinerID            string    `json:"miner_id"`
	WorkerName         string    `json:"worker_name"`
	JobID              string    `json:"job_id"`
	NonceHex           string    `json:"nonce_hex"`
	NTime              uint64    `json:"ntime"`
	ClaimedDifficulty  uint64    `json:"claimed_difficulty"`
	AchievedDifficulty uint64    `json:"achieved_difficulty"`
	BlockHeight        uint64    `json:"block_height"`
	RemoteAddr         string    `json:"remote_addr"`
	SubmittedAt        time.Time `json:"submitted_at"`
}

// ShareResultMessage is the verdict on a processed share, accepted or not.
type ShareResultMessage struct {
	MinerID          string    `json:"miner_id"`
	WorkerName       string    `json:"worker_name"`
	JobID            string    `json:"job_id"`
	Status           string    `json:"status"` // "valid", "invalid", "stale", "duplicate", "rate_limited"
	Reason           string    `json:"reason,omitempty"`
	IsBlockSolution  bool      `json:"is_block_solution"`
	ProcessedAt      time.Time `json:"processed_at"`
	ProcessingTimeMs float64   `json:"processing_time_ms"`
}

// BlockFoundMessage announces an accepted block solution.
type BlockFoundMessage struct {
	BlockHash          string    `json:"block_hash"`
	BlockHeight        uint64    `json:"block_height"`
	MinerID            string    `json:"miner_id"`
	WorkerName         string    `json:"worker_name"`
	AchievedDifficulty uint64    `json:"achieved_difficulty"`
	NetworkDifficulty  uint64    `json:"network_difficulty"`
	FoundAt            time.Time `json:"found_at"`
}

// PoolStatsMessage is a periodic pool-wide statistics snapshot.
type PoolStatsMessage struct {
	Connections   int       `json:"connections"`
	TotalShares   uint64    `json:"total_shares"`
	ValidShares   uint64    `json:"valid_shares"`
	InvalidShares uint64    `json:"invalid_shares"`
	StaleShares   uint64    `json:"stale_shares"`
	BlocksFound   uint64    `json:"blocks_found"`
	Luck          float64   `json:"luck"`
	Effort        float64   `json:"effort"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	SnapshotAt    time.Time `json:"snapshot_at"`
}

// BridgeSignature is one validator's signature in transit, hex encoded.
type BridgeSignature struct {
	Validator string `json:"validator"` // 32-byte ed25519 public key
	Signature string `json:"signature"`
}

// BridgeDepositRequest carries an attested source-chain lock into the
// bridge. Signatures cover the canonical deposit message.
type BridgeDepositRequest struct {
	SrcTxHash   string            `json:"src_tx_hash"` // 32 bytes, hex
	Amount      uint64            `json:"amount"`
	BlockHeight uint64            `json:"block_height"`
	Recipient   string            `json:"recipient"`
	Signatures  []BridgeSignature `json:"signatures"`
}

// BridgeWithdrawRequest burns wrapped tokens for release on the source
// chain. The burn is local evidence, so no signatures are carried.
type BridgeWithdrawRequest struct {
	User        string `json:"user"`
	Amount      uint64 `json:"amount"`
	DestAddress string `json:"dest_address"` // 32 bytes, hex
}

// BridgeEventMessage mirrors a bridge state transition for the audit log.
type BridgeEventMessage struct {
	Type        string    `json:"type"` // "deposit", "withdraw", "pause", "unpause", "config_update"
	Nonce       uint64    `json:"nonce"`
	User        string    `json:"user,omitempty"`
	Amount      uint64    `json:"amount,omitempty"`
	Fee         uint64    `json:"fee,omitempty"`
	NetAmount   uint64    `json:"net_amount,omitempty"`
	DestAddress string    `json:"dest_address,omitempty"`
	SrcTxHash   string    `json:"src_tx_hash,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
