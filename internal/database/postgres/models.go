package postgres

import (
	"time"
)

// Share is a persisted share submission.
type Share struct {
	ID                 int64      `db:"id"`
	MinerID            string     `db:"miner_id"`
	WorkerName         string     `db:"worker_name"`
	JobID              string     `db:"job_id"`
	BlockHeight        int64      `db:"block_height"`
	ClaimedDifficulty  int64      `db:"claimed_difficulty"`
	AchievedDifficulty int64      `db:"achieved_difficulty"`
	NetworkDifficulty  int64      `db:"network_difficulty"`
	Status             string     `db:"status"` // valid, invalid, stale, duplicate, rate_limited
	IsBlockSolution    bool       `db:"is_block_solution"`
	Hash               string     `db:"hash"`
	Nonce              string     `db:"nonce"`
	Ntime              int64      `db:"ntime"`
	RemoteAddr         string     `db:"remote_addr"`
	SubmittedAt        time.Time  `db:"submitted_at"`
	ProcessedAt        *time.Time `db:"processed_at"`
}

// Block is a persisted block solution.
type Block struct {
	ID            int64      `db:"id"`
	Height        int64      `db:"height"`
	Hash          string     `db:"hash"`
	PrevHash      string     `db:"prev_hash"`
	MerkleRoot    string     `db:"merkle_root"`
	Nonce         string     `db:"nonce"`
	MinerID       string     `db:"miner_id"`
	WorkerName    string     `db:"worker_name"`
	Difficulty    int64      `db:"difficulty"`
	Status        string     `db:"status"` // pending, confirmed, orphaned
	Confirmations int        `db:"confirmations"`
	Reward        string     `db:"reward"`
	FoundAt       time.Time  `db:"found_at"`
	ConfirmedAt   *time.Time `db:"confirmed_at"`
}

// PayoutRecord is a persisted payout. MinerID and CreationNonce form the
// idempotency key; a retried payout overwrites its own row rather than
// inserting a second one.
type PayoutRecord struct {
	ID            int64      `db:"id"`
	MinerID       string     `db:"miner_id"`
	CreationNonce int64      `db:"creation_nonce"`
	Amount        string     `db:"amount"`
	Status        string     `db:"status"` // pending, processing, completed, failed
	TxHash        *string    `db:"tx_hash"`
	Attempts      int        `db:"attempts"`
	FailureReason *string    `db:"failure_reason"`
	CreatedAt     time.Time  `db:"created_at"`
	SettledAt     *time.Time `db:"settled_at"`
}

// BalanceSnapshot is a periodic checkpoint of one miner's ledger balances,
// used to rebuild in-memory state at boot.
type BalanceSnapshot struct {
	MinerID     string    `db:"miner_id"`
	Unconfirmed string    `db:"unconfirmed"`
	Confirmed   string    `db:"confirmed"`
	Paid        string    `db:"paid"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// BridgeEventRecord is one entry in the bridge's append-only audit log.
type BridgeEventRecord struct {
	ID          int64     `db:"id"`
	EventType   string    `db:"event_type"` // deposit, withdraw, pause, unpause, config_update
	Nonce       int64     `db:"nonce"`
	UserAddr    string    `db:"user_addr"`
	Amount      int64     `db:"amount"`
	Fee         int64     `db:"fee"`
	NetAmount   int64     `db:"net_amount"`
	DestAddress string    `db:"dest_address"`
	SrcTxHash   string    `db:"src_tx_hash"`
	OccurredAt  time.Time `db:"occurred_at"`
}
