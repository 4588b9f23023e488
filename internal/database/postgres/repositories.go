package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ShareRepository handles share persistence
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare inserts a processed share
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (miner_id, worker_name, job_id, block_height, claimed_difficulty,
		                   achieved_difficulty, network_difficulty, status, is_block_solution,
		                   hash, nonce, ntime, remote_addr, submitted_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`

	now := time.Now()
	err := r.db.QueryRowContext(ctx, query,
		share.MinerID, share.WorkerName, share.JobID, share.BlockHeight,
		share.ClaimedDifficulty, share.AchievedDifficulty, share.NetworkDifficulty,
		share.Status, share.IsBlockSolution, share.Hash, share.Nonce, share.Ntime,
		share.RemoteAddr, share.SubmittedAt, now,
	).Scan(&share.ID)

	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}

	share.ProcessedAt = &now
	return nil
}

// BlockRepository handles block persistence
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock inserts a found block
func (r *BlockRepository) CreateBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO blocks (height, hash, prev_hash, merkle_root, nonce, miner_id, worker_name,
		                   difficulty, status, confirmations, reward, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		block.Height, block.Hash, block.PrevHash, block.MerkleRoot, block.Nonce,
		block.MinerID, block.WorkerName, block.Difficulty, block.Status,
		block.Confirmations, block.Reward, block.FoundAt,
	).Scan(&block.ID)

	if err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}

	return nil
}

// UpdateBlockStatus updates the status and confirmations of a block
func (r *BlockRepository) UpdateBlockStatus(ctx context.Context, blockID int64, status string, confirmations int) error {
	query := `UPDATE blocks SET status = $1, confirmations = $2`
	args := []any{status, confirmations}

	if status == "confirmed" {
		query += `, confirmed_at = $3`
		args = append(args, time.Now())
	}

	query += ` WHERE id = $` + fmt.Sprintf("%d", len(args)+1)
	args = append(args, blockID)

	_, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update block status: %w", err)
	}

	return nil
}

// GetRecentBlocks retrieves recent blocks with pagination
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit, offset int) ([]*Block, error) {
	query := `
		SELECT id, height, hash, prev_hash, merkle_root, nonce, miner_id, worker_name,
		       difficulty, status, confirmations, reward, found_at, confirmed_at
		FROM blocks
		ORDER BY found_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*Block
	for rows.Next() {
		block := &Block{}
		err := rows.Scan(
			&block.ID, &block.Height, &block.Hash, &block.PrevHash, &block.MerkleRoot,
			&block.Nonce, &block.MinerID, &block.WorkerName, &block.Difficulty,
			&block.Status, &block.Confirmations, &block.Reward, &block.FoundAt, &block.ConfirmedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}

	return blocks, nil
}

// GetPendingBlocks retrieves blocks awaiting confirmation
func (r *BlockRepository) GetPendingBlocks(ctx context.Context) ([]*Block, error) {
	query := `
		SELECT id, height, hash, prev_hash, merkle_root, nonce, miner_id, worker_name,
		       difficulty, status, confirmations, reward, found_at, confirmed_at
		FROM blocks
		WHERE status = 'pending'
		ORDER BY height ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*Block
	for rows.Next() {
		block := &Block{}
		err := rows.Scan(
			&block.ID, &block.Height, &block.Hash, &block.PrevHash, &block.MerkleRoot,
			&block.Nonce, &block.MinerID, &block.WorkerName, &block.Difficulty,
			&block.Status, &block.Confirmations, &block.Reward, &block.FoundAt, &block.ConfirmedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}

	return blocks, nil
}

// PayoutRepository handles payout persistence
type PayoutRepository struct {
	db *sql.DB
}

// NewPayoutRepository creates a new payout repository
func NewPayoutRepository(db *sql.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// UpsertPayout inserts a payout or, on a retried (miner_id, creation_nonce)
// key, updates the existing row in place.
func (r *PayoutRepository) UpsertPayout(ctx context.Context, p *PayoutRecord) error {
	query := `
		INSERT INTO payouts (miner_id, creation_nonce, amount, status, tx_hash, attempts,
		                    failure_reason, created_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (miner_id, creation_nonce) DO UPDATE
		SET status = EXCLUDED.status,
		    tx_hash = EXCLUDED.tx_hash,
		    attempts = EXCLUDED.attempts,
		    failure_reason = EXCLUDED.failure_reason,
		    settled_at = EXCLUDED.settled_at
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		p.MinerID, p.CreationNonce, p.Amount, p.Status, p.TxHash,
		p.Attempts, p.FailureReason, p.CreatedAt, p.SettledAt,
	).Scan(&p.ID)

	if err != nil {
		return fmt.Errorf("failed to upsert payout: %w", err)
	}

	return nil
}

// LastCreationNonces returns each miner's highest payout creation nonce, so a
// restarted ledger never reuses an idempotency key.
func (r *PayoutRepository) LastCreationNonces(ctx context.Context) (map[string]uint64, error) {
	query := `SELECT miner_id, MAX(creation_nonce) FROM payouts GROUP BY miner_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query payout nonces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	nonces := make(map[string]uint64)
	for rows.Next() {
		var minerID string
		var nonce int64
		if err := rows.Scan(&minerID, &nonce); err != nil {
			return nil, fmt.Errorf("failed to scan payout nonce: %w", err)
		}
		nonces[minerID] = uint64(nonce)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payout nonces: %w", err)
	}

	return nonces, nil
}

// BalanceRepository checkpoints ledger balances
type BalanceRepository struct {
	db *sql.DB
}

// NewBalanceRepository creates a new balance repository
func NewBalanceRepository(db *sql.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// SaveSnapshot writes one miner's balance checkpoint
func (r *BalanceRepository) SaveSnapshot(ctx context.Context, s *BalanceSnapshot) error {
	query := `
		INSERT INTO balances (miner_id, unconfirmed, confirmed, paid, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (miner_id) DO UPDATE
		SET unconfirmed = EXCLUDED.unconfirmed,
		    confirmed = EXCLUDED.confirmed,
		    paid = EXCLUDED.paid,
		    updated_at = EXCLUDED.updated_at`

	if _, err := r.db.ExecContext(ctx, query,
		s.MinerID, s.Unconfirmed, s.Confirmed, s.Paid, time.Now()); err != nil {
		return fmt.Errorf("failed to save balance snapshot: %w", err)
	}
	return nil
}

// LoadSnapshots reads every miner's balance checkpoint
func (r *BalanceRepository) LoadSnapshots(ctx context.Context) ([]*BalanceSnapshot, error) {
	query := `SELECT miner_id, unconfirmed, confirmed, paid, updated_at FROM balances`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*BalanceSnapshot
	for rows.Next() {
		s := &BalanceSnapshot{}
		if err := rows.Scan(&s.MinerID, &s.Unconfirmed, &s.Confirmed, &s.Paid, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		out = append(out, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating balances: %w", err)
	}

	return out, nil
}

// BridgeEventRepository handles the bridge's append-only audit log
type BridgeEventRepository struct {
	db *sql.DB
}

// NewBridgeEventRepository creates a new bridge event repository
func NewBridgeEventRepository(db *sql.DB) *BridgeEventRepository {
	return &BridgeEventRepository{db: db}
}

// AppendEvent records one bridge state transition
func (r *BridgeEventRepository) AppendEvent(ctx context.Context, e *BridgeEventRecord) error {
	query := `
		INSERT INTO bridge_events (event_type, nonce, user_addr, amount, fee, net_amount,
		                          dest_address, src_tx_hash, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		e.EventType, e.Nonce, e.UserAddr, e.Amount, e.Fee, e.NetAmount,
		e.DestAddress, e.SrcTxHash, e.OccurredAt,
	).Scan(&e.ID)

	if err != nil {
		return fmt.Errorf("failed to append bridge event: %w", err)
	}

	return nil
}

// LastBridgeNonce returns the highest recorded bridge nonce, zero when the
// log is empty.
func (r *BridgeEventRepository) LastBridgeNonce(ctx context.Context) (int64, error) {
	query := `SELECT COALESCE(MAX(nonce), 0) FROM bridge_events`

	var nonce int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&nonce); err != nil {
		return 0, fmt.Errorf("failed to query last bridge nonce: %w", err)
	}
	return nonce, nil
}

// ProcessedSrcTxHashes returns every deposit source transaction recorded in
// the log, for replay protection at boot.
func (r *BridgeEventRepository) ProcessedSrcTxHashes(ctx context.Context) ([]string, error) {
	query := `SELECT src_tx_hash FROM bridge_events WHERE event_type = 'deposit'`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed deposits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan src tx hash: %w", err)
		}
		hashes = append(hashes, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deposits: %w", err)
	}

	return hashes, nil
}
