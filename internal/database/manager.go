// Package database provides unified storage management for the NOCK pool.
// It coordinates operations across PostgreSQL, Redis, and InfluxDB.
package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nockpool/nockpool/internal/database/influx"
	"github.com/nockpool/nockpool/internal/database/postgres"
	"github.com/nockpool/nockpool/internal/database/redis"
	"github.com/nockpool/nockpool/pkg/circuit"
	"github.com/nockpool/nockpool/pkg/errors"
	"github.com/nockpool/nockpool/pkg/log"
	"github.com/nockpool/nockpool/pkg/retry"
)

// Manager coordinates all storage operations. PostgreSQL is the durable
// record; Redis and InfluxDB writes are best effort and never fail a
// critical operation.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Shares       *postgres.ShareRepository
	Blocks       *postgres.BlockRepository
	Payouts      *postgres.PayoutRepository
	Balances     *postgres.BalanceRepository
	BridgeEvents *postgres.BridgeEventRepository

	logger *log.Logger

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all storage systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager creates a new database manager with all connections
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	// Initialize PostgreSQL
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	// Initialize Redis
	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
			closeErr = errors.Wrap(closeErr, errors.ErrorTypeDatabase, "postgres_cleanup",
				"failed to close PostgreSQL connection during error cleanup")
			return nil, errors.New(errors.ErrorTypeDatabase, "connection_failure",
				"multiple database connection failures").
				WithContext("redis_error", origErr.Error()).
				WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
	}

	// Initialize InfluxDB
	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		var closeErrs []error
		if closeErr := pgClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}

		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")

		if len(closeErrs) > 0 {
			return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
		}
		return nil, origErr
	}

	db := pgClient.DB()

	return &Manager{
		Postgres:       pgClient,
		Redis:          redisClient,
		Influx:         influxClient,
		Shares:         postgres.NewShareRepository(db),
		Blocks:         postgres.NewBlockRepository(db),
		Payouts:        postgres.NewPayoutRepository(db),
		Balances:       postgres.NewBalanceRepository(db),
		BridgeEvents:   postgres.NewBridgeEventRepository(db),
		logger:         logger.WithComponent("database"),
		circuitBreaker: circuit.New(circuit.StorageConfig()),
		retryConfig:    retry.DatabaseConfig(),
	}, nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	m.Influx.Close()

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// High-level operations that coordinate across multiple databases

// RecordShare records a processed share across all relevant databases
func (m *Manager) RecordShare(ctx context.Context, share *postgres.Share) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			// PostgreSQL write is the critical operation
			if err := m.Shares.CreateShare(ctx, share); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
					"failed to store share in PostgreSQL").
					WithContext("miner_id", share.MinerID).
					WithContext("job_id", share.JobID)
			}

			m.Influx.WriteShareMetric(
				share.MinerID,
				share.WorkerName,
				uint64(share.ClaimedDifficulty),
				uint64(share.AchievedDifficulty),
				uint64(share.NetworkDifficulty),
				share.Status,
				share.IsBlockSolution,
			)

			// Hashrate estimate from claimed difficulty over the vardiff
			// target interval
			hashrate := float64(share.ClaimedDifficulty) / 10.0
			if err := m.Redis.SetHashrate(ctx, share.MinerID, hashrate, 10*time.Minute); err != nil {
				m.logger.WithError(err).Warn("failed to update hashrate in Redis")
			}

			return nil
		})
	})
}

// RecordBlock records a found block across all databases
func (m *Manager) RecordBlock(ctx context.Context, block *postgres.Block) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Blocks.CreateBlock(ctx, block); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_block",
					"failed to store block in PostgreSQL").
					WithContext("block_hash", block.Hash).
					WithContext("block_height", block.Height).
					WithContext("miner_id", block.MinerID)
			}

			m.Influx.WriteBlockMetric(
				uint64(block.Height),
				block.Hash,
				block.MinerID,
				uint64(block.Difficulty),
				0,
				block.Status,
			)

			blockKey := fmt.Sprintf("block:%d", block.Height)
			if err := m.Redis.SetCache(ctx, blockKey, block, 24*time.Hour); err != nil {
				m.logger.WithError(err).Warn("failed to cache block in Redis")
			}

			return nil
		})
	})
}

// RecordPayout upserts a payout attempt. The (miner_id, creation_nonce) key
// makes retried payouts idempotent at the storage layer.
func (m *Manager) RecordPayout(ctx context.Context, payout *postgres.PayoutRecord) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Payouts.UpsertPayout(ctx, payout); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_payout",
					"failed to store payout in PostgreSQL").
					WithContext("miner_id", payout.MinerID).
					WithContext("creation_nonce", payout.CreationNonce)
			}

			amount, _ := strconv.ParseFloat(payout.Amount, 64)
			m.Influx.WritePayoutMetric(payout.MinerID, amount, payout.Status)

			return nil
		})
	})
}

// RecordBridgeEvent appends a bridge state transition to the audit log
func (m *Manager) RecordBridgeEvent(ctx context.Context, event *postgres.BridgeEventRecord) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.BridgeEvents.AppendEvent(ctx, event); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_bridge_event",
					"failed to store bridge event in PostgreSQL").
					WithContext("event_type", event.EventType).
					WithContext("nonce", event.Nonce)
			}

			m.Influx.WriteBridgeEventMetric(event.EventType, event.Amount, event.Fee)

			return nil
		})
	})
}

// GetMinerStats retrieves a miner's real-time statistics
func (m *Manager) GetMinerStats(ctx context.Context, minerID string) (*MinerStats, error) {
	hashrate, err := m.Redis.GetAverageHashrate(ctx, minerID, 10*time.Minute)
	if err != nil {
		hashrate = 0
	}

	shareStats, err := m.Influx.GetShareStats(ctx, minerID, 24*time.Hour)
	if err != nil {
		shareStats = &influx.ShareStats{}
	}

	return &MinerStats{
		MinerID:    minerID,
		Hashrate:   hashrate,
		ShareStats: shareStats,
	}, nil
}

// GetPoolStats retrieves pool-wide statistics from storage
func (m *Manager) GetPoolStats(ctx context.Context) (*PoolStats, error) {
	poolHashrate, err := m.Influx.GetPoolHashrate(ctx, 10*time.Minute)
	if err != nil {
		poolHashrate = 0
	}

	recentBlocks, err := m.Blocks.GetRecentBlocks(ctx, 10, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent blocks: %w", err)
	}

	activeConnections, _ := m.Redis.GetCounter(ctx, "active_connections")

	return &PoolStats{
		TotalHashrate:     poolHashrate,
		ActiveConnections: activeConnections,
		RecentBlocks:      recentBlocks,
		LastUpdated:       time.Now(),
	}, nil
}

// BalanceSnapshotFunc produces the current per-miner balances for
// checkpointing.
type BalanceSnapshotFunc func(ctx context.Context) ([]*postgres.BalanceSnapshot, error)

// StartPeriodicTasks starts background tasks for storage maintenance. When
// snapshot is non-nil, balances are checkpointed to PostgreSQL every minute
// so a restart can replay them into the ledger.
func (m *Manager) StartPeriodicTasks(ctx context.Context, snapshot BalanceSnapshotFunc) {
	// Flush InfluxDB writes every 10 seconds
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()

	if snapshot == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkpointBalances(ctx, snapshot)
			}
		}
	}()
}

// checkpointBalances writes one balance snapshot per miner. Individual
// failures are logged and skipped; the next tick retries them.
func (m *Manager) checkpointBalances(ctx context.Context, snapshot BalanceSnapshotFunc) {
	snapshots, err := snapshot(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("failed to collect balance snapshots")
		return
	}

	for _, s := range snapshots {
		if err := m.Balances.SaveSnapshot(ctx, s); err != nil {
			m.logger.WithError(err).Warn("failed to checkpoint balance",
				"miner_id", s.MinerID)
		}
	}
}

// Data structures

// MinerStats combines a miner's real-time statistics
type MinerStats struct {
	MinerID    string
	Hashrate   float64
	ShareStats *influx.ShareStats
}

// PoolStats represents pool statistics assembled from storage
type PoolStats struct {
	TotalHashrate     float64
	ActiveConnections int64
	RecentBlocks      []*postgres.Block
	LastUpdated       time.Time
}
