// Package main implements poold, the NOCK mining pool daemon. It serves
// miner connections, validates shares against the node's block template,
// runs the reward ledger, and archives pool events to durable storage.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nockpool/nockpool/internal/config"
	"github.com/nockpool/nockpool/internal/database"
	"github.com/nockpool/nockpool/internal/database/influx"
	"github.com/nockpool/nockpool/internal/database/postgres"
	"github.com/nockpool/nockpool/internal/database/redis"
	"github.com/nockpool/nockpool/internal/messaging"
	"github.com/nockpool/nockpool/internal/nock"
	"github.com/nockpool/nockpool/internal/pool"
	"github.com/nockpool/nockpool/internal/reward"
	"github.com/nockpool/nockpool/pkg/log"
)

// Exit codes. Signal exits follow the 128+N convention.
const (
	exitOK         = 0
	exitConfig     = 1
	exitDurability = 2
	exitSigInt     = 130
	exitSigTerm    = 143
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(exitConfig)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poold",
		"version", cfg.Version,
		"host", cfg.Host,
		"port", cfg.Port,
		"payout_scheme", string(cfg.PayoutScheme),
	)

	dbManager, err := database.NewManager(&database.Config{
		Postgres: &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
		Redis: &redis.Config{
			URL:          cfg.RedisURL,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	}, logger)
	if err != nil {
		logger.WithError(err).Error("durable storage unreachable")
		os.Exit(exitDurability)
	}

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)

	node := nock.NewNodeClient(&nock.NodeConfig{
		URL:      cfg.NockRPCURL,
		User:     cfg.NockRPCUser,
		Password: cfg.NockRPCPassword,
	}, logger)

	notifier, err := nock.NewTipNotifier(cfg.NockZMQAddr, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create tip notifier")
		os.Exit(exitConfig)
	}
	if err := notifier.Connect(); err != nil {
		logger.WithError(err).Error("failed to connect tip notifier")
		os.Exit(exitConfig)
	}

	p := pool.New(cfg, node, kafkaClient, logger)
	p.SetBanStore(dbManager.Redis)
	p.SetDurabilityCheck(dbManager.Health)
	p.Ledger().SetPayoutHook(func(ctx context.Context, payout reward.Payout) {
		if err := dbManager.RecordPayout(ctx, payoutRecord(&payout)); err != nil {
			logger.WithError(err).Error("failed to archive payout",
				"miner_id", payout.MinerID, "creation_nonce", payout.CreationNonce)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := restoreLedger(ctx, p.Ledger(), dbManager, node, logger); err != nil {
		logger.WithError(err).Error("failed to restore ledger from storage")
		os.Exit(exitDurability)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := p.Run(ctx); err != nil && err != context.Canceled {
			logger.WithError(err).Error("pool stopped")
			cancel()
		}
	}()

	go func() {
		if err := p.WatchTips(ctx, notifier); err != nil && err != context.Canceled {
			logger.WithError(err).Error("tip watcher stopped")
		}
	}()

	arch := newArchiver(cfg, logger, kafkaClient, dbManager, node)
	go arch.consumeShares(ctx)
	go arch.consumeBlocks(ctx)
	go arch.confirmBlocks(ctx)
	go arch.reportStorageStats(ctx)

	dbManager.StartPeriodicTasks(ctx, func(ctx context.Context) ([]*postgres.BalanceSnapshot, error) {
		balances, err := p.Ledger().Balances(ctx)
		if err != nil {
			return nil, err
		}
		snapshots := make([]*postgres.BalanceSnapshot, 0, len(balances))
		for minerID, b := range balances {
			snapshots = append(snapshots, &postgres.BalanceSnapshot{
				MinerID:     minerID,
				Unconfirmed: b.Unconfirmed.String(),
				Confirmed:   b.Confirmed.String(),
				Paid:        b.Paid.String(),
			})
		}
		return snapshots, nil
	})

	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("pool shutdown failed")
	}
	if err := notifier.Close(); err != nil {
		logger.WithError(err).Error("failed to close tip notifier")
	}
	if err := kafkaClient.Close(); err != nil {
		logger.WithError(err).Error("failed to close Kafka client")
	}
	if err := dbManager.Close(); err != nil {
		logger.WithError(err).Error("failed to close database manager")
	}

	logger.Info("poold stopped")

	switch sig {
	case syscall.SIGINT:
		os.Exit(exitSigInt)
	case syscall.SIGTERM:
		os.Exit(exitSigTerm)
	}
	os.Exit(exitOK)
}

// restoreLedger replays the durable balance checkpoint and payout nonce
// counters into the ledger before it accepts shares, so a restart neither
// zeroes miner balances nor reuses a payout idempotency key.
func restoreLedger(ctx context.Context, ledger *reward.Ledger, dbManager *database.Manager, node nock.Client, logger *log.Logger) error {
	snapshots, err := dbManager.Balances.LoadSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("load balance snapshots: %w", err)
	}

	var balances []reward.RestoredBalance
	for _, s := range snapshots {
		unconfirmed, err1 := decimal.NewFromString(s.Unconfirmed)
		confirmed, err2 := decimal.NewFromString(s.Confirmed)
		paid, err3 := decimal.NewFromString(s.Paid)
		if err1 != nil || err2 != nil || err3 != nil {
			logger.Warn("skipping malformed balance snapshot", "miner_id", s.MinerID)
			continue
		}
		balances = append(balances, reward.RestoredBalance{
			MinerID:     s.MinerID,
			Unconfirmed: unconfirmed,
			Confirmed:   confirmed,
			Paid:        paid,
		})
	}

	nonces, err := dbManager.Payouts.LastCreationNonces(ctx)
	if err != nil {
		return fmt.Errorf("load payout nonces: %w", err)
	}

	height, err := node.BestHeight(ctx)
	if err != nil {
		return fmt.Errorf("fetch chain height: %w", err)
	}

	ledger.Restore(balances, nonces, height)
	return nil
}

// payoutRecord converts a settled ledger payout into its storage row.
func payoutRecord(p *reward.Payout) *postgres.PayoutRecord {
	rec := &postgres.PayoutRecord{
		MinerID:       p.MinerID,
		CreationNonce: int64(p.CreationNonce),
		Amount:        p.Amount.String(),
		Status:        string(p.Status),
		Attempts:      p.Attempts,
		CreatedAt:     p.CreatedAt,
	}
	if p.TxHash != "" {
		rec.TxHash = &p.TxHash
	}
	if p.FailureReason != "" {
		rec.FailureReason = &p.FailureReason
	}
	if !p.SettledAt.IsZero() {
		settled := p.SettledAt
		rec.SettledAt = &settled
	}
	return rec
}

// archiver persists pool events from Kafka into durable storage and matures
// archived blocks against the chain. Archiving runs off the hot path; a
// storage stall slows the consumer, never share processing.
type archiver struct {
	cfg       *config.Config
	logger    *log.Logger
	kafka     *messaging.KafkaClient
	dbManager *database.Manager
	node      nock.Client
}

func newArchiver(cfg *config.Config, logger *log.Logger, kafka *messaging.KafkaClient, dbManager *database.Manager, node nock.Client) *archiver {
	return &archiver{
		cfg:       cfg,
		logger:    logger.WithComponent("archiver"),
		kafka:     kafka,
		dbManager: dbManager,
		node:      node,
	}
}

// consumeShares archives accepted shares.
func (a *archiver) consumeShares(ctx context.Context) {
	reader := a.kafka.GetConsumer(messaging.TopicShares, a.cfg.KafkaGroupID)
	defer func() {
		if err := reader.Close(); err != nil {
			a.logger.WithError(err).Error("failed to close share consumer")
		}
	}()

	a.logger.Info("started share archiver", "topic", messaging.TopicShares)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		kafkaMsg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.WithError(err).Error("failed to read share message")
			continue
		}

		var msg messaging.ShareMessage
		if err := json.Unmarshal(kafkaMsg.Value, &msg); err != nil {
			a.logger.WithError(err).Error("failed to unmarshal share message")
			continue
		}

		share := &postgres.Share{
			MinerID:            msg.MinerID,
			WorkerName:         msg.WorkerName,
			JobID:              msg.JobID,
			BlockHeight:        int64(msg.BlockHeight),
			ClaimedDifficulty:  int64(msg.ClaimedDifficulty),
			AchievedDifficulty: int64(msg.AchievedDifficulty),
			NetworkDifficulty:  0,
			Status:             "valid",
			Nonce:              msg.NonceHex,
			Ntime:              int64(msg.NTime),
			RemoteAddr:         msg.RemoteAddr,
			SubmittedAt:        msg.SubmittedAt,
		}
		if err := a.dbManager.RecordShare(ctx, share); err != nil {
			a.logger.WithError(err).Error("failed to archive share", "miner_id", msg.MinerID)
		}
	}
}

// consumeBlocks archives found blocks.
func (a *archiver) consumeBlocks(ctx context.Context) {
	reader := a.kafka.GetConsumer(messaging.TopicBlocks, a.cfg.KafkaGroupID)
	defer func() {
		if err := reader.Close(); err != nil {
			a.logger.WithError(err).Error("failed to close block consumer")
		}
	}()

	a.logger.Info("started block archiver", "topic", messaging.TopicBlocks)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		kafkaMsg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.WithError(err).Error("failed to read block message")
			continue
		}

		var msg messaging.BlockFoundMessage
		if err := json.Unmarshal(kafkaMsg.Value, &msg); err != nil {
			a.logger.WithError(err).Error("failed to unmarshal block message")
			continue
		}

		block := &postgres.Block{
			Height:     int64(msg.BlockHeight),
			Hash:       msg.BlockHash,
			MinerID:    msg.MinerID,
			WorkerName: msg.WorkerName,
			Difficulty: int64(msg.NetworkDifficulty),
			Status:     "pending",
			Reward:     strconv.FormatFloat(a.cfg.BlockReward, 'f', -1, 64),
			FoundAt:    msg.FoundAt,
		}
		if err := a.dbManager.RecordBlock(ctx, block); err != nil {
			a.logger.WithError(err).Error("failed to archive block", "height", msg.BlockHeight)
			continue
		}

		if stats, err := a.dbManager.GetMinerStats(ctx, msg.MinerID); err == nil {
			a.logger.Info("block finder stats",
				"miner_id", msg.MinerID,
				"hashrate", stats.Hashrate,
				"valid_shares_24h", stats.ShareStats.ValidShares)
		}
	}
}

// confirmBlocks matures archived pending blocks once a minute.
func (a *archiver) confirmBlocks(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepPendingBlocks(ctx)
		}
	}
}

// sweepPendingBlocks asks the node for each pending block's depth. A negative
// count means the block fell off the active chain and is orphaned; at the
// required depth the block is confirmed.
func (a *archiver) sweepPendingBlocks(ctx context.Context) {
	blocks, err := a.dbManager.Blocks.GetPendingBlocks(ctx)
	if err != nil {
		a.logger.WithError(err).Warn("failed to load pending blocks")
		return
	}

	for _, block := range blocks {
		confs, err := a.node.GetConfirmations(ctx, block.Hash)
		if err != nil {
			a.logger.WithError(err).Warn("failed to fetch confirmations",
				"height", block.Height, "hash", block.Hash)
			continue
		}

		switch {
		case confs < 0:
			if err := a.dbManager.Blocks.UpdateBlockStatus(ctx, block.ID, "orphaned", 0); err != nil {
				a.logger.WithError(err).Error("failed to orphan block", "height", block.Height)
				continue
			}
			a.logger.Warn("block orphaned", "height", block.Height, "hash", block.Hash)
		case confs >= int64(a.cfg.ConfirmationsRequired):
			if err := a.dbManager.Blocks.UpdateBlockStatus(ctx, block.ID, "confirmed", int(confs)); err != nil {
				a.logger.WithError(err).Error("failed to confirm block", "height", block.Height)
				continue
			}
			a.logger.Info("block confirmed",
				"height", block.Height, "hash", block.Hash, "confirmations", confs)
		}
	}
}

// reportStorageStats logs a storage-side pool summary every five minutes.
func (a *archiver) reportStorageStats(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := a.dbManager.GetPoolStats(ctx)
			if err != nil {
				a.logger.WithError(err).Warn("failed to assemble pool stats")
				continue
			}
			a.logger.Info("storage pool stats",
				"hashrate", stats.TotalHashrate,
				"active_connections", stats.ActiveConnections,
				"recent_blocks", len(stats.RecentBlocks))
		}
	}
}
