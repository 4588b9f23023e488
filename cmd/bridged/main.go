// Package main implements bridged, the NOCK bridge validation daemon. It
// owns the bridge state machine, verifies validator quorums over deposit
// attestations, takes deposit and withdraw requests from Kafka, and
// persists every state transition to the audit log.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nockpool/nockpool/internal/bridge"
	"github.com/nockpool/nockpool/internal/config"
	"github.com/nockpool/nockpool/internal/fees"
	"github.com/nockpool/nockpool/internal/database"
	"github.com/nockpool/nockpool/internal/database/influx"
	"github.com/nockpool/nockpool/internal/database/postgres"
	"github.com/nockpool/nockpool/internal/database/redis"
	"github.com/nockpool/nockpool/internal/messaging"
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

	if err := cfg.ValidateBridge(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid bridge config: %v\n", err)
		os.Exit(exitConfig)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting bridged",
		"version", cfg.Version,
		"validators", len(cfg.BridgeValidators),
		"threshold", cfg.BridgeThreshold,
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

	validators := make([]ed25519.PublicKey, 0, len(cfg.BridgeValidators))
	for _, v := range cfg.BridgeValidators {
		raw, err := hex.DecodeString(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid validator key %q: %v\n", v, err)
			os.Exit(exitConfig)
		}
		validators = append(validators, ed25519.PublicKey(raw))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newEventSink(logger, kafkaClient, dbManager)
	go sink.run(ctx)

	b, err := bridge.New(bridge.Params{
		Validators:     validators,
		Threshold:      cfg.BridgeThreshold,
		FeeBps:         cfg.BridgeFeeBps,
		DailyLimit:     cfg.BridgeDailyLimit,
		EmergencyDelay: cfg.BridgeEmergencyDelay,
		Decimals:       cfg.BridgeDecimals,
	}, sink, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create bridge")
		os.Exit(exitConfig)
	}

	if err := restoreBridge(ctx, b, dbManager, logger); err != nil {
		logger.WithError(err).Error("failed to restore bridge state")
		os.Exit(exitDurability)
	}

	collector, err := fees.NewCollector(fees.DefaultStructure())
	if err != nil {
		logger.WithError(err).Error("invalid fee structure")
		os.Exit(exitConfig)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	intake := newIntake(cfg, logger, kafkaClient, b, collector)
	go intake.consumeDeposits(ctx)
	go intake.consumeWithdrawals(ctx)

	dbManager.StartPeriodicTasks(ctx, nil)

	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())
	cancel()

	if err := kafkaClient.Close(); err != nil {
		logger.WithError(err).Error("failed to close Kafka client")
	}
	if err := dbManager.Close(); err != nil {
		logger.WithError(err).Error("failed to close database manager")
	}

	logger.Info("bridged stopped")

	switch sig {
	case syscall.SIGINT:
		os.Exit(exitSigInt)
	case syscall.SIGTERM:
		os.Exit(exitSigTerm)
	}
	os.Exit(exitOK)
}

// restoreBridge replays durable state into the bridge: the last event nonce
// and every processed deposit source hash.
func restoreBridge(ctx context.Context, b *bridge.Bridge, dbManager *database.Manager, logger *log.Logger) error {
	nonce, err := dbManager.BridgeEvents.LastBridgeNonce(ctx)
	if err != nil {
		return err
	}

	hashes, err := dbManager.BridgeEvents.ProcessedSrcTxHashes(ctx)
	if err != nil {
		return err
	}

	processed := make([][32]byte, 0, len(hashes))
	for _, h := range hashes {
		parsed, err := parseHash32(h)
		if err != nil {
			logger.Warn("skipping malformed src tx hash in event log", "hash", h)
			continue
		}
		processed = append(processed, parsed)
	}

	b.Restore(bridge.State{Nonce: uint64(nonce)}, processed)
	return nil
}

// eventSink forwards bridge events to Kafka and the durable audit log. The
// bridge emits while holding its lock, so the sink hands events to a worker
// goroutine instead of doing I/O inline.
type eventSink struct {
	logger    *log.Logger
	kafka     *messaging.KafkaClient
	dbManager *database.Manager
	events    chan bridge.Event
}

func newEventSink(logger *log.Logger, kafka *messaging.KafkaClient, dbManager *database.Manager) *eventSink {
	return &eventSink{
		logger:    logger.WithComponent("event_sink"),
		kafka:     kafka,
		dbManager: dbManager,
		events:    make(chan bridge.Event, 256),
	}
}

// Emit queues an event without blocking the bridge.
func (s *eventSink) Emit(_ context.Context, ev bridge.Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Error("event sink queue full, dropping event", "type", ev.Type, "nonce", ev.Nonce)
	}
}

func (s *eventSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.persist(ctx, ev)
		}
	}
}

func (s *eventSink) persist(ctx context.Context, ev bridge.Event) {
	msg := &messaging.BridgeEventMessage{
		Type:        ev.Type,
		Nonce:       ev.Nonce,
		User:        ev.User,
		Amount:      ev.Amount,
		Fee:         ev.Fee,
		NetAmount:   ev.NetAmount,
		DestAddress: hexOrEmpty(ev.DestAddress),
		SrcTxHash:   hexOrEmpty(ev.SrcTxHash),
		Timestamp:   ev.Timestamp,
	}
	key := fmt.Sprintf("%d", ev.Nonce)
	if err := s.kafka.PublishJSON(ctx, messaging.TopicBridgeEvents, key, msg); err != nil {
		s.logger.WithError(err).Error("failed to publish bridge event", "nonce", ev.Nonce)
	}

	record := &postgres.BridgeEventRecord{
		EventType:   ev.Type,
		Nonce:       int64(ev.Nonce),
		UserAddr:    ev.User,
		Amount:      int64(ev.Amount),
		Fee:         int64(ev.Fee),
		NetAmount:   int64(ev.NetAmount),
		DestAddress: hexOrEmpty(ev.DestAddress),
		SrcTxHash:   hexOrEmpty(ev.SrcTxHash),
		OccurredAt:  ev.Timestamp,
	}
	if err := s.dbManager.RecordBridgeEvent(ctx, record); err != nil {
		s.logger.WithError(err).Error("failed to record bridge event", "nonce", ev.Nonce)
	}
}

// intake consumes deposit and withdraw requests from Kafka and applies them
// to the bridge. Rejections are logged; the request topics are fire and
// forget from the relays' perspective.
type intake struct {
	cfg       *config.Config
	logger    *log.Logger
	kafka     *messaging.KafkaClient
	bridge    *bridge.Bridge
	collector *fees.Collector
}

func newIntake(cfg *config.Config, logger *log.Logger, kafka *messaging.KafkaClient, b *bridge.Bridge, collector *fees.Collector) *intake {
	return &intake{
		cfg:       cfg,
		logger:    logger.WithComponent("intake"),
		kafka:     kafka,
		bridge:    b,
		collector: collector,
	}
}

func (in *intake) consumeDeposits(ctx context.Context) {
	reader := in.kafka.GetConsumer(messaging.TopicBridgeDeposits, in.cfg.KafkaGroupID)
	defer func() {
		if err := reader.Close(); err != nil {
			in.logger.WithError(err).Error("failed to close deposit consumer")
		}
	}()

	in.logger.Info("started deposit consumer", "topic", messaging.TopicBridgeDeposits)

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
			in.logger.WithError(err).Error("failed to read deposit message")
			continue
		}

		var req messaging.BridgeDepositRequest
		if err := json.Unmarshal(kafkaMsg.Value, &req); err != nil {
			in.logger.WithError(err).Error("failed to unmarshal deposit request")
			continue
		}

		in.handleDeposit(ctx, &req)
	}
}

func (in *intake) handleDeposit(ctx context.Context, req *messaging.BridgeDepositRequest) {
	srcTxHash, err := parseHash32(req.SrcTxHash)
	if err != nil {
		in.logger.Warn("deposit request has malformed src tx hash", "hash", req.SrcTxHash)
		return
	}

	sigs := make([]bridge.Signature, 0, len(req.Signatures))
	for _, s := range req.Signatures {
		validator, err := hex.DecodeString(s.Validator)
		if err != nil {
			continue
		}
		sigBytes, err := hex.DecodeString(s.Signature)
		if err != nil {
			continue
		}
		sigs = append(sigs, bridge.Signature{
			Validator: ed25519.PublicKey(validator),
			Bytes:     sigBytes,
		})
	}

	receipt, err := in.bridge.Deposit(ctx, bridge.DepositMessage{
		SrcTxHash:   srcTxHash,
		Amount:      req.Amount,
		BlockHeight: req.BlockHeight,
	}, req.Recipient, sigs)
	if err != nil {
		in.logger.WithError(err).Warn("deposit rejected",
			"src_tx_hash", req.SrcTxHash,
			"amount", req.Amount,
		)
		return
	}

	in.logger.Info("deposit accepted",
		"nonce", receipt.Nonce,
		"amount", receipt.Amount,
		"fee", receipt.Fee,
		"net_amount", receipt.NetAmount,
		"recipient", req.Recipient,
	)
}

func (in *intake) consumeWithdrawals(ctx context.Context) {
	reader := in.kafka.GetConsumer(messaging.TopicBridgeWithdrawals, in.cfg.KafkaGroupID)
	defer func() {
		if err := reader.Close(); err != nil {
			in.logger.WithError(err).Error("failed to close withdrawal consumer")
		}
	}()

	in.logger.Info("started withdrawal consumer", "topic", messaging.TopicBridgeWithdrawals)

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
			in.logger.WithError(err).Error("failed to read withdrawal message")
			continue
		}

		var req messaging.BridgeWithdrawRequest
		if err := json.Unmarshal(kafkaMsg.Value, &req); err != nil {
			in.logger.WithError(err).Error("failed to unmarshal withdrawal request")
			continue
		}

		dest, err := parseHash32(req.DestAddress)
		if err != nil {
			in.logger.Warn("withdrawal request has malformed destination", "dest", req.DestAddress)
			continue
		}

		ev, err := in.bridge.Withdraw(ctx, req.User, req.Amount, dest)
		if err != nil {
			in.logger.WithError(err).Warn("withdrawal rejected",
				"user", req.User,
				"amount", req.Amount,
			)
			continue
		}

		in.logger.Info("withdrawal accepted",
			"nonce", ev.Nonce,
			"user", req.User,
			"amount", ev.Amount,
			"net_amount", ev.NetAmount,
		)

		// Quote the source-chain release cost for operator visibility.
		amount := decimal.New(int64(ev.NetAmount), -int32(in.cfg.BridgeDecimals))
		if quote, err := in.collector.Quote(fees.Request{Amount: amount}); err == nil {
			in.logger.Debug("release fee quote",
				"nonce", ev.Nonce,
				"total", quote.Total.String(),
				"effective_rate_pct", quote.EffectiveRatePct.StringFixed(4),
			)
		}
	}
}

func parseHash32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func hexOrEmpty(h [32]byte) string {
	if h == ([32]byte{}) {
		return ""
	}
	return hex.EncodeToString(h[:])
}
