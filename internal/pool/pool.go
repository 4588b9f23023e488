package pool

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nockpool/nockpool/internal/config"
	"github.com/nockpool/nockpool/internal/messaging"
	"github.com/nockpool/nockpool/internal/nock"
	"github.com/nockpool/nockpool/internal/reward"
	"github.com/nockpool/nockpool/internal/shareproc"
	"github.com/nockpool/nockpool/internal/stratum"
	"github.com/nockpool/nockpool/internal/vardiff"
	"github.com/nockpool/nockpool/pkg/log"
)

// maxHealthyLatency is the average share processing latency above which the
// pool reports itself unhealthy.
const maxHealthyLatency = 100 * time.Millisecond

// Publisher emits pool events to the streaming layer. A nil publisher
// disables event streaming without changing pool behavior.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// BanStore mirrors ban state into shared storage so a pool restart does not
// lift bans. A nil store keeps bans in-process only.
type BanStore interface {
	SetBan(ctx context.Context, minerID, reason string, duration time.Duration) error
	IsBanned(ctx context.Context, minerID string) (bool, string, error)
}

// Stats is a pool-wide snapshot.
type Stats struct {
	Connections       int
	Shares            shareproc.Stats
	PoolDifficulty    uint64
	NetworkDifficulty uint64
	Height            uint64
	Luck              float64
	Effort            float64
}

// counters accumulates the difficulty sums behind luck and effort.
type counters struct {
	mu              sync.Mutex
	validDifficulty uint64
	totalDifficulty uint64
	blocks          uint64
}

func (c *counters) recordShare(claimed uint64, valid bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalDifficulty += claimed
	if valid {
		c.validDifficulty += claimed
	}
}

func (c *counters) recordBlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks++
}

func (c *counters) snapshot() (valid, total, blocks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validDifficulty, c.totalDifficulty, c.blocks
}

// Pool is the orchestrator. It serves miner connections, routes shares
// through the processor, keeps per-miner difficulty on target, credits the
// reward ledger, and submits block solutions to the node.
type Pool struct {
	cfg    *config.Config
	logger *log.Logger

	node       nock.Client
	templates  *TemplateStore
	processor  *shareproc.Processor
	tracker    *vardiff.Tracker
	retargeter *vardiff.Retargeter
	ledger     *reward.Ledger
	server     *stratum.Server
	publisher  Publisher
	bans       BanStore
	durability func(ctx context.Context) error

	counters counters

	// minerID -> active session; a reconnect replaces the old session
	miners   map[string]*stratum.Session
	minersMu sync.Mutex

	startDifficulty uint64
}

// New assembles a pool from configuration. The publisher may be nil.
func New(cfg *config.Config, node nock.Client, publisher Publisher, logger *log.Logger) *Pool {
	p := &Pool{
		cfg:       cfg,
		logger:    logger.WithComponent("pool"),
		node:      node,
		publisher: publisher,
		miners:    make(map[string]*stratum.Session),
	}

	p.templates = NewTemplateStore(node, p.broadcastTemplate, logger)

	p.tracker = vardiff.NewTracker(vardiff.MinerConfig{
		TargetInterval:   cfg.VardiffTargetTime,
		RetargetInterval: cfg.VardiffRetargetTime,
		VariancePct:      cfg.VardiffVariancePct,
		MinDifficulty:    cfg.MinDifficulty,
		MaxDifficulty:    cfg.MaxDifficulty,
		StartDifficulty:  cfg.MinDifficulty,
	})
	p.startDifficulty = cfg.MinDifficulty
	if p.startDifficulty < vardiff.FloorDifficulty {
		p.startDifficulty = vardiff.FloorDifficulty
	}

	p.retargeter = vardiff.NewRetargeter(vardiff.RetargeterConfig{
		TargetBlockTime: cfg.TargetBlockTime,
	}, cfg.MinDifficulty)

	p.ledger = reward.New(reward.Config{
		Scheme:            cfg.PayoutScheme,
		BlockReward:       decimal.NewFromFloat(cfg.BlockReward),
		PoolFee:           decimal.NewFromFloat(cfg.PoolFee),
		WindowSize:        uint64(cfg.ShareWindowSize),
		Confirmations:     uint64(cfg.ConfirmationsRequired),
		MinimumPayout:     decimal.NewFromFloat(cfg.MinimumPayout),
		PayoutInterval:    cfg.PayoutInterval,
		PayoutMaxAttempts: cfg.PayoutMaxAttempts,
	}, &payoutSubmitter{node: node}, logger)

	p.processor = shareproc.New(shareproc.Config{
		MaxSharesPerSecond: cfg.MaxSharesPerSecond,
		BanThreshold:       cfg.BanThreshold,
		BanDuration:        cfg.BanDuration,
		Workers:            cfg.Workers,
	}, p.templates, shareproc.Hooks{
		OnValidShare:  p.onValidShare,
		OnBlockFound:  p.onBlockFound,
		OnShareResult: p.onShareResult,
		OnBanned:      p.onBanned,
	}, logger)

	p.server = stratum.NewServer(stratum.ServerConfig{
		Host:           cfg.Host,
		Port:           cfg.Port,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}, p, logger)

	return p
}

// SetBanStore attaches a shared ban store. Must be called before Run.
func (p *Pool) SetBanStore(bans BanStore) {
	p.bans = bans
}

// SetDurabilityCheck attaches a health probe for the durable stores behind
// the pool. Must be called before Run.
func (p *Pool) SetDurabilityCheck(check func(ctx context.Context) error) {
	p.durability = check
}

// payoutSubmitter adapts the node client to the ledger's submitter interface.
// Miner IDs double as payout addresses.
type payoutSubmitter struct {
	node nock.Client
}

func (s *payoutSubmitter) SendPayout(ctx context.Context, minerID string, amount decimal.Decimal) (string, error) {
	f, _ := amount.Float64()
	return s.node.SendPayout(ctx, minerID, f)
}

// Run starts all background loops and serves miner connections until ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.processor.Start(ctx)
	p.ledger.Start(ctx)

	go p.templates.Run(ctx, 30*time.Second)
	go p.confirmLoop(ctx)
	go p.statsLoop(ctx)

	return p.server.Start(ctx)
}

// WatchTips consumes chain tip notifications until ctx is cancelled. A new
// tip invalidates the current template.
func (p *Pool) WatchTips(ctx context.Context, notifier *nock.TipNotifier) error {
	return notifier.Listen(ctx, func(tip [32]byte) error {
		p.logger.Debug("chain tip changed", "tip", hex.EncodeToString(tip[:]))
		p.templates.Invalidate()
		return nil
	})
}

// Shutdown stops the submission server and closes all sessions.
func (p *Pool) Shutdown(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}

// Server exposes the submission server, primarily for tests.
func (p *Pool) Server() *stratum.Server {
	return p.server
}

// Ledger exposes the reward ledger for balance queries.
func (p *Pool) Ledger() *reward.Ledger {
	return p.ledger
}

// confirmLoop periodically matures unconfirmed credits against the chain tip.
func (p *Pool) confirmLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			height, err := p.node.BestHeight(ctx)
			if err != nil {
				p.logger.WithError(err).Warn("failed to fetch chain height for confirmation")
				continue
			}
			moved, err := p.ledger.Confirm(ctx, height)
			if err != nil {
				p.logger.WithError(err).Error("confirmation pass failed")
				continue
			}
			if moved.Sign() > 0 {
				p.logger.Info("credits confirmed", "height", height, "amount", moved.String())
			}
		}
	}
}

// statsLoop publishes a periodic pool statistics snapshot.
func (p *Pool) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.Stats()
			if p.publisher == nil {
				continue
			}
			msg := &messaging.PoolStatsMessage{
				Connections:   stats.Connections,
				TotalShares:   stats.Shares.Total,
				ValidShares:   stats.Shares.Valid,
				InvalidShares: stats.Shares.Invalid,
				StaleShares:   stats.Shares.Stale,
				BlocksFound:   stats.Shares.Blocks,
				Luck:          stats.Luck,
				Effort:        stats.Effort,
				AvgLatencyMs:  float64(stats.Shares.AvgLatency.Nanoseconds()) / 1e6,
				SnapshotAt:    time.Now(),
			}
			if err := p.publisher.PublishJSON(ctx, messaging.TopicPoolStats, p.cfg.ServiceName, msg); err != nil {
				p.logger.WithError(err).Warn("failed to publish pool stats")
			}
		}
	}
}

// Stats returns a pool-wide snapshot. Luck is valid share work against
// network difficulty per block; effort is total share work against pool
// difficulty per block. Both are zero until the first block.
func (p *Pool) Stats() Stats {
	s := Stats{
		Connections:    p.server.SessionCount(),
		Shares:         p.processor.Snapshot(),
		PoolDifficulty: p.retargeter.Difficulty(),
	}

	if tmpl := p.templates.Current(); tmpl != nil {
		s.NetworkDifficulty = tmpl.NetworkDifficulty
		s.Height = tmpl.Height
	}

	valid, total, blocks := p.counters.snapshot()
	if blocks > 0 && s.NetworkDifficulty > 0 {
		s.Luck = float64(valid) / (float64(blocks) * float64(s.NetworkDifficulty))
	}
	if blocks > 0 && s.PoolDifficulty > 0 {
		s.Effort = float64(total) / (float64(blocks) * float64(s.PoolDifficulty))
	}
	return s
}

// IsHealthy reports whether the pool can usefully accept work: the processor
// loops are running, a template is available, the node answers, average share
// latency is within bounds, and the durable stores respond when attached.
func (p *Pool) IsHealthy(ctx context.Context) bool {
	if !p.processor.Running() {
		return false
	}
	if p.templates.Current() == nil {
		return false
	}
	if p.processor.Snapshot().AvgLatency > maxHealthyLatency {
		return false
	}
	if _, err := p.node.BestHeight(ctx); err != nil {
		return false
	}
	if p.durability != nil {
		if err := p.durability(ctx); err != nil {
			p.logger.WithError(err).Warn("durability layer unhealthy")
			return false
		}
	}
	return true
}

// broadcastTemplate pushes a fresh job to every subscribed session.
func (p *Pool) broadcastTemplate(tmpl *nock.Template) {
	p.server.Broadcast(stratum.MethodNotify, notifyParams(tmpl, true))
}

func notifyParams(tmpl *nock.Template, cleanJobs bool) []any {
	return []any{
		tmpl.JobID,
		tmpl.PrevHashHex(),
		hex.EncodeToString(tmpl.MerkleRoot[:]),
		tmpl.Version,
		tmpl.NetworkDifficulty,
		uint64(tmpl.IssuedAt.Unix()),
		cleanJobs,
	}
}
