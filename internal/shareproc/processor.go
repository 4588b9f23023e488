package shareproc

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/nockpool/nockpool/internal/nock"
	"github.com/nockpool/nockpool/pkg/log"
)

// TemplateSource provides the current block template and accepts
// invalidation when a block solution consumes it.
type TemplateSource interface {
	Current() *nock.Template
	Invalidate()
}

// Hooks are the side effects the processor emits. All hooks are optional;
// they run on the processing goroutine after in-memory effects are applied,
// so implementations hand off to their own channels or fire-and-forget
// writers rather than block.
type Hooks struct {
	// OnValidShare fires for every valid share, block solutions included.
	OnValidShare func(ctx context.Context, share *Share, res *Result, tmpl *nock.Template)
	// OnBlockFound fires after the template has been invalidated.
	OnBlockFound func(ctx context.Context, share *Share, res *Result, tmpl *nock.Template)
	// OnShareResult fires for every processed share, accepted or not.
	OnShareResult func(ctx context.Context, share *Share, res *Result)
	// OnBanned fires when a miner crosses the ban threshold.
	OnBanned func(ctx context.Context, minerID, remoteAddr string)
}

// Config holds processor tuning.
type Config struct {
	MaxSharesPerSecond int
	BanThreshold       int
	BanDuration        time.Duration
	DedupTTL           time.Duration
	MaxTimeDrift       time.Duration
	QueueSize          int
	Workers            int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxSharesPerSecond <= 0 {
		out.MaxSharesPerSecond = 20
	}
	if out.DedupTTL <= 0 {
		out.DedupTTL = 10 * time.Minute
	}
	if out.MaxTimeDrift <= 0 {
		out.MaxTimeDrift = 300 * time.Second
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 10000
	}
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.BanDuration <= 0 {
		out.BanDuration = time.Hour
	}
	return out
}

// Processor validates shares through a fixed pipeline: rate limit, dedup,
// format, staleness, proof hash, classification. In-memory effects are
// authoritative; persistence is a hook concern.
type Processor struct {
	cfg       Config
	templates TemplateSource
	hooks     Hooks
	dedup     *dedupCache
	guard     *rateGuard
	stats     counters
	logger    *log.Logger
	queue     chan *Share
	stopped   chan struct{}

	// now is swappable for tests
	now func() time.Time
}

// New creates a share processor.
func New(cfg Config, templates TemplateSource, hooks Hooks, logger *log.Logger) *Processor {
	cfg = cfg.withDefaults()
	return &Processor{
		cfg:       cfg,
		templates: templates,
		hooks:     hooks,
		dedup:     newDedupCache(cfg.DedupTTL),
		guard:     newRateGuard(cfg.MaxSharesPerSecond, cfg.BanThreshold, cfg.BanDuration),
		logger:    logger.WithComponent("share_processor"),
		queue:     make(chan *Share, cfg.QueueSize),
		stopped:   make(chan struct{}),
		now:       time.Now,
	}
}

// Start runs the worker pool and the periodic dedup sweep until ctx is
// cancelled.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		go p.worker(ctx)
	}
	go p.sweepLoop(ctx)
	p.logger.Info("share processor started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

func (p *Processor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case share := <-p.queue:
			p.Process(ctx, share)
		}
	}
}

func (p *Processor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	defer close(p.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := p.now()
			removed := p.dedup.Sweep(now)
			p.guard.Sweep(now)
			if removed > 0 {
				p.logger.Debug("dedup sweep", "removed", removed, "live", p.dedup.Len())
			}
		}
	}
}

// Submit enqueues a share for asynchronous processing. When the queue is
// full the submission is rejected with a retry-later status instead of
// blocking the session's I/O loop.
func (p *Processor) Submit(share *Share) *Result {
	select {
	case p.queue <- share:
		return nil
	default:
		return &Result{Status: StatusRetryLater, Reason: "submission queue full"}
	}
}

// Running reports whether the processor's background loops are alive.
func (p *Processor) Running() bool {
	select {
	case <-p.stopped:
		return false
	default:
		return true
	}
}

// Snapshot returns current processor counters.
func (p *Processor) Snapshot() Stats {
	return p.stats.Snapshot()
}

// IsBanned reports whether a miner is currently banned.
func (p *Processor) IsBanned(minerID string) bool {
	return p.guard.IsBanned(minerID, p.now())
}

// Process validates a single share synchronously and applies its effects.
// The pipeline order is significant: cheap rejections run before the hash.
func (p *Processor) Process(ctx context.Context, share *Share) *Result {
	start := p.now()
	res := p.classify(ctx, share, start)
	res.ProcessingTime = p.now().Sub(start)

	p.stats.record(res.Status, res.IsBlockSolution, res.ProcessingTime)

	if res.Status == StatusInvalid {
		if banned := p.guard.RecordInvalid(share.MinerID, start); banned {
			p.logger.Warn("miner banned", "miner_id", share.MinerID, "remote_addr", share.RemoteAddr)
			if p.hooks.OnBanned != nil {
				p.hooks.OnBanned(ctx, share.MinerID, share.RemoteAddr)
			}
		}
	}

	if p.hooks.OnShareResult != nil {
		p.hooks.OnShareResult(ctx, share, res)
	}
	return res
}

func (p *Processor) classify(ctx context.Context, share *Share, now time.Time) *Result {
	// 1. Rate limit
	if !p.guard.Allow(share.MinerID, now) {
		return &Result{Status: StatusRateLimited, Reason: "share rate exceeded"}
	}

	// 2. Deduplication
	if p.dedup.Seen(share.Fingerprint(), now) {
		return &Result{Status: StatusDuplicate, Reason: "duplicate share"}
	}

	// 3. Format validation
	if share.MinerID == "" {
		return &Result{Status: StatusInvalid, Reason: "empty miner id"}
	}
	if share.NonceHex == "" {
		return &Result{Status: StatusInvalid, Reason: "empty nonce"}
	}
	nonce, err := hex.DecodeString(share.NonceHex)
	if err != nil {
		return &Result{Status: StatusInvalid, Reason: "nonce is not hex"}
	}
	if share.ClaimedDifficulty == 0 {
		return &Result{Status: StatusInvalid, Reason: "zero claimed difficulty"}
	}

	// 4. Staleness
	tmpl := p.templates.Current()
	if tmpl == nil {
		return &Result{Status: StatusStale, Reason: "no active template"}
	}
	if share.PrevHash != tmpl.PrevHash {
		return &Result{Status: StatusStale, Reason: "previous block hash mismatch"}
	}
	drift := now.Unix() - int64(share.NTime)
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(p.cfg.MaxTimeDrift/time.Second) {
		return &Result{Status: StatusStale, Reason: "timestamp drift exceeds limit"}
	}

	// 5. Cryptographic validation
	header := &nock.Header{
		Version:    tmpl.Version,
		PrevHash:   share.PrevHash,
		MerkleRoot: share.MerkleRoot,
		NTime:      share.NTime,
		Difficulty: uint32(share.ClaimedDifficulty),
		Nonce:      nonce,
	}
	hash := header.Hash()
	achieved := nock.AchievedDifficulty(hash)

	res := &Result{Hash: hash, AchievedDifficulty: achieved}

	// 6. Classification
	switch {
	case nock.MeetsTarget(hash, tmpl.BlockTarget):
		res.Status = StatusValid
		res.IsBlockSolution = true
	case achieved >= share.ClaimedDifficulty:
		res.Status = StatusValid
	default:
		res.Status = StatusInvalid
		res.Reason = "hash does not meet claimed difficulty"
		return res
	}

	// 7. Effects. The template is invalidated before the block-found hook
	// runs so a new template is fetched before any notification goes out.
	if res.IsBlockSolution {
		p.templates.Invalidate()
	}
	if p.hooks.OnValidShare != nil {
		p.hooks.OnValidShare(ctx, share, res, tmpl)
	}
	if res.IsBlockSolution && p.hooks.OnBlockFound != nil {
		p.hooks.OnBlockFound(ctx, share, res, tmpl)
	}
	return res
}
