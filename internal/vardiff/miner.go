package vardiff

import (
	"sync"
	"time"
)

// emaAlpha weights the newest share interval in the moving average.
const emaAlpha = 0.3

// MinerConfig tunes per-miner difficulty adjustment.
type MinerConfig struct {
	TargetInterval   time.Duration
	RetargetInterval time.Duration
	VariancePct      float64
	MinDifficulty    uint64
	MaxDifficulty    uint64
	StartDifficulty  uint64
}

func (c *MinerConfig) withDefaults() MinerConfig {
	out := *c
	if out.TargetInterval <= 0 {
		out.TargetInterval = 30 * time.Second
	}
	if out.RetargetInterval <= 0 {
		out.RetargetInterval = 90 * time.Second
	}
	if out.VariancePct <= 0 {
		out.VariancePct = 30
	}
	if out.MinDifficulty == 0 {
		out.MinDifficulty = FloorDifficulty
	}
	if out.MaxDifficulty == 0 {
		out.MaxDifficulty = 1_000_000_000
	}
	if out.StartDifficulty < out.MinDifficulty {
		out.StartDifficulty = out.MinDifficulty
	}
	if out.StartDifficulty > out.MaxDifficulty {
		out.StartDifficulty = out.MaxDifficulty
	}
	return out
}

type minerState struct {
	difficulty   uint64
	intervalEMA  float64
	lastShare    time.Time
	lastRetarget time.Time
}

// Tracker keeps each miner's share interval near the target by scaling the
// miner's difficulty. Per-miner difficulty is independent of the pool's
// network difficulty; the two never feed each other.
type Tracker struct {
	mu     sync.Mutex
	cfg    MinerConfig
	miners map[string]*minerState
}

// NewTracker creates a per-miner difficulty tracker.
func NewTracker(cfg MinerConfig) *Tracker {
	return &Tracker{
		cfg:    cfg.withDefaults(),
		miners: make(map[string]*minerState),
	}
}

// Difficulty returns the miner's current difficulty, registering the miner
// at the start difficulty if unknown.
func (t *Tracker) Difficulty(minerID string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(minerID, time.Time{}).difficulty
}

func (t *Tracker) get(minerID string, now time.Time) *minerState {
	m, ok := t.miners[minerID]
	if !ok {
		m = &minerState{
			difficulty:   t.cfg.StartDifficulty,
			intervalEMA:  t.cfg.TargetInterval.Seconds(),
			lastRetarget: now,
		}
		t.miners[minerID] = m
	}
	return m
}

// RecordShare folds a share arrival into the miner's interval average and,
// once per retarget interval, rescales the miner's difficulty when the
// average drifts past the variance band. It returns the difficulty in
// effect after the call and whether it changed.
func (t *Tracker) RecordShare(minerID string, now time.Time) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.get(minerID, now)
	if !m.lastShare.IsZero() {
		interval := now.Sub(m.lastShare).Seconds()
		if interval < 0 {
			interval = 0
		}
		m.intervalEMA = emaAlpha*interval + (1-emaAlpha)*m.intervalEMA
	}
	m.lastShare = now

	if now.Sub(m.lastRetarget) < t.cfg.RetargetInterval {
		return m.difficulty, false
	}
	m.lastRetarget = now

	target := t.cfg.TargetInterval.Seconds()
	deviation := (m.intervalEMA - target) / target * 100
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation <= t.cfg.VariancePct || m.intervalEMA <= 0 {
		return m.difficulty, false
	}

	// Shares arriving faster than target raise difficulty, slower lowers it.
	next := uint64(float64(m.difficulty) * target / m.intervalEMA)
	next = t.clamp(next)
	if next == m.difficulty {
		return m.difficulty, false
	}
	m.difficulty = next
	return next, true
}

// SetDifficulty overrides the miner's difficulty, clamped to the configured
// bounds. Used when the orchestrator applies an operator-requested value.
func (t *Tracker) SetDifficulty(minerID string, d uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.get(minerID, time.Time{})
	m.difficulty = t.clamp(d)
	return m.difficulty
}

func (t *Tracker) clamp(d uint64) uint64 {
	if d < t.cfg.MinDifficulty {
		return t.cfg.MinDifficulty
	}
	if d > t.cfg.MaxDifficulty {
		return t.cfg.MaxDifficulty
	}
	return d
}

// Forget drops a miner's state, typically on disconnect.
func (t *Tracker) Forget(minerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.miners, minerID)
}

// Sweep drops miners idle for longer than the given age.
func (t *Tracker) Sweep(now time.Time, maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, m := range t.miners {
		if !m.lastShare.IsZero() && now.Sub(m.lastShare) > maxIdle {
			delete(t.miners, id)
			removed++
		}
	}
	return removed
}
