package shareproc

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// minerLimiter tracks one miner's token bucket, invalid-share count, and
// ban state.
type minerLimiter struct {
	bucket     *rate.Limiter
	violations int
	bannedTill time.Time
}

// rateGuard enforces the per-miner share rate and the ban policy. A miner
// accumulates violations for rate-limit hits and invalid shares; crossing
// the threshold bans it for the configured duration.
type rateGuard struct {
	mu     sync.Mutex
	miners map[string]*minerLimiter

	limit        rate.Limit
	burst        int
	banThreshold int
	banDuration  time.Duration
}

func newRateGuard(sharesPerSecond int, banThreshold int, banDuration time.Duration) *rateGuard {
	return &rateGuard{
		miners:       make(map[string]*minerLimiter),
		limit:        rate.Limit(sharesPerSecond),
		burst:        sharesPerSecond,
		banThreshold: banThreshold,
		banDuration:  banDuration,
	}
}

func (g *rateGuard) get(minerID string) *minerLimiter {
	m, ok := g.miners[minerID]
	if !ok {
		m = &minerLimiter{bucket: rate.NewLimiter(g.limit, g.burst)}
		g.miners[minerID] = m
	}
	return m
}

// Allow reports whether a submission from the miner may proceed. A false
// return means the share is rejected as rate limited; repeated rejections
// count toward the ban threshold.
func (g *rateGuard) Allow(minerID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	m := g.get(minerID)
	if now.Before(m.bannedTill) {
		return false
	}

	if !m.bucket.AllowN(now, 1) {
		g.recordViolation(m, now)
		return false
	}
	return true
}

// IsBanned reports whether the miner is currently banned.
func (g *rateGuard) IsBanned(minerID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.miners[minerID]
	return ok && now.Before(m.bannedTill)
}

// RecordInvalid counts an invalid share toward the ban threshold and
// reports whether the miner just crossed it.
func (g *rateGuard) RecordInvalid(minerID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	m := g.get(minerID)
	wasBanned := now.Before(m.bannedTill)
	g.recordViolation(m, now)
	return !wasBanned && now.Before(m.bannedTill)
}

// recordViolation increments the violation count and applies a ban when the
// threshold is crossed. Caller holds the lock.
func (g *rateGuard) recordViolation(m *minerLimiter, now time.Time) {
	m.violations++
	if g.banThreshold > 0 && m.violations >= g.banThreshold {
		m.bannedTill = now.Add(g.banDuration)
		m.violations = 0
	}
}

// Sweep drops state for miners whose bans expired and whose buckets are
// full, bounding memory for churned connections.
func (g *rateGuard) Sweep(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, m := range g.miners {
		if now.After(m.bannedTill) && m.violations == 0 && m.bucket.TokensAt(now) >= float64(g.burst) {
			delete(g.miners, id)
		}
	}
}
