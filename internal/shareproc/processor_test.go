package shareproc

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/nockpool/nockpool/internal/nock"
	"github.com/nockpool/nockpool/pkg/log"
)

type stubTemplates struct {
	mu          sync.Mutex
	tmpl        *nock.Template
	invalidated int
}

func (s *stubTemplates) Current() *nock.Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tmpl
}

func (s *stubTemplates) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
	s.tmpl = nil
}

func (s *stubTemplates) invalidations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}

func testTemplate(blockTarget uint64) *nock.Template {
	tmpl := &nock.Template{
		JobID:             "job-1",
		Height:            1000,
		Version:           2,
		NetworkDifficulty: 1_000_000,
		BlockTarget:       blockTarget,
		IssuedAt:          time.Now(),
	}
	for i := range tmpl.PrevHash {
		tmpl.PrevHash[i] = byte(i)
	}
	return tmpl
}

func testLogger() *log.Logger {
	return log.New("test", "dev", "error", "text")
}

const testNTime = uint64(1700000000)

func newTestProcessor(t *testing.T, blockTarget uint64, hooks Hooks) (*Processor, *stubTemplates) {
	t.Helper()
	templates := &stubTemplates{tmpl: testTemplate(blockTarget)}
	p := New(Config{
		MaxSharesPerSecond: 100,
		BanThreshold:       5,
		BanDuration:        time.Hour,
	}, templates, hooks, testLogger())
	p.now = func() time.Time { return time.Unix(int64(testNTime), 0) }
	return p, templates
}

func testShare(tmpl *nock.Template, nonce string) *Share {
	return &Share{
		MinerID:           "miner-1",
		WorkerName:        "rig0",
		JobID:             tmpl.JobID,
		PrevHash:          tmpl.PrevHash,
		NTime:             testNTime,
		NonceHex:          nonce,
		ClaimedDifficulty: 1,
		SubmittedAt:       time.Unix(int64(testNTime), 0),
	}
}

func TestProcessValidShare(t *testing.T) {
	var credited int
	hooks := Hooks{
		OnValidShare: func(_ context.Context, _ *Share, _ *Result, _ *nock.Template) {
			credited++
		},
	}
	p, templates := newTestProcessor(t, 0, hooks)

	res := p.Process(context.Background(), testShare(templates.tmpl, "deadbeef"))
	if res.Status != StatusValid {
		t.Fatalf("status = %s (%s), want valid", res.Status, res.Reason)
	}
	if res.IsBlockSolution {
		t.Error("share should not be a block solution against a zero target")
	}
	if res.AchievedDifficulty == 0 {
		t.Error("achieved difficulty must be positive")
	}
	if credited != 1 {
		t.Errorf("OnValidShare fired %d times, want 1", credited)
	}

	stats := p.Snapshot()
	if stats.Valid != 1 || stats.Total != 1 {
		t.Errorf("stats = %+v, want 1 valid of 1 total", stats)
	}
}

func TestProcessDuplicate(t *testing.T) {
	var credited int
	hooks := Hooks{
		OnValidShare: func(_ context.Context, _ *Share, _ *Result, _ *nock.Template) {
			credited++
		},
	}
	p, templates := newTestProcessor(t, 0, hooks)

	first := p.Process(context.Background(), testShare(templates.tmpl, "deadbeef"))
	if first.Status != StatusValid {
		t.Fatalf("first submission status = %s, want valid", first.Status)
	}

	second := p.Process(context.Background(), testShare(templates.tmpl, "deadbeef"))
	if second.Status != StatusDuplicate {
		t.Fatalf("second submission status = %s, want duplicate", second.Status)
	}

	// Exactly one accounting effect for the pair.
	if credited != 1 {
		t.Errorf("OnValidShare fired %d times, want 1", credited)
	}

	// A different nonce is a different fingerprint.
	third := p.Process(context.Background(), testShare(templates.tmpl, "deadbef0"))
	if third.Status != StatusValid {
		t.Errorf("third submission status = %s, want valid", third.Status)
	}
}

func TestProcessFormatRejections(t *testing.T) {
	p, templates := newTestProcessor(t, 0, Hooks{})

	tests := []struct {
		name   string
		mutate func(*Share)
	}{
		{"empty miner id", func(s *Share) { s.MinerID = "" }},
		{"empty nonce", func(s *Share) { s.NonceHex = "" }},
		{"non-hex nonce", func(s *Share) { s.NonceHex = "zzzz" }},
		{"zero claimed difficulty", func(s *Share) { s.ClaimedDifficulty = 0 }},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			share := testShare(templates.tmpl, "00")
			share.NonceHex = share.NonceHex + string(rune('a'+i)) // unique fingerprints
			share.NonceHex = "0" + share.NonceHex
			tt.mutate(share)
			res := p.Process(context.Background(), share)
			if res.Status != StatusInvalid {
				t.Errorf("status = %s, want invalid", res.Status)
			}
		})
	}
}

func TestProcessStale(t *testing.T) {
	p, templates := newTestProcessor(t, 0, Hooks{})

	wrongPrev := testShare(templates.tmpl, "01")
	wrongPrev.PrevHash[0] ^= 0xFF
	if res := p.Process(context.Background(), wrongPrev); res.Status != StatusStale {
		t.Errorf("wrong prev hash status = %s, want stale", res.Status)
	}

	drifted := testShare(templates.tmpl, "02")
	drifted.NTime = testNTime - 301
	if res := p.Process(context.Background(), drifted); res.Status != StatusStale {
		t.Errorf("drifted ntime status = %s, want stale", res.Status)
	}

	edge := testShare(templates.tmpl, "03")
	edge.NTime = testNTime - 300
	if res := p.Process(context.Background(), edge); res.Status == StatusStale {
		t.Errorf("300s drift should still be acceptable, got %s", res.Status)
	}
}

func TestProcessNoTemplate(t *testing.T) {
	p, templates := newTestProcessor(t, 0, Hooks{})
	templates.Invalidate()

	res := p.Process(context.Background(), testShare(testTemplate(0), "04"))
	if res.Status != StatusStale {
		t.Errorf("status = %s, want stale with no active template", res.Status)
	}
}

func TestProcessLowDifficulty(t *testing.T) {
	p, templates := newTestProcessor(t, 0, Hooks{})

	share := testShare(templates.tmpl, "05")
	share.ClaimedDifficulty = math.MaxUint64
	res := p.Process(context.Background(), share)
	if res.Status != StatusInvalid {
		t.Errorf("status = %s, want invalid for unreachable claimed difficulty", res.Status)
	}
}

func TestProcessBlockSolution(t *testing.T) {
	var blockFound, credited int
	hooks := Hooks{
		OnValidShare: func(_ context.Context, _ *Share, _ *Result, _ *nock.Template) {
			credited++
		},
		OnBlockFound: func(_ context.Context, _ *Share, res *Result, tmpl *nock.Template) {
			blockFound++
			if tmpl == nil {
				t.Error("block-found hook must receive the consumed template")
			}
			if !res.IsBlockSolution {
				t.Error("block-found hook must see a block solution result")
			}
		},
	}
	// Max target: every hash is a block solution.
	p, templates := newTestProcessor(t, math.MaxUint64, hooks)

	res := p.Process(context.Background(), testShare(testTemplate(math.MaxUint64), "06"))
	if res.Status != StatusValid || !res.IsBlockSolution {
		t.Fatalf("result = %+v, want valid block solution", res)
	}

	// Template invalidated before the hook observed it.
	if templates.invalidations() != 1 {
		t.Errorf("invalidations = %d, want 1", templates.invalidations())
	}
	if blockFound != 1 || credited != 1 {
		t.Errorf("blockFound = %d credited = %d, want 1 and 1", blockFound, credited)
	}

	stats := p.Snapshot()
	if stats.Blocks != 1 {
		t.Errorf("stats.Blocks = %d, want 1", stats.Blocks)
	}
}

func TestProcessRateLimit(t *testing.T) {
	templates := &stubTemplates{tmpl: testTemplate(0)}
	p := New(Config{
		MaxSharesPerSecond: 2,
		BanThreshold:       1000,
		BanDuration:        time.Hour,
	}, templates, Hooks{}, testLogger())
	p.now = func() time.Time { return time.Unix(int64(testNTime), 0) }

	nonces := []string{"aa", "ab", "ac", "ad"}
	var limited int
	for _, n := range nonces {
		res := p.Process(context.Background(), testShare(templates.tmpl, n))
		if res.Status == StatusRateLimited {
			limited++
		}
	}
	if limited != 2 {
		t.Errorf("rate limited %d of 4 shares, want 2 with a burst of 2", limited)
	}
}

func TestBanAfterInvalidShares(t *testing.T) {
	var banned []string
	hooks := Hooks{
		OnBanned: func(_ context.Context, minerID, _ string) {
			banned = append(banned, minerID)
		},
	}
	templates := &stubTemplates{tmpl: testTemplate(0)}
	p := New(Config{
		MaxSharesPerSecond: 100,
		BanThreshold:       3,
		BanDuration:        time.Hour,
	}, templates, hooks, testLogger())
	p.now = func() time.Time { return time.Unix(int64(testNTime), 0) }

	// Three invalid shares cross the threshold.
	for i := 0; i < 3; i++ {
		share := testShare(templates.tmpl, string(rune('a'+i))+"0")
		share.ClaimedDifficulty = math.MaxUint64
		p.Process(context.Background(), share)
	}

	if len(banned) != 1 || banned[0] != "miner-1" {
		t.Fatalf("banned = %v, want [miner-1]", banned)
	}
	if !p.IsBanned("miner-1") {
		t.Error("miner should report as banned")
	}

	// Subsequent submissions are refused outright.
	res := p.Process(context.Background(), testShare(templates.tmpl, "f0"))
	if res.Status != StatusRateLimited {
		t.Errorf("post-ban status = %s, want rate_limited", res.Status)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	templates := &stubTemplates{tmpl: testTemplate(0)}
	p := New(Config{QueueSize: 1}, templates, Hooks{}, testLogger())

	if res := p.Submit(testShare(templates.tmpl, "10")); res != nil {
		t.Fatalf("first submit should enqueue, got %+v", res)
	}
	res := p.Submit(testShare(templates.tmpl, "11"))
	if res == nil || res.Status != StatusRetryLater {
		t.Fatalf("second submit = %+v, want retry_later", res)
	}
}

func TestDedupSweep(t *testing.T) {
	cache := newDedupCache(10 * time.Minute)
	now := time.Unix(int64(testNTime), 0)

	if cache.Seen("a", now) {
		t.Error("first insert should not be seen")
	}
	if !cache.Seen("a", now.Add(9*time.Minute)) {
		t.Error("entry inside TTL should be seen")
	}

	removed := cache.Sweep(now.Add(20 * time.Minute))
	if removed != 1 || cache.Len() != 0 {
		t.Errorf("sweep removed %d, live %d; want 1 and 0", removed, cache.Len())
	}

	if cache.Seen("a", now.Add(21*time.Minute)) {
		t.Error("entry past TTL should be insertable again")
	}
}
