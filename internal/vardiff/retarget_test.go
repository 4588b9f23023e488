package vardiff

import (
	"math"
	"testing"
	"time"
)

// feedWindow adds a full window of blocks spanning the given total time.
func feedWindow(r *Retargeter, start time.Time, total time.Duration, optimized bool) *Adjustment {
	var adj *Adjustment
	n := r.cfg.Window
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * total / time.Duration(n-1))
		a := r.AddBlock(Block{
			Height:    uint64(i + 1),
			Timestamp: ts,
			SolveTime: total / time.Duration(n),
			Optimized: optimized,
		})
		if a != nil {
			adj = a
		}
	}
	return adj
}

func TestRetargetFastChain(t *testing.T) {
	cfg := RetargeterConfig{Window: 144, TargetBlockTime: 600 * time.Second}
	r := NewRetargeter(cfg, 100_000)

	start := time.Unix(1_700_000_000, 0)
	expected := cfg.TargetBlockTime * time.Duration(cfg.Window)

	// Blocks arrive in exactly half the expected time.
	adj := feedWindow(r, start, expected/2, false)
	if adj == nil {
		t.Fatal("window completion must produce an adjustment")
	}
	if math.Abs(adj.Factor-2.0) > 1e-9 {
		t.Errorf("factor = %v, want 2.0", adj.Factor)
	}
	if adj.NewDifficulty != 200_000 {
		t.Errorf("new difficulty = %d, want 200000", adj.NewDifficulty)
	}
	if r.Difficulty() != 200_000 {
		t.Errorf("Difficulty() = %d, want 200000", r.Difficulty())
	}
	if adj.Reason == "" {
		t.Error("adjustment reason must be populated")
	}
}

func TestRetargetDampedByOptimization(t *testing.T) {
	cfg := RetargeterConfig{Window: 144, TargetBlockTime: 600 * time.Second}
	r := NewRetargeter(cfg, 100_000)

	start := time.Unix(1_700_000_000, 0)
	expected := cfg.TargetBlockTime * time.Duration(cfg.Window)

	// Same fast chain, but every block flags the optimized prover. The
	// optimization factor hits 5.0 and damps the raw 2.0 down to 2.0/2.2.
	adj := feedWindow(r, start, expected/2, true)
	if adj == nil {
		t.Fatal("window completion must produce an adjustment")
	}
	if math.Abs(r.OptimizationFactor()-5.0) > 1e-9 {
		t.Errorf("optimization factor = %v, want 5.0", r.OptimizationFactor())
	}
	want := 2.0 / 2.2
	if math.Abs(adj.Factor-want) > 1e-9 {
		t.Errorf("factor = %v, want %v", adj.Factor, want)
	}
	if adj.NewDifficulty != 90_909 {
		t.Errorf("new difficulty = %d, want 90909", adj.NewDifficulty)
	}
}

func TestRetargetClampAndFloor(t *testing.T) {
	cfg := RetargeterConfig{Window: 144, TargetBlockTime: 600 * time.Second}
	start := time.Unix(1_700_000_000, 0)
	expected := cfg.TargetBlockTime * time.Duration(cfg.Window)

	// A 10x-fast chain clamps at 4.0.
	r := NewRetargeter(cfg, 100_000)
	adj := feedWindow(r, start, expected/10, false)
	if adj.Factor != MaxAdjustmentFactor {
		t.Errorf("fast factor = %v, want clamp at %v", adj.Factor, MaxAdjustmentFactor)
	}

	// A 10x-slow chain clamps at 0.25 and the result floors at 1000.
	r = NewRetargeter(cfg, 2000)
	adj = feedWindow(r, start, expected*10, false)
	if adj.Factor != MinAdjustmentFactor {
		t.Errorf("slow factor = %v, want clamp at %v", adj.Factor, MinAdjustmentFactor)
	}
	if adj.NewDifficulty != FloorDifficulty {
		t.Errorf("new difficulty = %d, want floor %d", adj.NewDifficulty, FloorDifficulty)
	}
}

func TestRetargetZeroElapsedNoChange(t *testing.T) {
	cfg := RetargeterConfig{Window: 144, TargetBlockTime: 600 * time.Second}
	r := NewRetargeter(cfg, 50_000)

	// All blocks share one timestamp; elapsed time is zero.
	ts := time.Unix(1_700_000_000, 0)
	var adj *Adjustment
	for i := 0; i < cfg.Window; i++ {
		if a := r.AddBlock(Block{Height: uint64(i + 1), Timestamp: ts}); a != nil {
			adj = a
		}
	}
	if adj == nil {
		t.Fatal("window completion must produce an adjustment")
	}
	if adj.Factor != 1.0 || adj.NewDifficulty != 50_000 {
		t.Errorf("adjustment = %+v, want factor 1.0 and unchanged difficulty", adj)
	}
}

func TestRetargetHistoryBounded(t *testing.T) {
	cfg := RetargeterConfig{Window: 2, TargetBlockTime: 600 * time.Second}
	r := NewRetargeter(cfg, 100_000)

	// With a window of two, the expected span is two block times but the
	// observed span is one interval, so on-target spacing is 1200s here.
	ts := time.Unix(1_700_000_000, 0)
	for i := 0; i < 300; i++ {
		ts = ts.Add(1200 * time.Second)
		r.AddBlock(Block{Height: uint64(i + 1), Timestamp: ts, SolveTime: 600 * time.Second})
	}
	if got := len(r.History()); got != adjustmentHistoryCap {
		t.Errorf("history length = %d, want cap %d", got, adjustmentHistoryCap)
	}
}

func TestPredictNext(t *testing.T) {
	cfg := RetargeterConfig{Window: 144, TargetBlockTime: 600 * time.Second}
	r := NewRetargeter(cfg, 100_000)

	if _, ok := r.PredictNext(); ok {
		t.Error("prediction with no history must report false")
	}

	ts := time.Unix(1_700_000_000, 0)
	for i := 0; i < 10; i++ {
		ts = ts.Add(300 * time.Second)
		r.AddBlock(Block{Height: uint64(i + 1), Timestamp: ts, SolveTime: 300 * time.Second})
	}

	predicted, ok := r.PredictNext()
	if !ok {
		t.Fatal("prediction with ten blocks must succeed")
	}
	if math.Abs(predicted-2.0) > 1e-9 {
		t.Errorf("predicted factor = %v, want 2.0", predicted)
	}
}

func TestTrackerRaisesDifficultyForFastMiner(t *testing.T) {
	tr := NewTracker(MinerConfig{
		TargetInterval:   30 * time.Second,
		RetargetInterval: 90 * time.Second,
		VariancePct:      30,
		MinDifficulty:    1000,
		MaxDifficulty:    1_000_000_000,
		StartDifficulty:  10_000,
	})

	now := time.Unix(1_700_000_000, 0)
	if d := tr.Difficulty("fast"); d != 10_000 {
		t.Fatalf("start difficulty = %d, want 10000", d)
	}

	// Shares every 10 seconds, three times faster than the target.
	retargeted := false
	for i := 0; i <= 12; i++ {
		if _, changed := tr.RecordShare("fast", now.Add(time.Duration(i)*10*time.Second)); changed {
			retargeted = true
		}
	}
	if !retargeted {
		t.Fatal("fast miner must have been retargeted")
	}
	if d := tr.Difficulty("fast"); d <= 10_000 {
		t.Errorf("difficulty = %d, want raised above 10000", d)
	}
}

func TestTrackerLowersDifficultyForSlowMiner(t *testing.T) {
	tr := NewTracker(MinerConfig{
		TargetInterval:   30 * time.Second,
		RetargetInterval: 90 * time.Second,
		VariancePct:      30,
		MinDifficulty:    1000,
		MaxDifficulty:    1_000_000_000,
		StartDifficulty:  10_000,
	})

	now := time.Unix(1_700_000_000, 0)
	retargeted := false
	for i := 0; i <= 3; i++ {
		if _, changed := tr.RecordShare("slow", now.Add(time.Duration(i)*120*time.Second)); changed {
			retargeted = true
		}
	}
	if !retargeted {
		t.Fatal("slow miner must have been retargeted")
	}
	if d := tr.Difficulty("slow"); d >= 10_000 || d < 1000 {
		t.Errorf("difficulty = %d, want lowered below 10000 but not below the minimum", d)
	}
}

func TestTrackerStableMinerUnchanged(t *testing.T) {
	tr := NewTracker(MinerConfig{
		TargetInterval:   30 * time.Second,
		RetargetInterval: 90 * time.Second,
		VariancePct:      30,
		StartDifficulty:  10_000,
	})

	now := time.Unix(1_700_000_000, 0)
	for i := 0; i <= 10; i++ {
		d, changed := tr.RecordShare("steady", now.Add(time.Duration(i)*30*time.Second))
		if changed {
			t.Fatalf("on-target miner retargeted to %d at share %d", d, i)
		}
	}
}

func TestTrackerSetDifficultyClamps(t *testing.T) {
	tr := NewTracker(MinerConfig{
		MinDifficulty:   1000,
		MaxDifficulty:   1_000_000,
		StartDifficulty: 10_000,
	})

	if d := tr.SetDifficulty("m", 5); d != 1000 {
		t.Errorf("below-min override = %d, want 1000", d)
	}
	if d := tr.SetDifficulty("m", 5_000_000); d != 1_000_000 {
		t.Errorf("above-max override = %d, want 1000000", d)
	}
	if d := tr.SetDifficulty("m", 42_000); d != 42_000 {
		t.Errorf("in-range override = %d, want 42000", d)
	}
}

func TestTrackerSweep(t *testing.T) {
	tr := NewTracker(MinerConfig{StartDifficulty: 10_000})
	now := time.Unix(1_700_000_000, 0)

	tr.RecordShare("idle", now)
	tr.RecordShare("active", now.Add(2*time.Hour))

	removed := tr.Sweep(now.Add(2*time.Hour+time.Second), time.Hour)
	if removed != 1 {
		t.Errorf("sweep removed %d miners, want 1", removed)
	}
	tr.Forget("active")
	if d := tr.Difficulty("active"); d != 10_000 {
		t.Errorf("re-registered miner difficulty = %d, want start 10000", d)
	}
}
