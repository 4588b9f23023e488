package vardiff

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// DefaultWindow is the number of blocks between retargets.
	DefaultWindow = 144
	// MinAdjustmentFactor and MaxAdjustmentFactor bound a single retarget.
	MinAdjustmentFactor = 0.25
	MaxAdjustmentFactor = 4.0
	// FloorDifficulty is the absolute lower bound on pool difficulty.
	FloorDifficulty = 1000

	adjustmentHistoryCap = 100
)

// Block is one observed network block, as fed to the retargeter.
type Block struct {
	Height    uint64
	Timestamp time.Time
	SolveTime time.Duration
	Optimized bool
}

// Adjustment records one completed retarget.
type Adjustment struct {
	OldDifficulty      uint64
	NewDifficulty      uint64
	Factor             float64
	OptimizationImpact float64
	Reason             string
	Timestamp          time.Time
}

// RetargeterConfig tunes the network retarget state machine.
type RetargeterConfig struct {
	Window          int
	TargetBlockTime time.Duration
}

func (c *RetargeterConfig) withDefaults() RetargeterConfig {
	out := *c
	if out.Window <= 0 {
		out.Window = DefaultWindow
	}
	if out.TargetBlockTime <= 0 {
		out.TargetBlockTime = 10 * time.Minute
	}
	return out
}

// Retargeter adjusts the pool's network-facing difficulty once per window of
// blocks. It accumulates blocks until the window fills, computes one
// adjustment, then starts accumulating again. Adoption of optimized provers
// damps the adjustment so a performance shift does not read as a hashrate
// shift.
type Retargeter struct {
	mu sync.Mutex

	cfg        RetargeterConfig
	blocks     []Block
	sinceLast  int
	difficulty uint64
	optFactor  float64
	history    []Adjustment

	now func() time.Time
}

// NewRetargeter creates a retargeter starting at the given difficulty.
func NewRetargeter(cfg RetargeterConfig, initialDifficulty uint64) *Retargeter {
	cfg = cfg.withDefaults()
	if initialDifficulty < FloorDifficulty {
		initialDifficulty = FloorDifficulty
	}
	return &Retargeter{
		cfg:        cfg,
		blocks:     make([]Block, 0, cfg.Window*2),
		difficulty: initialDifficulty,
		optFactor:  1.0,
		now:        time.Now,
	}
}

// Difficulty returns the current pool difficulty.
func (r *Retargeter) Difficulty() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.difficulty
}

// OptimizationFactor returns the current network optimization factor, in
// [1, 5].
func (r *Retargeter) OptimizationFactor() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.optFactor
}

// History returns a copy of the recorded adjustments, oldest first.
func (r *Retargeter) History() []Adjustment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Adjustment, len(r.history))
	copy(out, r.history)
	return out
}

// AddBlock feeds one block into the state machine. When the block completes
// a window it returns the resulting adjustment, otherwise nil.
func (r *Retargeter) AddBlock(b Block) *Adjustment {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.blocks = append(r.blocks, b)
	if overflow := len(r.blocks) - r.cfg.Window*2; overflow > 0 {
		r.blocks = append(r.blocks[:0], r.blocks[overflow:]...)
	}
	r.updateOptimizationFactor()

	r.sinceLast++
	if r.sinceLast < r.cfg.Window {
		return nil
	}
	r.sinceLast = 0
	return r.retarget()
}

// updateOptimizationFactor recomputes adoption over the trailing window.
// Caller holds the lock.
func (r *Retargeter) updateOptimizationFactor() {
	window := r.window()
	if len(window) == 0 {
		return
	}
	optimized := 0
	for _, b := range window {
		if b.Optimized {
			optimized++
		}
	}
	ratio := float64(optimized) / float64(len(window))
	r.optFactor = 1.0 + ratio*4.0
}

// window returns the trailing Window blocks (fewer while warming up).
// Caller holds the lock.
func (r *Retargeter) window() []Block {
	if len(r.blocks) <= r.cfg.Window {
		return r.blocks
	}
	return r.blocks[len(r.blocks)-r.cfg.Window:]
}

// retarget computes one adjustment over the trailing window. Caller holds
// the lock.
func (r *Retargeter) retarget() *Adjustment {
	window := r.window()
	if len(window) < 2 {
		return nil
	}

	expected := r.cfg.TargetBlockTime * time.Duration(r.cfg.Window)
	actual := window[len(window)-1].Timestamp.Sub(window[0].Timestamp)

	base := 1.0
	if actual > 0 {
		base = float64(expected) / float64(actual)
	}

	adjusted := r.dampen(base)
	factor := math.Min(math.Max(adjusted, MinAdjustmentFactor), MaxAdjustmentFactor)

	old := r.difficulty
	next := uint64(math.Round(float64(old) * factor))
	if next < FloorDifficulty {
		next = FloorDifficulty
	}
	r.difficulty = next

	adj := Adjustment{
		OldDifficulty:      old,
		NewDifficulty:      next,
		Factor:             factor,
		OptimizationImpact: r.optFactor,
		Reason:             r.adjustmentReason(factor, window),
		Timestamp:          r.now(),
	}
	r.history = append(r.history, adj)
	if len(r.history) > adjustmentHistoryCap {
		r.history = append(r.history[:0], r.history[len(r.history)-adjustmentHistoryCap:]...)
	}
	return &adj
}

// dampen compensates for prover optimization adoption. Widespread adoption
// makes blocks arrive faster without any hashrate change; the damping keeps
// the retarget from overreacting. Caller holds the lock.
func (r *Retargeter) dampen(base float64) float64 {
	if r.optFactor <= 2.0 {
		return base
	}
	return base / (1.0 + (r.optFactor-1.0)*0.3)
}

func (r *Retargeter) adjustmentReason(factor float64, window []Block) string {
	var solveSum time.Duration
	optimized := 0
	for _, b := range window {
		solveSum += b.SolveTime
		if b.Optimized {
			optimized++
		}
	}
	avgSolve := solveSum / time.Duration(len(window))
	optPct := float64(optimized) / float64(len(window)) * 100.0

	switch {
	case factor > 1.1:
		return fmt.Sprintf("increasing difficulty by %.1f%%: blocks solving too fast (avg %.0fs, target %.0fs, optimization %.1f%%)",
			(factor-1.0)*100.0, avgSolve.Seconds(), r.cfg.TargetBlockTime.Seconds(), optPct)
	case factor < 0.9:
		return fmt.Sprintf("decreasing difficulty by %.1f%%: blocks solving too slow (avg %.0fs, target %.0fs, optimization %.1f%%)",
			(1.0-factor)*100.0, avgSolve.Seconds(), r.cfg.TargetBlockTime.Seconds(), optPct)
	default:
		return fmt.Sprintf("minor adjustment of %.1f%%: network stable (avg solve %.0fs, optimization %.1f%%)",
			(factor-1.0)*100.0, avgSolve.Seconds(), optPct)
	}
}

// PredictNext estimates the factor the next retarget would apply based on
// the last ten blocks. Returns false until enough history exists.
func (r *Retargeter) PredictNext() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.blocks) < 10 {
		return 0, false
	}
	recent := r.blocks[len(r.blocks)-10:]
	var solveSum time.Duration
	for _, b := range recent {
		solveSum += b.SolveTime
	}
	avg := solveSum.Seconds() / float64(len(recent))
	if avg <= 0 {
		return 0, false
	}

	predicted := r.dampen(r.cfg.TargetBlockTime.Seconds() / avg)
	return math.Min(math.Max(predicted, MinAdjustmentFactor), MaxAdjustmentFactor), true
}
