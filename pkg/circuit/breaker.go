// Package circuit implements a circuit breaker for the pool's flaky
// downstreams: node RPC and the durable stores. A tripped breaker fails fast
// instead of stacking share processing behind a dead dependency.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/nockpool/nockpool/pkg/errors"
)

// State is the breaker's position.
type State int

const (
	// StateClosed passes requests through.
	StateClosed State = iota
	// StateOpen rejects requests outright.
	StateOpen
	// StateHalfOpen lets probes through to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes when the breaker trips and how it recovers.
type Config struct {
	MaxFailures     int           // consecutive failures before opening
	SuccessRequired int           // successes needed to close from half-open
	Timeout         time.Duration // open duration before probing
	ResetTimeout    time.Duration // closed-state window after which failures age out
}

// DefaultConfig suits downstreams with no particular latency profile.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// NodeConfig trips fast: a stalled node RPC blocks template refresh and block
// submission, and miners notice within seconds.
func NodeConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// StorageConfig tolerates fewer failures but probes more slowly; the durable
// stores sit behind their own retry layer, so each failure here is already a
// retried one.
func StorageConfig() *Config {
	return &Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker tracks failures against one downstream.
type Breaker struct {
	cfg *Config
	mu  sync.RWMutex

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New creates a closed breaker. A nil config gets DefaultConfig.
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Breaker{
		cfg:           cfg,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

// Execute runs fn if the breaker admits the request and records the outcome.
func (b *Breaker) Execute(_ context.Context, fn func() error) error {
	if !b.allowRequest() {
		return errors.New(errors.ErrorTypeInternal, "circuit_breaker",
			"circuit breaker is open").
			WithContext("state", b.GetState().String())
	}

	err := fn()
	b.recordResult(err)
	return err
}

// ExecuteWithResult is Execute for functions that return a value.
func ExecuteWithResult[T any](_ context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if !b.allowRequest() {
		return zero, errors.New(errors.ErrorTypeInternal, "circuit_breaker",
			"circuit breaker is open").
			WithContext("state", b.GetState().String())
	}

	result, err := fn()
	b.recordResult(err)
	return result, err
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateClosed:
		// Failures age out after a quiet window, so sporadic errors never
		// accumulate into a trip.
		if now.Sub(b.lastResetTime) > b.cfg.ResetTimeout {
			b.failures = 0
			b.lastResetTime = now
		}
		return true

	case StateOpen:
		if now.Sub(b.lastFailTime) > b.cfg.Timeout {
			b.state = StateHalfOpen
			b.successes = 0
			return true
		}
		return false

	case StateHalfOpen:
		return true

	default:
		return false
	}
}

func (b *Breaker) recordResult(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailTime = time.Now()

		if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
			b.state = StateOpen
			b.successes = 0
		} else if b.state == StateHalfOpen {
			// One failed probe reopens the circuit.
			b.state = StateOpen
			b.successes = 0
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessRequired {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.lastResetTime = time.Now()
		}
	case StateClosed:
		b.successes++
	}
}

// GetState returns the breaker's current position.
func (b *Breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats is a point-in-time snapshot of the breaker's counters.
type Stats struct {
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// GetStats snapshots the breaker's counters.
func (b *Breaker) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		State:        b.state,
		Failures:     b.failures,
		Successes:    b.successes,
		LastFailTime: b.lastFailTime,
	}
}

// Reset forces the breaker closed. Operator use only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.lastResetTime = time.Now()
}
