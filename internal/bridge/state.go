package bridge

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"math/bits"
	"sync"
	"time"

	"github.com/nockpool/nockpool/pkg/errors"
	"github.com/nockpool/nockpool/pkg/log"
)

// Configuration bounds enforced at init and on every update_config.
const (
	MinValidators     = 3
	MaxValidators     = 15
	MaxFeeBps         = 10000
	MinEmergencyDelay = time.Hour
	MaxDecimals       = 9

	dailyResetPeriod = 24 * time.Hour
)

// Params are the bridge's governed parameters. They change only through
// UpdateConfig with a validator quorum.
type Params struct {
	Validators     []ed25519.PublicKey
	Threshold      int
	FeeBps         uint64
	DailyLimit     uint64
	EmergencyDelay time.Duration
	Decimals       int
}

// Validate checks every configuration bound.
func (p *Params) Validate() error {
	n := len(p.Validators)
	if n < MinValidators || n > MaxValidators {
		return errors.New(errors.ErrorTypeConfigBound, "bridge_params",
			"validator set size out of range").WithContext("validators", n)
	}
	for i, v := range p.Validators {
		if len(v) != ed25519.PublicKeySize {
			return errors.New(errors.ErrorTypeConfigBound, "bridge_params",
				"validator key has wrong length").WithContext("index", i)
		}
		for j := i + 1; j < n; j++ {
			if bytes.Equal(v, p.Validators[j]) {
				return errors.New(errors.ErrorTypeConfigBound, "bridge_params",
					"duplicate validator key").WithContext("index", j)
			}
		}
	}
	if majority := (n + 2) / 2; p.Threshold < majority || p.Threshold > n {
		return errors.New(errors.ErrorTypeConfigBound, "bridge_params",
			"threshold must be a strict majority of the validator set").
			WithContext("threshold", p.Threshold).
			WithContext("validators", n)
	}
	if p.FeeBps > MaxFeeBps {
		return errors.New(errors.ErrorTypeConfigBound, "bridge_params",
			"fee exceeds 10000 bps").WithContext("fee_bps", p.FeeBps)
	}
	if p.DailyLimit == 0 {
		return errors.New(errors.ErrorTypeConfigBound, "bridge_params", "daily limit must be positive")
	}
	if p.EmergencyDelay < MinEmergencyDelay {
		return errors.New(errors.ErrorTypeConfigBound, "bridge_params",
			"emergency delay below one hour").WithContext("delay", p.EmergencyDelay.String())
	}
	if p.Decimals < 0 || p.Decimals > MaxDecimals {
		return errors.New(errors.ErrorTypeConfigBound, "bridge_params",
			"decimals out of range").WithContext("decimals", p.Decimals)
	}
	return nil
}

// Event is one bridge state transition, emitted to the sink and suitable
// for the durable event log.
type Event struct {
	Type        string
	Nonce       uint64
	User        string
	Amount      uint64
	Fee         uint64
	NetAmount   uint64
	DestAddress [32]byte
	SrcTxHash   [32]byte
	Timestamp   time.Time
}

// Event types.
const (
	EventDeposit      = "deposit"
	EventWithdraw     = "withdraw"
	EventPause        = "emergency_pause"
	EventUnpause      = "unpause"
	EventConfigUpdate = "config_update"
)

// EventSink receives bridge events. Implementations must not block the
// caller for long; the bridge holds its lock while emitting.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// DepositReceipt summarizes an accepted deposit.
type DepositReceipt struct {
	Nonce     uint64
	Amount    uint64
	Fee       uint64
	NetAmount uint64
}

// State is a snapshot of the bridge for inspection and persistence.
type State struct {
	Paused        bool
	PauseTS       time.Time
	Nonce         uint64
	TotalLocked   uint64
	FeesCollected uint64
	DailyVolume   uint64
	LastReset     time.Time
}

// Bridge is the single owner of bridge state. Every operation serializes
// through its lock; signature verification is pure and callers may verify
// concurrently before submitting, but the authoritative check happens
// inside the operation.
type Bridge struct {
	mu sync.Mutex

	params Params
	logger *log.Logger
	sink   EventSink

	paused        bool
	pauseTS       time.Time
	nonce         uint64
	totalLocked   uint64
	feesCollected uint64
	dailyVolume   uint64
	lastReset     time.Time

	processed map[[32]byte]bool
	wrapped   map[string]uint64

	now func() time.Time
}

// New creates a bridge with validated parameters. sink may be nil.
func New(params Params, sink EventSink, logger *log.Logger) (*Bridge, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	b := &Bridge{
		params:    params,
		logger:    logger.WithComponent("bridge"),
		sink:      sink,
		processed: make(map[[32]byte]bool),
		wrapped:   make(map[string]uint64),
		now:       time.Now,
	}
	b.lastReset = b.now()
	return b, nil
}

// Restore seeds the bridge from durable state at boot. Replayed deposit
// hashes are rejected as already processed.
func (b *Bridge) Restore(s State, processedTxs [][32]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.paused = s.Paused
	b.pauseTS = s.PauseTS
	b.nonce = s.Nonce
	b.totalLocked = s.TotalLocked
	b.feesCollected = s.FeesCollected
	b.dailyVolume = s.DailyVolume
	if !s.LastReset.IsZero() {
		b.lastReset = s.LastReset
	}
	for _, h := range processedTxs {
		b.processed[h] = true
	}
	b.logger.Info("bridge state restored", "nonce", b.nonce, "processed_txs", len(processedTxs))
}

// Snapshot returns the current state.
func (b *Bridge) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Paused:        b.paused,
		PauseTS:       b.pauseTS,
		Nonce:         b.nonce,
		TotalLocked:   b.totalLocked,
		FeesCollected: b.feesCollected,
		DailyVolume:   b.dailyVolume,
		LastReset:     b.lastReset,
	}
}

// WrappedBalance returns a user's wrapped token balance.
func (b *Bridge) WrappedBalance(user string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wrapped[user]
}

// fee computes amount * fee_bps / 10000 without intermediate overflow.
func (b *Bridge) fee(amount uint64) uint64 {
	hi, lo := bits.Mul64(amount, b.params.FeeBps)
	q, _ := bits.Div64(hi, lo, 10000)
	return q
}

// maybeResetDaily zeroes the daily volume once a full day has elapsed.
// Caller holds the lock.
func (b *Bridge) maybeResetDaily(now time.Time) {
	if now.Sub(b.lastReset) >= dailyResetPeriod {
		b.dailyVolume = 0
		b.lastReset = now
	}
}

func (b *Bridge) checkDailyLimit(amount uint64) error {
	if b.dailyVolume+amount < b.dailyVolume || b.dailyVolume+amount > b.params.DailyLimit {
		return errors.New(errors.ErrorTypeDailyLimit, "bridge_volume",
			"daily volume limit exceeded").
			WithContext("daily_volume", b.dailyVolume).
			WithContext("amount", amount).
			WithContext("limit", b.params.DailyLimit)
	}
	return nil
}

func (b *Bridge) emit(ctx context.Context, ev Event) {
	if b.sink != nil {
		b.sink.Emit(ctx, ev)
	}
	b.logger.LogBridgeEvent(ev.Type, ev.Nonce, ev.Amount, ev.Fee)
}

// Deposit verifies a quorum over the canonical deposit message and mints
// the net amount of wrapped tokens to the recipient.
func (b *Bridge) Deposit(ctx context.Context, msg DepositMessage, recipient string, sigs []Signature) (*DepositReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.paused {
		return nil, errors.New(errors.ErrorTypeBridgePaused, "bridge_deposit", "bridge is paused")
	}
	if msg.Amount == 0 {
		return nil, errors.New(errors.ErrorTypeInvalid, "bridge_deposit", "zero deposit amount")
	}
	if recipient == "" {
		return nil, errors.New(errors.ErrorTypeInvalid, "bridge_deposit", "empty recipient")
	}
	if b.processed[msg.SrcTxHash] {
		return nil, errors.New(errors.ErrorTypeNoncePrecondition, "bridge_deposit",
			"source transaction already processed")
	}
	if err := VerifyQuorum(b.params.Validators, b.params.Threshold, msg.Encode(), sigs); err != nil {
		return nil, err
	}

	now := b.now()
	b.maybeResetDaily(now)
	if err := b.checkDailyLimit(msg.Amount); err != nil {
		return nil, err
	}

	fee := b.fee(msg.Amount)
	net := msg.Amount - fee

	b.nonce++
	b.totalLocked += msg.Amount
	b.feesCollected += fee
	b.dailyVolume += msg.Amount
	b.wrapped[recipient] += net
	b.processed[msg.SrcTxHash] = true

	b.emit(ctx, Event{
		Type:      EventDeposit,
		Nonce:     b.nonce,
		User:      recipient,
		Amount:    msg.Amount,
		Fee:       fee,
		NetAmount: net,
		SrcTxHash: msg.SrcTxHash,
		Timestamp: now,
	})
	return &DepositReceipt{Nonce: b.nonce, Amount: msg.Amount, Fee: fee, NetAmount: net}, nil
}

// Withdraw burns the user's wrapped tokens and records the release event
// for the source chain. The burn is local evidence, so no quorum is needed.
func (b *Bridge) Withdraw(ctx context.Context, user string, amount uint64, dest [32]byte) (*Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.paused {
		return nil, errors.New(errors.ErrorTypeBridgePaused, "bridge_withdraw", "bridge is paused")
	}
	if amount == 0 {
		return nil, errors.New(errors.ErrorTypeInvalid, "bridge_withdraw", "zero withdraw amount")
	}
	if b.wrapped[user] < amount {
		return nil, errors.New(errors.ErrorTypeInsufficientBalance, "bridge_withdraw",
			"wrapped balance too low").
			WithContext("balance", b.wrapped[user]).
			WithContext("amount", amount)
	}

	now := b.now()
	b.maybeResetDaily(now)
	if err := b.checkDailyLimit(amount); err != nil {
		return nil, err
	}

	fee := b.fee(amount)
	net := amount - fee

	b.wrapped[user] -= amount
	b.nonce++
	b.totalLocked -= net
	b.feesCollected += fee
	b.dailyVolume += amount

	ev := Event{
		Type:        EventWithdraw,
		Nonce:       b.nonce,
		User:        user,
		Amount:      amount,
		Fee:         fee,
		NetAmount:   net,
		DestAddress: dest,
		Timestamp:   now,
	}
	b.emit(ctx, ev)
	return &ev, nil
}

// pauseDriftWindow bounds how far a pause timestamp may sit from the local
// clock. Pause messages carry no nonce, so the window is what stops an old
// quorum-signed pause from being replayed to rewind pauseTS.
const pauseDriftWindow = 5 * time.Minute

// EmergencyPause halts deposits and withdraws. Requires a quorum over the
// timestamped pause message, and the timestamp must be current.
func (b *Bridge) EmergencyPause(ctx context.Context, ts int64, sigs []Signature) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := VerifyQuorum(b.params.Validators, b.params.Threshold, PauseMessage(ts), sigs); err != nil {
		return err
	}
	now := b.now()
	pt := time.Unix(ts, 0)
	if pt.Before(now.Add(-pauseDriftWindow)) || pt.After(now.Add(pauseDriftWindow)) {
		return errors.New(errors.ErrorTypeNoncePrecondition, "bridge_pause",
			"pause timestamp outside the accepted clock window").
			WithContext("ts", ts).
			WithContext("now", now.Unix())
	}
	// A repeated pause may extend pauseTS but never rewind it.
	if !b.paused || pt.After(b.pauseTS) {
		b.pauseTS = pt
	}
	b.paused = true
	b.emit(ctx, Event{Type: EventPause, Nonce: b.nonce, Timestamp: now})
	return nil
}

// Unpause lifts a pause. Requires a quorum and the emergency delay to have
// elapsed since the pause.
func (b *Bridge) Unpause(ctx context.Context, ts int64, sigs []Signature) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.paused {
		return errors.New(errors.ErrorTypeInvalid, "bridge_unpause", "bridge is not paused")
	}
	if err := VerifyQuorum(b.params.Validators, b.params.Threshold, UnpauseMessage(ts), sigs); err != nil {
		return err
	}
	if b.now().Before(b.pauseTS.Add(b.params.EmergencyDelay)) {
		return errors.New(errors.ErrorTypeBridgePaused, "bridge_unpause",
			"emergency delay has not elapsed").
			WithContext("pause_ts", b.pauseTS.Unix()).
			WithContext("delay_seconds", int64(b.params.EmergencyDelay.Seconds()))
	}
	b.paused = false
	b.emit(ctx, Event{Type: EventUnpause, Nonce: b.nonce, Timestamp: b.now()})
	return nil
}

// UpdateConfig replaces the governed parameters. Requires a quorum of the
// CURRENT validator set over the proposed parameters' stable hash, and the
// proposal must satisfy every bound.
func (b *Bridge) UpdateConfig(ctx context.Context, proposed Params, sigs []Signature) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := proposed.Validate(); err != nil {
		return err
	}
	hash := ConfigHash(proposed)
	if err := VerifyQuorum(b.params.Validators, b.params.Threshold, hash[:], sigs); err != nil {
		return err
	}
	b.params = proposed
	b.emit(ctx, Event{Type: EventConfigUpdate, Nonce: b.nonce, Timestamp: b.now()})
	return nil
}
