package reward

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nockpool/nockpool/internal/config"
	"github.com/nockpool/nockpool/pkg/errors"
	"github.com/nockpool/nockpool/pkg/log"
)

// Submitter sends a payout to the chain and returns its transaction hash.
type Submitter interface {
	SendPayout(ctx context.Context, minerID string, amount decimal.Decimal) (string, error)
}

// Config holds the ledger's scheme and payout parameters. All parameters
// are fixed at startup.
type Config struct {
	Scheme            config.PayoutScheme
	BlockReward       decimal.Decimal
	PoolFee           decimal.Decimal
	WindowSize        uint64
	Confirmations     uint64
	MinimumPayout     decimal.Decimal
	PayoutInterval    time.Duration
	PayoutMaxAttempts int
	QueueSize         int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.WindowSize == 0 {
		out.WindowSize = 10000
	}
	if out.PayoutInterval <= 0 {
		out.PayoutInterval = time.Hour
	}
	if out.PayoutMaxAttempts <= 0 {
		out.PayoutMaxAttempts = 3
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 1024
	}
	return out
}

// hybrid scheme weights
var (
	hybridPPLNSWeight = decimal.RequireFromString("0.7")
	hybridPPSWeight   = decimal.RequireFromString("0.3")
)

// credit is an unconfirmed amount tagged with the height it was earned at.
type credit struct {
	height uint64
	amount decimal.Decimal
}

type account struct {
	unconfirmed []credit
	confirmed   decimal.Decimal
	paid        decimal.Decimal
}

// Balance is a miner's view of its funds.
type Balance struct {
	Unconfirmed decimal.Decimal
	Confirmed   decimal.Decimal
	Paid        decimal.Decimal
}

// Totals aggregates the whole ledger. Credited equals the sum of the other
// three at all times.
type Totals struct {
	Unconfirmed decimal.Decimal
	Confirmed   decimal.Decimal
	Paid        decimal.Decimal
	Credited    decimal.Decimal
}

type command struct {
	fn   func()
	done chan struct{}
}

// Ledger owns all miner balances. A single goroutine applies commands in
// arrival order, so every balance transition is serialized and the
// conservation total never tears.
type Ledger struct {
	cfg       Config
	submitter Submitter
	logger    *log.Logger

	cmds chan command

	accounts map[string]*account
	window   *pplnsWindow
	payouts  map[string]*Payout
	nonces   map[string]uint64
	credited decimal.Decimal

	payoutHook PayoutHook

	now func() time.Time
}

// PayoutHook observes settled payouts, typically to archive them. It runs on
// the goroutine driving the payout cycle with a copy of the payout.
type PayoutHook func(ctx context.Context, p Payout)

// New creates a ledger. Start must be called before commands are accepted.
func New(cfg Config, submitter Submitter, logger *log.Logger) *Ledger {
	cfg = cfg.withDefaults()
	return &Ledger{
		cfg:       cfg,
		submitter: submitter,
		logger:    logger.WithComponent("reward_ledger"),
		cmds:      make(chan command, cfg.QueueSize),
		accounts:  make(map[string]*account),
		window:    newPPLNSWindow(cfg.WindowSize),
		payouts:   make(map[string]*Payout),
		nonces:    make(map[string]uint64),
		now:       time.Now,
	}
}

// SetPayoutHook attaches a settled-payout observer. Must be called before
// Start.
func (l *Ledger) SetPayoutHook(hook PayoutHook) {
	l.payoutHook = hook
}

// RestoredBalance seeds one miner's balances from a durable checkpoint.
type RestoredBalance struct {
	MinerID     string
	Unconfirmed decimal.Decimal
	Confirmed   decimal.Decimal
	Paid        decimal.Decimal
}

// Restore rebuilds accounts from checkpointed balances and payout creation
// nonces. Checkpoints carry no earning heights, so unconfirmed amounts are
// re-tagged at the given chain height and sit out a fresh confirmation
// window. Must be called before Start.
func (l *Ledger) Restore(balances []RestoredBalance, nonces map[string]uint64, height uint64) {
	for _, rb := range balances {
		a := l.account(rb.MinerID)
		if rb.Unconfirmed.Sign() > 0 {
			a.unconfirmed = append(a.unconfirmed, credit{height: height, amount: rb.Unconfirmed})
		}
		a.confirmed = rb.Confirmed
		a.paid = rb.Paid
		l.credited = l.credited.Add(rb.Unconfirmed).Add(rb.Confirmed).Add(rb.Paid)
	}
	for id, n := range nonces {
		if n > l.nonces[id] {
			l.nonces[id] = n
		}
	}
	l.logger.Info("ledger state restored", "accounts", len(balances), "height", height)
}

// Balances returns every miner's balances, for checkpointing.
func (l *Ledger) Balances(ctx context.Context) (map[string]Balance, error) {
	out := make(map[string]Balance)
	err := l.exec(ctx, func() {
		for id, a := range l.accounts {
			unconfirmed := decimal.Zero
			for _, c := range a.unconfirmed {
				unconfirmed = unconfirmed.Add(c.amount)
			}
			out[id] = Balance{Unconfirmed: unconfirmed, Confirmed: a.confirmed, Paid: a.paid}
		}
	})
	return out, err
}

// Start runs the actor loop and the periodic payout scan until ctx is
// cancelled.
func (l *Ledger) Start(ctx context.Context) {
	go l.run(ctx)
	go l.payoutLoop(ctx)
	l.logger.Info("reward ledger started",
		"scheme", string(l.cfg.Scheme),
		"window_size", l.cfg.WindowSize,
		"confirmations", l.cfg.Confirmations)
}

func (l *Ledger) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-l.cmds:
			cmd.fn()
			close(cmd.done)
		}
	}
}

func (l *Ledger) payoutLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PayoutInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.RunPayoutCycle(ctx); err != nil {
				l.logger.WithError(err).Error("payout cycle failed")
			}
		}
	}
}

// exec runs fn on the actor goroutine and waits for it.
func (l *Ledger) exec(ctx context.Context, fn func()) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case l.cmds <- cmd:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "ledger_enqueue", "ledger command queue unavailable")
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "ledger_exec", "ledger command abandoned")
	}
}

func (l *Ledger) account(minerID string) *account {
	a, ok := l.accounts[minerID]
	if !ok {
		a = &account{}
		l.accounts[minerID] = a
	}
	return a
}

// addCredit places an amount in the miner's unconfirmed balance tagged with
// the earning height. Actor goroutine only.
func (l *Ledger) addCredit(minerID string, height uint64, amount decimal.Decimal) {
	if amount.Sign() <= 0 {
		return
	}
	a := l.account(minerID)
	a.unconfirmed = append(a.unconfirmed, credit{height: height, amount: amount})
	l.credited = l.credited.Add(amount)
}

// ppsCredit computes block_reward * share_difficulty / network_difficulty
// * (1 - pool_fee).
func (l *Ledger) ppsCredit(shareDifficulty, networkDifficulty uint64) decimal.Decimal {
	if networkDifficulty == 0 {
		return decimal.Zero
	}
	gross := l.cfg.BlockReward.
		Mul(decimal.NewFromUint64(shareDifficulty)).
		Div(decimal.NewFromUint64(networkDifficulty))
	return gross.Mul(decimal.NewFromInt(1).Sub(l.cfg.PoolFee))
}

func (l *Ledger) netReward() decimal.Decimal {
	return l.cfg.BlockReward.Mul(decimal.NewFromInt(1).Sub(l.cfg.PoolFee))
}

// OnValidShare records a valid share. Under PPS the miner is credited
// immediately; under HYBRID it earns the PPS-weighted portion. PPLNS and
// HYBRID also append the share to the window.
func (l *Ledger) OnValidShare(ctx context.Context, minerID string, shareDifficulty, networkDifficulty, height uint64) (decimal.Decimal, error) {
	var credited decimal.Decimal
	err := l.exec(ctx, func() {
		switch l.cfg.Scheme {
		case config.SchemePPS:
			credited = l.ppsCredit(shareDifficulty, networkDifficulty)
			l.addCredit(minerID, height, credited)
		case config.SchemePPLNS:
			l.window.add(minerID, shareDifficulty, l.now())
		case config.SchemeHYBRID:
			credited = l.ppsCredit(shareDifficulty, networkDifficulty).Mul(hybridPPSWeight)
			l.addCredit(minerID, height, credited)
			l.window.add(minerID, shareDifficulty, l.now())
		case config.SchemeSOLO:
			// Shares earn nothing; only the block finder is paid.
		}
	})
	return credited, err
}

// OnBlockFound distributes the block's net reward according to the scheme
// and returns the per-miner credits.
func (l *Ledger) OnBlockFound(ctx context.Context, finderID string, height uint64) (map[string]decimal.Decimal, error) {
	var credits map[string]decimal.Decimal
	err := l.exec(ctx, func() {
		switch l.cfg.Scheme {
		case config.SchemePPS:
			// Share credits already cover the reward; the pool absorbs
			// block variance.
		case config.SchemePPLNS:
			credits = l.window.distribute(l.netReward())
		case config.SchemeSOLO:
			credits = map[string]decimal.Decimal{finderID: l.netReward()}
		case config.SchemeHYBRID:
			credits = l.window.distribute(l.netReward().Mul(hybridPPLNSWeight))
		}
		for id, amount := range credits {
			l.addCredit(id, height, amount)
		}
	})
	return credits, err
}

// Confirm moves unconfirmed credits whose earning height has the required
// confirmations at the given chain height into confirmed balances. It
// returns the total amount moved.
func (l *Ledger) Confirm(ctx context.Context, chainHeight uint64) (decimal.Decimal, error) {
	var moved decimal.Decimal
	err := l.exec(ctx, func() {
		for _, a := range l.accounts {
			kept := a.unconfirmed[:0]
			for _, c := range a.unconfirmed {
				if c.height+l.cfg.Confirmations <= chainHeight {
					a.confirmed = a.confirmed.Add(c.amount)
					moved = moved.Add(c.amount)
				} else {
					kept = append(kept, c)
				}
			}
			a.unconfirmed = kept
		}
	})
	return moved, err
}

// Balance returns the miner's balances.
func (l *Ledger) Balance(ctx context.Context, minerID string) (Balance, error) {
	var b Balance
	err := l.exec(ctx, func() {
		a, ok := l.accounts[minerID]
		if !ok {
			b = Balance{Unconfirmed: decimal.Zero, Confirmed: decimal.Zero, Paid: decimal.Zero}
			return
		}
		unconfirmed := decimal.Zero
		for _, c := range a.unconfirmed {
			unconfirmed = unconfirmed.Add(c.amount)
		}
		b = Balance{Unconfirmed: unconfirmed, Confirmed: a.confirmed, Paid: a.paid}
	})
	return b, err
}

// Totals returns ledger-wide sums. Unconfirmed + Confirmed + Paid equals
// Credited.
func (l *Ledger) Totals(ctx context.Context) (Totals, error) {
	t := Totals{
		Unconfirmed: decimal.Zero,
		Confirmed:   decimal.Zero,
		Paid:        decimal.Zero,
	}
	err := l.exec(ctx, func() {
		for _, a := range l.accounts {
			for _, c := range a.unconfirmed {
				t.Unconfirmed = t.Unconfirmed.Add(c.amount)
			}
			t.Confirmed = t.Confirmed.Add(a.confirmed)
			t.Paid = t.Paid.Add(a.paid)
		}
		t.Credited = l.credited
	})
	return t, err
}
