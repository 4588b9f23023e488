package reward

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nockpool/nockpool/pkg/errors"
	"github.com/nockpool/nockpool/pkg/retry"
)

// PayoutStatus is the lifecycle state of a payout.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// Payout is one withdrawal from a miner's confirmed balance. The key
// (MinerID, CreationNonce) is stable across retries, so a resubmission can
// never double-pay.
type Payout struct {
	MinerID       string
	CreationNonce uint64
	Amount        decimal.Decimal
	Status        PayoutStatus
	TxHash        string
	Attempts      int
	FailureReason string
	CreatedAt     time.Time
	SettledAt     time.Time
}

// Key returns the payout's idempotency key.
func (p *Payout) Key() string {
	return fmt.Sprintf("%s:%d", p.MinerID, p.CreationNonce)
}

// RunPayoutCycle scans confirmed balances, creates payouts for every account
// at or above the minimum, submits them, and settles the results. Failed
// payouts restore the deducted balance.
func (l *Ledger) RunPayoutCycle(ctx context.Context) ([]*Payout, error) {
	var due []*Payout
	err := l.exec(ctx, func() {
		for minerID, a := range l.accounts {
			if a.confirmed.LessThan(l.cfg.MinimumPayout) || a.confirmed.Sign() <= 0 {
				continue
			}
			due = append(due, l.openPayout(minerID, a))
		}
	})
	if err != nil {
		return nil, err
	}

	for _, p := range due {
		l.submit(ctx, p)
	}
	if err := l.settle(ctx, due); err != nil {
		return nil, err
	}
	return due, nil
}

// ForcePayout pays out a miner's entire confirmed balance regardless of the
// minimum. Intended for operator use.
func (l *Ledger) ForcePayout(ctx context.Context, minerID string) (*Payout, error) {
	var p *Payout
	var execErr error
	err := l.exec(ctx, func() {
		a, ok := l.accounts[minerID]
		if !ok || a.confirmed.Sign() <= 0 {
			execErr = errors.New(errors.ErrorTypeInsufficientBalance, "force_payout",
				"no confirmed balance to pay out").WithContext("miner_id", minerID)
			return
		}
		p = l.openPayout(minerID, a)
	})
	if err != nil {
		return nil, err
	}
	if execErr != nil {
		return nil, execErr
	}

	l.submit(ctx, p)
	if err := l.settle(ctx, []*Payout{p}); err != nil {
		return nil, err
	}
	return p, nil
}

// openPayout deducts the confirmed balance into a new processing payout.
// Actor goroutine only. The payout is not yet visible to PayoutHistory; it
// enters l.payouts during settle, once submission stops mutating it.
func (l *Ledger) openPayout(minerID string, a *account) *Payout {
	l.nonces[minerID]++
	p := &Payout{
		MinerID:       minerID,
		CreationNonce: l.nonces[minerID],
		Amount:        a.confirmed,
		Status:        PayoutProcessing,
		CreatedAt:     l.now(),
	}
	a.confirmed = decimal.Zero
	return p
}

// submit sends the payout to the chain, retrying transient failures. Runs
// off the actor goroutine; it touches only the payout it owns. Success is
// recorded in Status, not inferred from the hash: a node is free to return
// an empty hash for an accepted payment.
func (l *Ledger) submit(ctx context.Context, p *Payout) {
	cfg := retry.ChainConfig()
	cfg.MaxAttempts = l.cfg.PayoutMaxAttempts

	txHash, err := retry.DoWithResult(ctx, cfg, func() (string, error) {
		p.Attempts++
		return l.submitter.SendPayout(ctx, p.MinerID, p.Amount)
	})
	if err != nil {
		p.Status = PayoutFailed
		p.FailureReason = err.Error()
		return
	}
	p.Status = PayoutCompleted
	p.TxHash = txHash
}

// settle finalizes submitted payouts on the actor goroutine. Completed
// payouts move the amount to paid; failed ones restore confirmed. Settled
// payouts are handed to the hook as copies.
func (l *Ledger) settle(ctx context.Context, payouts []*Payout) error {
	err := l.exec(ctx, func() {
		for _, p := range payouts {
			p.SettledAt = l.now()
			l.payouts[p.Key()] = p
			if p.Status == PayoutCompleted {
				l.account(p.MinerID).paid = l.account(p.MinerID).paid.Add(p.Amount)
				l.logger.WithPayout(p.Key(), p.MinerID, p.Amount.String()).
					Info("payout completed", "tx_hash", p.TxHash, "attempts", p.Attempts)
				continue
			}
			a := l.account(p.MinerID)
			a.confirmed = a.confirmed.Add(p.Amount)
			l.logger.WithPayout(p.Key(), p.MinerID, p.Amount.String()).
				Error("payout failed, balance restored", "reason", p.FailureReason, "attempts", p.Attempts)
		}
	})
	if err != nil {
		return err
	}
	if l.payoutHook != nil {
		for _, p := range payouts {
			l.payoutHook(ctx, *p)
		}
	}
	return nil
}

// PayoutHistory returns a copy of all payouts recorded by this ledger.
func (l *Ledger) PayoutHistory(ctx context.Context) ([]Payout, error) {
	var out []Payout
	err := l.exec(ctx, func() {
		for _, p := range l.payouts {
			out = append(out, *p)
		}
	})
	return out, err
}
