package reward

import (
	"time"

	"github.com/shopspring/decimal"
)

// windowShare is one accepted share inside the PPLNS window.
type windowShare struct {
	minerID    string
	difficulty uint64
	at         time.Time
}

// pplnsWindow holds the trailing shares whose difficulty sums to at most the
// configured number of difficulty units. Shares are strictly time ordered;
// the oldest are evicted as new ones arrive. Owned by the ledger actor, so
// no locking.
type pplnsWindow struct {
	shares []windowShare
	sum    uint64
	cap    uint64
}

func newPPLNSWindow(capacity uint64) *pplnsWindow {
	return &pplnsWindow{cap: capacity}
}

// add appends a share and evicts from the front until the window fits. A
// single share larger than the whole window is kept on its own.
func (w *pplnsWindow) add(minerID string, difficulty uint64, at time.Time) {
	w.shares = append(w.shares, windowShare{minerID: minerID, difficulty: difficulty, at: at})
	w.sum += difficulty
	for w.sum > w.cap && len(w.shares) > 1 {
		w.sum -= w.shares[0].difficulty
		w.shares = w.shares[1:]
	}
}

// distribute splits the amount across miners in proportion to their share of
// the window's difficulty. An empty window returns nil.
func (w *pplnsWindow) distribute(amount decimal.Decimal) map[string]decimal.Decimal {
	if w.sum == 0 {
		return nil
	}
	perMiner := make(map[string]uint64)
	for _, s := range w.shares {
		perMiner[s.minerID] += s.difficulty
	}
	total := decimal.NewFromUint64(w.sum)
	out := make(map[string]decimal.Decimal, len(perMiner))
	for id, diff := range perMiner {
		out[id] = amount.Mul(decimal.NewFromUint64(diff)).Div(total)
	}
	return out
}
