package fees

import (
	"github.com/shopspring/decimal"

	"github.com/nockpool/nockpool/pkg/errors"
)

// Tier is one volume-discount band. A user whose monthly volume reaches the
// floor gets the discount percentage off the base and express portions.
type Tier struct {
	Floor       decimal.Decimal
	DiscountPct decimal.Decimal
}

// Structure defines the fee schedule. Tiers must be ordered by ascending
// floor; the highest qualifying tier applies alone, discounts never stack.
type Structure struct {
	BaseBps           decimal.Decimal
	MinFee            decimal.Decimal
	MaxFee            decimal.Decimal
	ExpressMultiplier decimal.Decimal
	GasMarkupPct      decimal.Decimal
	Tiers             []Tier
}

// DefaultStructure is the production schedule: 25 bps base clamped to
// [0.10, 50], triple-fee express lane, 20% gas markup, and discounts of
// 10/25/50% at 50K/200K/1M monthly volume.
func DefaultStructure() Structure {
	return Structure{
		BaseBps:           decimal.NewFromInt(25),
		MinFee:            decimal.RequireFromString("0.10"),
		MaxFee:            decimal.NewFromInt(50),
		ExpressMultiplier: decimal.NewFromInt(3),
		GasMarkupPct:      decimal.NewFromInt(20),
		Tiers: []Tier{
			{Floor: decimal.NewFromInt(50_000), DiscountPct: decimal.NewFromInt(10)},
			{Floor: decimal.NewFromInt(200_000), DiscountPct: decimal.NewFromInt(25)},
			{Floor: decimal.NewFromInt(1_000_000), DiscountPct: decimal.NewFromInt(50)},
		},
	}
}

// Request describes one transaction to quote.
type Request struct {
	Amount        decimal.Decimal
	GasEstimate   decimal.Decimal
	Express       bool
	MonthlyVolume decimal.Decimal
}

// Quote is the fee breakdown for a request. Total = Base + Gas + Express
// - Discount. EffectiveRatePct is Total as a percentage of the amount.
type Quote struct {
	Base             decimal.Decimal
	Gas              decimal.Decimal
	Express          decimal.Decimal
	Discount         decimal.Decimal
	Total            decimal.Decimal
	EffectiveRatePct decimal.Decimal
}

// Collector computes fees against a validated structure. Stateless and safe
// for concurrent use.
type Collector struct {
	s Structure
}

var (
	hundred    = decimal.NewFromInt(100)
	tenK       = decimal.NewFromInt(10_000)
	decimalOne = decimal.NewFromInt(1)
)

// NewCollector validates the structure and returns a collector.
func NewCollector(s Structure) (*Collector, error) {
	if s.BaseBps.Sign() < 0 {
		return nil, errors.New(errors.ErrorTypeConfigBound, "fee_structure", "base bps must be non-negative")
	}
	if s.MinFee.GreaterThan(s.MaxFee) {
		return nil, errors.New(errors.ErrorTypeConfigBound, "fee_structure", "minimum fee exceeds maximum")
	}
	if s.ExpressMultiplier.LessThan(decimalOne) {
		return nil, errors.New(errors.ErrorTypeConfigBound, "fee_structure", "express multiplier must be at least 1")
	}
	prev := decimal.Decimal{}
	for i, t := range s.Tiers {
		if i > 0 && !t.Floor.GreaterThan(prev) {
			return nil, errors.New(errors.ErrorTypeConfigBound, "fee_structure", "tiers must have ascending floors")
		}
		if t.DiscountPct.Sign() < 0 || t.DiscountPct.GreaterThan(hundred) {
			return nil, errors.New(errors.ErrorTypeConfigBound, "fee_structure", "tier discount must be within [0, 100]")
		}
		prev = t.Floor
	}
	return &Collector{s: s}, nil
}

// Quote computes the fee for one request.
func (c *Collector) Quote(req Request) (Quote, error) {
	if req.Amount.Sign() <= 0 {
		return Quote{}, errors.New(errors.ErrorTypeInvalid, "fee_quote", "amount must be positive")
	}

	base := req.Amount.Mul(c.s.BaseBps).Div(tenK)
	if base.LessThan(c.s.MinFee) {
		base = c.s.MinFee
	}
	if base.GreaterThan(c.s.MaxFee) {
		base = c.s.MaxFee
	}

	gas := decimal.Zero
	if req.GasEstimate.Sign() > 0 {
		gas = req.GasEstimate.Mul(decimalOne.Add(c.s.GasMarkupPct.Div(hundred)))
	}

	express := decimal.Zero
	if req.Express {
		express = base.Mul(c.s.ExpressMultiplier.Sub(decimalOne))
	}

	discount := decimal.Zero
	if pct := c.discountPct(req.MonthlyVolume); pct.Sign() > 0 {
		discount = base.Add(express).Mul(pct).Div(hundred)
	}

	total := base.Add(gas).Add(express).Sub(discount)
	return Quote{
		Base:             base,
		Gas:              gas,
		Express:          express,
		Discount:         discount,
		Total:            total,
		EffectiveRatePct: total.Div(req.Amount).Mul(hundred),
	}, nil
}

// discountPct returns the highest qualifying tier's discount, or zero.
func (c *Collector) discountPct(monthlyVolume decimal.Decimal) decimal.Decimal {
	best := decimal.Zero
	for _, t := range c.s.Tiers {
		if monthlyVolume.GreaterThanOrEqual(t.Floor) {
			best = t.DiscountPct
		}
	}
	return best
}
