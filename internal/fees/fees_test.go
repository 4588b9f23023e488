package fees

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nockpool/nockpool/pkg/errors"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mustCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(DefaultStructure())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	return c
}

func TestQuoteVolumeDiscount(t *testing.T) {
	c := mustCollector(t)

	// 10000 at 25 bps with a 250K monthly volume: base 25, tier 200K
	// qualifies for 25%, discount 6.25, total 18.75.
	q, err := c.Quote(Request{
		Amount:        dec("10000"),
		MonthlyVolume: dec("250000"),
	})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if !q.Base.Equal(dec("25")) {
		t.Errorf("base = %s, want 25", q.Base)
	}
	if !q.Discount.Equal(dec("6.25")) {
		t.Errorf("discount = %s, want 6.25", q.Discount)
	}
	if !q.Total.Equal(dec("18.75")) {
		t.Errorf("total = %s, want 18.75", q.Total)
	}
	if !q.EffectiveRatePct.Equal(dec("0.1875")) {
		t.Errorf("effective rate = %s%%, want 0.1875%%", q.EffectiveRatePct)
	}
}

func TestQuoteBreakdown(t *testing.T) {
	c := mustCollector(t)

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "minimum fee clamp",
			req:  Request{Amount: dec("10")},
			// 10 * 25bps = 0.025, clamped up to 0.10
			want: "0.10",
		},
		{
			name: "maximum fee clamp",
			req:  Request{Amount: dec("1000000")},
			// 1M * 25bps = 2500, clamped down to 50
			want: "50",
		},
		{
			name: "express triples the base",
			req:  Request{Amount: dec("10000"), Express: true},
			// base 25 + express 25*(3-1) = 75
			want: "75",
		},
		{
			name: "gas with markup",
			req:  Request{Amount: dec("10000"), GasEstimate: dec("5")},
			// base 25 + gas 5*1.2 = 31
			want: "31",
		},
		{
			name: "highest tier only, never summed",
			req:  Request{Amount: dec("10000"), MonthlyVolume: dec("2000000")},
			// base 25 - 50% = 12.5, not 10+25+50 stacked
			want: "12.5",
		},
		{
			name: "express and discount combine",
			req:  Request{Amount: dec("10000"), Express: true, MonthlyVolume: dec("50000")},
			// (base 25 + express 50) * 10% = 7.5 off 75
			want: "67.5",
		},
		{
			name: "below lowest tier gets no discount",
			req:  Request{Amount: dec("10000"), MonthlyVolume: dec("49999")},
			want: "25",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := c.Quote(tt.req)
			if err != nil {
				t.Fatalf("Quote: %v", err)
			}
			if !q.Total.Equal(dec(tt.want)) {
				t.Errorf("total = %s, want %s", q.Total, tt.want)
			}
		})
	}
}

func TestQuoteMonotoneInVolume(t *testing.T) {
	c := mustCollector(t)

	// More monthly volume never costs more.
	volumes := []string{"0", "50000", "200000", "1000000", "5000000"}
	prev := dec("1000000")
	for _, v := range volumes {
		q, err := c.Quote(Request{Amount: dec("10000"), MonthlyVolume: dec(v)})
		if err != nil {
			t.Fatalf("Quote at volume %s: %v", v, err)
		}
		if q.Total.GreaterThan(prev) {
			t.Errorf("total %s at volume %s exceeds %s at lower volume", q.Total, v, prev)
		}
		prev = q.Total
	}
}

func TestQuoteRejectsNonPositiveAmount(t *testing.T) {
	c := mustCollector(t)

	for _, amount := range []string{"0", "-5"} {
		if _, err := c.Quote(Request{Amount: dec(amount)}); !errors.IsType(err, errors.ErrorTypeInvalid) {
			t.Errorf("amount %s: error = %v, want invalid", amount, err)
		}
	}
}

func TestNewCollectorValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Structure)
	}{
		{"negative base bps", func(s *Structure) { s.BaseBps = dec("-1") }},
		{"min above max", func(s *Structure) { s.MinFee = dec("100") }},
		{"express below one", func(s *Structure) { s.ExpressMultiplier = dec("0.5") }},
		{"unordered tiers", func(s *Structure) { s.Tiers[1].Floor = dec("1000") }},
		{"discount above 100", func(s *Structure) { s.Tiers[0].DiscountPct = dec("101") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultStructure()
			tt.mutate(&s)
			if _, err := NewCollector(s); !errors.IsType(err, errors.ErrorTypeConfigBound) {
				t.Errorf("error = %v, want config bound", err)
			}
		})
	}
}
