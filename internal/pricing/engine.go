// Package pricing computes the per-currency checkout composition. Everything
// here is a pure function of its inputs.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultCurrency applies to lines that carry no currency.
const DefaultCurrency = "BRL"

var bpsScale = decimal.NewFromInt(10000)

// Line is one priced entry: a cart item or a selected order bump.
type Line struct {
	ID            string
	UnitPrice     decimal.Decimal
	Currency      string
	Quantity      int
	Physical      bool
	ShippingPrice decimal.Decimal
	// Stock is the quantity ceiling; nil means unbounded.
	Stock *int
}

func (l Line) qty() int {
	if l.Quantity < 1 {
		return 1
	}
	return l.Quantity
}

func (l Line) currency() string {
	if l.Currency == "" {
		return DefaultCurrency
	}
	return l.Currency
}

// DiscountType selects how a Discount amount is interpreted.
type DiscountType string

const (
	// Percentage amounts are basis points out of 10000.
	Percentage DiscountType = "PERCENTAGE"
	// Value amounts are minor units of a single currency.
	Value DiscountType = "VALUE"
)

// Discount describes an accepted coupon.
type Discount struct {
	CouponID string       `json:"couponId"`
	Amount   int64        `json:"amount"`
	Currency string       `json:"currency,omitempty"`
	Type     DiscountType `json:"type"`
}

// Totals are the figures for one currency.
type Totals struct {
	Currency string          `json:"currency"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Shipping decimal.Decimal `json:"shipping"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
}

// Composition holds one Totals per currency in order of first appearance.
type Composition struct {
	Totals []Totals `json:"totals"`
}

// For returns the totals of currency.
func (c Composition) For(currency string) (Totals, bool) {
	for _, t := range c.Totals {
		if t.Currency == currency {
			return t, true
		}
	}
	return Totals{}, false
}

// Currencies lists the currencies present.
func (c Composition) Currencies() []string {
	out := make([]string, 0, len(c.Totals))
	for _, t := range c.Totals {
		out = append(out, t.Currency)
	}
	return out
}

// Empty reports whether nothing was priced.
func (c Composition) Empty() bool { return len(c.Totals) == 0 }

// StockError rejects a line whose quantity exceeds its stock.
type StockError struct {
	ID        string
	Requested int
	Stock     int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("pricing: quantity %d of %s exceeds stock %d", e.Requested, e.ID, e.Stock)
}

// Compute groups lines by currency and prices each group independently.
// Shipping is the sum of shipping price times quantity over physical lines.
// Amounts are never converted or added across currencies.
func Compute(lines []Line, discount *Discount) (Composition, error) {
	var comp Composition
	index := make(map[string]int)
	for _, l := range lines {
		q := l.qty()
		if l.Stock != nil && q > *l.Stock {
			return Composition{}, &StockError{ID: l.ID, Requested: q, Stock: *l.Stock}
		}
		cur := l.currency()
		i, ok := index[cur]
		if !ok {
			i = len(comp.Totals)
			index[cur] = i
			comp.Totals = append(comp.Totals, Totals{Currency: cur})
		}
		t := &comp.Totals[i]
		qd := decimal.NewFromInt(int64(q))
		t.Subtotal = t.Subtotal.Add(l.UnitPrice.Mul(qd))
		if l.Physical {
			t.Shipping = t.Shipping.Add(l.ShippingPrice.Mul(qd))
		}
	}

	target := valueTarget(discount, comp)
	for i := range comp.Totals {
		t := &comp.Totals[i]
		t.Discount = discountFor(discount, t, target)
		t.Total = decimal.Max(decimal.Zero, t.Subtotal.Add(t.Shipping).Sub(t.Discount))
	}
	return comp, nil
}

func discountFor(d *Discount, t *Totals, valueCurrency string) decimal.Decimal {
	if d == nil || d.Amount <= 0 {
		return decimal.Zero
	}
	switch d.Type {
	case Percentage:
		bps := d.Amount
		if bps > 10000 {
			bps = 10000
		}
		base := t.Subtotal.Add(t.Shipping)
		return base.Mul(decimal.NewFromInt(bps)).Div(bpsScale).Round(2)
	case Value:
		if t.Currency != valueCurrency {
			return decimal.Zero
		}
		return decimal.New(d.Amount, -2)
	default:
		return decimal.Zero
	}
}

// valueTarget picks the currency a VALUE discount lands on: its own currency,
// else the sole currency of the order, else BRL when the order carries BRL.
func valueTarget(d *Discount, comp Composition) string {
	if d == nil || d.Type != Value {
		return ""
	}
	if d.Currency != "" {
		return d.Currency
	}
	if len(comp.Totals) == 1 {
		return comp.Totals[0].Currency
	}
	if _, ok := comp.For(DefaultCurrency); ok {
		return DefaultCurrency
	}
	return ""
}

// CartTotal is the simple cart figure: item subtotals plus the single highest
// shipping price among physical lines. It deliberately differs from the
// summed shipping of Compute.
func CartTotal(lines []Line) decimal.Decimal {
	total := decimal.Zero
	shipping := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.qty()))))
		if l.Physical && l.ShippingPrice.GreaterThan(shipping) {
			shipping = l.ShippingPrice
		}
	}
	return total.Add(shipping)
}
