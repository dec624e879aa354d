package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// InstallmentPlan overrides how one product's price is displayed. Totals used
// for payment are unaffected.
type InstallmentPlan struct {
	ProductID string
	Count     int
	Amount    decimal.Decimal
}

// Applies reports whether the plan is configured for productID.
func (p InstallmentPlan) Applies(productID string) bool {
	return p.ProductID != "" && p.Count > 0 && p.ProductID == productID
}

// DisplayPrice renders the price label for l.
func (p InstallmentPlan) DisplayPrice(l Line) string {
	if p.Applies(l.ID) {
		return fmt.Sprintf("%dx %s", p.Count, FormatMoney(l.currency(), p.Amount))
	}
	return FormatMoney(l.currency(), l.UnitPrice)
}

// TotalLabel renders the total of t. When the designated product is the only
// thing priced in that currency, the total shows as the installment label too.
func (p InstallmentPlan) TotalLabel(lines []Line, t Totals) string {
	var only *Line
	n := 0
	for i := range lines {
		if lines[i].currency() != t.Currency {
			continue
		}
		n++
		only = &lines[i]
	}
	if n == 1 && only.qty() == 1 && t.Discount.IsZero() && p.Applies(only.ID) {
		return fmt.Sprintf("%dx %s", p.Count, FormatMoney(t.Currency, p.Amount))
	}
	return FormatMoney(t.Currency, t.Total)
}

// FormatMoney renders amount for display, e.g. "R$ 1.234,56" or "US$ 1,234.56".
func FormatMoney(currency string, amount decimal.Decimal) string {
	thousands, point, symbol := ",", ".", currency+" "
	switch strings.ToUpper(currency) {
	case "BRL":
		thousands, point, symbol = ".", ",", "R$ "
	case "USD":
		symbol = "US$ "
	case "EUR":
		symbol = "€ "
	}

	sign := ""
	if amount.IsNegative() {
		sign = "-"
		amount = amount.Neg()
	}
	fixed := amount.StringFixed(2)
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteString(thousands)
		}
		b.WriteRune(r)
	}
	return sign + symbol + b.String() + point + frac
}
