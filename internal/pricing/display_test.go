package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFormatMoney(t *testing.T) {
	cases := []struct {
		currency string
		amount   string
		want     string
	}{
		{"BRL", "1234.5", "R$ 1.234,50"},
		{"BRL", "0", "R$ 0,00"},
		{"USD", "1234567.891", "US$ 1,234,567.89"},
		{"USD", "-30", "-US$ 30.00"},
		{"GBP", "12", "GBP 12.00"},
	}
	for _, tc := range cases {
		got := FormatMoney(tc.currency, decimal.RequireFromString(tc.amount))
		if got != tc.want {
			t.Fatalf("FormatMoney(%s, %s) = %q, want %q", tc.currency, tc.amount, got, tc.want)
		}
	}
}

func TestInstallmentDisplayLeavesTotalsAlone(t *testing.T) {
	plan := InstallmentPlan{ProductID: "flagship", Count: 12, Amount: decimal.RequireFromString("99.70")}
	line := Line{ID: "flagship", UnitPrice: decimal.RequireFromString("997")}

	if got := plan.DisplayPrice(line); got != "12x R$ 99,70" {
		t.Fatalf("unexpected label %q", got)
	}
	other := Line{ID: "other", UnitPrice: decimal.RequireFromString("50"), Currency: "USD"}
	if got := plan.DisplayPrice(other); got != "US$ 50.00" {
		t.Fatalf("unexpected label %q", got)
	}

	comp, err := Compute([]Line{line}, nil)
	if err != nil {
		t.Fatal(err)
	}
	tot, _ := comp.For("BRL")
	if !tot.Total.Equal(decimal.RequireFromString("997")) {
		t.Fatalf("installment plan must not change totals, got %s", tot.Total)
	}
	if (InstallmentPlan{}).Applies("") {
		t.Fatalf("empty plan must not apply")
	}
}

func TestInstallmentTotalLabel(t *testing.T) {
	plan := InstallmentPlan{ProductID: "flagship", Count: 12, Amount: decimal.RequireFromString("99.70")}
	flagship := Line{ID: "flagship", UnitPrice: decimal.RequireFromString("997"), Currency: "BRL", Quantity: 1}
	extra := Line{ID: "guide", UnitPrice: decimal.RequireFromString("30"), Currency: "BRL", Quantity: 1}
	usd := Line{ID: "ci", UnitPrice: decimal.RequireFromString("50"), Currency: "USD", Quantity: 1}

	alone, err := Compute([]Line{flagship, usd}, nil)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	brl, _ := alone.For("BRL")
	if got := plan.TotalLabel([]Line{flagship, usd}, brl); got != "12x R$ 99,70" {
		t.Fatalf("unexpected label %q", got)
	}
	if !brl.Total.Equal(decimal.RequireFromString("997")) {
		t.Fatalf("numeric total changed: %s", brl.Total)
	}
	usdTotals, _ := alone.For("USD")
	if got := plan.TotalLabel([]Line{flagship, usd}, usdTotals); got != "US$ 50.00" {
		t.Fatalf("unexpected USD label %q", got)
	}

	mixed, err := Compute([]Line{flagship, extra}, nil)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	mixedBRL, _ := mixed.For("BRL")
	if got := plan.TotalLabel([]Line{flagship, extra}, mixedBRL); got != "R$ 1.027,00" {
		t.Fatalf("unexpected mixed label %q", got)
	}
}
