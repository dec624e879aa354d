// Package catalog reads product snapshots from the public catalog API.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/storefront-checkout/internal/pricing"
)

var (
	// ErrNotFound is returned when the catalog has no product for the id.
	ErrNotFound = errors.New("catalog: product not found")
	// ErrInvalidKind is returned for an unknown product kind.
	ErrInvalidKind = errors.New("catalog: invalid product kind")
)

// Kind is the catalog a product belongs to.
type Kind string

const (
	Course Kind = "course"
	Book   Kind = "book"
	Combo  Kind = "combo"
)

// ParseKind validates s as a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Course, Book, Combo:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// BumpType tags a raw order bump declaration.
type BumpType string

const (
	BumpCourse BumpType = "COURSE"
	BumpBook   BumpType = "BOOK"
	BumpCI     BumpType = "CI"
	BumpMED    BumpType = "MED"
)

// RawOrderBump is an add-on offer as declared on a product, before resolution.
type RawOrderBump struct {
	Type BumpType `json:"type"`
	Data string   `json:"data"`
}

// Product is a read-only catalog snapshot.
type Product struct {
	ID            string           `json:"id"`
	Title         string           `json:"title"`
	Description   string           `json:"description,omitempty"`
	Kind          Kind             `json:"kind"`
	Price         decimal.Decimal  `json:"price"`
	Currency      string           `json:"currency"`
	Physical      bool             `json:"physical"`
	ShippingPrice *decimal.Decimal `json:"shippingPrice,omitempty"`
	Stock         *int             `json:"stock,omitempty"`
	SingleSale    bool             `json:"singleSale"`
	OrderBumps    []RawOrderBump   `json:"orderBumps,omitempty"`
}

// LineItem converts the snapshot into a purchasable entry of qty units.
func (p Product) LineItem(qty int) LineItem {
	item := LineItem{
		ID:            p.ID,
		Title:         p.Title,
		UnitPrice:     p.Price,
		Currency:      p.Currency,
		Quantity:      qty,
		Kind:          p.Kind,
		Physical:      p.Physical,
		ShippingPrice: p.ShippingPrice,
		Stock:         p.Stock,
		SingleSale:    p.SingleSale,
		OrderBumps:    p.OrderBumps,
	}
	item.Normalize()
	return item
}

// LineItem is one purchasable entry in a cart or a direct checkout.
type LineItem struct {
	ID            string           `json:"id"`
	Title         string           `json:"title"`
	UnitPrice     decimal.Decimal  `json:"unitPrice"`
	Currency      string           `json:"currency"`
	Quantity      int              `json:"quantity"`
	Kind          Kind             `json:"kind"`
	Physical      bool             `json:"physical"`
	ShippingPrice *decimal.Decimal `json:"shippingPrice,omitempty"`
	Stock         *int             `json:"stock,omitempty"`
	SingleSale    bool             `json:"singleSale"`
	OrderBumps    []RawOrderBump   `json:"orderBumps,omitempty"`
}

// Normalize applies defaults: BRL currency, quantity of at least one, and no
// shipping or stock on digital items.
func (i *LineItem) Normalize() {
	if i.Currency == "" {
		i.Currency = pricing.DefaultCurrency
	}
	if i.Quantity < 1 {
		i.Quantity = 1
	}
	if i.UnitPrice.IsNegative() {
		i.UnitPrice = decimal.Zero
	}
	if !i.Physical {
		i.ShippingPrice = nil
		i.Stock = nil
	}
}

// Line projects the item for the pricing engine.
func (i LineItem) Line() pricing.Line {
	l := pricing.Line{
		ID:        i.ID,
		UnitPrice: i.UnitPrice,
		Currency:  i.Currency,
		Quantity:  i.Quantity,
		Physical:  i.Physical,
		Stock:     i.Stock,
	}
	if i.Physical && i.ShippingPrice != nil {
		l.ShippingPrice = *i.ShippingPrice
	}
	return l
}

// Lines projects items for the pricing engine.
func Lines(items []LineItem) []pricing.Line {
	out := make([]pricing.Line, 0, len(items))
	for _, it := range items {
		out = append(out, it.Line())
	}
	return out
}

// Lookup fetches product snapshots.
type Lookup interface {
	Get(ctx context.Context, kind Kind, id string) (Product, error)
}
