// Package checkout orchestrates a checkout session from an opened cart or a
// single product through to a submitted payment.
package checkout

import (
	"time"

	"github.com/noah-isme/storefront-checkout/internal/catalog"
	"github.com/noah-isme/storefront-checkout/internal/coupon"
	"github.com/noah-isme/storefront-checkout/internal/locale"
	"github.com/noah-isme/storefront-checkout/internal/orderbump"
	"github.com/noah-isme/storefront-checkout/internal/payment"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
)

// Origin records how a checkout was opened.
type Origin string

const (
	// FromCart checkouts clear the cart once paid.
	FromCart Origin = "cart"
	// Direct checkouts carry one single-sale product at quantity one.
	Direct Origin = "direct"
)

// Buyer is the identity entered on the checkout form.
type Buyer struct {
	Name  string `json:"name" validate:"required,min=2,max=120"`
	Email string `json:"email" validate:"required,email"`
	CPF   string `json:"cpf" validate:"required,cpf"`
	Phone string `json:"phone,omitempty" validate:"omitempty,min=8,max=20"`
}

// Session is the persisted form state of one checkout.
type Session struct {
	ID     string        `json:"id"`
	Owner  string        `json:"-"`
	Origin Origin        `json:"origin"`
	Source string        `json:"source,omitempty"`
	Locale locale.Locale `json:"locale"`

	Items         []catalog.LineItem   `json:"items"`
	Bumps         []orderbump.Resolved `json:"bumps"`
	BumpsResolved bool                 `json:"bumpsResolved"`
	SelectedBumps []string             `json:"selectedBumps"`

	Coupon      *coupon.Coupon `json:"coupon,omitempty"`
	CouponError string         `json:"couponError,omitempty"`

	Buyer   Buyer            `json:"buyer"`
	Address *payment.Address `json:"address,omitempty"`

	Token         *Token          `json:"-"`
	TokenError    string          `json:"tokenError,omitempty"`
	Payment       payment.Machine `json:"payment"`
	PayPalOrderID string          `json:"paypalOrderId,omitempty"`
	Result        *payment.Result `json:"result,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// record is the storage shape; unlike the API view it keeps owner and token.
type record struct {
	Session
	Owner string `json:"owner"`
	Token *Token `json:"token,omitempty"`
}

func (s Session) toRecord() record { return record{Session: s, Owner: s.Owner, Token: s.Token} }

func (r record) session() Session {
	s := r.Session
	s.Owner = r.Owner
	s.Token = r.Token
	return s
}

// SelectedBumpOffers returns the chosen bumps in resolution order.
func (s Session) SelectedBumpOffers() []orderbump.Resolved {
	return orderbump.Selected(s.Bumps, s.SelectedBumps)
}

// Lines is everything that gets priced: items plus selected bumps.
func (s Session) Lines() []pricing.Line {
	lines := catalog.Lines(s.Items)
	for _, b := range s.SelectedBumpOffers() {
		lines = append(lines, b.Line())
	}
	return lines
}

// Physical reports whether anything priced needs delivery.
func (s Session) Physical() bool {
	for _, it := range s.Items {
		if it.Physical {
			return true
		}
	}
	for _, b := range s.SelectedBumpOffers() {
		if b.Physical {
			return true
		}
	}
	return false
}

func (s Session) discount() *pricing.Discount {
	if s.Coupon == nil {
		return nil
	}
	d := s.Coupon.Discount
	return &d
}

// Compose prices the session. It is recomputed on every call.
func (s Session) Compose() (pricing.Composition, error) {
	return pricing.Compute(s.Lines(), s.discount())
}

func (s *Session) selected(id string) bool {
	for _, sel := range s.SelectedBumps {
		if sel == id {
			return true
		}
	}
	return false
}

func (s *Session) hasBump(id string) bool {
	for _, b := range s.Bumps {
		if b.ID == id {
			return true
		}
	}
	return false
}
