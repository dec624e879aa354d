package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/storefront-checkout/internal/payment"
	"github.com/noah-isme/storefront-checkout/internal/upstream"
)

// Token is an opaque payment token. It has no client-side expiry.
type Token struct {
	Value    string          `json:"token"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"value"`
}

// TokenItem is one catalog entry of a token request.
type TokenItem struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
}

// ServiceOffer carries a selected CI or MED bump.
type ServiceOffer struct {
	Value  decimal.Decimal `json:"value"`
	Locale string          `json:"locale,omitempty"`
}

// TokenRequest is the body of POST /create-checkout-token.
type TokenRequest struct {
	Items    []TokenItem      `json:"items"`
	CI       *ServiceOffer    `json:"ci,omitempty"`
	MED      *ServiceOffer    `json:"med,omitempty"`
	CouponID string           `json:"cupomId,omitempty"`
	Source   string           `json:"source,omitempty"`
	Name     string           `json:"name"`
	Email    string           `json:"email"`
	CPF      string           `json:"cpf"`
	Phone    string           `json:"phone"`
	Currency string           `json:"currency"`
	Address  *payment.Address `json:"address,omitempty"`
}

// TokenMinter mints checkout tokens.
type TokenMinter interface {
	Mint(ctx context.Context, req TokenRequest) (Token, error)
}

// ErrEmptyToken is returned when the token service answers without a token.
var ErrEmptyToken = errors.New("checkout: token service returned no token")

// TokenClient calls the back-office token service.
type TokenClient struct {
	API upstream.Client
}

// Mint implements TokenMinter.
func (c TokenClient) Mint(ctx context.Context, req TokenRequest) (Token, error) {
	var tok Token
	if err := c.API.DoJSON(ctx, http.MethodPost, "/create-checkout-token", req, &tok); err != nil {
		return Token{}, fmt.Errorf("checkout: mint token: %w", err)
	}
	if tok.Value == "" {
		return Token{}, ErrEmptyToken
	}
	return tok, nil
}
