// Package coupon verifies discount codes against the back-office API.
package coupon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/noah-isme/storefront-checkout/internal/obs"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
	"github.com/noah-isme/storefront-checkout/internal/upstream"
)

// FlowContent is the checkout flow for course, book and combo purchases.
const FlowContent = "CONTENT"

var (
	// ErrNotFound covers unknown, expired and malformed coupons alike.
	ErrNotFound = errors.New("coupon: not found")
	// ErrEmptyCode is returned before any network call for a blank code.
	ErrEmptyCode = errors.New("coupon: code is required")
)

// Coupon is an accepted discount code.
type Coupon struct {
	ID                    string           `json:"id"`
	Code                  string           `json:"code"`
	Discount              pricing.Discount `json:"discount"`
	PaymentMethodsAllowed []string         `json:"paymentMethodsAllowed,omitempty"`
	Flows                 []string         `json:"flows,omitempty"`
}

// Verifier checks a coupon code. ref is the buyer email when known.
type Verifier interface {
	Verify(ctx context.Context, code, flow, ref string) (Coupon, error)
}

type verifyResponse struct {
	ID       string `json:"_id"`
	Discount struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Type     string `json:"type"`
	} `json:"discount"`
	PaymentMethodsAllowed []string `json:"paymentMethodsAllowed"`
	Flows                 []string `json:"flows"`
}

// HTTPVerifier calls GET /cupons/{code}/verify.
type HTTPVerifier struct {
	API upstream.Client
}

// Verify implements Verifier.
func (v HTTPVerifier) Verify(ctx context.Context, code, flow, ref string) (Coupon, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Coupon{}, ErrEmptyCode
	}
	if flow == "" {
		flow = FlowContent
	}
	q := url.Values{}
	q.Set("flow", flow)
	q.Set("ref", strings.TrimSpace(ref))
	path := "/cupons/" + url.PathEscape(code) + "/verify?" + q.Encode()

	var resp verifyResponse
	if err := v.API.DoJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		var se *upstream.StatusError
		if errors.As(err, &se) {
			obs.Count(obs.CouponVerifyTotal, "not_found")
			return Coupon{}, fmt.Errorf("%w: %s", ErrNotFound, code)
		}
		obs.Count(obs.CouponVerifyTotal, "error")
		return Coupon{}, fmt.Errorf("coupon: verify %s: %w", code, err)
	}
	if resp.ID == "" {
		obs.Count(obs.CouponVerifyTotal, "not_found")
		return Coupon{}, fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	typ := pricing.DiscountType(strings.ToUpper(strings.TrimSpace(resp.Discount.Type)))
	if typ != pricing.Percentage && typ != pricing.Value {
		obs.Count(obs.CouponVerifyTotal, "not_found")
		return Coupon{}, fmt.Errorf("%w: %s has discount type %q", ErrNotFound, code, resp.Discount.Type)
	}
	obs.Count(obs.CouponVerifyTotal, "valid")
	return Coupon{
		ID:   resp.ID,
		Code: code,
		Discount: pricing.Discount{
			CouponID: resp.ID,
			Amount:   resp.Discount.Amount,
			Currency: strings.ToUpper(strings.TrimSpace(resp.Discount.Currency)),
			Type:     typ,
		},
		PaymentMethodsAllowed: resp.PaymentMethodsAllowed,
		Flows:                 resp.Flows,
	}, nil
}

// AllowsMethod reports whether method may be used with the coupon. An empty
// allow-list permits every method.
func (c Coupon) AllowsMethod(method string) bool {
	if len(c.PaymentMethodsAllowed) == 0 {
		return true
	}
	for _, m := range c.PaymentMethodsAllowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
