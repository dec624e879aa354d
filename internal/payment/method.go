// Package payment routes a finalised checkout to one of the payment rails and
// tracks the submission lifecycle.
package payment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/storefront-checkout/internal/locale"
)

// Method is a buyer-facing payment option.
type Method string

const (
	PIX    Method = "PIX"
	Credit Method = "CREDIT"
	PayPal Method = "PAYPAL"
)

var (
	// ErrUnknownMethod is returned for an unrecognised payment method.
	ErrUnknownMethod = errors.New("payment: unknown method")
	// ErrMethodNotAllowed is returned when the method is not offered in the buyer's market.
	ErrMethodNotAllowed = errors.New("payment: method not allowed for locale")
)

// ParseMethod accepts PIX, CREDIT (or CARD) and PAYPAL in any case.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToUpper(strings.TrimSpace(s))); m {
	case PIX, Credit, PayPal:
		return m, nil
	case "CARD", "CREDIT_CARD":
		return Credit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// Allowed reports whether method is offered in loc: PIX and credit for the
// Brazilian market, PayPal everywhere else.
func Allowed(loc locale.Locale, method Method) bool {
	switch method {
	case PIX, Credit:
		return loc.Brazilian()
	case PayPal:
		return !loc.Brazilian()
	default:
		return false
	}
}

// Methods lists the methods offered in loc.
func Methods(loc locale.Locale) []Method {
	if loc.Brazilian() {
		return []Method{PIX, Credit}
	}
	return []Method{PayPal}
}

// CheckAllowed wraps ErrMethodNotAllowed with context.
func CheckAllowed(loc locale.Locale, method Method) error {
	if !Allowed(loc, method) {
		return fmt.Errorf("%w: %s in %s", ErrMethodNotAllowed, method, loc)
	}
	return nil
}
