// Package locale holds the closed set of storefront locales.
package locale

import (
	"fmt"
	"strings"
)

// Locale is a storefront market.
type Locale string

const (
	BR Locale = "BR"
	ES Locale = "ES"
)

// Parse accepts "BR" or "ES" in any case. Anything else is an error; there is
// no implicit fallback market.
func Parse(s string) (Locale, error) {
	switch l := Locale(strings.ToUpper(strings.TrimSpace(s))); l {
	case BR, ES:
		return l, nil
	default:
		return "", fmt.Errorf("locale: unsupported locale %q", s)
	}
}

// Currency returns the ISO currency the market is priced in.
func (l Locale) Currency() string {
	if l == BR {
		return "BRL"
	}
	return "USD"
}

// Brazilian reports whether the locale is the Brazilian market.
func (l Locale) Brazilian() bool { return l == BR }

func (l Locale) String() string { return string(l) }
