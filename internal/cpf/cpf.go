// Package cpf validates and formats Brazilian individual taxpayer ids.
package cpf

import (
	"errors"
	"strings"
)

// Len is the number of digits in a CPF.
const Len = 11

var (
	// ErrInvalid means the eleven digits fail the check-digit test.
	ErrInvalid = errors.New("cpf: invalid check digits")
	// ErrLength means the input carries more than eleven digits.
	ErrLength = errors.New("cpf: too many digits")
)

// Strip keeps only the ASCII digits of s.
func Strip(s string) string {
	var b strings.Builder
	b.Grow(Len)
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Mask renders the digits of s as ###.###.###-##, masking partial input as far
// as it goes.
func Mask(s string) string {
	d := Strip(s)
	if len(d) > Len {
		d = d[:Len]
	}
	var b strings.Builder
	for i, r := range d {
		switch i {
		case 3, 6:
			b.WriteByte('.')
		case 9:
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Valid reports whether s holds a structurally valid CPF.
func Valid(s string) bool {
	d := Strip(s)
	if len(d) != Len {
		return false
	}
	return checkDigits(d)
}

// Check returns the error to show for partially typed input: nil while fewer
// than eleven digits have been entered, then the check-digit verdict.
func Check(s string) error {
	d := Strip(s)
	switch {
	case len(d) < Len:
		return nil
	case len(d) > Len:
		return ErrLength
	case !checkDigits(d):
		return ErrInvalid
	}
	return nil
}

func checkDigits(d string) bool {
	same := true
	for i := 1; i < Len; i++ {
		if d[i] != d[0] {
			same = false
			break
		}
	}
	if same {
		return false
	}
	return digit(d[:9], 10) == d[9]-'0' && digit(d[:10], 11) == d[10]-'0'
}

// digit computes one modulo-11 check digit over prefix with descending weights
// starting at weight.
func digit(prefix string, weight int) byte {
	sum := 0
	for i := 0; i < len(prefix); i++ {
		sum += int(prefix[i]-'0') * (weight - i)
	}
	r := (sum * 10) % 11
	if r == 10 {
		r = 0
	}
	return byte(r)
}
