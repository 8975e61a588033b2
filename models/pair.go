package models

import "strings"

// Pair is a canonical currency pair identifier such as "USD/EUR".
type Pair string

// PairAll is the subscription filter that matches every pair.
const PairAll Pair = "*"

// NewPair builds a canonical pair from its two ISO currency codes.
func NewPair(base, quote string) Pair {
	return Pair(strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote)))
}

// Base returns the base currency code.
func (p Pair) Base() string {
	if i := strings.IndexByte(string(p), '/'); i > 0 {
		return string(p[:i])
	}
	return ""
}

// Quote returns the quote currency code.
func (p Pair) Quote() string {
	if i := strings.IndexByte(string(p), '/'); i >= 0 {
		return string(p[i+1:])
	}
	return ""
}

// Inverse returns QUOTE/BASE.
func (p Pair) Inverse() Pair {
	return NewPair(p.Quote(), p.Base())
}

// Contains reports whether the currency code is either side of the pair.
func (p Pair) Contains(ccy string) bool {
	ccy = strings.ToUpper(ccy)
	return p.Base() == ccy || p.Quote() == ccy
}

func (p Pair) String() string { return string(p) }

// DefaultPairs are tracked when configuration does not name any.
var DefaultPairs = []Pair{"USD/EUR", "USD/GBP", "USD/JPY", "EUR/GBP", "EUR/JPY", "GBP/JPY"}
