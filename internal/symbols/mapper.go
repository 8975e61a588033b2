package symbols

import (
	"fmt"
	"strings"

	"fxflow/models"
)

// ParsePair converts the separator styles used by vendors and clients into a
// canonical BASE/QUOTE pair. Accepted forms: USD/EUR, USD-EUR, USD_EUR,
// USDEUR and the Yahoo chart symbol USDEUR=X.
func ParsePair(s string) (models.Pair, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	sym = strings.TrimSuffix(sym, "=X")
	for _, sep := range []string{"/", "-", "_", " "} {
		if i := strings.Index(sym, sep); i >= 0 {
			return build(s, sym[:i], sym[i+len(sep):])
		}
	}
	if len(sym) == 6 {
		return build(s, sym[:3], sym[3:])
	}
	return "", fmt.Errorf("unrecognised pair %q", s)
}

func build(orig, base, quote string) (models.Pair, error) {
	if !isCurrency(base) || !isCurrency(quote) {
		return "", fmt.Errorf("unrecognised pair %q", orig)
	}
	if base == quote {
		return "", fmt.Errorf("pair %q has identical legs", orig)
	}
	return models.NewPair(base, quote), nil
}

func isCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ParsePairs parses every entry and fails on the first invalid one.
func ParsePairs(in []string) ([]models.Pair, error) {
	out := make([]models.Pair, 0, len(in))
	seen := make(map[models.Pair]struct{}, len(in))
	for _, s := range in {
		p, err := ParsePair(s)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// ToVendor renders a pair in the symbol style a vendor expects.
func ToVendor(vendor string, p models.Pair) string {
	switch strings.ToLower(vendor) {
	case "yahoo":
		return p.Base() + p.Quote() + "=X"
	case "finnhub":
		return "OANDA:" + p.Base() + "_" + p.Quote()
	case "scores":
		return p.Base() + "-" + p.Quote()
	default:
		return string(p)
	}
}
