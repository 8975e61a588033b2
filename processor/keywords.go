package processor

import (
	"regexp"

	"fxflow/models"
)

// currencyKeywords lists the phrases that tie an article to a currency.
var currencyKeywords = map[string]*regexp.Regexp{
	"USD": regexp.MustCompile(`(?i)\b(usd|dollars?|greenback|federal reserve|fomc|u\.?s\.? economy|powell)\b`),
	"EUR": regexp.MustCompile(`(?i)\b(eur|euros?|eurozone|euro area|ecb|european central bank|lagarde)\b`),
	"GBP": regexp.MustCompile(`(?i)\b(gbp|pounds?|sterling|bank of england|boe|uk economy|bailey)\b`),
	"JPY": regexp.MustCompile(`(?i)\b(jpy|yen|bank of japan|boj|japan(ese)? economy|ueda)\b`),
}

// InferCurrencies returns the currencies mentioned in text, in a stable order.
func InferCurrencies(text string) []string {
	var out []string
	for _, ccy := range []string{"USD", "EUR", "GBP", "JPY"} {
		if currencyKeywords[ccy].MatchString(text) {
			out = append(out, ccy)
		}
	}
	return out
}

// InferPairs returns every tracked pair containing a currency mentioned in
// text. No match means the article is global.
func (n *Normalizer) InferPairs(text string) []models.Pair {
	ccys := InferCurrencies(text)
	if len(ccys) == 0 {
		return nil
	}
	var out []models.Pair
	for _, p := range n.pairs {
		for _, c := range ccys {
			if p.Contains(c) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
