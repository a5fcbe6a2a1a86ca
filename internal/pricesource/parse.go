package pricesource

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var priceNumber = regexp.MustCompile(`\d(?:[\d.,]*\d)?`)

// ParsePrice extracts the first amount from display text such as
// "£1,399.00", "1.399,00 €" or " 1 399 ". Currency symbols, thousands
// separators and whitespace are ignored. The rightmost of '.' and ',' is
// the decimal mark, except that a lone separator followed by exactly three
// digits groups thousands.
func ParsePrice(text string) (decimal.Decimal, error) {
	s := strings.Join(strings.Fields(text), "")
	if s == "" {
		return decimal.Zero, &FetchError{Kind: KindParseFailure, Err: errors.New("empty price text")}
	}
	m := priceNumber.FindString(s)
	if m == "" {
		return decimal.Zero, &FetchError{Kind: KindParseFailure, Err: errors.New("no digits in " + quote(text))}
	}
	d, err := decimal.NewFromString(normalizeSeparators(m))
	if err != nil {
		return decimal.Zero, &FetchError{Kind: KindParseFailure, Err: err}
	}
	return d, nil
}

func normalizeSeparators(m string) string {
	i := strings.LastIndexAny(m, ".,")
	if i < 0 {
		return m
	}
	strip := strings.NewReplacer(",", "", ".", "")
	mark := string(m[i])
	lone := strings.Count(m, ",")+strings.Count(m, ".") == 1
	if strings.Count(m, mark) > 1 || (lone && len(m)-i-1 == 3) {
		return strip.Replace(m)
	}
	return strip.Replace(m[:i]) + "." + m[i+1:]
}

func quote(s string) string {
	const limit = 64
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return `"` + s + `"`
}
