package adapter

import (
	"regexp"
	"strconv"
	"strings"
)

// MinPrice is the smallest value accepted as a price. Smaller numbers on
// listing pages are usually calibers, sizes or ratings.
const MinPrice = 1.0

var (
	currencyPrice = regexp.MustCompile(`(?i)(?:[$£€]|usd|cad|eur|gbp)\s?(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`)
	barePrice     = regexp.MustCompile(`^\s*(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)\s*$`)
)

// ParsePrice finds the first currency-marked amount in text.
func ParsePrice(text string) *float64 {
	for _, m := range currencyPrice.FindAllStringSubmatch(text, -1) {
		if p := toPrice(m[1]); p != nil {
			return p
		}
	}
	return nil
}

// parseFieldPrice also accepts a bare number, for elements known to hold prices.
func parseFieldPrice(text string) *float64 {
	if p := ParsePrice(text); p != nil {
		return p
	}
	if m := barePrice.FindStringSubmatch(text); m != nil {
		return toPrice(m[1])
	}
	return nil
}

func toPrice(raw string) *float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil || v < MinPrice {
		return nil
	}
	return &v
}
