package features

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ParseSafeFloat normalizes messy numeric text from station exports into a float.
// Thousands separators, parentheses and a trailing unit suffix ("m", "mm", "%") are
// removed. Empty cells, a lone dash, "N/A" and anything still unparseable map to NaN.
func ParseSafeFloat(text string) float64 {
	s := strings.TrimSpace(text)
	if isMissing(s) {
		return math.NaN()
	}

	s = strings.NewReplacer(",", "", "(", "", ")", "").Replace(s)
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || r == '%'
	})
	s = strings.TrimSpace(s)
	if isMissing(s) {
		return math.NaN()
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func isMissing(s string) bool {
	return s == "" || s == "-" || strings.EqualFold(s, "N/A")
}
