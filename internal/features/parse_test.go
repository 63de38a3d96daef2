package features

import (
	"math"
	"strconv"
	"testing"
)

func TestParseSafeFloat_MissingValues(t *testing.T) {
	for _, in := range []string{"", "   ", "-", " - ", "N/A", "n/a", "N/a", "abc", "()", "mm", "1.2.3"} {
		t.Run(strconv.Quote(in), func(t *testing.T) {
			if got := ParseSafeFloat(in); !math.IsNaN(got) {
				t.Errorf("ParseSafeFloat(%q) = %v, want NaN", in, got)
			}
		})
	}
}

func TestParseSafeFloat_Cleanup(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected float64
	}{
		{"plain integer", "42", 42},
		{"plain decimal", "22.9", 22.9},
		{"negative", "-3.5", -3.5},
		{"thousands and unit", " 1,234m ", 1234},
		{"millimetres", "86.1 mm", 86.1},
		{"percent", "86.1%", 86.1},
		{"parentheses", "(37.8)", 37.8},
		{"multiple separators", "1,234,567.5", 1234567.5},
		{"surrounding whitespace", "\t12\n", 12},
		{"exponent", "1e3", 1000},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseSafeFloat(tc.input)
			if math.Abs(got-tc.expected) > 1e-9 {
				t.Errorf("ParseSafeFloat(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestParseSafeFloat_IdempotentOnCleanInput(t *testing.T) {
	for _, in := range []string{"0", "1", "-1", "12.5", "0.001", "1234.5678", "-98.25"} {
		first := ParseSafeFloat(in)
		formatted := strconv.FormatFloat(first, 'f', -1, 64)
		if formatted != in {
			t.Errorf("format(parse(%q)) = %q", in, formatted)
		}
		if second := ParseSafeFloat(formatted); second != first {
			t.Errorf("re-parse of %q changed value: %v != %v", formatted, second, first)
		}
	}
}
