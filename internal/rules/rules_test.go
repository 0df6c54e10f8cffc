package rules

import "testing"

func TestDecimalPlaces(t *testing.T) {
	cases := map[string]int{
		"0.10":    1,
		"0.001":   3,
		"1":       0,
		"":        0,
		"0.00010": 4,
	}
	for input, want := range cases {
		if got := decimalPlaces(input); got != want {
			t.Errorf("decimalPlaces(%q) = %d, want %d", input, got, want)
		}
	}
}

func TestParseRateBps(t *testing.T) {
	cases := map[string]float64{
		"0.0004": 4,
		"0.0002": 2,
		"0":      0,
		"":       0,
		"bogus":  0,
	}
	for input, want := range cases {
		if got := parseRateBps(input); got != want {
			t.Errorf("parseRateBps(%q) = %v, want %v", input, got, want)
		}
	}
}
