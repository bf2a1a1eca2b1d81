package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrice(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		expected  float64
		expectErr bool
	}{
		{name: "Plain integer", raw: "320", expected: 320},
		{name: "Decimal point", raw: "320.50", expected: 320.5},
		{name: "German thousands and decimals", raw: "€ 1.320,00", expected: 1320},
		{name: "English thousands and decimals", raw: "$1,320.75", expected: 1320.75},
		{name: "Thousands only", raw: "1.320 €", expected: 1320},
		{name: "Dash cents with suffix", raw: "320,- €/Monat", expected: 320},
		{name: "Comma decimal", raw: "89,9", expected: 89.9},
		{name: "Swiss grouping", raw: "CHF 1'250.00", expected: 1250},
		{name: "Spaces inside", raw: "1 250,00 €", expected: 1250},
		{name: "No number", raw: "auf Anfrage", expectErr: true},
		{name: "Empty", raw: "", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Price(tc.raw)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.InDelta(t, tc.expected, got, 0.001)
		})
	}
}

func TestAvailability(t *testing.T) {
	testCases := []struct {
		raw       string
		expected  bool
		expectErr bool
	}{
		{raw: "frei", expected: true},
		{raw: "Available", expected: true},
		{raw: "true", expected: true},
		{raw: "belegt", expected: false},
		{raw: "Reserved until May", expected: false},
		{raw: "frei ab 01.05.", expected: false},
		{raw: "0", expected: false},
		{raw: "vielleicht", expectErr: true},
		{raw: "  ", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := Availability(tc.raw)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}
