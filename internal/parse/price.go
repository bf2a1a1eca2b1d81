// Package parse normalizes the free-text fields of upstream listing feeds.
package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var numberRe = regexp.MustCompile(`\d[\d.,' ]*`)

// Price extracts an amount from strings such as "320", "320.50", "€ 1.320,00" or
// "320,- €/Monat". The separator that appears last with one or two digits after it is
// the decimal separator; every other separator groups thousands.
func Price(raw string) (float64, error) {
	m := numberRe.FindString(raw)
	if m == "" {
		return 0, fmt.Errorf("no amount in %q", raw)
	}
	m = strings.TrimRight(strings.TrimSpace(m), ".,")
	m = strings.NewReplacer(" ", "", "'", "").Replace(m)

	dec := strings.LastIndexAny(m, ".,")
	if dec >= 0 {
		sep := m[dec]
		other := byte(',')
		if sep == ',' {
			other = '.'
		}
		switch {
		case strings.IndexByte(m[:dec], other) >= 0:
			// 1.320,00 or 1,320.00
		case strings.Count(m, string(sep)) > 1, len(m)-dec-1 == 3:
			// 1.320.000 or 1.320: thousands groups only
			dec = -1
		}
	}

	var b strings.Builder
	for i, r := range m {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case i == dec:
			b.WriteByte('.')
		}
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return v, nil
}
