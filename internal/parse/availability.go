package parse

import (
	"fmt"
	"strings"
)

var (
	freeWords  = []string{"available", "free", "frei", "verfügbar", "open", "yes", "true", "1"}
	takenWords = []string{"taken", "occupied", "booked", "belegt", "vergeben", "reserved", "reserviert", "no", "false", "0"}
)

// Availability maps an upstream availability label onto the unit's flag. Labels such
// as "frei ab 01.05." that carry a date count as not yet available.
func Availability(raw string) (bool, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return false, fmt.Errorf("empty availability")
	}
	if strings.Contains(s, " ab ") || strings.HasPrefix(s, "ab ") || strings.Contains(s, "from ") {
		return false, nil
	}
	for _, w := range takenWords {
		if s == w || strings.HasPrefix(s, w+" ") {
			return false, nil
		}
	}
	for _, w := range freeWords {
		if s == w || strings.HasPrefix(s, w+" ") {
			return true, nil
		}
	}
	return false, fmt.Errorf("unknown availability %q", raw)
}
