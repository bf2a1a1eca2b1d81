// Package conflict finds booking conflicts in the current booking records. It only
// reads; resolving a conflict is left to a person.
package conflict

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"stable-sync-backend/internal/merge"
	"stable-sync-backend/internal/model"
)

// Kind names a class of conflict.
type Kind string

const (
	DoubleBooking   Kind = "double_booking"
	DateOverlap     Kind = "date_overlap"
	UnitUnavailable Kind = "unit_unavailable"
	PaymentPending  Kind = "payment_pending"
)

// Severity orders reports; higher is worse.
type Severity int

const (
	Low Severity = iota + 1
	Medium
	High
	Critical
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	}
	return "unknown"
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) (Severity, error) {
	for sev := Low; sev <= Critical; sev++ {
		if strings.EqualFold(s, sev.String()) {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// Report describes one booking's part in a conflict. Affected holds the other
// bookings involved, sorted.
type Report struct {
	Kind           Kind     `json:"kind"`
	Severity       Severity `json:"severity"`
	UnitID         string   `json:"unit_id"`
	BookingID      string   `json:"booking_id"`
	Affected       []string `json:"affected"`
	Description    string   `json:"description"`
	Resolution     string   `json:"resolution"`
	AutoResolvable bool     `json:"auto_resolvable"`
}

// Detect evaluates the full booking set. units may be nil, in which case unit
// availability is not checked.
func Detect(bookings []model.Booking, units []model.Unit) []Report {
	unitByID := make(map[string]model.Unit, len(units))
	for _, u := range units {
		unitByID[u.ID] = u
	}

	var reports []Report
	for unitID, group := range merge.GroupBy(bookings, func(b model.Booking) string { return b.UnitID }) {
		active := activeOnly(group)

		if len(active) > 1 {
			for _, b := range active {
				others := otherIDs(active, b.ID)
				reports = append(reports, Report{
					Kind:        DoubleBooking,
					Severity:    Critical,
					UnitID:      unitID,
					BookingID:   b.ID,
					Affected:    others,
					Description: fmt.Sprintf("unit %s has %d active bookings; %s overlaps %s", unitID, len(active), b.ID, strings.Join(others, ", ")),
					Resolution:  "Contact the renters and end or cancel all but one active booking.",
				})
			}
		}

		if u, ok := unitByID[unitID]; ok && !u.Available {
			for _, b := range active {
				reports = append(reports, Report{
					Kind:        UnitUnavailable,
					Severity:    Medium,
					UnitID:      unitID,
					BookingID:   b.ID,
					Affected:    []string{},
					Description: fmt.Sprintf("booking %s is active on unit %s, which is marked unavailable", b.ID, unitID),
					Resolution:  "Make the unit available again or move the booking to another unit.",
				})
			}
		}

		for _, b := range active {
			if b.PaymentStatus != model.PaymentPending {
				continue
			}
			reports = append(reports, Report{
				Kind:           PaymentPending,
				Severity:       Low,
				UnitID:         unitID,
				BookingID:      b.ID,
				Affected:       []string{},
				Description:    fmt.Sprintf("booking %s is active but its payment is still pending", b.ID),
				Resolution:     "Follow up on the payment with the renter.",
				AutoResolvable: true,
			})
		}
	}

	sortReports(reports)
	return reports
}

// CheckProposal reports the active bookings on the proposal's unit whose dates overlap
// the proposal. A proposal with an existing ID is not compared with itself.
func CheckProposal(bookings []model.Booking, proposal model.Booking) []Report {
	var overlapping []string
	for _, b := range bookings {
		if b.UnitID != proposal.UnitID || b.ID == proposal.ID || b.Status != model.StatusActive {
			continue
		}
		if Overlaps(b.StartDate, b.EndDate, proposal.StartDate, proposal.EndDate) {
			overlapping = append(overlapping, b.ID)
		}
	}
	if len(overlapping) == 0 {
		return nil
	}
	sort.Strings(overlapping)
	return []Report{{
		Kind:        DateOverlap,
		Severity:    High,
		UnitID:      proposal.UnitID,
		BookingID:   proposal.ID,
		Affected:    overlapping,
		Description: fmt.Sprintf("proposed booking on unit %s overlaps active booking(s) %s", proposal.UnitID, strings.Join(overlapping, ", ")),
		Resolution:  "Pick dates after the active booking ends or choose another unit.",
	}}
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect. A nil end is open.
func Overlaps(aStart time.Time, aEnd *time.Time, bStart time.Time, bEnd *time.Time) bool {
	aBeforeBEnds := bEnd == nil || aStart.Before(*bEnd)
	bBeforeAEnds := aEnd == nil || bStart.Before(*aEnd)
	return aBeforeBEnds && bBeforeAEnds
}

// CountByKind tallies reports per kind.
func CountByKind(reports []Report) map[string]int {
	out := make(map[string]int)
	for _, r := range reports {
		out[string(r.Kind)]++
	}
	return out
}

func activeOnly(bookings []model.Booking) []model.Booking {
	var out []model.Booking
	for _, b := range bookings {
		if b.Status == model.StatusActive {
			out = append(out, b)
		}
	}
	return out
}

func otherIDs(bookings []model.Booking, self string) []string {
	out := make([]string, 0, len(bookings)-1)
	for _, b := range bookings {
		if b.ID != self {
			out = append(out, b.ID)
		}
	}
	sort.Strings(out)
	return out
}

func sortReports(reports []Report) {
	sort.SliceStable(reports, func(i, j int) bool {
		a, b := reports[i], reports[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.UnitID != b.UnitID {
			return a.UnitID < b.UnitID
		}
		if a.BookingID != b.BookingID {
			return a.BookingID < b.BookingID
		}
		return a.Kind < b.Kind
	})
}
