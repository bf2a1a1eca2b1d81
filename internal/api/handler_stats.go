package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"stable-sync-backend/internal/conflict"
	"stable-sync-backend/internal/view"
)

// statsResponse gathers the aggregates of every view.
type statsResponse struct {
	Rentals   view.RentalStats  `json:"rentals"`
	Units     view.UnitStats    `json:"units"`
	Bookings  view.BookingStats `json:"bookings"`
	Conflicts map[string]int    `json:"conflicts"`
}

// GetStats handles GET /api/stats.
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, statsResponse{
		Rentals:   h.views.Rentals.Stats(),
		Units:     h.views.Units.Stats(),
		Bookings:  h.views.Bookings.Stats(),
		Conflicts: conflict.CountByKind(h.views.Bookings.Conflicts()),
	})
}

// GetConflicts handles GET /api/conflicts. ?severity= keeps reports at or above it.
func (h *Handler) GetConflicts(c *gin.Context) {
	reports := h.views.Bookings.Conflicts()
	if raw := c.Query("severity"); raw != "" {
		floor, err := conflict.ParseSeverity(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		kept := make([]conflict.Report, 0, len(reports))
		for _, r := range reports {
			if r.Severity >= floor {
				kept = append(kept, r)
			}
		}
		reports = kept
	}
	if reports == nil {
		reports = []conflict.Report{}
	}
	c.JSON(http.StatusOK, reports)
}

type subscriptionStatus struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	Filter     string    `json:"filter"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
}

type viewStatus struct {
	State view.State `json:"state"`
	Error string     `json:"error,omitempty"`
}

func statusOf(state view.State, err error) viewStatus {
	s := viewStatus{State: state}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

// Healthz reports view and subscription states. It answers 503 until every view is ready.
func (h *Handler) Healthz(c *gin.Context) {
	views := map[string]viewStatus{
		"rentals":  statusOf(h.views.Rentals.State(), h.views.Rentals.Err()),
		"units":    statusOf(h.views.Units.State(), h.views.Units.Err()),
		"bookings": statusOf(h.views.Bookings.State(), h.views.Bookings.Err()),
	}

	code := http.StatusOK
	for _, v := range views {
		if v.State != view.Ready {
			code = http.StatusServiceUnavailable
		}
	}

	subs := []subscriptionStatus{}
	if h.subs != nil {
		for _, s := range h.subs.Active() {
			subs = append(subs, subscriptionStatus{
				ID:         s.ID(),
				Collection: s.Collection(),
				Filter:     s.Filter().String(),
				State:      s.State().String(),
				CreatedAt:  s.CreatedAt(),
			})
		}
	}

	resp := gin.H{"views": views, "subscriptions": subs}
	if h.coordinator != nil {
		resp["pending_writes"] = h.coordinator.Pending()
	}
	c.JSON(code, resp)
}
