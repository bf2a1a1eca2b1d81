package api

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"stable-sync-backend/internal/model"
	"stable-sync-backend/internal/optimistic"
)

type createBookingRequest struct {
	UnitID        string     `json:"unit_id" binding:"required"`
	RenterID      string     `json:"renter_id" binding:"required"`
	StartDate     time.Time  `json:"start_date" binding:"required"`
	EndDate       *time.Time `json:"end_date"`
	Price         float64    `json:"price" binding:"gte=0"`
	Status        string     `json:"status" binding:"omitempty,oneof=ACTIVE PENDING"`
	PaymentStatus string     `json:"payment_status" binding:"omitempty,oneof=paid pending failed"`
}

type bookingResponse struct {
	ID            string     `json:"id"`
	UnitID        string     `json:"unit_id"`
	RenterID      string     `json:"renter_id"`
	Status        string     `json:"status"`
	PaymentStatus string     `json:"payment_status"`
	StartDate     time.Time  `json:"start_date"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	Price         float64    `json:"price"`
	ClientRef     string     `json:"client_ref,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toBookingResponse(b model.Booking) bookingResponse {
	return bookingResponse{
		ID:            b.ID,
		UnitID:        b.UnitID,
		RenterID:      b.RenterID,
		Status:        string(b.Status),
		PaymentStatus: string(b.PaymentStatus),
		StartDate:     b.StartDate,
		EndDate:       b.EndDate,
		Price:         b.Price,
		ClientRef:     b.ClientRef,
		UpdatedAt:     b.UpdatedAt,
	}
}

// respondMutation writes the confirmed booking. A write that committed but was not
// reconciled in time answers 202 with a warning.
func (h *Handler) respondMutation(c *gin.Context, status int, b model.Booking, err error) {
	if errors.Is(err, optimistic.ErrReconcileTimeout) {
		c.JSON(http.StatusAccepted, gin.H{"booking": toBookingResponse(b), "warning": err.Error()})
		return
	}
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(status, toBookingResponse(b))
}

// CreateBooking handles POST /api/bookings.
func (h *Handler) CreateBooking(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.EndDate != nil && !req.EndDate.After(req.StartDate) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end_date must be after start_date"})
		return
	}

	b, err := h.coordinator.Create(c.Request.Context(), model.Booking{
		UnitID:        req.UnitID,
		RenterID:      req.RenterID,
		StartDate:     req.StartDate.UTC(),
		EndDate:       req.EndDate,
		Price:         req.Price,
		Status:        model.BookingStatus(req.Status),
		PaymentStatus: model.PaymentStatus(req.PaymentStatus),
	})
	h.respondMutation(c, http.StatusCreated, b, err)
}

// PatchBooking handles PATCH /api/bookings/:id with a partial field map.
func (h *Handler) PatchBooking(c *gin.Context) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}
	for k := range fields {
		if !slices.Contains(model.BookingColumns, k) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "field " + k + " cannot be updated"})
			return
		}
	}

	b, err := h.coordinator.Update(c.Request.Context(), c.Param("id"), fields)
	h.respondMutation(c, http.StatusOK, b, err)
}

// CancelBooking handles POST /api/bookings/:id/cancel.
func (h *Handler) CancelBooking(c *gin.Context) {
	b, err := h.coordinator.Cancel(c.Request.Context(), c.Param("id"))
	h.respondMutation(c, http.StatusOK, b, err)
}

// DeleteBooking handles DELETE /api/bookings/:id.
func (h *Handler) DeleteBooking(c *gin.Context) {
	err := h.coordinator.Remove(c.Request.Context(), c.Param("id"))
	if errors.Is(err, optimistic.ErrReconcileTimeout) {
		c.JSON(http.StatusAccepted, gin.H{"warning": err.Error()})
		return
	}
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetPendingWrites handles GET /api/bookings/pending.
func (h *Handler) GetPendingWrites(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.Pending())
}
