package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"stable-sync-backend/internal/optimistic"
	"stable-sync-backend/internal/store"
	"stable-sync-backend/internal/subscription"
	"stable-sync-backend/internal/view"
)

// Views are the live entity views served by the API.
type Views struct {
	Rentals  *view.RentalView
	Units    *view.UnitView
	Bookings *view.BookingView
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store       store.Store
	views       Views
	coordinator *optimistic.Coordinator
	subs        *subscription.Manager
	webpush     *webpush.Options
	logger      *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, views Views, coordinator *optimistic.Coordinator, subs *subscription.Manager, webpushOptions *webpush.Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:       s,
		views:       views,
		coordinator: coordinator,
		subs:        subs,
		webpush:     webpushOptions,
		logger:      logger,
	}
}

// abortWithError maps a domain error onto a status code.
func (h *Handler) abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, optimistic.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, optimistic.ErrUnknownBooking), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidField):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
