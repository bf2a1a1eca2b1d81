package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"stable-sync-backend/internal/view"
)

var searchFields = map[string][]string{
	"rentals":  {"title", "location"},
	"units":    {"name", "rental_id"},
	"bookings": {"renter_id", "unit_id", "status"},
}

// parseQuery reads q, page, page_size, sort and sort_by.
func parseQuery(c *gin.Context, collection string) (view.Query, bool) {
	q := view.Query{
		Search:       strings.TrimSpace(c.Query("q")),
		SearchFields: searchFields[collection],
		Page:         1,
		PageSize:     20,
	}
	if raw := c.Query("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "page must be a positive integer"})
			return q, false
		}
		q.Page = page
	}
	if raw := c.Query("page_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 1 || size > 200 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "page_size must be between 1 and 200"})
			return q, false
		}
		q.PageSize = size
	}
	switch c.Query("sort") {
	case "":
	case "asc", "desc":
		q.SortField = c.DefaultQuery("sort_by", "updated_at")
		q.Ascending = c.Query("sort") == "asc"
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "sort must be asc or desc"})
		return q, false
	}
	return q, true
}

func (h *Handler) list(c *gin.Context, name string, coll *view.Collection) {
	q, ok := parseQuery(c, name)
	if !ok {
		return
	}
	if coll.State() == view.Failed {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": coll.Err().Error()})
		return
	}
	c.JSON(http.StatusOK, coll.Query(q))
}

// GetRentals handles GET /api/rentals.
func (h *Handler) GetRentals(c *gin.Context) {
	h.list(c, "rentals", h.views.Rentals.Rentals())
}

// GetListings handles GET /api/listings: rentals joined with their unit aggregates.
func (h *Handler) GetListings(c *gin.Context) {
	c.JSON(http.StatusOK, h.views.Rentals.Listings())
}

// GetUnits handles GET /api/units.
func (h *Handler) GetUnits(c *gin.Context) {
	h.list(c, "units", h.views.Units.Units())
}

// GetBookings handles GET /api/bookings.
func (h *Handler) GetBookings(c *gin.Context) {
	h.list(c, "bookings", h.views.Bookings.Bookings())
}
