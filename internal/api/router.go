package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"stable-sync-backend/config"
	"stable-sync-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router. registry may be nil, in which
// case /metrics is not served.
func NewRouter(h *Handler, cfg config.ServerConfig, registry *prometheus.Registry) *gin.Engine {
	r := gin.Default()
	if cfg.RequestIPHeader != "" {
		r.RemoteIPHeaders = []string{cfg.RequestIPHeader}
	}

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.Cache(cacheStore, ttl)

	r.GET("/healthz", h.Healthz)
	if registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	}

	api := r.Group("/api")
	api.Use(rateLimiter, mw.Invalidate(cacheStore))
	{
		api.GET("/rentals", caching, h.GetRentals)
		api.GET("/listings", caching, h.GetListings)
		api.GET("/units", caching, h.GetUnits)
		api.GET("/bookings", caching, h.GetBookings)
		api.GET("/stats", caching, h.GetStats)
		api.GET("/conflicts", caching, h.GetConflicts)

		api.GET("/bookings/pending", h.GetPendingWrites)
		api.POST("/bookings", h.CreateBooking)
		api.PATCH("/bookings/:id", h.PatchBooking)
		api.POST("/bookings/:id/cancel", h.CancelBooking)
		api.DELETE("/bookings/:id", h.DeleteBooking)

		api.GET("/push-subscriptions", h.GetPushSubscription)
		api.PUT("/push-subscriptions", h.PutPushSubscription)
		api.DELETE("/push-subscriptions", h.DeletePushSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
