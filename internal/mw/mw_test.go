package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, path string, header ...string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	r.ServeHTTP(w, req)
	return w
}

func TestCache(t *testing.T) {
	store := cache.New(time.Minute, time.Minute)
	calls := 0

	r := gin.New()
	r.Use(Cache(store, time.Minute), Invalidate(store))
	r.GET("/api/units", func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"calls": calls})
	})
	r.GET("/api/broken", func(c *gin.Context) {
		calls++
		c.JSON(http.StatusInternalServerError, gin.H{"error": "boom"})
	})
	r.POST("/api/bookings", func(c *gin.Context) { c.Status(http.StatusCreated) })

	first := serve(r, http.MethodGet, "/api/units?page=1")
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	second := serve(r, http.MethodGet, "/api/units?page=1")
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.JSONEq(t, `{"calls":1}`, second.Body.String())
	etag := second.Header().Get("ETag")
	assert.NotEmpty(t, etag)

	notModified := serve(r, http.MethodGet, "/api/units?page=1", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, notModified.Code)
	assert.Empty(t, notModified.Body.String())

	// different query, different entry
	serve(r, http.MethodGet, "/api/units?page=2")
	assert.Equal(t, 2, calls)

	bypass := serve(r, http.MethodGet, "/api/units?page=1", "Cache-Control", "no-cache")
	assert.JSONEq(t, `{"calls":3}`, bypass.Body.String())

	serve(r, http.MethodPost, "/api/bookings")
	assert.Equal(t, 0, store.ItemCount())

	serve(r, http.MethodGet, "/api/broken")
	serve(r, http.MethodGet, "/api/broken")
	assert.Equal(t, 5, calls, "error responses are not cached")
}

func TestRateLimiter(t *testing.T) {
	limiter := NewIPRateLimiter(rate.Limit(1), 2, time.Minute)
	r := gin.New()
	r.Use(RateLimit(limiter))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(ip string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, get("10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, get("10.0.0.1").Code)
	limited := get("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, get("10.0.0.2").Code, "buckets are per client")
	assert.Equal(t, 2, limiter.Tracked())
}
