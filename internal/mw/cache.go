package mw

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// snapshot is a stored GET response.
type snapshot struct {
	status int
	header http.Header
	body   []byte
	etag   string
}

// recorder tees the response body while it is written to the client.
type recorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) WriteString(s string) (int, error) {
	r.buf.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// Cache serves repeated GETs of the same URI from store for ttl. Responses replayed
// from the store carry an ETag, and a matching If-None-Match gets 304. A request with
// "Cache-Control: no-cache" skips the store and replaces the entry.
func Cache(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := c.Request.URL.RequestURI()
		if c.GetHeader("Cache-Control") != "no-cache" {
			if v, ok := store.Get(key); ok {
				replay(c, v.(*snapshot))
				return
			}
		}

		rec := &recorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Header("X-Cache", "MISS")
		c.Next()

		status := rec.Status()
		if status < http.StatusOK || status >= http.StatusMultipleChoices {
			return
		}
		header := rec.Header().Clone()
		header.Del("X-Cache")
		body := rec.buf.Bytes()
		store.Set(key, &snapshot{status: status, header: header, body: body, etag: etagOf(body)}, ttl)
	}
}

func replay(c *gin.Context, s *snapshot) {
	h := c.Writer.Header()
	for k, v := range s.header {
		h[k] = v
	}
	h.Set("X-Cache", "HIT")
	h.Set("ETag", s.etag)
	if c.GetHeader("If-None-Match") == s.etag {
		c.AbortWithStatus(http.StatusNotModified)
		return
	}
	c.Writer.WriteHeader(s.status)
	c.Writer.Write(s.body)
	c.Abort()
}

func etagOf(body []byte) string {
	sum := sha1.Sum(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// Invalidate drops every stored response once a mutating request succeeds.
func Invalidate(store *cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}
		if c.Writer.Status() < http.StatusBadRequest {
			store.Flush()
		}
	}
}
