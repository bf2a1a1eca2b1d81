package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"stable-sync-backend/internal/model"
	"stable-sync-backend/internal/store"
)

// pushSubscriptionRequest mirrors the browser's PushSubscription JSON plus the owner
// whose conflict alerts it receives.
type pushSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256DH string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
	OwnerID string `json:"owner_id" binding:"required"`
}

type pushSubscriptionResponse struct {
	Endpoint  string    `json:"endpoint"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PutPushSubscription registers a browser for an owner's conflict alerts. Registering
// the same endpoint again moves it to the new owner and keys.
func (h *Handler) PutPushSubscription(c *gin.Context) {
	var req pushSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push subscription"})
		return
	}

	err := h.store.SavePushSubscription(c.Request.Context(), model.PushSubscription{
		Endpoint: req.Endpoint,
		P256DH:   req.Keys.P256DH,
		Auth:     req.Keys.Auth,
		OwnerID:  req.OwnerID,
	})
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (h *Handler) GetPushSubscription(c *gin.Context) {
	endpoint, ok := endpointParam(c)
	if !ok {
		return
	}
	sub, err := h.store.GetPushSubscription(c.Request.Context(), endpoint)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "push subscription not found"})
		return
	}
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, pushSubscriptionResponse{Endpoint: sub.Endpoint, OwnerID: sub.OwnerID, CreatedAt: sub.CreatedAt})
}

// DeletePushSubscription unregisters an endpoint. Unknown endpoints are not an error.
func (h *Handler) DeletePushSubscription(c *gin.Context) {
	endpoint, ok := endpointParam(c)
	if !ok {
		return
	}
	if err := h.store.DeletePushSubscription(c.Request.Context(), endpoint); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// endpointParam reads ?endpoint= without URL-decoding it, since push endpoints are
// stored and matched byte for byte. It answers 400 itself when the parameter is missing.
func endpointParam(c *gin.Context) (string, bool) {
	for _, kv := range strings.Split(c.Request.URL.RawQuery, "&") {
		if v, found := strings.CutPrefix(kv, "endpoint="); found && v != "" {
			return v, true
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
	return "", false
}

// GetVAPIDPublicKey hands browsers the application server key they subscribe with.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.webpush == nil || h.webpush.VAPIDPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push alerts are disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": h.webpush.VAPIDPublicKey})
}
