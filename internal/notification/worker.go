package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stable-sync-backend/internal/conflict"
	"stable-sync-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Payload is the JSON body a subscribed browser receives for a conflict alert.
type Payload struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Kind     conflict.Kind     `json:"kind"`
	Severity conflict.Severity `json:"severity"`
	UnitID   string            `json:"unit_id"`
	Bookings []string          `json:"bookings"`
}

// WorkerPool manages a pool of workers that push conflict alerts to the owners of
// the affected units.
type WorkerPool struct {
	size    int
	jobs    chan conflict.Report
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	logger  *zap.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options, logger *zap.Logger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan conflict.Report, size*16),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{}, // Use the real sender by default
		logger:  logger,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log := wp.logger.With(zap.Int("worker", id))
	log.Debug("worker started")
	for {
		select {
		case r := <-wp.jobs:
			log.Debug("processing conflict alert", zap.String("unit_id", r.UnitID), zap.String("kind", string(r.Kind)))
			wp.sendAlertsForReport(ctx, r)
		case <-ctx.Done():
			log.Debug("worker shutting down")
			return
		}
	}
}

// Dispatch queues an alert, blocking while the queue is full.
func (wp *WorkerPool) Dispatch(r conflict.Report) {
	wp.jobs <- r
}

// TryDispatch queues an alert unless the queue is full.
func (wp *WorkerPool) TryDispatch(r conflict.Report) bool {
	select {
	case wp.jobs <- r:
		return true
	default:
		wp.logger.Warn("alert queue full; dropping alert", zap.String("unit_id", r.UnitID), zap.String("kind", string(r.Kind)))
		return false
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan conflict.Report {
	return wp.jobs
}

// sendAlertsForReport pushes r to every subscription of the owner of r's unit.
func (wp *WorkerPool) sendAlertsForReport(ctx context.Context, r conflict.Report) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN rentals r ON r.owner_id = push_subscriptions.owner_id").
		Joins("JOIN units u ON u.rental_id = r.id").
		Where("u.id = ?", r.UnitID).
		Find(&subscriptions).Error
	if err != nil {
		wp.logger.Error("failed to fetch subscriptions", zap.String("unit_id", r.UnitID), zap.Error(err))
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	unitLabel := r.UnitID
	var unit model.Unit
	if err := wp.db.WithContext(ctx).
		Select("name").
		First(&unit, "id = ?", r.UnitID).Error; err != nil {
		wp.logger.Warn("failed to fetch unit", zap.String("unit_id", r.UnitID), zap.Error(err))
	} else if unit.Name != "" {
		unitLabel = unit.Name
	}

	payload, err := json.Marshal(buildPayload(r, unitLabel))
	if err != nil {
		wp.logger.Error("failed to encode alert", zap.Error(err))
		return
	}

	wp.logger.Info("sending conflict alerts", zap.Int("count", len(subscriptions)), zap.String("unit_id", r.UnitID))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

func buildPayload(r conflict.Report, unitLabel string) Payload {
	bookings := append([]string{r.BookingID}, r.Affected...)
	title := fmt.Sprintf("Booking conflict on %s", unitLabel)
	if r.Kind == conflict.DoubleBooking {
		title = fmt.Sprintf("%s is double-booked", unitLabel)
	}
	return Payload{
		Title:    title,
		Body:     r.Description,
		Kind:     r.Kind,
		Severity: r.Severity,
		UnitID:   r.UnitID,
		Bookings: bookings,
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	// Manually construct the webpush.Subscription object
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.logger.Warn("failed to send notification", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		wp.logger.Info("subscription expired; deleting", zap.String("endpoint", sub.Endpoint))
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.logger.Error("failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}
}
