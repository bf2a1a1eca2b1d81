package optimistic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stable-sync-backend/internal/conflict"
	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/model"
)

// Create shows b in the view under a temporary id, writes it and swaps the temporary
// row for the confirmed one. On a write error or when no confirming event arrives in
// time the temporary row is rolled back.
func (c *Coordinator) Create(ctx context.Context, b model.Booking) (model.Booking, error) {
	const op = "create"

	if b.Status == "" {
		b.Status = model.StatusActive
	}
	if b.PaymentStatus == "" {
		b.PaymentStatus = model.PaymentPending
	}
	if c.opts.RejectConflicts {
		if reports := conflict.CheckProposal(c.view.Records(), b); len(reports) > 0 {
			return model.Booking{}, c.finish(op, fmt.Errorf("%w: %s", ErrConflict, reports[0].Description))
		}
	}

	tempID := c.newTempID()
	provisional := b
	provisional.ID = tempID
	provisional.UpdatedAt = time.Time{}
	bookings := c.view.Bookings()
	bookings.Apply(insertEvent(optimisticRow(provisional.ToEntity())))

	p := &Pending{TempID: tempID, Op: op, IssuedAt: time.Now().UTC()}
	c.track(p)
	defer c.untrack(p)

	b.ID = ""
	b.ClientRef = tempID
	writeCtx, cancel := c.writeContext(ctx)
	confirmed, err := c.writer.CreateBooking(writeCtx, b)
	cancel()
	if err != nil {
		bookings.Revert(tempID, nil)
		c.logger.Warn("booking create rejected, rolled back", zap.String("temp_id", tempID), zap.Error(err))
		return model.Booking{}, c.finish(op, &WriteError{Op: op, Err: err})
	}

	// The confirmed row carries client_ref, so applying it retires the temporary row
	// before the confirming event could add a duplicate.
	c.mu.Lock()
	p.ID = confirmed.ID
	p.WriteIssued = true
	c.mu.Unlock()
	bookings.Apply(insertEvent(confirmed.ToEntity()))

	err = c.await(ctx, confirmed.ID, func(m seenMark) bool {
		return !m.deleted && !m.updatedAt.Before(confirmed.UpdatedAt)
	})
	if errors.Is(err, ErrReconcileTimeout) {
		bookings.Revert(confirmed.ID, nil)
		c.logger.Warn("booking create not reconciled, rolled back",
			zap.String("temp_id", tempID), zap.String("id", confirmed.ID), zap.Duration("timeout", c.opts.ReconcileTimeout))
	}
	return confirmed, c.finish(op, err)
}

// Update applies fields to a booking locally, then writes them.
func (c *Coordinator) Update(ctx context.Context, id string, fields map[string]any) (model.Booking, error) {
	return c.mutate(ctx, "update", id, fields, func(ctx context.Context) (model.Booking, error) {
		return c.writer.UpdateBooking(ctx, id, fields)
	})
}

// Cancel marks a booking cancelled locally, then writes it.
func (c *Coordinator) Cancel(ctx context.Context, id string) (model.Booking, error) {
	fields := map[string]any{"status": string(model.StatusCancelled)}
	return c.mutate(ctx, "cancel", id, fields, func(ctx context.Context) (model.Booking, error) {
		return c.writer.CancelBooking(ctx, id)
	})
}

func (c *Coordinator) mutate(ctx context.Context, op, id string, fields map[string]any, write func(context.Context) (model.Booking, error)) (model.Booking, error) {
	bookings := c.view.Bookings()
	prior, ok := bookings.Get(id)
	if !ok {
		return model.Booking{}, c.finish(op, fmt.Errorf("%s %s: %w", op, id, ErrUnknownBooking))
	}

	// The provisional row keeps prior's timestamp so any real event supersedes it.
	provisional := optimisticRow(prior.With(entity.Entity{Fields: fields}))
	bookings.Apply(updateEvent(provisional))

	p := &Pending{ID: id, Op: op, IssuedAt: time.Now().UTC()}
	c.track(p)
	defer c.untrack(p)

	writeCtx, cancel := c.writeContext(ctx)
	confirmed, err := write(writeCtx)
	cancel()
	if err != nil {
		bookings.Revert(id, &prior)
		c.logger.Warn("booking "+op+" rejected, rolled back", zap.String("id", id), zap.Error(err))
		return model.Booking{}, c.finish(op, &WriteError{Op: op, Err: err})
	}

	c.mu.Lock()
	p.WriteIssued = true
	c.mu.Unlock()
	bookings.Apply(updateEvent(confirmed.ToEntity()))

	err = c.await(ctx, id, func(m seenMark) bool {
		return !m.deleted && !m.updatedAt.Before(confirmed.UpdatedAt)
	})
	if errors.Is(err, ErrReconcileTimeout) {
		bookings.Revert(id, &prior)
		c.logger.Warn("booking "+op+" not reconciled, rolled back", zap.String("id", id), zap.Duration("timeout", c.opts.ReconcileTimeout))
	}
	return confirmed, c.finish(op, err)
}

// Remove drops a booking from the view, then deletes it.
func (c *Coordinator) Remove(ctx context.Context, id string) error {
	const op = "remove"

	bookings := c.view.Bookings()
	prior, ok := bookings.Get(id)
	if !ok {
		return c.finish(op, fmt.Errorf("%s %s: %w", op, id, ErrUnknownBooking))
	}
	bookings.Apply(deleteEvent(prior))

	p := &Pending{ID: id, Op: op, IssuedAt: time.Now().UTC()}
	c.track(p)
	defer c.untrack(p)

	writeCtx, cancel := c.writeContext(ctx)
	err := c.writer.DeleteBooking(writeCtx, id)
	cancel()
	if err != nil {
		bookings.Revert(id, &prior)
		c.logger.Warn("booking remove rejected, rolled back", zap.String("id", id), zap.Error(err))
		return c.finish(op, &WriteError{Op: op, Err: err})
	}

	c.mu.Lock()
	p.WriteIssued = true
	c.mu.Unlock()

	err = c.await(ctx, id, func(m seenMark) bool { return m.deleted })
	if errors.Is(err, ErrReconcileTimeout) {
		bookings.Revert(id, &prior)
		c.logger.Warn("booking remove not reconciled, rolled back", zap.String("id", id), zap.Duration("timeout", c.opts.ReconcileTimeout))
	}
	return c.finish(op, err)
}
