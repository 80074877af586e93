// Package expiry keeps delivery notifications' countdowns fresh and drives
// the terminal expired transition. One cancellable timer runs per tracked
// delivery; a failure refreshing one delivery never affects another.
//
// Tracking is deliberately in-memory only. A restart loses live countdowns,
// but the durable token TTLs still make expired tokens unusable; the
// countdown is a UX affordance, not the security boundary.
package expiry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sealdrop/sealdrop/internal/logging"
	"github.com/sealdrop/sealdrop/internal/server/notify"
)

// TokenRevoker invalidates every outstanding view token of a delivery.
// This is the correctness-critical part of the terminal sequence.
type TokenRevoker interface {
	RevokeByDelivery(ctx context.Context, deliveryID string) error
}

// Archiver requests ledger-side archival of a delivery's contract.
// Archival during expiry is cleanup, not the access-control boundary, so
// failures here are logged and the terminal sequence continues.
type Archiver interface {
	ArchiveDelivery(ctx context.Context, deliveryID string) error
}

// trackedTimer is the in-memory registration of one delivery. The render
// fields are captured at registration time; ticks never re-derive them from
// the payload.
type trackedTimer struct {
	deliveryID string
	expiresAt  *time.Time
	timer      *time.Timer
	msgRef     notify.MessageRef
	render     notify.Renderable
}

// Engine schedules per-delivery countdown refreshes at an adaptive cadence.
type Engine struct {
	revoker  TokenRevoker
	archiver Archiver
	notifier notify.Notifier
	logger   logging.Logger

	mu      sync.Mutex
	tracked map[string]*trackedTimer
	closed  bool
}

func NewEngine(revoker TokenRevoker, archiver Archiver, notifier notify.Notifier, logger logging.Logger) *Engine {
	return &Engine{
		revoker:  revoker,
		archiver: archiver,
		notifier: notifier,
		logger:   logger.With("component", "expiry"),
		tracked:  make(map[string]*trackedTimer),
	}
}

// Track registers a delivery. A nil expiresAt registers it for render
// bookkeeping only; no timer runs and the delivery is untracked purely on
// acknowledgement. Re-tracking an id replaces the previous registration.
func (e *Engine) Track(deliveryID string, expiresAt *time.Time, render notify.Renderable, msgRef notify.MessageRef) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	if prev, ok := e.tracked[deliveryID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}

	tt := &trackedTimer{
		deliveryID: deliveryID,
		expiresAt:  expiresAt,
		msgRef:     msgRef,
		render:     render,
	}
	e.tracked[deliveryID] = tt

	if expiresAt != nil {
		tt.timer = time.AfterFunc(nextDelay(time.Until(*expiresAt)), func() { e.tick(deliveryID) })
	}
}

// SetArchiver installs the archiver after construction. The engine and the
// archiver reference each other, so one side binds late.
func (e *Engine) SetArchiver(a Archiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.archiver = a
}

// Acknowledge cancels any scheduled refresh and forgets the delivery,
// independent of the tick cycle.
func (e *Engine) Acknowledge(deliveryID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.untrackLocked(deliveryID)
}

// Tracking reports whether the delivery is currently registered.
func (e *Engine) Tracking(deliveryID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tracked[deliveryID]
	return ok
}

// Close cancels all timers. No further network calls are made; durable token
// TTLs carry correctness across the restart.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id := range e.tracked {
		e.untrackLocked(id)
	}
}

func (e *Engine) untrackLocked(deliveryID string) {
	if tt, ok := e.tracked[deliveryID]; ok {
		if tt.timer != nil {
			tt.timer.Stop()
		}
		delete(e.tracked, deliveryID)
	}
}

// tick refreshes one delivery's countdown or, once expiresAt is reached,
// runs the terminal sequence.
func (e *Engine) tick(deliveryID string) {
	e.mu.Lock()
	tt, ok := e.tracked[deliveryID]
	if !ok || e.closed {
		e.mu.Unlock()
		return
	}
	// A re-track may have replaced the registration with a no-TTL one while
	// this tick was already in flight.
	if tt.expiresAt == nil {
		e.mu.Unlock()
		return
	}

	remaining := time.Until(*tt.expiresAt)
	if remaining > 0 {
		tt.timer = time.AfterFunc(nextDelay(remaining), func() { e.tick(deliveryID) })
		render := tt.render
		render.Countdown = FormatRemaining(remaining)
		msgRef := tt.msgRef
		e.mu.Unlock()

		ctx := context.Background()
		if err := e.notifier.UpdateNotification(ctx, msgRef, render); err != nil {
			e.logger.Warn(ctx, "countdown refresh failed", "delivery_id", deliveryID, "error", err.Error())
		}
		return
	}

	e.untrackLocked(deliveryID)
	render := tt.render
	render.Countdown = ""
	render.Expired = true
	msgRef := tt.msgRef
	e.mu.Unlock()

	e.expire(deliveryID, msgRef, render)
}

// expire revokes outstanding view tokens, requests best-effort archival, and
// pushes the terminal render. Revocation failures are logged loudly but do
// not abort the sequence: the durable token TTL already makes the token
// unusable on its own.
func (e *Engine) expire(deliveryID string, msgRef notify.MessageRef, render notify.Renderable) {
	ctx := context.Background()

	e.mu.Lock()
	archiver := e.archiver
	e.mu.Unlock()

	if err := e.revoker.RevokeByDelivery(ctx, deliveryID); err != nil {
		e.logger.Error(ctx, "revoking tokens of expired delivery failed", "delivery_id", deliveryID, "error", err.Error())
	}
	if archiver == nil {
		e.logger.Warn(ctx, "no archiver bound, skipping ledger archival", "delivery_id", deliveryID)
	} else if err := archiver.ArchiveDelivery(ctx, deliveryID); err != nil {
		e.logger.Warn(ctx, "ledger archival of expired delivery failed", "delivery_id", deliveryID, "error", err.Error())
	}
	if err := e.notifier.UpdateNotification(ctx, msgRef, render); err != nil {
		e.logger.Warn(ctx, "expired render update failed", "delivery_id", deliveryID, "error", err.Error())
	}

	e.logger.Info(ctx, "delivery expired", "delivery_id", deliveryID)
}

// refreshInterval picks the countdown cadence for the remaining time.
func refreshInterval(remaining time.Duration) time.Duration {
	switch {
	case remaining < 5*time.Minute:
		return 30 * time.Second
	case remaining < time.Hour:
		return time.Minute
	case remaining < 24*time.Hour:
		return 5 * time.Minute
	default:
		return 30 * time.Minute
	}
}

// nextDelay schedules the next tick: the cadence for the remaining time, but
// never past the expiry instant itself. Recomputing this on every tick is
// what tightens the cadence as a threshold is crossed.
func nextDelay(remaining time.Duration) time.Duration {
	if remaining <= 0 {
		return 0
	}
	if iv := refreshInterval(remaining); iv < remaining {
		return iv
	}
	return remaining
}

// FormatRemaining renders a remaining duration the way the notification
// displays it.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
