// Package worker drains the durable event queue against the backend, applying
// the expiry and retry policy that gives queued analytics their at-least-once
// delivery under unreliable connectivity.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/pushbeam/beam/config"
	"github.com/pushbeam/beam/errs"
	"github.com/pushbeam/beam/internal/domain/eventstore"
	"github.com/pushbeam/beam/internal/observability"
	"github.com/pushbeam/beam/internal/rest"
	"github.com/pushbeam/beam/internal/telemetry"
)

// MaxRetries is the default ceiling on recoverable delivery attempts per
// event. An event whose retry count reaches the ceiling is discarded.
const MaxRetries = 5

// bookkeepingTimeout bounds store writes issued after the batch context has
// already been cancelled.
const bookkeepingTimeout = 5 * time.Second

// Sender delivers a single queued event to the backend.
type Sender interface {
	Send(ctx context.Context, event eventstore.PendingEvent) error
}

// eventEnvelope is the wire shape of a queued event.
type eventEnvelope struct {
	Type           string            `json:"type"`
	Timestamp      int64             `json:"timestamp"`
	DeviceID       *string           `json:"deviceID,omitempty"`
	SessionID      *string           `json:"sessionID,omitempty"`
	NotificationID *string           `json:"notification,omitempty"`
	UserID         *string           `json:"userID,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
}

// RESTSender posts events through the shared request pipeline.
type RESTSender struct {
	client *rest.Client
}

func NewRESTSender(client *rest.Client) *RESTSender {
	return &RESTSender{client: client}
}

// Send posts the event fire-and-forget; the response body is ignored.
func (s *RESTSender) Send(ctx context.Context, event eventstore.PendingEvent) error {
	payload := eventEnvelope{
		Type:           event.Type,
		Timestamp:      event.Timestamp,
		DeviceID:       event.DeviceID,
		SessionID:      event.SessionID,
		NotificationID: event.NotificationID,
		UserID:         event.UserID,
		Data:           event.Data,
	}
	_, err := s.client.NewRequest(http.MethodPost, "/event").
		Body(payload).
		ExecuteRaw(ctx)
	return err
}

// Dispatcher drains the event store sequentially in insertion order.
type Dispatcher struct {
	store      eventstore.Store
	sender     Sender
	limiter    *rate.Limiter
	maxRetries int
	metrics    *telemetry.Metrics
	clock      func() time.Time
}

// NewDispatcher wires a drain pass over the store. cfg.PostsPerSecond
// throttles outbound deliveries (zero disables the throttle); cfg.MaxRetries
// defaults to MaxRetries when unset.
func NewDispatcher(store eventstore.Store, sender Sender, cfg config.WorkerSettings, metrics *telemetry.Metrics) *Dispatcher {
	var limiter *rate.Limiter
	if cfg.PostsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PostsPerSecond), 1)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	return &Dispatcher{
		store:      store,
		sender:     sender,
		limiter:    limiter,
		maxRetries: maxRetries,
		metrics:    metrics,
		clock:      time.Now,
	}
}

// WithClock overrides the dispatcher's clock, primarily for testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	if clock != nil {
		d.clock = clock
	}
	return d
}

// Drain processes every stored event once, in insertion order. A store
// failure aborts the remainder of the batch; the untouched tail stays queued
// for the next run. Delivery failures never abort the batch: they resolve
// into a per-event retry or drop decision.
func (d *Dispatcher) Drain(ctx context.Context) error {
	started := d.clock()
	defer func() {
		d.metrics.RecordDrain(ctx, d.clock().Sub(started))
	}()

	events, err := d.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list queued events: %w", err)
	}
	for _, event := range events {
		if err := d.processOne(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) processOne(ctx context.Context, event eventstore.PendingEvent) error {
	now := d.clock().UnixMilli()
	if now > event.ExpiresAt() {
		d.metrics.RecordDropped(ctx, event.Type, telemetry.DropExpired)
		if err := d.store.Remove(ctx, event.ID); err != nil {
			return fmt.Errorf("remove expired event %d: %w", event.ID, err)
		}
		return nil
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("dispatch throttle: %w", err)
		}
	}

	sendErr := d.sender.Send(ctx, event)

	// A cancellation that failed the send is a recoverable outcome; the
	// bookkeeping write recording it must not fail on the same dead context.
	writeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.Background(), bookkeepingTimeout)
		defer cancel()
	}

	if sendErr == nil {
		d.metrics.RecordDelivered(ctx, event.Type)
		if err := d.store.Remove(writeCtx, event.ID); err != nil {
			return fmt.Errorf("remove delivered event %d: %w", event.ID, err)
		}
		return nil
	}

	if !errs.Recoverable(sendErr) {
		observability.Log().Warn("dropping undeliverable event",
			observability.F("id", event.ID),
			observability.F("type", event.Type),
			observability.F("error", sendErr.Error()))
		d.metrics.RecordDropped(ctx, event.Type, telemetry.DropUnrecoverable)
		if err := d.store.Remove(writeCtx, event.ID); err != nil {
			return fmt.Errorf("remove undeliverable event %d: %w", event.ID, err)
		}
		return nil
	}

	next := event.RetryCount + 1
	if next >= d.maxRetries {
		observability.Log().Warn("event exceeded retry ceiling",
			observability.F("id", event.ID),
			observability.F("type", event.Type),
			observability.F("retries", next))
		d.metrics.RecordDropped(ctx, event.Type, telemetry.DropRetryCeiling)
		if err := d.store.Remove(writeCtx, event.ID); err != nil {
			return fmt.Errorf("remove exhausted event %d: %w", event.ID, err)
		}
		return nil
	}

	observability.Log().Debug("event delivery failed, keeping for retry",
		observability.F("id", event.ID),
		observability.F("retryCount", next),
		observability.F("error", sendErr.Error()))
	d.metrics.RecordRetried(ctx, event.Type)
	if err := d.store.UpdateRetryCount(writeCtx, event.ID, next); err != nil {
		return fmt.Errorf("persist retry count for event %d: %w", event.ID, err)
	}
	return nil
}
