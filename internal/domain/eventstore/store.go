// Package eventstore defines persistence contracts for the durable analytics queue.
package eventstore

import (
	"context"
)

// Event encapsulates a single analytics entry ready to be enqueued.
type Event struct {
	Type           string
	Timestamp      int64
	DeviceID       *string
	SessionID      *string
	NotificationID *string
	UserID         *string
	Data           map[string]string
	TTLSeconds     int
}

// PendingEvent captures the persisted state of a queued analytics entry.
// IDs are assigned by the store and increase monotonically with insertion
// order; RetryCount only ever grows.
type PendingEvent struct {
	ID             int64
	Type           string
	Timestamp      int64
	DeviceID       *string
	SessionID      *string
	NotificationID *string
	UserID         *string
	Data           map[string]string
	TTLSeconds     int
	RetryCount     int
}

// ExpiresAt returns the epoch-millis moment after which the event is discarded unsent.
func (e PendingEvent) ExpiresAt() int64 {
	return e.Timestamp + int64(e.TTLSeconds)*1000
}

// Store abstracts persistence operations for the pending-event queue. The
// dispatch worker is the sole mutator; producers only enqueue.
type Store interface {
	Enqueue(ctx context.Context, evt Event) (PendingEvent, error)
	ListAll(ctx context.Context) ([]PendingEvent, error)
	Remove(ctx context.Context, id int64) error
	UpdateRetryCount(ctx context.Context, id int64, count int) error
}
