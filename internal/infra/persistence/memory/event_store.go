// Package memory provides in-process implementations of the persistence
// contracts, used by tests and by hosts that opt out of a database.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pushbeam/beam/internal/domain/eventstore"
)

// EventStore keeps pending events in insertion order behind a mutex.
type EventStore struct {
	mu     sync.Mutex
	nextID int64
	events []eventstore.PendingEvent
}

// NewEventStore constructs an empty in-memory event queue.
func NewEventStore() *EventStore {
	return &EventStore{nextID: 1}
}

// Enqueue appends the event and assigns the next monotonic identifier.
func (s *EventStore) Enqueue(_ context.Context, evt eventstore.Event) (eventstore.PendingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := eventstore.PendingEvent{
		ID:             s.nextID,
		Type:           evt.Type,
		Timestamp:      evt.Timestamp,
		DeviceID:       evt.DeviceID,
		SessionID:      evt.SessionID,
		NotificationID: evt.NotificationID,
		UserID:         evt.UserID,
		Data:           cloneData(evt.Data),
		TTLSeconds:     evt.TTLSeconds,
		RetryCount:     0,
	}
	s.nextID++
	s.events = append(s.events, record)
	return record, nil
}

// ListAll returns a copy of the queue in insertion order.
func (s *EventStore) ListAll(context.Context) ([]eventstore.PendingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]eventstore.PendingEvent, len(s.events))
	copy(out, s.events)
	return out, nil
}

// Remove deletes the event with the given id.
func (s *EventStore) Remove(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, evt := range s.events {
		if evt.ID == id {
			s.events = append(s.events[:i], s.events[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("event store: remove: id %d not found", id)
}

// UpdateRetryCount persists the incremented retry counter for the event.
func (s *EventStore) UpdateRetryCount(_ context.Context, id int64, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].RetryCount = count
			return nil
		}
	}
	return fmt.Errorf("event store: update retry count: id %d not found", id)
}

func cloneData(data map[string]string) map[string]string {
	if data == nil {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

var _ eventstore.Store = (*EventStore)(nil)
