package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pushbeam/beam/internal/domain/eventstore"
)

// EventStore persists pending analytics events awaiting transmission.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore constructs an EventStore backed by the provided pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const (
	eventInsertSQL = `
INSERT INTO pending_events (
    event_type,
    event_timestamp,
    device_id,
    session_id,
    notification_id,
    user_id,
    data,
    ttl_seconds
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING
    id,
    event_type,
    event_timestamp,
    device_id,
    session_id,
    notification_id,
    user_id,
    data,
    ttl_seconds,
    retry_count;
`

	eventListSQL = `
SELECT
    id,
    event_type,
    event_timestamp,
    device_id,
    session_id,
    notification_id,
    user_id,
    data,
    ttl_seconds,
    retry_count
FROM pending_events
ORDER BY id ASC;
`

	eventDeleteSQL = `
DELETE FROM pending_events
WHERE id = $1;
`

	eventRetrySQL = `
UPDATE pending_events
SET retry_count = $2
WHERE id = $1;
`
)

// Enqueue inserts a new event and returns the persisted record.
func (s *EventStore) Enqueue(ctx context.Context, evt eventstore.Event) (eventstore.PendingEvent, error) {
	if s.pool == nil {
		return eventstore.PendingEvent{}, fmt.Errorf("event store: nil pool")
	}
	eventType := strings.TrimSpace(evt.Type)
	if eventType == "" {
		return eventstore.PendingEvent{}, fmt.Errorf("event store: event type required")
	}
	data, err := encodeData(evt.Data)
	if err != nil {
		return eventstore.PendingEvent{}, fmt.Errorf("event store: %w", err)
	}
	row := s.pool.QueryRow(ctx, eventInsertSQL,
		eventType, evt.Timestamp, evt.DeviceID, evt.SessionID, evt.NotificationID, evt.UserID, data, evt.TTLSeconds)
	return scanPendingEvent(row)
}

// ListAll returns every pending event in insertion order.
func (s *EventStore) ListAll(ctx context.Context) ([]eventstore.PendingEvent, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("event store: nil pool")
	}
	rows, err := s.pool.Query(ctx, eventListSQL)
	if err != nil {
		return nil, fmt.Errorf("event store: list: %w", err)
	}
	defer rows.Close()

	var records []eventstore.PendingEvent
	for rows.Next() {
		record, err := scanPendingEvent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event store: iterate: %w", err)
	}
	return records, nil
}

// Remove deletes the event with the given identifier.
func (s *EventStore) Remove(ctx context.Context, id int64) error {
	if s.pool == nil {
		return fmt.Errorf("event store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, eventDeleteSQL, id)
	if err != nil {
		return fmt.Errorf("event store: remove: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event store: remove: no rows deleted")
	}
	return nil
}

// UpdateRetryCount persists the retry counter for the event.
func (s *EventStore) UpdateRetryCount(ctx context.Context, id int64, count int) error {
	if s.pool == nil {
		return fmt.Errorf("event store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, eventRetrySQL, id, count)
	if err != nil {
		return fmt.Errorf("event store: update retry count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event store: update retry count: no rows updated")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingEvent(row rowScanner) (eventstore.PendingEvent, error) {
	var (
		record         eventstore.PendingEvent
		deviceID       pgtype.Text
		sessionID      pgtype.Text
		notificationID pgtype.Text
		userID         pgtype.Text
		dataJSON       []byte
	)
	if err := row.Scan(
		&record.ID,
		&record.Type,
		&record.Timestamp,
		&deviceID,
		&sessionID,
		&notificationID,
		&userID,
		&dataJSON,
		&record.TTLSeconds,
		&record.RetryCount,
	); err != nil {
		return eventstore.PendingEvent{}, fmt.Errorf("event store: scan record: %w", err)
	}
	record.DeviceID = textPtr(deviceID)
	record.SessionID = textPtr(sessionID)
	record.NotificationID = textPtr(notificationID)
	record.UserID = textPtr(userID)
	data, err := decodeData(dataJSON)
	if err != nil {
		return eventstore.PendingEvent{}, fmt.Errorf("event store: %w", err)
	}
	record.Data = data
	return record, nil
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	v := t.String
	return &v
}

var _ eventstore.Store = (*EventStore)(nil)
