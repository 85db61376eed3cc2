package worker_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pushbeam/beam/config"
	"github.com/pushbeam/beam/errs"
	"github.com/pushbeam/beam/internal/domain/eventstore"
	"github.com/pushbeam/beam/internal/infra/persistence/memory"
	"github.com/pushbeam/beam/internal/worker"
)

type scriptedSender struct {
	calls   int
	outcome func(call int, event eventstore.PendingEvent) error
	sent    []int64
}

func (s *scriptedSender) Send(_ context.Context, event eventstore.PendingEvent) error {
	s.calls++
	s.sent = append(s.sent, event.ID)
	if s.outcome == nil {
		return nil
	}
	return s.outcome(s.calls, event)
}

func recoverableErr() error {
	return errs.New("/event", errs.CodeNetwork, errs.WithMessage("connection timed out"))
}

func permanentErr() error {
	return errs.New("/event", errs.CodeValidation, errs.WithHTTP(400))
}

func enqueue(t *testing.T, store eventstore.Store, event eventstore.Event) int64 {
	t.Helper()
	queued, err := store.Enqueue(context.Background(), event)
	require.NoError(t, err)
	return queued.ID
}

func listIDs(t *testing.T, store eventstore.Store) []int64 {
	t.Helper()
	events, err := store.ListAll(context.Background())
	require.NoError(t, err)
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestDrainDeliversInInsertionOrder(t *testing.T) {
	store := memory.NewEventStore()
	now := time.Now().UnixMilli()
	first := enqueue(t, store, eventstore.Event{Type: "session.start", Timestamp: now, TTLSeconds: 3600})
	second := enqueue(t, store, eventstore.Event{Type: "custom", Timestamp: now, TTLSeconds: 3600})
	third := enqueue(t, store, eventstore.Event{Type: "session.end", Timestamp: now, TTLSeconds: 3600})

	sender := &scriptedSender{}
	d := worker.NewDispatcher(store, sender, config.WorkerSettings{}, nil)
	require.NoError(t, d.Drain(context.Background()))

	require.Equal(t, []int64{first, second, third}, sender.sent)
	require.Empty(t, listIDs(t, store))
}

func TestDrainRemovesExpiredWithoutSending(t *testing.T) {
	store := memory.NewEventStore()
	now := time.Now().UnixMilli()
	enqueue(t, store, eventstore.Event{Type: "stale", Timestamp: now - 100_000, TTLSeconds: 1})
	fresh := enqueue(t, store, eventstore.Event{Type: "fresh", Timestamp: now, TTLSeconds: 86_400})

	sender := &scriptedSender{}
	d := worker.NewDispatcher(store, sender, config.WorkerSettings{}, nil)
	require.NoError(t, d.Drain(context.Background()))

	require.Equal(t, []int64{fresh}, sender.sent)
	require.Empty(t, listIDs(t, store))
}

func TestDrainRetriesRecoverableFailure(t *testing.T) {
	store := memory.NewEventStore()
	now := time.Now().UnixMilli()
	id := enqueue(t, store, eventstore.Event{Type: "test", Timestamp: now, TTLSeconds: 86_400})

	sender := &scriptedSender{outcome: func(call int, _ eventstore.PendingEvent) error {
		if call == 1 {
			return recoverableErr()
		}
		return nil
	}}
	d := worker.NewDispatcher(store, sender, config.WorkerSettings{}, nil)

	// First pass times out: the event stays queued with its retry recorded.
	require.NoError(t, d.Drain(context.Background()))
	events, err := store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, id, events[0].ID)
	require.Equal(t, 1, events[0].RetryCount)

	// Second pass succeeds and clears the queue.
	require.NoError(t, d.Drain(context.Background()))
	require.Empty(t, listIDs(t, store))
	require.Equal(t, 2, sender.calls)
}

func TestDrainDropsAtRetryCeiling(t *testing.T) {
	store := memory.NewEventStore()
	now := time.Now().UnixMilli()
	enqueue(t, store, eventstore.Event{Type: "doomed", Timestamp: now, TTLSeconds: 86_400})

	sender := &scriptedSender{outcome: func(int, eventstore.PendingEvent) error {
		return recoverableErr()
	}}
	d := worker.NewDispatcher(store, sender, config.WorkerSettings{}, nil)

	for i := 1; i < worker.MaxRetries; i++ {
		require.NoError(t, d.Drain(context.Background()))
		events, err := store.ListAll(context.Background())
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, i, events[0].RetryCount)
	}

	// The fifth failure exhausts the budget; no sixth attempt happens.
	require.NoError(t, d.Drain(context.Background()))
	require.Empty(t, listIDs(t, store))
	require.Equal(t, worker.MaxRetries, sender.calls)

	require.NoError(t, d.Drain(context.Background()))
	require.Equal(t, worker.MaxRetries, sender.calls)
}

func TestDrainDropsUnrecoverableImmediately(t *testing.T) {
	store := memory.NewEventStore()
	now := time.Now().UnixMilli()
	enqueue(t, store, eventstore.Event{Type: "malformed", Timestamp: now, TTLSeconds: 86_400})

	sender := &scriptedSender{outcome: func(int, eventstore.PendingEvent) error {
		return permanentErr()
	}}
	d := worker.NewDispatcher(store, sender, config.WorkerSettings{}, nil)

	require.NoError(t, d.Drain(context.Background()))
	require.Empty(t, listIDs(t, store))
	require.Equal(t, 1, sender.calls)
}

func TestDrainContinuesPastFailedEvent(t *testing.T) {
	store := memory.NewEventStore()
	now := time.Now().UnixMilli()
	flaky := enqueue(t, store, eventstore.Event{Type: "flaky", Timestamp: now, TTLSeconds: 86_400})
	healthy := enqueue(t, store, eventstore.Event{Type: "healthy", Timestamp: now, TTLSeconds: 86_400})

	sender := &scriptedSender{outcome: func(_ int, event eventstore.PendingEvent) error {
		if event.ID == flaky {
			return recoverableErr()
		}
		return nil
	}}
	d := worker.NewDispatcher(store, sender, config.WorkerSettings{}, nil)

	require.NoError(t, d.Drain(context.Background()))
	require.Equal(t, []int64{flaky, healthy}, sender.sent)
	require.Equal(t, []int64{flaky}, listIDs(t, store))
}

type listFailingStore struct {
	eventstore.Store
}

func (s listFailingStore) ListAll(context.Context) ([]eventstore.PendingEvent, error) {
	return nil, errors.New("storage offline")
}

func TestDrainReportsStoreFailure(t *testing.T) {
	sender := &scriptedSender{}
	d := worker.NewDispatcher(listFailingStore{Store: memory.NewEventStore()}, sender, config.WorkerSettings{}, nil)

	err := d.Drain(context.Background())
	require.Error(t, err)
	require.Zero(t, sender.calls)
}

type removeFailingStore struct {
	eventstore.Store
	failID int64
}

func (s removeFailingStore) Remove(ctx context.Context, id int64) error {
	if id == s.failID {
		return errors.New("storage offline")
	}
	return s.Store.Remove(ctx, id)
}

func TestDrainAbortsBatchOnStoreWriteFailure(t *testing.T) {
	inner := memory.NewEventStore()
	now := time.Now().UnixMilli()
	poisoned := enqueue(t, inner, eventstore.Event{Type: "first", Timestamp: now, TTLSeconds: 86_400})
	enqueue(t, inner, eventstore.Event{Type: "second", Timestamp: now, TTLSeconds: 86_400})

	sender := &scriptedSender{}
	d := worker.NewDispatcher(removeFailingStore{Store: inner, failID: poisoned}, sender, config.WorkerSettings{}, nil)

	err := d.Drain(context.Background())
	require.Error(t, err)
	// The second event was never attempted: the batch aborted at the store error.
	require.Equal(t, []int64{poisoned}, sender.sent)
}

type cancelSensitiveStore struct {
	eventstore.Store
}

func (s cancelSensitiveStore) UpdateRetryCount(ctx context.Context, id int64, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.UpdateRetryCount(ctx, id, count)
}

func TestDrainCountsRetryAfterMidSendCancellation(t *testing.T) {
	inner := memory.NewEventStore()
	now := time.Now().UnixMilli()
	id := enqueue(t, inner, eventstore.Event{Type: "interrupted", Timestamp: now, TTLSeconds: 86_400})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := &scriptedSender{outcome: func(int, eventstore.PendingEvent) error {
		cancel()
		return fmt.Errorf("post event: %w", context.Canceled)
	}}
	d := worker.NewDispatcher(cancelSensitiveStore{Store: inner}, sender, config.WorkerSettings{}, nil)

	// The retry is persisted even though the batch context died mid-send.
	require.NoError(t, d.Drain(ctx))
	events, err := inner.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, id, events[0].ID)
	require.Equal(t, 1, events[0].RetryCount)
}

func TestRunnerDrainsPeriodically(t *testing.T) {
	store := memory.NewEventStore()
	now := time.Now().UnixMilli()
	enqueue(t, store, eventstore.Event{Type: "queued", Timestamp: now, TTLSeconds: 86_400})

	sender := &scriptedSender{}
	runner := worker.NewRunner(worker.NewDispatcher(store, sender, config.WorkerSettings{}, nil), 10*time.Millisecond)
	runner.Start(context.Background())
	defer runner.Stop()

	require.Eventually(t, func() bool {
		events, err := store.ListAll(context.Background())
		return err == nil && len(events) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
