// Package dispatcher fans received notifications out to registered listeners.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"

	"github.com/pushbeam/beam/internal/observability"
)

// Notification is a message pushed to this device.
type Notification struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Title   string            `json:"title,omitempty"`
	Message string            `json:"message"`
	Time    int64             `json:"time"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// Listener handles one delivered notification. Errors are aggregated per
// dispatch; a failing listener never blocks the others.
type Listener func(ctx context.Context, notification Notification) error

// Fanout keeps an explicit listener registry and dispatches each notification
// to every listener concurrently.
type Fanout struct {
	mu         sync.RWMutex
	listeners  map[string]Listener
	maxWorkers int
}

// NewFanout creates an empty registry. maxWorkers bounds per-dispatch
// concurrency; zero or negative selects GOMAXPROCS.
func NewFanout(maxWorkers int) *Fanout {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	return &Fanout{
		listeners:  make(map[string]Listener),
		maxWorkers: maxWorkers,
	}
}

// AddListener registers a listener under id, replacing any previous one.
func (f *Fanout) AddListener(id string, listener Listener) {
	if id == "" || listener == nil {
		return
	}
	f.mu.Lock()
	f.listeners[id] = listener
	f.mu.Unlock()
}

// RemoveListener drops the listener registered under id.
func (f *Fanout) RemoveListener(id string) {
	f.mu.Lock()
	delete(f.listeners, id)
	f.mu.Unlock()
}

// DispatchRaw decodes a wire payload and dispatches it. Undecodable payloads
// are logged and dropped, mirroring the permanent-failure policy elsewhere.
func (f *Fanout) DispatchRaw(ctx context.Context, payload []byte) {
	var notification Notification
	if err := json.Unmarshal(payload, &notification); err != nil {
		observability.Log().Warn("dropping undecodable notification",
			observability.F("error", err.Error()))
		return
	}
	if err := f.Dispatch(ctx, notification); err != nil {
		observability.Log().Warn("notification delivery incomplete",
			observability.F("id", notification.ID),
			observability.F("error", err.Error()))
	}
}

// Dispatch delivers the notification to every registered listener, in
// parallel, and aggregates their failures. A panicking listener is reported
// as a failure rather than crashing the dispatch.
func (f *Fanout) Dispatch(ctx context.Context, notification Notification) error {
	f.mu.RLock()
	ids := make([]string, 0, len(f.listeners))
	for id := range f.listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	listeners := make([]Listener, len(ids))
	for i, id := range ids {
		listeners[i] = f.listeners[id]
	}
	f.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}
	if len(listeners) == 1 {
		return f.deliver(ctx, ids[0], listeners[0], notification)
	}

	workerLimit := f.maxWorkers
	if workerLimit > len(listeners) {
		workerLimit = len(listeners)
	}

	var mu sync.Mutex
	var failures []error
	p := pool.New().WithMaxGoroutines(workerLimit)
	for i := range listeners {
		id := ids[i]
		listener := listeners[i]
		p.Go(func() {
			if err := f.deliver(ctx, id, listener, notification); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
		})
	}
	p.Wait()

	return errors.Join(failures...)
}

func (f *Fanout) deliver(ctx context.Context, id string, listener Listener, notification Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener %s panic: %v", id, r)
		}
	}()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("listener %s: %w", id, ctxErr)
	}
	if err := listener(ctx, notification); err != nil {
		return fmt.Errorf("listener %s: %w", id, err)
	}
	return nil
}
