// Package beam is the public surface of the SDK. An SDK value owns the
// explicit capability registry the host assembles at startup: stores, the
// request pipeline, the registration coordinator, the dispatch worker and the
// notification fanout. There are no package-level singletons; every
// capability is reached through the SDK value.
package beam

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pushbeam/beam/config"
	"github.com/pushbeam/beam/errs"
	"github.com/pushbeam/beam/internal/device"
	"github.com/pushbeam/beam/internal/dispatcher"
	"github.com/pushbeam/beam/internal/domain/devicestore"
	"github.com/pushbeam/beam/internal/domain/eventstore"
	"github.com/pushbeam/beam/internal/infra/persistence/memory"
	"github.com/pushbeam/beam/internal/observability"
	"github.com/pushbeam/beam/internal/rest"
	"github.com/pushbeam/beam/internal/storefront"
	"github.com/pushbeam/beam/internal/telemetry"
	"github.com/pushbeam/beam/internal/transport"
	"github.com/pushbeam/beam/internal/worker"
	"github.com/pushbeam/beam/lib/async"
)

// Notification re-exports the dispatched notification shape.
type Notification = dispatcher.Notification

// Listener re-exports the notification listener signature.
type Listener = dispatcher.Listener

// Product re-exports the storefront catalog entry.
type Product = storefront.Product

// Option customises SDK assembly.
type Option func(*SDK)

// WithDeviceStore substitutes the device/session state backend.
func WithDeviceStore(store devicestore.Store) Option {
	return func(s *SDK) { s.state = store }
}

// WithEventStore substitutes the durable event queue backend.
func WithEventStore(store eventstore.Store) Option {
	return func(s *SDK) { s.events = store }
}

// WithTokenProvider registers a push-token source consulted at launch.
func WithTokenProvider(provider transport.TokenProvider) Option {
	return func(s *SDK) { s.providers = append(s.providers, provider) }
}

// WithMetrics attaches dispatch instrumentation.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(s *SDK) { s.metrics = metrics }
}

// SDK is the assembled client. Configure once with New, then Launch.
type SDK struct {
	cfg       config.Settings
	state     devicestore.Store
	events    eventstore.Store
	client    *rest.Client
	coord     *device.Coordinator
	fanout    *dispatcher.Fanout
	dispatch  *worker.Dispatcher
	metrics   *telemetry.Metrics
	providers []transport.TokenProvider

	// lifeMu serializes Launch and Shutdown; the runner and pool are
	// recreated on every Launch.
	lifeMu sync.Mutex
	runner *worker.Runner
	socket *transport.Socket

	// poolMu guards only the pool pointer so submissions never contend
	// with an in-progress Shutdown waiting on the pool itself.
	poolMu sync.Mutex
	pool   *async.Pool

	mu        sync.Mutex
	sessionID string
	launched  atomic.Bool
}

// New assembles the SDK from settings. Both stores default to in-memory
// implementations; hosts wanting durability pass the postgres-backed ones.
func New(cfg config.Settings, opts ...Option) (*SDK, error) {
	if cfg.Credentials.Key == "" || cfg.Credentials.Secret == "" {
		observability.Log().Warn("application credentials missing, requests will be unauthenticated")
	}

	s := &SDK{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.state == nil {
		s.state = memory.NewDeviceStore()
	}
	if s.events == nil {
		s.events = memory.NewEventStore()
	}

	s.client = rest.NewClient(cfg, s.state).WithMetrics(s.metrics)
	s.coord = device.NewCoordinator(s.client, s.state, cfg.App)
	s.fanout = dispatcher.NewFanout(0)
	s.dispatch = worker.NewDispatcher(s.events, worker.NewRESTSender(s.client), cfg.Worker, s.metrics)

	pool, err := async.NewPool(asyncWorkers, asyncQueueDepth)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	return s, nil
}

const (
	asyncWorkers    = 4
	asyncQueueDepth = 64
)

// Launch registers the device, binds available transport tokens, opens the
// live socket and starts the dispatch worker. It is idempotent: concurrent
// and repeated calls open a single session.
func (s *SDK) Launch(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.launched.Load() {
		return nil
	}

	if _, err := s.coord.Register(ctx); err != nil {
		return err
	}

	for _, provider := range s.providers {
		token, err := provider.Token(ctx)
		if err != nil {
			observability.Log().Warn("transport token unavailable",
				observability.F("transport", string(provider.Transport())),
				observability.F("error", err.Error()))
			continue
		}
		if _, err := s.coord.RegisterTransportToken(ctx, provider.Transport(), token); err != nil {
			return err
		}
	}

	if s.cfg.Services.SocketURL != "" {
		s.socket = transport.NewSocket(s.cfg.Services.SocketURL, func(payload []byte) {
			s.fanout.DispatchRaw(context.Background(), payload)
		})
		if err := s.socket.Start(ctx); err != nil {
			observability.Log().Warn("live socket unavailable",
				observability.F("error", err.Error()))
			s.socket = nil
		} else if token, err := s.socket.Token(ctx); err == nil {
			if _, err := s.coord.RegisterTransportToken(ctx, s.socket.Transport(), token); err != nil {
				observability.Log().Warn("socket transport registration failed",
					observability.F("error", err.Error()))
			}
		}
	}

	s.mu.Lock()
	s.sessionID = uuid.NewString()
	s.mu.Unlock()

	s.poolMu.Lock()
	if s.pool == nil {
		pool, err := async.NewPool(asyncWorkers, asyncQueueDepth)
		if err != nil {
			s.poolMu.Unlock()
			return err
		}
		s.pool = pool
	}
	s.poolMu.Unlock()
	s.runner = worker.NewRunner(s.dispatch, s.cfg.Worker.Interval)
	s.runner.Start(ctx)
	s.launched.Store(true)

	if err := s.LogEvent(ctx, "session.start", nil); err != nil {
		observability.Log().Warn("session start event not recorded",
			observability.F("error", err.Error()))
	}
	return nil
}

// Shutdown stops background work and drains the async surface. The device
// registration survives; Launch may be called again later and gets a fresh
// worker loop and async pool.
func (s *SDK) Shutdown(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.launched.Load() {
		return nil
	}
	if err := s.LogEvent(ctx, "session.end", nil); err != nil {
		observability.Log().Warn("session end event not recorded",
			observability.F("error", err.Error()))
	}
	s.launched.Store(false)
	s.runner.Stop()
	s.runner = nil
	if s.socket != nil {
		s.socket.Stop()
		s.socket = nil
	}
	s.poolMu.Lock()
	pool := s.pool
	s.pool = nil
	s.poolMu.Unlock()
	return pool.Shutdown(ctx)
}

func (s *SDK) notReady(op string) error {
	return errs.New(op, errs.CodeNotReady,
		errs.WithMessage("sdk not launched"))
}

// LogEvent queues an analytics event for background delivery. The event is
// stamped with the device, session and user identity at enqueue time.
func (s *SDK) LogEvent(ctx context.Context, eventType string, data map[string]string) error {
	if !s.launched.Load() {
		return s.notReady("/event")
	}
	record, err := s.state.Device(ctx)
	if err != nil {
		return err
	}

	event := eventstore.Event{
		Type:       eventType,
		Timestamp:  time.Now().UnixMilli(),
		Data:       data,
		TTLSeconds: int(s.cfg.Worker.DefaultTTL.Seconds()),
	}
	s.mu.Lock()
	if s.sessionID != "" {
		session := s.sessionID
		event.SessionID = &session
	}
	s.mu.Unlock()
	if record != nil {
		deviceID := record.ID
		event.DeviceID = &deviceID
		event.UserID = record.UserID
	}

	_, err = s.events.Enqueue(ctx, event)
	return err
}

// LogEventAsync is the callback-style adapter over LogEvent for hosts that
// cannot block. The callback receives the enqueue outcome.
func (s *SDK) LogEventAsync(eventType string, data map[string]string, done func(error)) {
	s.submit(func(ctx context.Context) error {
		err := s.LogEvent(ctx, eventType, data)
		if done != nil {
			done(err)
		}
		return err
	})
}

// Login associates a user with this device.
func (s *SDK) Login(ctx context.Context, userID, userName string) error {
	if !s.launched.Load() {
		return s.notReady("/device")
	}
	return s.coord.Login(ctx, userID, userName)
}

// LoginAsync is the callback-style adapter over Login.
func (s *SDK) LoginAsync(userID, userName string, done func(error)) {
	s.submit(func(ctx context.Context) error {
		err := s.Login(ctx, userID, userName)
		if done != nil {
			done(err)
		}
		return err
	})
}

// Logout clears the user association.
func (s *SDK) Logout(ctx context.Context) error {
	if !s.launched.Load() {
		return s.notReady("/device")
	}
	return s.coord.Logout(ctx)
}

// UpdateUserData replaces the device's custom user data.
func (s *SDK) UpdateUserData(ctx context.Context, data map[string]string) error {
	if !s.launched.Load() {
		return s.notReady("/device")
	}
	return s.coord.UpdateUserData(ctx, data)
}

// OnLocaleChanged forwards a host locale change to the coordinator,
// best-effort.
func (s *SDK) OnLocaleChanged(ctx context.Context, language, region string) {
	if !s.launched.Load() {
		return
	}
	s.coord.OnLocaleChanged(ctx, language, region)
}

// OnTimeZoneChanged forwards a host timezone change to the coordinator,
// best-effort.
func (s *SDK) OnTimeZoneChanged(ctx context.Context) {
	if !s.launched.Load() {
		return
	}
	s.coord.OnTimeZoneChanged(ctx)
}

// CurrentDevice returns the persisted device record, nil before first
// registration.
func (s *SDK) CurrentDevice(ctx context.Context) (*devicestore.DeviceRecord, error) {
	return s.coord.Current(ctx)
}

// AddListener registers a notification listener under id.
func (s *SDK) AddListener(id string, listener Listener) {
	s.fanout.AddListener(id, listener)
}

// RemoveListener drops the notification listener registered under id.
func (s *SDK) RemoveListener(id string) {
	s.fanout.RemoveListener(id)
}

// FetchProducts reads the in-app product catalog.
func (s *SDK) FetchProducts(ctx context.Context) ([]Product, error) {
	if !s.launched.Load() {
		return nil, s.notReady("/product")
	}
	return storefront.NewCatalog(s.client).Fetch(ctx)
}

func (s *SDK) submit(task async.Task) {
	s.poolMu.Lock()
	pool := s.pool
	s.poolMu.Unlock()
	if pool == nil {
		observability.Log().Warn("async task rejected",
			observability.F("error", "sdk stopped"))
		return
	}
	if err := pool.Submit(context.Background(), task); err != nil {
		observability.Log().Warn("async task rejected",
			observability.F("error", err.Error()))
	}
}
