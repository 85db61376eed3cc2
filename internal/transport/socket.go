// Package transport provides push-token sources for the registration
// coordinator. Vendor channels (FCM, HMS) are host-supplied; the generic
// channel is a websocket connection to the backend's message stream that
// doubles as the notification feed.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/pushbeam/beam/internal/domain/devicestore"
	"github.com/pushbeam/beam/internal/observability"
)

// TokenProvider yields the push token for one transport channel. Vendor SDK
// adapters implement this outside the module; the generic socket implements
// it below.
type TokenProvider interface {
	Transport() devicestore.Transport
	// Token blocks until the channel has a token or ctx is done.
	Token(ctx context.Context) (string, error)
}

// Handler receives the raw payload of each pushed notification.
type Handler func(payload []byte)

const (
	socketPingInterval         = 30 * time.Second
	socketPingTimeout          = 5 * time.Second
	socketMaxReconnectInterval = 30 * time.Second
	socketReadLimit            = 1 << 20
)

// envelope frames every message on the socket.
type envelope struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Socket maintains the persistent connection to the backend message stream.
// The first frame after each dial announces the subscription id, which serves
// as this channel's push token.
type Socket struct {
	baseURL string
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.RWMutex
	conn   *websocket.Conn

	ready     chan struct{}
	readyOnce sync.Once

	tokenMu sync.RWMutex
	token   string
}

// NewSocket prepares a connection to the stream endpoint. Start must be
// called before Token resolves.
func NewSocket(baseURL string, handler Handler) *Socket {
	return &Socket{
		baseURL: baseURL,
		handler: handler,
		ready:   make(chan struct{}),
	}
}

// Transport identifies the generic channel.
func (s *Socket) Transport() devicestore.Transport {
	return devicestore.TransportGeneric
}

// Token blocks until the backend has announced a subscription id.
func (s *Socket) Token(ctx context.Context) (string, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for socket subscription: %w", ctx.Err())
	}
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.token, nil
}

// Start dials in the background and keeps the session alive until Stop. It
// returns once the first connection is established, or fails after a timeout.
func (s *Socket) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.connect(); err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Error("socket connection loop ended",
				observability.F("error", err.Error()))
		}
	}()

	select {
	case <-s.ready:
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("timeout waiting for socket connection")
	case <-s.ctx.Done():
		return fmt.Errorf("socket start: %w", s.ctx.Err())
	}
}

// Stop closes the connection and waits for the session loop to exit.
func (s *Socket) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

// connect dials, consumes frames and re-dials with exponential spacing after
// each session ends, until the context terminates.
func (s *Socket) connect() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = socketMaxReconnectInterval

	for {
		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(s.ctx, s.baseURL, nil)
		if err != nil {
			observability.Log().Warn("socket dial failed",
				observability.F("error", err.Error()))
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = socketMaxReconnectInterval
			}
			select {
			case <-s.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		conn.SetReadLimit(socketReadLimit)
		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		backoffCfg.Reset()

		connCtx, connCancel := context.WithCancel(s.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- s.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- s.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			observability.Log().Warn("socket session ended",
				observability.F("error", firstErr.Error()))
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = socketMaxReconnectInterval
		}
		select {
		case <-s.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("socket read: %w", err)
		}
		s.dispatch(data)
	}
}

func (s *Socket) dispatch(data []byte) {
	var frame envelope
	if err := json.Unmarshal(data, &frame); err != nil {
		observability.Log().Warn("undecodable socket frame",
			observability.F("error", err.Error()))
		return
	}
	switch frame.Type {
	case "ready":
		s.tokenMu.Lock()
		s.token = frame.SubscriptionID
		s.tokenMu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
	case "notification":
		if s.handler != nil && len(frame.Payload) > 0 {
			s.handler(frame.Payload)
		}
	default:
		observability.Log().Debug("ignoring socket frame",
			observability.F("type", frame.Type))
	}
}

func (s *Socket) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(socketPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, socketPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return context.Canceled
				}
				return fmt.Errorf("socket ping: %w", err)
			}
		}
	}
}

// StaticTokenProvider adapts a host-supplied token (for example from a vendor
// push SDK) into a TokenProvider.
type StaticTokenProvider struct {
	transport devicestore.Transport
	token     string
}

func NewStaticTokenProvider(transport devicestore.Transport, token string) *StaticTokenProvider {
	return &StaticTokenProvider{transport: transport, token: token}
}

func (p *StaticTokenProvider) Transport() devicestore.Transport {
	return p.transport
}

func (p *StaticTokenProvider) Token(context.Context) (string, error) {
	if p.token == "" {
		return "", errors.New("no token supplied")
	}
	return p.token, nil
}
