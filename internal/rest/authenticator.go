package rest

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/pushbeam/beam/config"
	"github.com/pushbeam/beam/errs"
	"github.com/pushbeam/beam/internal/domain/devicestore"
	"github.com/pushbeam/beam/internal/observability"
	"github.com/pushbeam/beam/internal/telemetry"
)

const tokenPath = "/oauth/token"

type renewOutcome struct {
	creds devicestore.Credentials
	err   error
}

// Authenticator coordinates bearer-token renewal so that any number of
// concurrently rejected requests produce exactly one refresh call. Callers
// arriving while a renewal is in flight register as waiters and share its
// outcome; waiters are notified in registration order.
type Authenticator struct {
	baseURL    string
	app        config.AppCredentials
	state      devicestore.Store
	httpClient *http.Client
	clock      func() time.Time
	metrics    *telemetry.Metrics

	mu       sync.Mutex
	renewing bool
	waiters  []chan renewOutcome
}

// NewAuthenticator constructs a renewal coordinator bound to the token endpoint.
func NewAuthenticator(baseURL string, app config.AppCredentials, state devicestore.Store, httpClient *http.Client, clock func() time.Time) *Authenticator {
	if clock == nil {
		clock = time.Now
	}
	return &Authenticator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		app:        app,
		state:      state,
		httpClient: httpClient,
		clock:      clock,
	}
}

// AccessToken returns the currently persisted access token, or empty when no
// credentials exist.
func (a *Authenticator) AccessToken(ctx context.Context) string {
	if a.state == nil {
		return ""
	}
	creds, err := a.state.Credentials(ctx)
	if err != nil || creds == nil {
		return ""
	}
	return creds.AccessToken
}

// Renew obtains fresh credentials, collapsing concurrent callers onto a single
// refresh request. Every caller receives the same outcome.
func (a *Authenticator) Renew(ctx context.Context) (devicestore.Credentials, error) {
	ch := make(chan renewOutcome, 1)

	a.mu.Lock()
	a.waiters = append(a.waiters, ch)
	start := !a.renewing
	if start {
		a.renewing = true
	}
	a.mu.Unlock()

	if start {
		go a.renew()
	}

	select {
	case out := <-ch:
		return out.creds, out.err
	case <-ctx.Done():
		return devicestore.Credentials{}, errs.New(tokenPath, errs.CodeNetwork,
			errs.WithMessage("renewal wait cancelled"), errs.WithCause(ctx.Err()))
	}
}

// renew runs the actual refresh once and resolves every registered waiter.
// The refresh itself is detached from any single caller's context so that one
// cancelled caller cannot abort the renewal the others are waiting on.
// WithMetrics attaches renewal instrumentation. A nil bundle records nothing.
func (a *Authenticator) WithMetrics(metrics *telemetry.Metrics) *Authenticator {
	a.metrics = metrics
	return a
}

func (a *Authenticator) renew() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	creds, err := a.refresh(ctx)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	a.metrics.RecordRenewal(ctx, outcome)
	cancel()

	a.mu.Lock()
	waiters := a.waiters
	a.waiters = nil
	a.renewing = false
	a.mu.Unlock()

	for _, ch := range waiters {
		ch <- renewOutcome{creds: creds, err: err}
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (a *Authenticator) refresh(ctx context.Context) (devicestore.Credentials, error) {
	if a.state == nil {
		return devicestore.Credentials{}, errs.New(tokenPath, errs.CodeAuth,
			errs.WithMessage("no credential store configured"))
	}
	current, err := a.state.Credentials(ctx)
	if err != nil {
		return devicestore.Credentials{}, errs.New(tokenPath, errs.CodeAuth,
			errs.WithMessage("load credentials"), errs.WithCause(err))
	}
	if current == nil {
		return devicestore.Credentials{}, errs.New(tokenPath, errs.CodeAuth,
			errs.WithMessage("cannot refresh without prior credentials"))
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", a.app.Key)
	form.Set("client_secret", a.app.Secret)
	form.Set("refresh_token", current.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+tokenPath,
		strings.NewReader(form.Encode()))
	if err != nil {
		return devicestore.Credentials{}, errs.New(tokenPath, errs.CodeInvalid,
			errs.WithMessage("create refresh request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return devicestore.Credentials{}, errs.New(tokenPath, errs.CodeNetwork,
			errs.WithMessage("refresh request failed"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticBody))
	if err != nil {
		return devicestore.Credentials{}, errs.New(tokenPath, errs.CodeNetwork,
			errs.WithMessage("read refresh response"), errs.WithCause(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return devicestore.Credentials{}, errs.New(tokenPath, errs.CodeAuth,
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawBody(string(body)),
			errs.WithMessage("refresh rejected"))
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return devicestore.Credentials{}, errs.New(tokenPath, errs.CodeParsing,
			errs.WithMessage("decode refresh response"), errs.WithCause(err))
	}
	if token.AccessToken == "" {
		return devicestore.Credentials{}, errs.New(tokenPath, errs.CodeParsing,
			errs.WithMessage("refresh response missing access_token"))
	}

	creds := devicestore.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    a.clock().UnixMilli() + token.ExpiresIn*1000,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = current.RefreshToken
	}
	if err := a.state.PutCredentials(ctx, creds); err != nil {
		return devicestore.Credentials{}, errs.New(tokenPath, errs.CodeUnavailable,
			errs.WithMessage("persist credentials"), errs.WithCause(err))
	}
	observability.Log().Debug("credentials renewed",
		observability.F("expiresAt", creds.ExpiresAt))
	return creds, nil
}
