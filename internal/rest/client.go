// Package rest implements the HTTP request pipeline shared by every SDK module:
// request construction, identity headers, per-endpoint authentication and
// response decoding.
package rest

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pushbeam/beam/config"
	"github.com/pushbeam/beam/internal/domain/devicestore"
	"github.com/pushbeam/beam/internal/observability"
	"github.com/pushbeam/beam/internal/telemetry"
)

// SDKVersion is stamped into the User-Agent and version headers of every request.
const SDKVersion = "3.2.0"

const (
	headerSDKVersion = "X-Notificare-SDK-Version"
	headerAppVersion = "X-Notificare-App-Version"
)

// Client builds, signs and sends API requests.
type Client struct {
	baseURL    string
	httpClient *http.Client
	app        config.AppInfo
	creds      config.AppCredentials
	state      devicestore.Store
	auth       *Authenticator
	clock      func() time.Time
}

// NewClient constructs a request pipeline bound to the given backend and
// device state store.
func NewClient(cfg config.Settings, state devicestore.Store) *Client {
	timeout := cfg.Services.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := new(http.Client)
	httpClient.Timeout = timeout

	c := &Client{
		baseURL:    strings.TrimRight(cfg.Services.RESTBaseURL, "/"),
		httpClient: httpClient,
		app:        cfg.App,
		creds:      cfg.Credentials,
		state:      state,
		clock:      time.Now,
	}
	c.auth = NewAuthenticator(c.baseURL, cfg.Credentials, state, httpClient, time.Now)
	return c
}

// Authenticator exposes the token-renewal coordinator, primarily for tests.
func (c *Client) Authenticator() *Authenticator {
	return c.auth
}

// WithClock overrides the internal clock, primarily for testing.
func (c *Client) WithClock(clock func() time.Time) *Client {
	if clock != nil {
		c.clock = clock
		c.auth.clock = clock
	}
	return c
}

// WithMetrics attaches renewal instrumentation. A nil bundle records nothing.
func (c *Client) WithMetrics(metrics *telemetry.Metrics) *Client {
	c.auth.metrics = metrics
	return c
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("Accept-Language", c.acceptLanguage(req))
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set(headerSDKVersion, SDKVersion)
	appVersion := strings.TrimSpace(c.app.Version)
	if appVersion == "" {
		appVersion = "unknown"
	}
	req.Header.Set(headerAppVersion, appVersion)
}

// acceptLanguage resolves the device's preferred language/region, falling back
// to the system locale.
func (c *Client) acceptLanguage(req *http.Request) string {
	language := ""
	region := ""
	if c.state != nil {
		if v, err := c.state.PreferredLanguage(req.Context()); err == nil {
			language = strings.TrimSpace(v)
		}
		if v, err := c.state.PreferredRegion(req.Context()); err == nil {
			region = strings.TrimSpace(v)
		}
	}
	if language == "" {
		language, region = systemLocale()
	}
	if language == "" {
		return "en"
	}
	if region == "" {
		return language
	}
	return language + "-" + region
}

func (c *Client) userAgent() string {
	name := strings.TrimSpace(c.app.Name)
	if name == "" {
		name = "beam-host"
	}
	version := strings.TrimSpace(c.app.Version)
	if version == "" {
		version = "0.0.0"
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteString("/")
	b.WriteString(version)
	b.WriteString(" beam/")
	b.WriteString(SDKVersion)
	b.WriteString(" (")
	b.WriteString(osDescription())
	b.WriteString(")")
	return b.String()
}

func (c *Client) attachAuth(req *http.Request, mode AuthMode) {
	switch mode {
	case AuthNone:
	case AuthBasic:
		if c.creds.Key == "" || c.creds.Secret == "" {
			observability.Log().Warn("request sent without application credentials",
				observability.F("path", req.URL.Path))
			return
		}
		req.SetBasicAuth(c.creds.Key, c.creds.Secret)
	case AuthBearer:
		token := c.auth.AccessToken(req.Context())
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

// systemLocale parses the POSIX LANG variable into language and region parts.
func systemLocale() (string, string) {
	raw := strings.TrimSpace(os.Getenv("LANG"))
	if raw == "" {
		return "", ""
	}
	if idx := strings.IndexAny(raw, ".@"); idx >= 0 {
		raw = raw[:idx]
	}
	parts := strings.SplitN(raw, "_", 2)
	language := strings.ToLower(strings.TrimSpace(parts[0]))
	if language == "" || language == "c" || language == "posix" {
		return "", ""
	}
	region := ""
	if len(parts) == 2 {
		region = strings.ToUpper(strings.TrimSpace(parts[1]))
	}
	return language, region
}
