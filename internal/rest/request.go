package rest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/pushbeam/beam/errs"
)

// AuthMode selects the credential attached to a request.
type AuthMode int

const (
	// AuthNone sends the request without credentials.
	AuthNone AuthMode = iota
	// AuthBasic signs with the static application key/secret.
	AuthBasic
	// AuthBearer signs with the current access token and renews it on rejection.
	AuthBearer
)

const maxDiagnosticBody = 4 << 10

// Request accumulates the pieces of a single API call.
type Request struct {
	client   *Client
	method   string
	path     string
	query    url.Values
	body     []byte
	bodyErr  error
	auth     AuthMode
	accepted errs.StatusRange
}

// NewRequest starts a request builder for the method and path.
func (c *Client) NewRequest(method, path string) *Request {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &Request{
		client:   c,
		method:   method,
		path:     path,
		query:    url.Values{},
		auth:     AuthBasic,
		accepted: errs.StatusRange{Lo: 200, Hi: 299},
	}
}

// Query adds a query parameter.
func (r *Request) Query(key, value string) *Request {
	r.query.Set(key, value)
	return r
}

// Auth overrides the credential mode for this request.
func (r *Request) Auth(mode AuthMode) *Request {
	r.auth = mode
	return r
}

// Accept overrides the accepted status range (defaults to 2xx).
func (r *Request) Accept(lo, hi int) *Request {
	r.accepted = errs.StatusRange{Lo: lo, Hi: hi}
	return r
}

// Body attaches a JSON-encoded request body.
func (r *Request) Body(payload any) *Request {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.bodyErr = errs.New(r.path, errs.CodeInvalid,
			errs.WithMessage("encode request body"), errs.WithCause(err))
		return r
	}
	r.body = raw
	return r
}

// Execute sends the request and decodes the response body into out. Passing a
// nil out skips decoding.
func (r *Request) Execute(ctx context.Context, out any) error {
	resp, body, err := r.send(ctx)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.New(r.path, errs.CodeParsing,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("decode response body"),
			errs.WithCause(err))
	}
	return nil
}

// ExecuteRaw sends the request and discards the response body, returning only
// the status code. Used for fire-and-forget posts.
func (r *Request) ExecuteRaw(ctx context.Context) (int, error) {
	resp, _, err := r.send(ctx)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

// send performs the HTTP exchange, attaching identity and auth headers. A
// bearer-protected request rejected with 401 triggers a single-flight token
// renewal and is replayed exactly once with the fresh credentials.
func (r *Request) send(ctx context.Context) (*http.Response, []byte, error) {
	if r.bodyErr != nil {
		return nil, nil, r.bodyErr
	}
	resp, body, err := r.attempt(ctx)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && r.auth == AuthBearer {
		if _, renewErr := r.client.auth.Renew(ctx); renewErr != nil {
			return nil, nil, renewErr
		}
		resp, body, err = r.attempt(ctx)
		if err != nil {
			return nil, nil, err
		}
	}
	if !r.accepted.Contains(resp.StatusCode) {
		diagnostic := body
		if len(diagnostic) > maxDiagnosticBody {
			diagnostic = diagnostic[:maxDiagnosticBody]
		}
		return nil, nil, errs.New(r.path, errs.CodeValidation,
			errs.WithHTTP(resp.StatusCode),
			errs.WithStatusRange(r.accepted.Lo, r.accepted.Hi),
			errs.WithRawBody(string(diagnostic)))
	}
	return resp, body, nil
}

func (r *Request) attempt(ctx context.Context) (*http.Response, []byte, error) {
	target := r.client.baseURL + r.path
	if encoded := r.query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	var reader io.Reader
	if r.body != nil {
		reader = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, reader)
	if err != nil {
		return nil, nil, errs.New(r.path, errs.CodeInvalid,
			errs.WithMessage("create request"), errs.WithCause(err))
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	r.client.applyHeaders(req)
	r.client.attachAuth(req, r.auth)

	resp, err := r.client.httpClient.Do(req)
	if err != nil {
		return nil, nil, errs.New(r.path, errs.CodeNetwork,
			errs.WithMessage("request failed"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, errs.New(r.path, errs.CodeNetwork,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("read response body"), errs.WithCause(err))
	}
	return resp, body, nil
}

func osDescription() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}
