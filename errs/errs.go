// Package errs provides structured error types and helpers shared across the beam SDK.
package errs

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Code identifies an SDK error category.
type Code string

const (
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeAuth indicates authentication or credential-renewal errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeParsing indicates a response body that did not match the expected schema.
	CodeParsing Code = "parsing"
	// CodeValidation indicates a response status outside the accepted range.
	CodeValidation Code = "validation"
	// CodeNotReady indicates an operation attempted before the SDK finished configuring.
	CodeNotReady Code = "not_ready"
	// CodeServer indicates a backend-side failure.
	CodeServer Code = "server_error"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// StatusRange describes the inclusive span of HTTP statuses an endpoint accepts.
type StatusRange struct {
	Lo int
	Hi int
}

// Contains reports whether the status falls inside the accepted range.
func (r StatusRange) Contains(status int) bool {
	return status >= r.Lo && status <= r.Hi
}

// E captures structured error information produced across the beam stack.
type E struct {
	Endpoint string
	Code     Code
	HTTP     int
	RawBody  string
	Message  string
	Accepted StatusRange

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the endpoint and error code.
func New(endpoint string, code Code, opts ...Option) *E {
	e := &E{
		Endpoint: strings.TrimSpace(endpoint),
		Code:     code,
		HTTP:     0,
		RawBody:  "",
		Message:  "",
		Accepted: StatusRange{},
		cause:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawBody captures the raw response body for diagnostics.
func WithRawBody(body string) Option {
	return func(e *E) {
		e.RawBody = body
	}
}

// WithStatusRange records the status range the endpoint accepts.
func WithStatusRange(lo, hi int) Option {
	return func(e *E) {
		e.Accepted = StatusRange{Lo: lo, Hi: hi}
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	endpoint := strings.TrimSpace(e.Endpoint)
	if endpoint == "" {
		endpoint = "unknown"
	}
	parts = append(parts, "endpoint="+endpoint)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Accepted.Hi > 0 {
		parts = append(parts, "accepted="+strconv.Itoa(e.Accepted.Lo)+".."+strconv.Itoa(e.Accepted.Hi))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawBody != "" {
		parts = append(parts, "raw_body="+strconv.Quote(e.RawBody))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the SDK error code from err, or the empty code when err does
// not carry an envelope.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// Recoverable reports whether err represents a transient failure worth retrying:
// unknown host, socket, timeout, connection reset and task cancellation all
// qualify. Parsing and validation failures never do, regardless of cause.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeParsing, CodeValidation, CodeInvalid, CodeNotReady, CodeAuth:
		return false
	case CodeNetwork, CodeUnavailable:
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	return false
}
