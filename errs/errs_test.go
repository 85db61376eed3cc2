package errs_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pushbeam/beam/errs"
)

func TestErrorStringIncludesDiagnostics(t *testing.T) {
	cause := errors.New("connection refused")
	err := errs.New("/event", errs.CodeValidation,
		errs.WithHTTP(503),
		errs.WithStatusRange(200, 299),
		errs.WithMessage("unexpected status"),
		errs.WithRawBody(`{"error":"maintenance"}`),
		errs.WithCause(cause),
	)

	msg := err.Error()
	require.Contains(t, msg, "endpoint=/event")
	require.Contains(t, msg, "code=validation")
	require.Contains(t, msg, "http=503")
	require.Contains(t, msg, "accepted=200..299")
	require.Contains(t, msg, "maintenance")
	require.ErrorIs(t, err, cause)
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", errs.New("/device", errs.CodeAuth))
	require.Equal(t, errs.CodeAuth, errs.CodeOf(wrapped))
	require.Equal(t, errs.Code(""), errs.CodeOf(errors.New("plain")))
}

func TestStatusRangeContains(t *testing.T) {
	r := errs.StatusRange{Lo: 200, Hi: 299}
	require.True(t, r.Contains(204))
	require.False(t, r.Contains(301))
}

func TestRecoverableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "api.invalid"}, true},
		{"connection reset", fmt.Errorf("post: %w", syscall.ECONNRESET), true},
		{"network envelope", errs.New("/event", errs.CodeNetwork), true},
		{"parsing envelope", errs.New("/event", errs.CodeParsing), false},
		{"validation envelope", errs.New("/event", errs.CodeValidation), false},
		{"auth envelope", errs.New("/oauth/token", errs.CodeAuth), false},
		{"plain programming error", errors.New("nil pointer"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, errs.Recoverable(tc.err))
		})
	}
}

func TestRecoverableUnwrapsEnvelopeCause(t *testing.T) {
	// A parsing failure stays permanent even when caused by a timeout while
	// reading the body.
	err := errs.New("/event", errs.CodeParsing, errs.WithCause(context.DeadlineExceeded))
	require.False(t, errs.Recoverable(err))
}
