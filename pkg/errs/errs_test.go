package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeAndKind(t *testing.T) {
	err := New(KindState, "mandate_expired", "mandate is past its expiry")
	assert.Equal(t, "mandate_expired", CodeOf(err))
	assert.Equal(t, KindState, KindOf(err))
	assert.True(t, IsCode(err, "mandate_expired"))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("pq: connection refused")
	err := Wrap(cause, KindService, CodeServiceUnavailable, "store unavailable")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrap_ThroughFmtErrorf(t *testing.T) {
	inner := New(KindRateLimit, "rate_limit_minute", "too many requests")
	outer := fmt.Errorf("verify chain: %w", inner)

	assert.Equal(t, "rate_limit_minute", CodeOf(outer))
	assert.Equal(t, KindRateLimit, KindOf(outer))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation(CodeInvalidJSON, "bad body"), http.StatusBadRequest},
		{New(KindAuth, CodeUnauthenticated, ""), http.StatusUnauthorized},
		{New(KindAuth, "domain_not_authorized", ""), http.StatusForbidden},
		{New(KindState, "mandate_replayed", ""), http.StatusConflict},
		{New(KindPolicy, CodePolicyViolation, ""), http.StatusForbidden},
		{New(KindCrypto, "signature_invalid", ""), http.StatusBadRequest},
		{NotFound("agent", "agent_x"), http.StatusNotFound},
		{New(KindRateLimit, "rate_limit_day", ""), http.StatusTooManyRequests},
		{New(KindService, CodeChainSubmitFailed, ""), http.StatusServiceUnavailable},
		{Internal(errors.New("boom")), http.StatusInternalServerError},
		{errors.New("foreign"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), CodeOf(tc.err))
	}
}

func TestToResponse_RedactsCryptoDetails(t *testing.T) {
	err := New(KindCrypto, "signature_invalid", "signature verification failed").
		WithDetail("algorithm", "ed25519")

	resp := ToResponse(err, "req_1")
	assert.Equal(t, "signature_invalid", resp.Code)
	assert.Equal(t, "req_1", resp.RequestID)
	assert.Nil(t, resp.Details, "crypto errors must not leak sub-check details")
}

func TestToResponse_KeepsStateDetails(t *testing.T) {
	err := NotFound("journey", "jrny_abc")
	resp := ToResponse(err, "req_2")

	require.NotNil(t, resp.Details)
	assert.Equal(t, "jrny_abc", resp.Details["id"])
}

func TestToResponse_ForeignError(t *testing.T) {
	resp := ToResponse(errors.New("panic: nil deref"), "req_3")
	assert.Equal(t, CodeInternal, resp.Code)
	assert.NotContains(t, resp.Message, "nil deref")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindService, CodeServiceUnavailable, "")))
	assert.False(t, Retryable(New(KindPolicy, CodePolicyViolation, "")))
}
