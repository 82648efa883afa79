package reqctx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRequestID_GeneratesWhenEmpty(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	assert.NotEmpty(t, RequestID(ctx))
}

func TestRequestID_AbsentIsEmpty(t *testing.T) {
	assert.Equal(t, "", RequestID(context.Background()))
}

func TestMiddleware_ReusesClientID(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/mandates/verify", nil)
	req.Header.Set("X-Request-ID", "req_client_7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req_client_7", seen)
	assert.Equal(t, "req_client_7", rec.Header().Get("X-Request-ID"))
}

func TestWithTimeout_NeverExtendsParent(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	child, childCancel := WithTimeout(parent, 10*time.Second)
	defer childCancel()

	deadline, ok := child.Deadline()
	require.True(t, ok)
	assert.LessOrEqual(t, time.Until(deadline), 50*time.Millisecond)
}

func TestWithTimeout_AppliesWhenParentLonger(t *testing.T) {
	child, cancel := WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := child.Deadline()
	require.True(t, ok)

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child context did not expire")
	}
}
