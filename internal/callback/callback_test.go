// Copyright 2025 James Ross
package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flyingrobots/drip-gateway/internal/job"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return New(Config{
		Timeout:       time.Second,
		MaxRetries:    3,
		BackoffBase:   5 * time.Millisecond,
		BackoffCap:    20 * time.Millisecond,
		BackoffJitter: 0.1,
	}, zap.NewNop())
}

func TestDispatchSkippedWhenNoCallbackURL(t *testing.T) {
	d := newDispatcher(t)
	out := d.Dispatch(context.Background(), "", Payload{JobID: "j1"})
	require.True(t, out.Skipped)
	require.True(t, out.Success)
}

func TestDispatchSucceedsAndSetsHeaders(t *testing.T) {
	var gotAttempt, gotIdempotency string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAttempt = r.Header.Get("x-attempt")
		gotIdempotency = r.Header.Get("x-idempotency-key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newDispatcher(t)
	out := d.Dispatch(context.Background(), srv.URL, Payload{JobID: "j1", Status: job.StatusCompleted})
	require.True(t, out.Success)
	require.Equal(t, "1", gotAttempt)
	require.Equal(t, "result:j1", gotIdempotency)
}

func TestDispatchSignsWithCallbackSignatureHeader(t *testing.T) {
	var gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("x-callback-signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Config{
		Timeout:       time.Second,
		MaxRetries:    3,
		BackoffBase:   5 * time.Millisecond,
		BackoffCap:    20 * time.Millisecond,
		BackoffJitter: 0.1,
		SigningSecret: "shh",
	}, zap.NewNop())

	out := d.Dispatch(context.Background(), srv.URL, Payload{JobID: "j1", Status: job.StatusCompleted})
	require.True(t, out.Success)
	require.NotEmpty(t, gotSignature)
	require.Regexp(t, "^sha256=[0-9a-f]{64}$", gotSignature)
}

func TestDispatchRetriesThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newDispatcher(t)
	out := d.Dispatch(context.Background(), srv.URL, Payload{JobID: "j1", Status: job.StatusFailed})
	require.False(t, out.Success)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}
