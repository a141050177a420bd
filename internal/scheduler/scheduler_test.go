// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/drip-gateway/internal/callback"
	"github.com/flyingrobots/drip-gateway/internal/downstream"
	"github.com/flyingrobots/drip-gateway/internal/dripgate"
	"github.com/flyingrobots/drip-gateway/internal/idempotency"
	"github.com/flyingrobots/drip-gateway/internal/job"
	"github.com/flyingrobots/drip-gateway/internal/registry"
	"github.com/flyingrobots/drip-gateway/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T, downstreamURL string) (*Scheduler, *store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.New(rdb, "test", store.Retention{
		CompletedCount: 100, CompletedAge: time.Hour,
		FailedCount: 100, FailedAge: time.Hour,
		BatchTTL: time.Hour, ResultTTL: time.Hour,
	})
	gate := dripgate.New(rdb, "test:drip", 10*time.Millisecond)
	reg := registry.New([]registry.Entry{
		{Name: "get_linkedin_profile", EndpointPath: "/api/linkedin/profile", Method: http.MethodPost, RequiredParams: []string{"user"}},
	})
	dc := downstream.New(downstream.Config{
		BaseURL: downstreamURL, DefaultTimeout: time.Second, MaxRetries: 1,
		BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond, BackoffJitter: 0,
		BreakerWindow: time.Minute, BreakerCooldown: time.Second, BreakerThreshold: 0.9, BreakerMinSample: 100,
	})
	cb := callback.New(callback.Config{Timeout: time.Second, MaxRetries: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}, zap.NewNop())
	idem := idempotency.New(rdb, "test-idem")

	sched := New(st, gate, reg, dc, cb, idem, zap.NewNop(), Config{
		ClaimPollTimeout: 200 * time.Millisecond,
		LeaseTTL:         time.Minute,
		LeaseRenew:       time.Second,
		MaxAttempts:      3,
		RetryBase:        5 * time.Millisecond,
		ReaperInterval:   time.Hour,
		ResultTTL:        time.Hour,
	})
	return sched, st
}

func TestProcessCompletesOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	sched, st := newTestScheduler(t, srv.URL)
	ctx := context.Background()

	j := &job.Job{JobID: "j1", Tool: "get_linkedin_profile", Params: map[string]any{"user": "x"}, MaxAttempts: 3, EnqueuedAt: time.Now()}
	require.NoError(t, st.PushOne(ctx, j))
	claimed, err := st.ClaimNext(ctx, time.Second, time.Minute)
	require.NoError(t, err)

	sched.process(ctx, claimed)

	result, err := st.GetResult(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, job.StatusCompleted, result.Status)
}

func TestProcessUnknownToolIsTerminal(t *testing.T) {
	sched, st := newTestScheduler(t, "http://unused")
	ctx := context.Background()

	j := &job.Job{JobID: "j2", Tool: "nope", MaxAttempts: 3, EnqueuedAt: time.Now()}
	require.NoError(t, st.PushOne(ctx, j))
	claimed, err := st.ClaimNext(ctx, time.Second, time.Minute)
	require.NoError(t, err)

	sched.process(ctx, claimed)

	result, err := st.GetResult(ctx, "j2")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, job.StatusFailed, result.Status)
}

func TestProcessRetriesThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sched, st := newTestScheduler(t, srv.URL)
	ctx := context.Background()

	j := &job.Job{JobID: "j3", Tool: "get_linkedin_profile", Params: map[string]any{"user": "x"}, MaxAttempts: 2, EnqueuedAt: time.Now()}
	require.NoError(t, st.PushOne(ctx, j))

	for i := 0; i < 2; i++ {
		claimed, err := st.ClaimNext(ctx, time.Second, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		sched.process(ctx, claimed)
		if i == 0 {
			_, _ = st.PromoteDelayed(ctx)
			time.Sleep(20 * time.Millisecond)
			_, _ = st.PromoteDelayed(ctx)
		}
	}

	result, err := st.GetResult(ctx, "j3")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, job.StatusFailed, result.Status)
}
