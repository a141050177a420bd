// Copyright 2025 James Ross
package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/drip-gateway/internal/job"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := New(rdb, "test", Retention{
		CompletedCount: 10,
		CompletedAge:   time.Hour,
		FailedCount:    10,
		FailedAge:      time.Hour,
		BatchTTL:       time.Hour,
		ResultTTL:      time.Hour,
	})
	return s, mr
}

func TestClaimNextPriorityOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	low := &job.Job{JobID: "low", Tool: "t", Priority: 8, EnqueuedAt: time.Now()}
	high := &job.Job{JobID: "high", Tool: "t", Priority: 1, EnqueuedAt: time.Now()}
	require.NoError(t, s.PushOne(ctx, low))
	require.NoError(t, s.PushOne(ctx, high))

	claimed, err := s.ClaimNext(ctx, time.Second, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, "high", claimed.JobID)
}

func TestClaimNextFIFOWithinPriority(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := &job.Job{JobID: "a", Tool: "t", Priority: 5, EnqueuedAt: time.Now()}
	second := &job.Job{JobID: "b", Tool: "t", Priority: 5, EnqueuedAt: time.Now()}
	require.NoError(t, s.PushOne(ctx, first))
	require.NoError(t, s.PushOne(ctx, second))

	c1, err := s.ClaimNext(ctx, time.Second, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "a", c1.JobID)

	c2, err := s.ClaimNext(ctx, time.Second, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "b", c2.JobID)
}

func TestReclaimStalledRequeues(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j := &job.Job{JobID: "stuck", Tool: "t", Priority: 5, EnqueuedAt: time.Now()}
	require.NoError(t, s.PushOne(ctx, j))

	claimed, err := s.ClaimNext(ctx, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "stuck", claimed.JobID)

	time.Sleep(50 * time.Millisecond)

	recovered, err := s.ReclaimStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	again, err := s.ClaimNext(ctx, time.Second, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "stuck", again.JobID)
}

func TestBatchCountersAndResults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	b := &job.Batch{BatchID: "b1", Tool: "t", CreatedAt: time.Now(), Total: 2}
	require.NoError(t, s.CreateBatch(ctx, b))
	require.NoError(t, s.IncrBatchCompleted(ctx, "b1"))
	require.NoError(t, s.IncrBatchFailed(ctx, "b1"))

	got, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Completed)
	require.EqualValues(t, 1, got.Failed)
	require.True(t, got.Done())

	r := &job.Result{JobID: "j1", BatchID: "b1", Status: job.StatusCompleted, FinishedAt: time.Now(), StoredAt: time.Now()}
	require.NoError(t, s.WriteResult(ctx, r))

	results, err := s.ListResultsByBatch(ctx, "b1", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "j1", results[0].JobID)
}

func TestRetentionTrimsOldestByCount(t *testing.T) {
	s, _ := newTestStore(t)
	s.retention.CompletedCount = 2
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := &job.Result{
			JobID:      string(rune('a' + i)),
			Status:     job.StatusCompleted,
			FinishedAt: time.Now().Add(time.Duration(i) * time.Second),
			StoredAt:   time.Now(),
		}
		require.NoError(t, s.WriteResult(ctx, r))
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.CompletedRetained)
}
