// Copyright 2025 James Ross
// Package admin provides operational commands against the durable job
// store: stats, peek, and purge, the same shape as the reference work
// queue's admin package but aimed at the store's ZSETs instead of its
// priority lists.
package admin

import (
	"context"
	"fmt"

	"github.com/flyingrobots/drip-gateway/internal/store"
	"github.com/redis/go-redis/v9"
)

// Stats reports queue depth across the waiting, active, delayed and
// retained-result sets.
func Stats(ctx context.Context, st *store.Store) (store.Stats, error) {
	return st.Stats(ctx)
}

// PeekResult is the JSON-serializable view returned by Peek.
type PeekResult struct {
	JobIDs []string `json:"job_ids"`
}

// Peek returns up to n waiting job IDs without claiming them, ordered by
// priority then enqueue sequence.
func Peek(ctx context.Context, rdb *redis.Client, queueKey string, n int64) (PeekResult, error) {
	if n <= 0 {
		n = 10
	}
	ids, err := rdb.ZRange(ctx, queueKey, 0, n-1).Result()
	if err != nil {
		return PeekResult{}, err
	}
	return PeekResult{JobIDs: ids}, nil
}

// PurgeResult reports how many job IDs a purge removed from the waiting queue.
type PurgeResult struct {
	Deleted int64 `json:"deleted"`
}

// PurgeWaiting removes every job ID currently in the waiting queue, without
// touching active leases, delayed retries, or retained results. The jobs'
// stored payloads are left in place. Intended
// for draining a queue between test runs, never for production use.
func PurgeWaiting(ctx context.Context, rdb *redis.Client, queueKey string) (PurgeResult, error) {
	ids, err := rdb.ZRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return PurgeResult{}, err
	}
	if len(ids) == 0 {
		return PurgeResult{}, nil
	}
	n, err := rdb.ZRem(ctx, queueKey, toAny(ids)...).Result()
	if err != nil {
		return PurgeResult{}, err
	}
	return PurgeResult{Deleted: n}, nil
}

func toAny(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// Ping checks store connectivity, surfaced by the admin CLI's "ping" command.
func Ping(ctx context.Context, st *store.Store) error {
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}
