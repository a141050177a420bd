// Copyright 2025 James Ross
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard reserves a key exactly once within a TTL window. The scheduler uses
// it to fence terminal-write-plus-callback against the rare case where a
// reclaimed lease and the original worker both finish the same job: only
// the first to reserve the job's outcome key proceeds to write the result
// and fire the callback.
type Guard struct {
	rdb       *redis.Client
	namespace string
	reserve   *redis.Script
}

func New(rdb *redis.Client, namespace string) *Guard {
	if namespace == "" {
		namespace = "idempotency"
	}
	return &Guard{
		rdb:       rdb,
		namespace: namespace,
		reserve: redis.NewScript(`
			if redis.call('EXISTS', KEYS[1]) == 1 then
				return 0
			end
			redis.call('SETEX', KEYS[1], ARGV[1], ARGV[2])
			return 1
		`),
	}
}

func (g *Guard) key(k string) string { return fmt.Sprintf("%s:%s", g.namespace, k) }

// Reserve atomically checks-and-reserves the key. It returns true the first
// time it is called for a given key within ttl, false on any subsequent
// call (a duplicate).
func (g *Guard) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := g.reserve.Run(ctx, g.rdb, []string{g.key(key)}, int(ttl.Seconds()), time.Now().Unix()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ResultKey derives the idempotency key used to fence a job's terminal
// outcome, matching the callback dispatcher's x-idempotency-key header.
func ResultKey(jobID string) string {
	return fmt.Sprintf("result:%s", jobID)
}
