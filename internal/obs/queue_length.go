// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples the waiting-job queue length at key on an
// interval and updates the QueueLength gauge, the way the reference
// service's queue-length updater polls its priority queues.
func StartQueueLengthUpdater(ctx context.Context, key string, interval time.Duration, rdb *redis.Client, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := rdb.ZCard(ctx, key).Result()
				if err != nil {
					log.Debug("queue length poll error", String("queue", key), Err(err))
					continue
				}
				QueueLength.WithLabelValues(key).Set(float64(n))
			}
		}
	}()
}
