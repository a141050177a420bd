// Copyright 2025 James Ross
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/drip-gateway/internal/job"
	"github.com/redis/go-redis/v9"
)

// Store is a Redis-backed durable job store: a priority queue, an active
// lease table, batch counters, result records, and retention trimming, the
// way the reference service's list-backed storage backend models a queue
// but adapted to a single priority-ordered ZSET with a lease-based claim.
type Store struct {
	rdb    *redis.Client
	prefix string

	retention Retention
}

// Retention bounds how many terminal results are kept per outcome.
type Retention struct {
	CompletedCount int
	CompletedAge   time.Duration
	FailedCount    int
	FailedAge      time.Duration
	BatchTTL       time.Duration
	ResultTTL      time.Duration
}

func New(rdb *redis.Client, prefix string, retention Retention) *Store {
	return &Store{rdb: rdb, prefix: prefix, retention: retention}
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) jobsKey() string      { return s.key("jobs") }
func (s *Store) activeKey() string    { return s.key("active") }
func (s *Store) delayedKey() string   { return s.key("delayed") }
func (s *Store) completedKey() string { return s.key("completed", "index") }
func (s *Store) failedKey() string    { return s.key("failed", "index") }
func (s *Store) seqKey() string       { return s.key("seq") }
func (s *Store) jobKey(id string) string            { return s.key("job", id) }
func (s *Store) batchKey(batchID string) string      { return s.key("batch", batchID) }
func (s *Store) batchResultsKey(batchID string) string { return s.key("batch", batchID, "results") }
func (s *Store) resultKey(id string) string          { return s.key("result", id) }

// priorityScore combines priority (1 highest .. 10 lowest) with a monotonic
// sequence number so that ZPOPMIN yields highest-priority, earliest-enqueued
// first. Priority dominates the high bits of the score.
func priorityScore(priority int, seq int64) float64 {
	return float64(priority)*1e12 + float64(seq)
}

// PushOne enqueues a single job.
func (s *Store) PushOne(ctx context.Context, j *job.Job) error {
	seq, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return err
	}
	payload, err := j.Marshal()
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.jobKey(j.JobID), payload, 0)
	pipe.ZAdd(ctx, s.jobsKey(), redis.Z{Score: priorityScore(j.Priority, seq), Member: j.JobID})
	_, err = pipe.Exec(ctx)
	return err
}

// PushBulk enqueues many jobs atomically as far as the pipeline allows,
// preserving submission order within equal priority via the shared sequence
// counter.
func (s *Store) PushBulk(ctx context.Context, jobs []*job.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	base, err := s.rdb.IncrBy(ctx, s.seqKey(), int64(len(jobs))).Result()
	if err != nil {
		return err
	}
	start := base - int64(len(jobs)) + 1

	pipe := s.rdb.TxPipeline()
	for i, j := range jobs {
		payload, err := j.Marshal()
		if err != nil {
			return err
		}
		seq := start + int64(i)
		pipe.Set(ctx, s.jobKey(j.JobID), payload, 0)
		pipe.ZAdd(ctx, s.jobsKey(), redis.Z{Score: priorityScore(j.Priority, seq), Member: j.JobID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ClaimNext blocks up to timeout waiting for the highest-priority waiting
// job, then moves it into the active lease table.
func (s *Store) ClaimNext(ctx context.Context, timeout, leaseTTL time.Duration) (*job.Job, error) {
	res, err := s.rdb.BZPopMin(ctx, timeout, s.jobsKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	jobID, _ := res.Member.(string)

	payload, err := s.rdb.Get(ctx, s.jobKey(jobID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("store: claimed job %s has no payload", jobID)
	}
	if err != nil {
		return nil, err
	}
	j, err := job.UnmarshalJob([]byte(payload))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	j.StartedAt = &now

	if err := s.saveJob(ctx, j); err != nil {
		return nil, err
	}
	if err := s.rdb.ZAdd(ctx, s.activeKey(), redis.Z{
		Score:  float64(now.Add(leaseTTL).UnixMilli()),
		Member: jobID,
	}).Err(); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) saveJob(ctx context.Context, j *job.Job) error {
	payload, err := j.Marshal()
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.jobKey(j.JobID), payload, 0).Err()
}

// RenewLease extends the active lease for a claimed job. It is a no-op if
// the job is no longer active (e.g. already reclaimed by the reaper).
func (s *Store) RenewLease(ctx context.Context, jobID string, leaseTTL time.Duration) error {
	script := redis.NewScript(`
		if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
			redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
			return 1
		end
		return 0
	`)
	expiry := time.Now().Add(leaseTTL).UnixMilli()
	return script.Run(ctx, s.rdb, []string{s.activeKey()}, jobID, expiry).Err()
}

// ReleaseLease removes a job from the active table once processing is
// finished (terminal write or hand-off to a delayed retry).
func (s *Store) ReleaseLease(ctx context.Context, jobID string) error {
	return s.rdb.ZRem(ctx, s.activeKey(), jobID).Err()
}

// ReclaimStalled requeues jobs whose lease has expired. Returns the number
// of jobs recovered, the way the reference service's reaper scans abandoned
// processing lists and pushes their contents back onto the queue.
func (s *Store) ReclaimStalled(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	ids, err := s.rdb.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, jobID := range ids {
		if err := s.rdb.ZRem(ctx, s.activeKey(), jobID).Err(); err != nil {
			continue
		}
		payload, err := s.rdb.Get(ctx, s.jobKey(jobID)).Result()
		if err != nil {
			continue
		}
		j, err := job.UnmarshalJob([]byte(payload))
		if err != nil {
			continue
		}
		seq, err := s.rdb.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			continue
		}
		if err := s.rdb.ZAdd(ctx, s.jobsKey(), redis.Z{
			Score: priorityScore(j.Priority, seq), Member: jobID,
		}).Err(); err != nil {
			continue
		}
		recovered++
	}
	return recovered, nil
}

// ScheduleRetry records a job-level retry, bumping attempts_made and parking
// the job in the delayed set until its backoff elapses.
func (s *Store) ScheduleRetry(ctx context.Context, j *job.Job, delay time.Duration) error {
	j.AttemptsMade++
	if err := s.saveJob(ctx, j); err != nil {
		return err
	}
	readyAt := time.Now().Add(delay).UnixMilli()
	return s.rdb.ZAdd(ctx, s.delayedKey(), redis.Z{Score: float64(readyAt), Member: j.JobID}).Err()
}

// PromoteDelayed moves jobs whose retry backoff has elapsed back onto the
// waiting queue.
func (s *Store) PromoteDelayed(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	ids, err := s.rdb.ZRangeByScore(ctx, s.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, jobID := range ids {
		if err := s.rdb.ZRem(ctx, s.delayedKey(), jobID).Err(); err != nil {
			continue
		}
		payload, err := s.rdb.Get(ctx, s.jobKey(jobID)).Result()
		if err != nil {
			continue
		}
		j, err := job.UnmarshalJob([]byte(payload))
		if err != nil {
			continue
		}
		seq, err := s.rdb.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			continue
		}
		if err := s.rdb.ZAdd(ctx, s.jobsKey(), redis.Z{
			Score: priorityScore(j.Priority, seq), Member: jobID,
		}).Err(); err != nil {
			continue
		}
		promoted++
	}
	return promoted, nil
}

// CreateBatch initializes batch counters with a TTL.
func (s *Store) CreateBatch(ctx context.Context, b *job.Batch) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.batchKey(b.BatchID), map[string]interface{}{
		"total":      b.Total,
		"completed":  b.Completed,
		"failed":     b.Failed,
		"created_at": b.CreatedAt.Unix(),
		"tool":       b.Tool,
	})
	pipe.Expire(ctx, s.batchKey(b.BatchID), s.retention.BatchTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetBatch returns the current batch counters, or nil if expired/unknown.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*job.Batch, error) {
	fields, err := s.rdb.HGetAll(ctx, s.batchKey(batchID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	var b job.Batch
	b.BatchID = batchID
	b.Tool = fields["tool"]
	fmt.Sscanf(fields["total"], "%d", &b.Total)
	fmt.Sscanf(fields["completed"], "%d", &b.Completed)
	fmt.Sscanf(fields["failed"], "%d", &b.Failed)
	var createdUnix int64
	fmt.Sscanf(fields["created_at"], "%d", &createdUnix)
	b.CreatedAt = time.Unix(createdUnix, 0)
	return &b, nil
}

// IncrBatchCompleted atomically increments the completed counter.
func (s *Store) IncrBatchCompleted(ctx context.Context, batchID string) error {
	return s.rdb.HIncrBy(ctx, s.batchKey(batchID), "completed", 1).Err()
}

// IncrBatchFailed atomically increments the failed counter.
func (s *Store) IncrBatchFailed(ctx context.Context, batchID string) error {
	return s.rdb.HIncrBy(ctx, s.batchKey(batchID), "failed", 1).Err()
}

// WriteResult persists a terminal result record, enforces retention, and
// (if the job belongs to a batch) enumerates it under the batch's result
// set.
func (s *Store) WriteResult(ctx context.Context, r *job.Result) error {
	payload, err := r.Marshal()
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.resultKey(r.JobID), payload, s.retention.ResultTTL)
	if r.BatchID != "" {
		pipe.SAdd(ctx, s.batchResultsKey(r.BatchID), r.JobID)
		pipe.Expire(ctx, s.batchResultsKey(r.BatchID), s.retention.BatchTTL)
	}
	var indexKey string
	var count int
	var age time.Duration
	if r.Status == job.StatusCompleted {
		indexKey, count, age = s.completedKey(), s.retention.CompletedCount, s.retention.CompletedAge
	} else {
		indexKey, count, age = s.failedKey(), s.retention.FailedCount, s.retention.FailedAge
	}
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(r.FinishedAt.UnixMilli()), Member: r.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return s.trimRetention(ctx, indexKey, count, age)
}

func (s *Store) trimRetention(ctx context.Context, indexKey string, maxCount int, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	stale, err := s.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", cutoff)}).Result()
	if err == nil && len(stale) > 0 {
		s.rdb.ZRem(ctx, indexKey, toInterfaceSlice(stale)...)
		for _, id := range stale {
			s.rdb.Del(ctx, s.resultKey(id), s.jobKey(id))
		}
	}

	if maxCount <= 0 {
		return nil
	}
	total, err := s.rdb.ZCard(ctx, indexKey).Result()
	if err != nil {
		return err
	}
	if total <= int64(maxCount) {
		return nil
	}
	excess := total - int64(maxCount)
	overflow, err := s.rdb.ZRange(ctx, indexKey, 0, excess-1).Result()
	if err != nil {
		return err
	}
	if len(overflow) == 0 {
		return nil
	}
	s.rdb.ZRem(ctx, indexKey, toInterfaceSlice(overflow)...)
	for _, id := range overflow {
		s.rdb.Del(ctx, s.resultKey(id), s.jobKey(id))
	}
	return nil
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// GetResult fetches a single result record by job id.
func (s *Store) GetResult(ctx context.Context, jobID string) (*job.Result, error) {
	payload, err := s.rdb.Get(ctx, s.resultKey(jobID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job.UnmarshalResult([]byte(payload))
}

// ListResultsByBatch returns up to limit result records for a batch (0 = all).
func (s *Store) ListResultsByBatch(ctx context.Context, batchID string, limit int) ([]*job.Result, error) {
	ids, err := s.rdb.SMembers(ctx, s.batchResultsKey(batchID)).Result()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	results := make([]*job.Result, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetResult(ctx, id)
		if err != nil || r == nil {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// Stats summarizes queue depth across lifecycle states.
type Stats struct {
	Waiting          int64
	Active           int64
	Delayed          int64
	CompletedRetained int64
	FailedRetained   int64
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	pipe := s.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, s.jobsKey())
	active := pipe.ZCard(ctx, s.activeKey())
	delayed := pipe.ZCard(ctx, s.delayedKey())
	completed := pipe.ZCard(ctx, s.completedKey())
	failed := pipe.ZCard(ctx, s.failedKey())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:           waiting.Val(),
		Active:            active.Val(),
		Delayed:           delayed.Val(),
		CompletedRetained: completed.Val(),
		FailedRetained:    failed.Val(),
	}, nil
}

// QueueKey returns the waiting-queue key, used by obs.StartQueueLengthUpdater.
func (s *Store) QueueKey() string { return s.jobsKey() }

// Ping verifies store reachability for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
