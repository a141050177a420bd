// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flyingrobots/drip-gateway/internal/backoff"
	"github.com/flyingrobots/drip-gateway/internal/breaker"
	"github.com/flyingrobots/drip-gateway/internal/callback"
	"github.com/flyingrobots/drip-gateway/internal/downstream"
	"github.com/flyingrobots/drip-gateway/internal/dripgate"
	"github.com/flyingrobots/drip-gateway/internal/idempotency"
	"github.com/flyingrobots/drip-gateway/internal/job"
	"github.com/flyingrobots/drip-gateway/internal/obs"
	"github.com/flyingrobots/drip-gateway/internal/registry"
	"github.com/flyingrobots/drip-gateway/internal/store"
	"go.uber.org/zap"
)

// Scheduler is the single-flight drip consumer: it claims one job per drip
// interval, invokes the downstream client, writes the result, updates batch
// progress, hands off to the callback dispatcher, and applies job-level
// retries with their own exponential backoff — kept as a distinct budget
// from the downstream client's internal transport retries.
type Scheduler struct {
	store      *store.Store
	gate       *dripgate.Gate
	registry   *registry.Registry
	downstream *downstream.Client
	callbacks  *callback.Dispatcher
	idem       *idempotency.Guard
	log        *zap.Logger

	claimPollTimeout time.Duration
	leaseTTL         time.Duration
	leaseRenew       time.Duration
	maxAttempts      int
	retry            backoff.Schedule
	reaperInterval   time.Duration
	resultTTL        time.Duration
	shutdownGrace    time.Duration
}

// Config bundles the Scheduler's tunables, sourced from config.Scheduler.
type Config struct {
	ClaimPollTimeout time.Duration
	LeaseTTL         time.Duration
	LeaseRenew       time.Duration
	MaxAttempts      int
	RetryBase        time.Duration
	ReaperInterval   time.Duration
	ResultTTL        time.Duration
	// ShutdownGrace bounds how long an in-flight job's downstream call,
	// result write, and callback are given to finish once Run's ctx is
	// cancelled. It is applied to a context derived from context.Background,
	// never from the cancelled ctx, so the downstream call is not aborted
	// mid-flight by the same signal that stops new claims.
	ShutdownGrace time.Duration
}

func New(st *store.Store, gate *dripgate.Gate, reg *registry.Registry, dc *downstream.Client, cb *callback.Dispatcher, idem *idempotency.Guard, log *zap.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		store:            st,
		gate:             gate,
		registry:         reg,
		downstream:       dc,
		callbacks:        cb,
		idem:             idem,
		log:              log,
		claimPollTimeout: cfg.ClaimPollTimeout,
		leaseTTL:         cfg.LeaseTTL,
		leaseRenew:       cfg.LeaseRenew,
		maxAttempts:      cfg.MaxAttempts,
		retry:            backoff.Schedule{Base: cfg.RetryBase, Cap: cfg.RetryBase * 8, Jitter: 0},
		reaperInterval:   cfg.ReaperInterval,
		resultTTL:        cfg.ResultTTL,
		shutdownGrace:    cfg.ShutdownGrace,
	}
}

// Run drives the drip loop until ctx is cancelled. It also starts the
// reaper (stalled-lease reclaim) and delayed-retry promoter as background
// loops sharing the same lifetime.
func (s *Scheduler) Run(ctx context.Context) {
	go s.runReaper(ctx)
	go s.runPromoter(ctx)

	for ctx.Err() == nil {
		waitStart := time.Now()
		if err := s.gate.Wait(ctx); err != nil {
			return
		}
		obs.DripWaitDuration.Observe(time.Since(waitStart).Seconds())

		j, err := s.store.ClaimNext(ctx, s.claimPollTimeout, s.leaseTTL)
		if err != nil {
			s.log.Warn("claim_next error", zap.Error(err))
			continue
		}
		if j == nil {
			continue
		}
		obs.JobsClaimed.Inc()

		start := time.Now()
		s.processWithShutdownGrace(ctx, j)
		obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
	}
}

// processWithShutdownGrace runs a claimed job on a context rooted in
// context.Background, never on the loop's ctx directly — so the downstream
// call, result write, and callback it drives are not aborted the instant ctx
// is cancelled by a shutdown signal. If ctx is cancelled while the job is
// still running, a ShutdownGrace timer starts; only if the job outlives that
// grace window is its context cancelled, as a last-resort bound on a job
// that has genuinely hung.
func (s *Scheduler) processWithShutdownGrace(ctx context.Context, j *job.Job) {
	jobCtx, cancelJob := context.WithCancel(context.Background())
	defer cancelJob()

	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-jobCtx.Done():
			return
		case <-ctx.Done():
		}
		grace := s.shutdownGrace
		if grace <= 0 {
			grace = 30 * time.Second
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-jobCtx.Done():
		case <-timer.C:
			cancelJob()
		}
	}()

	s.process(jobCtx, j)
	cancelJob()
	<-watcherDone
}

func (s *Scheduler) process(ctx context.Context, j *job.Job) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic while processing job", zap.String("job_id", j.JobID), zap.Any("panic", rec))
			s.terminal(ctx, j, job.StatusFailed, nil, fmt.Sprintf("panic: %v", rec))
		}
	}()

	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	go s.renewLeaseLoop(renewCtx, j.JobID)

	ctx, span := obs.ContextWithJobSpan(ctx, j)
	defer span.End()

	entry, ok := s.registry.Lookup(j.Tool)
	if !ok {
		s.terminal(ctx, j, job.StatusFailed, nil, fmt.Sprintf("unknown tool: %s", j.Tool))
		return
	}
	if vr := s.registry.Validate(j.Tool, j.Params); !vr.OK {
		s.terminal(ctx, j, job.StatusFailed, nil, fmt.Sprintf("missing required params: %v", vr.Missing))
		return
	}

	breakerBefore := s.downstream.Breaker().State()
	data, err := s.downstream.Invoke(ctx, entry.Method, entry.EndpointPath, j.Params, 0)
	breakerAfter := s.downstream.Breaker().State()
	obs.CircuitBreakerState.Set(float64(breakerAfter))
	if breakerAfter == breaker.Open && breakerBefore != breaker.Open {
		obs.CircuitBreakerTrips.Inc()
	}
	if err == nil {
		obs.SetSpanSuccess(ctx)
		s.terminal(ctx, j, job.StatusCompleted, data, "")
		return
	}

	jerr, _ := err.(*job.Error)
	retryable := jerr == nil || jerr.Retryable()
	maxAttempts := s.maxAttempts
	if j.MaxAttempts > 0 && j.MaxAttempts < maxAttempts {
		maxAttempts = j.MaxAttempts
	}
	if retryable && j.AttemptsMade+1 < maxAttempts {
		delay := s.retry.Delay(j.AttemptsMade + 1)
		if scheduleErr := s.store.ScheduleRetry(ctx, j, delay); scheduleErr != nil {
			s.log.Error("schedule retry failed", zap.Error(scheduleErr))
		}
		obs.JobsRetried.Inc()
		s.log.Warn("job scheduled for retry",
			zap.String("job_id", j.JobID), zap.Int("attempts_made", j.AttemptsMade), zap.Duration("delay", delay))
		_ = s.store.ReleaseLease(ctx, j.JobID)
		return
	}

	obs.RecordError(ctx, err)
	s.terminal(ctx, j, job.StatusFailed, nil, err.Error())
}

func (s *Scheduler) terminal(ctx context.Context, j *job.Job, status job.Status, data json.RawMessage, errMsg string) {
	defer s.store.ReleaseLease(ctx, j.JobID)

	first, err := s.idem.Reserve(ctx, idempotency.ResultKey(j.JobID), s.resultTTL)
	if err != nil {
		s.log.Error("idempotency reserve failed", zap.Error(err))
	}
	if !first {
		s.log.Warn("duplicate terminal write suppressed", zap.String("job_id", j.JobID))
		return
	}

	now := time.Now()
	j.FinishedAt = &now

	result := &job.Result{
		JobID:      j.JobID,
		RowID:      j.RowID,
		Tool:       j.Tool,
		BatchID:    j.BatchID,
		Status:     status,
		Data:       data,
		Error:      errMsg,
		Attempts:   j.AttemptsMade + 1,
		FinishedAt: now,
		StoredAt:   now,
	}
	if err := s.store.WriteResult(ctx, result); err != nil {
		s.log.Error("write result failed", zap.Error(err))
	}

	if j.BatchID != "" {
		var incrErr error
		if status == job.StatusCompleted {
			incrErr = s.store.IncrBatchCompleted(ctx, j.BatchID)
		} else {
			incrErr = s.store.IncrBatchFailed(ctx, j.BatchID)
		}
		if incrErr != nil {
			s.log.Error("batch counter increment failed", zap.Error(incrErr))
		}
	}

	if status == job.StatusCompleted {
		obs.JobsCompleted.Inc()
	} else {
		obs.JobsFailed.Inc()
	}

	var batchID *string
	if j.BatchID != "" {
		batchID = &j.BatchID
	}
	outcome := s.callbacks.Dispatch(ctx, j.CallbackURL, callback.Payload{
		JobID:       j.JobID,
		RowID:       j.RowID,
		BatchID:     batchID,
		Tool:        j.Tool,
		Status:      status,
		ProcessedAt: now,
		Data:        data,
		Error:       errMsg,
		Attempts:    result.Attempts,
	})
	if outcome.Skipped {
		obs.CallbacksDelivered.WithLabelValues("skipped").Inc()
	} else if outcome.Success {
		obs.CallbacksDelivered.WithLabelValues("success").Inc()
	} else {
		obs.CallbacksDelivered.WithLabelValues("failure").Inc()
		s.log.Warn("callback delivery exhausted retries", zap.String("job_id", j.JobID), zap.String("error", outcome.Error))
	}
}

func (s *Scheduler) renewLeaseLoop(ctx context.Context, jobID string) {
	ticker := time.NewTicker(s.leaseRenew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.RenewLease(ctx, jobID, s.leaseTTL); err != nil {
				s.log.Warn("lease renewal failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) runReaper(ctx context.Context) {
	ticker := time.NewTicker(s.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := s.store.ReclaimStalled(ctx)
			if err != nil {
				s.log.Warn("reaper scan error", zap.Error(err))
				continue
			}
			if recovered > 0 {
				obs.ReaperRecovered.Add(float64(recovered))
				s.log.Warn("reaper recovered stalled jobs", zap.Int("count", recovered))
			}
		}
	}
}

func (s *Scheduler) runPromoter(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.store.PromoteDelayed(ctx); err != nil {
				s.log.Warn("delayed-retry promoter error", zap.Error(err))
			}
		}
	}
}
