// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/drip-gateway/internal/admin"
	"github.com/flyingrobots/drip-gateway/internal/callback"
	"github.com/flyingrobots/drip-gateway/internal/config"
	"github.com/flyingrobots/drip-gateway/internal/downstream"
	"github.com/flyingrobots/drip-gateway/internal/dripgate"
	"github.com/flyingrobots/drip-gateway/internal/idempotency"
	"github.com/flyingrobots/drip-gateway/internal/ingress"
	"github.com/flyingrobots/drip-gateway/internal/obs"
	"github.com/flyingrobots/drip-gateway/internal/registry"
	"github.com/flyingrobots/drip-gateway/internal/scheduler"
	"github.com/flyingrobots/drip-gateway/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminQueue string
	var adminN int64
	var adminYes bool
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: ingress|scheduler|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|purge-waiting|ping")
	fs.StringVar(&adminQueue, "queue", "", "Queue key override for admin peek/purge (defaults to the store's waiting queue)")
	fs.Int64Var(&adminN, "n", 10, "Number of items for admin peek")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         redisAddr(cfg.Store.URL),
		PoolSize:     cfg.Store.PoolSize,
		MinIdleConns: cfg.Store.MinIdleConns,
		DialTimeout:  cfg.Store.DialTimeout,
		ReadTimeout:  cfg.Store.ReadTimeout,
		WriteTimeout: cfg.Store.WriteTimeout,
	})
	defer rdb.Close()

	st := store.New(rdb, cfg.Store.KeyPrefix, store.Retention{
		CompletedCount: cfg.Retention.CompletedCount,
		CompletedAge:   cfg.Retention.CompletedAge,
		FailedCount:    cfg.Retention.FailedCount,
		FailedAge:      cfg.Retention.FailedAge,
		BatchTTL:       cfg.Retention.BatchTTL,
		ResultTTL:      cfg.Retention.ResultTTL,
	})

	if role == "admin" {
		runAdmin(context.Background(), st, rdb, logger, adminCmd, adminQueue, adminN, adminYes)
		return
	}

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(cfg.Scheduler.ShutdownGrace):
		}
	}()

	obs.StartQueueLengthUpdater(ctx, st.QueueKey(), 2*time.Second, rdb, logger)

	switch role {
	case "ingress":
		runIngress(cfg, st, logger)
		<-ctx.Done()
	case "scheduler":
		runScheduler(ctx, cfg, st, rdb, logger)
	case "all":
		runIngress(cfg, st, logger)
		runScheduler(ctx, cfg, st, rdb, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// redisAddr extracts the host:port portion of a redis:// URL, matching the
// subset of DSN syntax the reference service's client construction accepts.
func redisAddr(url string) string {
	addr := url
	for _, prefix := range []string{"redis://", "rediss://"} {
		if len(addr) >= len(prefix) && addr[:len(prefix)] == prefix {
			addr = addr[len(prefix):]
			break
		}
	}
	if i := indexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	if i := indexByte(addr, '@'); i >= 0 {
		addr = addr[i+1:]
	}
	if addr == "" {
		addr = "localhost:6379"
	}
	return addr
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func runIngress(cfg *config.Config, st *store.Store, logger *zap.Logger) {
	reg := registry.Default()
	srv := ingress.New(st, reg, logger, ingress.Config{
		WebhookSecret:      cfg.Ingress.WebhookSecret,
		MaxBatchSize:       cfg.Ingress.MaxBatchSize,
		RateLimitPerMinute: cfg.Ingress.RateLimitPerMinute,
		DripInterval:       cfg.Scheduler.DripInterval,
	})
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Ingress.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Ingress.ReadTimeout,
		WriteTimeout: cfg.Ingress.WriteTimeout,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ingress server stopped", obs.Err(err))
		}
	}()
}

func runScheduler(ctx context.Context, cfg *config.Config, st *store.Store, rdb *redis.Client, logger *zap.Logger) {
	reg := registry.Default()
	gate := dripgate.New(rdb, cfg.Store.KeyPrefix+":dripgate", cfg.Scheduler.DripInterval)
	dc := downstream.New(downstream.Config{
		BaseURL:          cfg.Downstream.BaseURL,
		APIKey:           cfg.Downstream.APIKey,
		DefaultTimeout:   cfg.Downstream.DefaultTimeout,
		MaxRetries:       cfg.Downstream.MaxRetries,
		BackoffBase:      cfg.Downstream.BackoffBase,
		BackoffCap:       cfg.Downstream.BackoffCap,
		BackoffJitter:    cfg.Downstream.BackoffJitter,
		BreakerWindow:    cfg.Downstream.BreakerWindow,
		BreakerCooldown:  cfg.Downstream.BreakerCooldown,
		BreakerThreshold: cfg.Downstream.BreakerThreshold,
		BreakerMinSample: cfg.Downstream.BreakerMinSample,
	})
	cb := callback.New(callback.Config{
		Timeout:       cfg.Callback.Timeout,
		MaxRetries:    cfg.Callback.MaxRetries,
		BackoffBase:   cfg.Callback.RetryDelay,
		BackoffCap:    cfg.Callback.BackoffCap,
		BackoffJitter: cfg.Callback.BackoffJitter,
		SigningSecret: cfg.Callback.SigningSecret,
		NATSURL:       cfg.Callback.NATSURL,
	}, logger)
	defer cb.Close()

	idem := idempotency.New(rdb, cfg.Store.KeyPrefix+":idem")

	sched := scheduler.New(st, gate, reg, dc, cb, idem, logger, scheduler.Config{
		ClaimPollTimeout: cfg.Scheduler.ClaimPollTimeout,
		LeaseTTL:         cfg.Scheduler.LeaseTTL,
		LeaseRenew:       cfg.Scheduler.LeaseRenew,
		MaxAttempts:      cfg.Scheduler.MaxAttempts,
		RetryBase:        cfg.Scheduler.RetryBase,
		ReaperInterval:   cfg.Scheduler.ReaperInterval,
		ResultTTL:        cfg.Retention.ResultTTL,
		ShutdownGrace:    cfg.Scheduler.ShutdownGrace,
	})
	sched.Run(ctx)
}

func runAdmin(ctx context.Context, st *store.Store, rdb *redis.Client, logger *zap.Logger, cmd, queue string, n int64, yes bool) {
	if queue == "" {
		queue = st.QueueKey()
	}
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, st)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "peek":
		res, err := admin.Peek(ctx, rdb, queue, n)
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "purge-waiting":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		res, err := admin.PurgeWaiting(ctx, rdb, queue)
		if err != nil {
			logger.Fatal("admin purge-waiting error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "ping":
		if err := admin.Ping(ctx, st); err != nil {
			logger.Fatal("admin ping error", obs.Err(err))
		}
		fmt.Println("pong")
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}
