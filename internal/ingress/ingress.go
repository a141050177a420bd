// Copyright 2025 James Ross
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flyingrobots/drip-gateway/internal/job"
	"github.com/flyingrobots/drip-gateway/internal/obs"
	"github.com/flyingrobots/drip-gateway/internal/registry"
	"github.com/flyingrobots/drip-gateway/internal/store"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server is the HTTP boundary: it validates submissions against the tool
// registry, assigns identifiers, bulk-enqueues into the store, and exposes
// batch status for polling callers.
type Server struct {
	store    *store.Store
	registry *registry.Registry
	log      *zap.Logger

	webhookSecret string
	maxBatchSize  int
	dripInterval  time.Duration

	limiters *rateLimiterSet
	router   *mux.Router
}

type Config struct {
	WebhookSecret      string
	MaxBatchSize       int
	RateLimitPerMinute int
	DripInterval       time.Duration
}

func New(st *store.Store, reg *registry.Registry, log *zap.Logger, cfg Config) *Server {
	s := &Server{
		store:         st,
		registry:      reg,
		log:           log,
		webhookSecret: cfg.WebhookSecret,
		maxBatchSize:  cfg.MaxBatchSize,
		dripInterval:  cfg.DripInterval,
		limiters:      newRateLimiterSet(cfg.RateLimitPerMinute),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoveryMiddleware, s.requestIDMiddleware, s.corsMiddleware)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.rateLimitMiddleware, s.authMiddleware)
	protected.HandleFunc("/api/batch", s.handleBatch).Methods(http.MethodPost)
	protected.HandleFunc("/api/single", s.handleSingle).Methods(http.MethodPost)
	protected.HandleFunc("/api/status/{batch_id}", s.handleStatus).Methods(http.MethodGet)
	protected.HandleFunc("/api/tools", s.handleTools).Methods(http.MethodGet)
	protected.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// --- middleware ---

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-request-id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("x-request-id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("access-control-allow-origin", "*")
		w.Header().Set("access-control-allow-methods", "GET, POST")
		w.Header().Set("access-control-allow-headers", "content-type, x-webhook-secret")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source := sourceKey(r)
		if !s.limiters.allow(source) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get("x-webhook-secret")
		if secret == "" {
			writeError(w, http.StatusUnauthorized, "missing x-webhook-secret")
			return
		}
		if secret != s.webhookSecret {
			writeError(w, http.StatusForbidden, "invalid x-webhook-secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sourceKey(r *http.Request) string {
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

// rateLimiterSet holds one token-bucket limiter per source, matching the
// reference admin API's per-IP limiter pattern.
type rateLimiterSet struct {
	perMinute int
	limiters  map[string]*rate.Limiter
}

func newRateLimiterSet(perMinute int) *rateLimiterSet {
	return &rateLimiterSet{perMinute: perMinute, limiters: make(map[string]*rate.Limiter)}
}

func (rs *rateLimiterSet) allow(key string) bool {
	if rs.perMinute <= 0 {
		return true
	}
	l, ok := rs.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(rs.perMinute)/60.0), rs.perMinute)
		rs.limiters[key] = l
	}
	return l.Allow()
}

// --- request/response types ---

type batchRequest struct {
	Tool        string                   `json:"tool"`
	Records     []map[string]interface{} `json:"records"`
	CallbackURL string                   `json:"callback_url,omitempty"`
	Priority    int                      `json:"priority,omitempty"`
}

type batchResponse struct {
	Success                    bool   `json:"success"`
	BatchID                    string `json:"batch_id"`
	JobsQueued                 int    `json:"jobs_queued"`
	EstimatedCompletionSeconds int64  `json:"estimated_completion_seconds"`
	StatusURL                  string `json:"status_url"`
}

type singleRequest struct {
	Tool        string                 `json:"tool"`
	Params      map[string]interface{} `json:"params"`
	CallbackURL string                 `json:"callback_url,omitempty"`
	RowID       string                 `json:"row_id,omitempty"`
	Priority    int                    `json:"priority,omitempty"`
}

type singleResponse struct {
	Success              bool   `json:"success"`
	JobID                string `json:"job_id"`
	RowID                string `json:"row_id"`
	Position             int64  `json:"position"`
	EstimatedWaitSeconds int64  `json:"estimated_wait_seconds"`
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func normalizePriority(p int) int {
	if p == 0 {
		return 5
	}
	return p
}

// --- handlers ---

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, ok := s.registry.Lookup(req.Tool); !ok {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":           fmt.Sprintf("Unknown tool: %s", req.Tool),
			"available_tools": s.registry.List(),
		})
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records must contain at least 1 entry")
		return
	}
	if len(req.Records) > s.maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("records exceeds MAX_BATCH_SIZE of %d", s.maxBatchSize))
		return
	}
	if req.CallbackURL != "" && !isAbsoluteURL(req.CallbackURL) {
		writeError(w, http.StatusBadRequest, "callback_url must be an absolute URL")
		return
	}
	priority := normalizePriority(req.Priority)
	if priority < 1 || priority > 10 {
		writeError(w, http.StatusBadRequest, "priority must be between 1 and 10")
		return
	}

	batchID := "batch_" + shortUUID()
	now := time.Now()
	jobs := make([]*job.Job, 0, len(req.Records))
	for i, rec := range req.Records {
		rowID, _ := rec["row_id"].(string)
		if rowID == "" {
			rowID = fmt.Sprintf("%s_%d", batchID, i)
		}
		params := make(map[string]interface{}, len(rec))
		for k, v := range rec {
			if k == "row_id" {
				continue
			}
			params[k] = v
		}
		jobs = append(jobs, &job.Job{
			JobID:       "job_" + shortUUID(),
			Tool:        req.Tool,
			Params:      params,
			RowID:       rowID,
			BatchID:     batchID,
			CallbackURL: req.CallbackURL,
			Priority:    priority,
			MaxAttempts: 3,
			EnqueuedAt:  now,
		})
	}

	batch := &job.Batch{BatchID: batchID, Tool: req.Tool, CreatedAt: now, Total: int64(len(jobs))}
	if err := s.store.CreateBatch(r.Context(), batch); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create batch")
		return
	}
	if err := s.store.PushBulk(r.Context(), jobs); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue batch")
		return
	}
	obs.JobsEnqueued.Add(float64(len(jobs)))

	writeJSON(w, http.StatusAccepted, batchResponse{
		Success:                    true,
		BatchID:                    batchID,
		JobsQueued:                 len(jobs),
		EstimatedCompletionSeconds: int64(math.Ceil(float64(len(jobs)) * s.dripInterval.Seconds())),
		StatusURL:                  fmt.Sprintf("/api/status/%s", batchID),
	})
}

func (s *Server) handleSingle(w http.ResponseWriter, r *http.Request) {
	var req singleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, ok := s.registry.Lookup(req.Tool); !ok {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":           fmt.Sprintf("Unknown tool: %s", req.Tool),
			"available_tools": s.registry.List(),
		})
		return
	}
	if req.CallbackURL != "" && !isAbsoluteURL(req.CallbackURL) {
		writeError(w, http.StatusBadRequest, "callback_url must be an absolute URL")
		return
	}
	priority := normalizePriority(req.Priority)
	if priority < 1 || priority > 10 {
		writeError(w, http.StatusBadRequest, "priority must be between 1 and 10")
		return
	}

	rowID := req.RowID
	if rowID == "" {
		rowID = "single_" + shortUUID()
	}

	j := &job.Job{
		JobID:       "job_" + shortUUID(),
		Tool:        req.Tool,
		Params:      req.Params,
		RowID:       rowID,
		CallbackURL: req.CallbackURL,
		Priority:    priority,
		MaxAttempts: 3,
		EnqueuedAt:  time.Now(),
	}
	statsBefore, _ := s.store.Stats(r.Context())
	position := statsBefore.Waiting + statsBefore.Active + 1

	if err := s.store.PushOne(r.Context(), j); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	obs.JobsEnqueued.Inc()

	writeJSON(w, http.StatusAccepted, singleResponse{
		Success:              true,
		JobID:                j.JobID,
		RowID:                rowID,
		Position:             position,
		EstimatedWaitSeconds: int64(math.Ceil(float64(position) * s.dripInterval.Seconds())),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batch_id"]
	batch, err := s.store.GetBatch(r.Context(), batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	if batch == nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}

	resp := map[string]interface{}{
		"batch_id":  batch.BatchID,
		"tool":      batch.Tool,
		"total":     batch.Total,
		"completed": batch.Completed,
		"failed":    batch.Failed,
		"pending":   batch.Pending(),
		"done":      batch.Done(),
	}

	if r.URL.Query().Get("results") == "true" {
		limit := 0
		if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
			limit = l
		}
		results, err := s.store.ListResultsByBatch(r.Context(), batchID, limit)
		if err == nil {
			resp["results"] = results
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	names := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools":       names,
		"by_category": s.registry.ByCategory(),
		"total":       len(names),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	drainSeconds := int64(math.Ceil(float64(stats.Waiting) * s.dripInterval.Seconds()))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue": map[string]interface{}{
			"waiting":            stats.Waiting,
			"active":             stats.Active,
			"delayed":            stats.Delayed,
			"completed_retained": stats.CompletedRetained,
			"failed_retained":    stats.FailedRetained,
		},
		"config": map[string]interface{}{
			"drip_interval_ms": s.dripInterval.Milliseconds(),
			"max_batch_size":   s.maxBatchSize,
		},
		"estimated_drain_time_seconds": drainSeconds,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// --- helpers ---

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": message})
}
