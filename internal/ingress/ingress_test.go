// Copyright 2025 James Ross
package ingress

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/drip-gateway/internal/registry"
	"github.com/flyingrobots/drip-gateway/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *Server {
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
	reg := registry.Default()
	return New(st, reg, zap.NewNop(), Config{
		WebhookSecret:      "s3cret",
		MaxBatchSize:       2000,
		RateLimitPerMinute: 0,
		DripInterval:       10 * time.Second,
	})
}

func doRequest(t *testing.T, s *Server, method, path, secret string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if secret != "" {
		req.Header.Set("x-webhook-secret", secret)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestBatchMissingSecretUnauthorized(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/batch", "", map[string]interface{}{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBatchWrongSecretForbidden(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/batch", "wrong", map[string]interface{}{})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBatchUnknownTool(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/batch", "s3cret", map[string]interface{}{
		"tool":    "nope",
		"records": []map[string]interface{}{{"user": "x"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchEmptyRecords(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/batch", "s3cret", map[string]interface{}{
		"tool":    "get_linkedin_profile",
		"records": []map[string]interface{}{},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchHappyPath(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/batch", "s3cret", map[string]interface{}{
		"tool": "get_linkedin_profile",
		"records": []map[string]interface{}{
			{"user": "https://linkedin.com/in/a"},
			{"user": "https://linkedin.com/in/b"},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Equal(t, 2, resp.JobsQueued)
	require.EqualValues(t, 20, resp.EstimatedCompletionSeconds)

	statusRec := doRequest(t, s, http.MethodGet, "/api/status/"+resp.BatchID, "s3cret", nil)
	require.Equal(t, http.StatusOK, statusRec.Code)
}

func TestSingleHappyPath(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/single", "s3cret", map[string]interface{}{
		"tool":   "get_linkedin_profile",
		"params": map[string]interface{}{"user": "https://linkedin.com/in/x"},
		"row_id": "r1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp singleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "r1", resp.RowID)
	require.EqualValues(t, 1, resp.Position)
	require.EqualValues(t, 10, resp.EstimatedWaitSeconds)
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestToolsListed(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/tools", "s3cret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
