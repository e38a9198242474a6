package evaluator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-api-key", srv.URL)
}

func TestEvaluate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/evaluate", r.URL.Path)
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))

		var req EvaluateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "acme", req.TenantID)
		assert.Equal(t, 7, req.HorizonDays)

		json.NewEncoder(w).Encode(EvaluateResult{
			MAE:              11.8,
			MAPENonZero:      0.172,
			Coverage:         0.91,
			StockoutMissRate: 0.038,
			OverstockRate:    0.29,
			SampleCount:      260,
		})
	})

	result, err := c.Evaluate(context.Background(), EvaluateRequest{
		TenantID:    "acme",
		ModelName:   "demand-daily",
		Version:     "v12",
		WindowStart: time.Now().AddDate(0, 0, -8),
		WindowEnd:   time.Now().AddDate(0, 0, -1),
		HorizonDays: 7,
	})
	require.NoError(t, err)
	assert.InDelta(t, 11.8, result.MAE, 0.001)
	assert.Equal(t, 260, result.SampleCount)
}

func TestEvaluate_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(EvaluateResult{MAE: 12.0, SampleCount: 100})
	})

	result, err := c.Evaluate(context.Background(), EvaluateRequest{
		TenantID:    "acme",
		ModelName:   "demand-daily",
		Version:     "v12",
		WindowStart: time.Now().AddDate(0, 0, -2),
		WindowEnd:   time.Now().AddDate(0, 0, -1),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.InDelta(t, 12.0, result.MAE, 0.001)
}

func TestEvaluate_BadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"unknown version"}`))
	})

	_, err := c.Evaluate(context.Background(), EvaluateRequest{
		TenantID:    "acme",
		ModelName:   "demand-daily",
		Version:     "nope",
		WindowStart: time.Now().AddDate(0, 0, -2),
		WindowEnd:   time.Now().AddDate(0, 0, -1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}
