// Package evaluator provides a client for the external metrics
// evaluation service, which computes the canonical accuracy metrics
// from raw predictions and actuals. The governance engine only consumes
// the results.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/model-governor/internal/resilience"
)

// Client defines the metrics evaluator operations.
type Client interface {
	// Evaluate scores one model version over one historical window.
	Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResult, error)
}

// EvaluateRequest asks for metrics over one walk-forward step.
type EvaluateRequest struct {
	TenantID    string    `json:"tenant_id"`
	ModelName   string    `json:"model_name"`
	Version     string    `json:"version"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	HorizonDays int       `json:"horizon_days"`
}

// EvaluateResult carries the canonical metric set for one window.
type EvaluateResult struct {
	MAE              float64 `json:"mae"`
	MAPENonZero      float64 `json:"mape_nonzero"`
	Coverage         float64 `json:"coverage"`
	StockoutMissRate float64 `json:"stockout_miss_rate"`
	OverstockRate    float64 `json:"overstock_rate"`
	SampleCount      int     `json:"sample_count"`
}

// Option configures the evaluator client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewClient creates a metrics evaluator client with transient-failure
// retries.
func NewClient(apiKey, baseURL string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "evaluator: marshal request")
	}

	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*EvaluateResult, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/v1/evaluate", bytes.NewReader(payload))
		if err != nil {
			return nil, eris.Wrap(err, "evaluator: build request")
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "evaluator: request failed"))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "evaluator: read response")
		}
		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("evaluator: status %d: %s", resp.StatusCode, string(body))
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(err)
			}
			return nil, err
		}

		var result EvaluateResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, eris.Wrap(err, "evaluator: decode response")
		}
		return &result, nil
	})
}
