// Package trainer provides a client for the external model training
// service. The governance engine never trains models itself; it asks
// this service to produce a new version and consumes the result.
package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the trainer operations.
type Client interface {
	// Train runs one training job to completion and returns the produced
	// version. Long-running: callers must not hold locks across it.
	Train(ctx context.Context, req TrainRequest) (*TrainResult, error)
}

// TrainRequest describes one training job.
type TrainRequest struct {
	TenantID    string         `json:"tenant_id"`
	ModelName   string         `json:"model_name"`
	TriggerType string         `json:"trigger_type"`
	DatasetID   string         `json:"dataset_id,omitempty"`
	FeatureTier string         `json:"feature_tier,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TrainResult is what the trainer hands back for a finished job.
type TrainResult struct {
	Version     string             `json:"version"`
	ArtifactRef string             `json:"artifact_ref"`
	Metrics     map[string]float64 `json:"metrics"`
	SampleCount int                `json:"sample_count"`
	DatasetID   string             `json:"dataset_id,omitempty"`
}

// Option configures the trainer client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithTimeout overrides the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) { c.http.Timeout = d }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a trainer client. Training runs are slow, so the
// default timeout is generous; tune it with WithTimeout.
func NewClient(apiKey, baseURL string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 4 * time.Hour,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Train(ctx context.Context, req TrainRequest) (*TrainResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "trainer: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/train", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "trainer: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "trainer: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "trainer: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trainer: status %d: %s", resp.StatusCode, truncate(body, 512))
	}

	var result TrainResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "trainer: decode response")
	}
	if result.Version == "" {
		return nil, eris.New("trainer: response missing version")
	}
	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
