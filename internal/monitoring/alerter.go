// Package monitoring emits governance alerts and collects health
// snapshots. Alert delivery and rendering are external; this package
// only posts structured payloads to the configured webhook.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/model-governor/internal/config"
)

// Alert is one structured event posted to the webhook.
type Alert struct {
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// WebhookAlerter posts alerts to a webhook with a rate limit so a noisy
// drift cycle or a flapping gate cannot flood the channel. Over-limit
// alerts are dropped and logged, never queued.
type WebhookAlerter struct {
	webhookURL string
	client     *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
}

// NewWebhookAlerter creates an alerter from config. An empty webhook
// URL yields an alerter that logs and discards.
func NewWebhookAlerter(cfg config.AlertsConfig) *WebhookAlerter {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 6
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 3
	}
	return &WebhookAlerter{
		webhookURL: cfg.WebhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(perMinute/60.0), burst),
		log:        zap.L().With(zap.String("component", "monitoring")),
	}
}

// Emit posts one alert. Failures are logged, not returned: alerting is
// best effort and must never fail the operation that raised it.
func (a *WebhookAlerter) Emit(ctx context.Context, alertType, severity string, payload map[string]any) {
	alert := Alert{
		Type:      alertType,
		Severity:  severity,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	if a.webhookURL == "" {
		a.log.Info("alert (no webhook configured)",
			zap.String("type", alertType),
			zap.String("severity", severity),
			zap.Any("payload", payload),
		)
		return
	}

	if !a.limiter.Allow() {
		a.log.Warn("alert dropped by rate limit",
			zap.String("type", alertType),
			zap.String("severity", severity),
		)
		return
	}

	if err := a.send(ctx, alert); err != nil {
		a.log.Error("alert delivery failed",
			zap.String("type", alertType),
			zap.Error(err),
		)
		return
	}
	a.log.Info("alert sent",
		zap.String("type", alertType),
		zap.String("severity", severity),
	)
}

func (a *WebhookAlerter) send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
