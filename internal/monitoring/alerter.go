package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/detection-orchestrator/internal/config"
	"github.com/sells-group/detection-orchestrator/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertErrorRate         AlertType = "error_rate"
	AlertLatency           AlertType = "p95_latency"
	AlertDegradedEndpoints AlertType = "degraded_endpoints"
	AlertDLQDepth          AlertType = "dlq_depth"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Rate and latency checks wait until MinRequests responses are in history.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	m := snap.Metrics

	enough := m.TotalRequests >= a.cfg.MinRequests && m.TotalRequests > 0

	if enough && a.cfg.ErrorRateThreshold > 0 && m.ErrorRate > a.cfg.ErrorRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertErrorRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Detection error rate %.1f%% exceeds threshold %.1f%% (%d failed / %d requests)",
				m.ErrorRate*100, a.cfg.ErrorRateThreshold*100, m.FailedRequests, m.TotalRequests,
			),
			Details: map[string]any{
				"error_rate": m.ErrorRate,
				"threshold":  a.cfg.ErrorRateThreshold,
				"failed":     m.FailedRequests,
				"partial":    m.PartialRequests,
				"total":      m.TotalRequests,
			},
			Timestamp: now,
		})
	}

	if enough && a.cfg.P95LatencyMs > 0 && m.P95LatencyMS > a.cfg.P95LatencyMs {
		alerts = append(alerts, Alert{
			Type:     AlertLatency,
			Severity: "medium",
			Message: fmt.Sprintf(
				"p95 latency %.0fms exceeds threshold %.0fms",
				m.P95LatencyMS, a.cfg.P95LatencyMs,
			),
			Details: map[string]any{
				"p50_ms":       m.P50LatencyMS,
				"p95_ms":       m.P95LatencyMS,
				"threshold_ms": a.cfg.P95LatencyMs,
			},
			Timestamp: now,
		})
	}

	if snap.Health.Status == model.HealthStatusDegraded || len(snap.TrippedBreakers) > 0 {
		severity := "medium"
		if snap.Health.HealthyEndpoints == 0 {
			severity = "high"
		}
		alerts = append(alerts, Alert{
			Type:     AlertDegradedEndpoints,
			Severity: severity,
			Message: fmt.Sprintf(
				"%d of %d engine endpoints healthy; tripped breakers: %s",
				snap.Health.HealthyEndpoints, snap.Health.TotalEndpoints, listOrNone(snap.TrippedBreakers),
			),
			Details: map[string]any{
				"healthy":          snap.Health.HealthyEndpoints,
				"total":            snap.Health.TotalEndpoints,
				"tripped_breakers": snap.TrippedBreakers,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DLQDepthThreshold > 0 && snap.DLQDepth > a.cfg.DLQDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Dead letter queue depth %d exceeds threshold %d",
				snap.DLQDepth, a.cfg.DLQDepthThreshold,
			),
			Details: map[string]any{
				"depth":     snap.DLQDepth,
				"threshold": a.cfg.DLQDepthThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
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
