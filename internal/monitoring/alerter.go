package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reasoning-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertInstanceFailureRate AlertType = "instance_failure_rate"
	AlertOutputFailureRate   AlertType = "output_failure_rate"
	AlertCostOverrun         AlertType = "cost_overrun"
)

// minFinished is the number of finished instances (or outputs) needed
// before a failure rate is alerted on.
const minFinished = 5

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
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.InstancesCompleted + snap.InstancesFailed
	if a.cfg.FailureRateThreshold > 0 && finished >= minFinished && snap.InstanceFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertInstanceFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Instance failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.InstanceFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.InstancesFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.InstanceFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.InstancesFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	outputs := snap.OutputsSucceeded + snap.OutputsFailed
	if a.cfg.OutputFailureRateThreshold > 0 && outputs >= minFinished {
		rate := float64(snap.OutputsFailed) / float64(outputs)
		if rate > a.cfg.OutputFailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertOutputFailureRate,
				Severity: "medium",
				Message: fmt.Sprintf(
					"Output failure rate %.1f%% exceeds threshold %.1f%% (%d of %d outputs in last %dh)",
					rate*100, a.cfg.OutputFailureRateThreshold*100,
					snap.OutputsFailed, outputs, snap.LookbackHours,
				),
				Details: map[string]any{
					"failure_rate": rate,
					"threshold":    a.cfg.OutputFailureRateThreshold,
					"failed":       snap.OutputsFailed,
					"outputs":      outputs,
				},
				Timestamp: now,
			})
		}
	}

	if a.cfg.CostThresholdUSD > 0 && snap.CostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Generation cost $%.2f exceeds threshold $%.2f in last %dh",
				snap.CostUSD, a.cfg.CostThresholdUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_usd":        snap.CostUSD,
				"threshold_usd":   a.cfg.CostThresholdUSD,
				"instances_total": snap.InstancesTotal,
			},
			Timestamp: now,
		})
	}

	return alerts
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
