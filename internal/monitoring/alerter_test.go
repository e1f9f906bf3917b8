package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reasoning-cli/internal/config"
)

func thresholds() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold:       0.10,
		OutputFailureRateThreshold: 0.25,
		CostThresholdUSD:           500.0,
	}
}

func TestAlerter_Evaluate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		cfg   config.MonitoringConfig
		snap  MetricsSnapshot
		want  []AlertType
		inMsg string
	}{
		{
			name: "healthy",
			cfg:  thresholds(),
			snap: MetricsSnapshot{
				InstancesCompleted: 95, InstancesFailed: 5, InstanceFailRate: 0.05,
				OutputsSucceeded: 900, OutputsFailed: 100, CostUSD: 100,
			},
		},
		{
			name: "instance failure rate",
			cfg:  thresholds(),
			snap: MetricsSnapshot{
				InstancesCompleted: 12, InstancesFailed: 8, InstanceFailRate: 0.4,
			},
			want:  []AlertType{AlertInstanceFailureRate},
			inMsg: "40.0%",
		},
		{
			name: "too few finished instances",
			cfg:  thresholds(),
			snap: MetricsSnapshot{
				InstancesCompleted: 1, InstancesFailed: 2, InstanceFailRate: 0.666,
			},
		},
		{
			name:  "output failure rate",
			cfg:   thresholds(),
			snap:  MetricsSnapshot{OutputsSucceeded: 6, OutputsFailed: 4},
			want:  []AlertType{AlertOutputFailureRate},
			inMsg: "4 of 10 outputs",
		},
		{
			name:  "cost overrun",
			cfg:   config.MonitoringConfig{CostThresholdUSD: 100},
			snap:  MetricsSnapshot{CostUSD: 250},
			want:  []AlertType{AlertCostOverrun},
			inMsg: "$250.00",
		},
		{
			name: "zero thresholds disable alerts",
			cfg:  config.MonitoringConfig{},
			snap: MetricsSnapshot{
				InstancesCompleted: 1, InstancesFailed: 9, InstanceFailRate: 0.9,
				OutputsFailed: 50, CostUSD: 999,
			},
		},
		{
			name: "everything at once",
			cfg:  config.MonitoringConfig{FailureRateThreshold: 0.1, OutputFailureRateThreshold: 0.1, CostThresholdUSD: 100},
			snap: MetricsSnapshot{
				InstancesCompleted: 10, InstancesFailed: 10, InstanceFailRate: 0.5,
				OutputsSucceeded: 10, OutputsFailed: 10, CostUSD: 300,
			},
			want: []AlertType{AlertInstanceFailureRate, AlertOutputFailureRate, AlertCostOverrun},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.snap.LookbackHours = 24
			alerts := NewAlerter(tt.cfg).Evaluate(&tt.snap)

			var got []AlertType
			for _, a := range alerts {
				got = append(got, a.Type)
				assert.False(t, a.Timestamp.IsZero())
			}
			assert.Equal(t, tt.want, got)
			if tt.inMsg != "" {
				require.NotEmpty(t, alerts)
				assert.Contains(t, alerts[0].Message, tt.inMsg)
			}
		})
	}
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertInstanceFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertCostOverrun, Severity: "high", Message: "test alert 2"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_Skipped(t *testing.T) {
	t.Parallel()
	assert.Zero(t, NewAlerter(config.MonitoringConfig{}).SendAlerts(context.Background(),
		[]Alert{{Type: AlertCostOverrun, Message: "test"}}))
	assert.Zero(t, NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"}).
		SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCostOverrun, Message: "test"}})
	assert.Equal(t, 0, sent)
}
