package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reasoning-cli/internal/model"
	"github.com/sells-group/reasoning-cli/internal/store"
)

// MetricsSnapshot holds instance statistics over a lookback window.
type MetricsSnapshot struct {
	InstancesTotal     int     `json:"instances_total"`
	InstancesPending   int     `json:"instances_pending"`
	InstancesRunning   int     `json:"instances_running"`
	InstancesCompleted int     `json:"instances_completed"`
	InstancesFailed    int     `json:"instances_failed"`
	InstanceFailRate   float64 `json:"instance_fail_rate"`

	Combinations      int     `json:"combinations"`
	OutputsSucceeded  int     `json:"outputs_succeeded"`
	OutputsFailed     int     `json:"outputs_failed"`
	OutputSuccessRate float64 `json:"output_success_rate"`

	CostUSD          float64 `json:"cost_usd"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// collectLimit bounds how many instances one snapshot scans.
const collectLimit = 10000

// Collector aggregates stored instances into snapshots.
type Collector struct {
	store store.InstanceStore
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.InstanceStore) *Collector {
	return &Collector{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot over instances created within the lookback
// window. A non-positive window covers every instance.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{LookbackHours: lookbackHours, CollectedAt: now}

	filter := store.InstanceFilter{Limit: collectLimit}
	if lookbackHours > 0 {
		filter.CreatedAfter = now.Add(-time.Duration(lookbackHours) * time.Hour)
	}
	insts, err := c.store.ListInstances(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list instances")
	}

	snap.InstancesTotal = len(insts)
	for _, inst := range insts {
		switch inst.Status {
		case model.InstanceStatusPending:
			snap.InstancesPending++
		case model.InstanceStatusCompleted:
			snap.InstancesCompleted++
		case model.InstanceStatusFailed:
			snap.InstancesFailed++
		default:
			snap.InstancesRunning++
		}
		m := inst.Metrics
		snap.Combinations += m.TotalCombinations
		snap.OutputsSucceeded += m.SuccessfulOutputs
		snap.OutputsFailed += m.FailedOutputs
		snap.CostUSD += m.ActualCostUSD
		snap.EstimatedCostUSD += m.EstimatedCostUSD
	}

	if finished := snap.InstancesCompleted + snap.InstancesFailed; finished > 0 {
		snap.InstanceFailRate = float64(snap.InstancesFailed) / float64(finished)
	}
	if outputs := snap.OutputsSucceeded + snap.OutputsFailed; outputs > 0 {
		snap.OutputSuccessRate = float64(snap.OutputsSucceeded) / float64(outputs)
	}
	return snap, nil
}
