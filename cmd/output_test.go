//go:build !integration

package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reasoning-cli/internal/definition"
	"github.com/sells-group/reasoning-cli/internal/estimate"
	"github.com/sells-group/reasoning-cli/internal/model"
	"github.com/sells-group/reasoning-cli/internal/monitoring"
	"github.com/sells-group/reasoning-cli/internal/pipeline"
	"github.com/sells-group/reasoning-cli/internal/store"
)

func TestFormatEstimate(t *testing.T) {
	est := &estimate.Estimate{
		Combinations:   12345,
		PerCallCostUSD: 0.0021,
		CostUSD:        25.92,
		Duration:       90*time.Minute + 400*time.Millisecond,
		Model:          "claude-haiku-4-5-20251001",
		ViewCounts:     map[string]int{"Scenes": 5, "Characters": 2469},
	}

	var buf bytes.Buffer
	formatEstimate(&buf, est, 10)

	out := buf.String()
	assert.Contains(t, out, "claude-haiku-4-5-20251001")
	assert.Contains(t, out, "12,345")
	assert.Contains(t, out, "2,469 records")
	assert.Contains(t, out, "$25.92")
	assert.Contains(t, out, "$0.0021")
	assert.Contains(t, out, "1h30m0s")
	assert.Contains(t, out, "EXCEEDS LIMIT")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("Characters")), bytes.Index(buf.Bytes(), []byte("Scenes")))
}

func TestFormatEstimate_NoLimit(t *testing.T) {
	var buf bytes.Buffer
	formatEstimate(&buf, &estimate.Estimate{Combinations: 3, CostUSD: 0.01}, 0)
	assert.NotContains(t, buf.String(), "Cost limit")

	buf.Reset()
	formatEstimate(&buf, &estimate.Estimate{Combinations: 3, CostUSD: 0.01}, 1)
	assert.Contains(t, buf.String(), "within limit")
}

func TestFormatEstimate_Unpriced(t *testing.T) {
	var buf bytes.Buffer
	formatEstimate(&buf, &estimate.Estimate{Combinations: 3, Model: "claude-sonnet-4-6", Unpriced: true}, 1)
	assert.Contains(t, buf.String(), "claude-sonnet-4-6 (no pricing configured")
	assert.Contains(t, buf.String(), "CANNOT ENFORCE")
}

func TestFormatInstancesList(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	insts := []model.Instance{{
		ID:           "abc12345-6789-0000-0000-000000000000",
		DefinitionID: "def98765-0000-0000-0000-000000000000",
		Status:       model.InstanceStatusCompleted,
		StartedAt:    now,
		Metrics: model.Metrics{
			TotalCombinations:     6,
			ProcessedCombinations: 6,
			SuccessfulOutputs:     5,
			FailedOutputs:         1,
			ActualCostUSD:         1234.5,
		},
	}}

	var buf bytes.Buffer
	formatInstancesList(&buf, insts)

	out := buf.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "abc12345")
	assert.Contains(t, out, "def98765")
	assert.NotContains(t, out, "abc12345-6789")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "6/6")
	assert.Contains(t, out, "5/1")
	assert.Contains(t, out, "$1,234.50")
	assert.Contains(t, out, "2026-03-02 09:15")
}

func TestFormatDefinitionsList(t *testing.T) {
	defs := []model.Definition{
		{
			ID:   "11111111-2222-3333-4444-555555555555",
			Name: "a definition whose name is far too long to display",
			Queries: []model.Query{
				{OutputViewName: "A"}, {OutputViewName: "B"},
			},
			CombinationRules: []model.CombinationRule{{Strategy: model.StrategyRandomSampling}},
			Model:            "claude-sonnet-4-5-20250929",
		},
		{ID: "short", Name: "bare"},
	}

	var buf bytes.Buffer
	formatDefinitionsList(&buf, defs)

	out := buf.String()
	assert.Contains(t, out, "11111111")
	assert.Contains(t, out, "a definition whose name is ...")
	assert.Contains(t, out, "A,B")
	assert.Contains(t, out, "random_sampling")
	assert.Contains(t, out, "claude-sonnet-4-5-20250929")
	assert.Contains(t, out, "default")
}

func TestFormatValidation(t *testing.T) {
	var buf bytes.Buffer
	formatValidation(&buf, definition.ValidationResult{
		Errors:   []definition.Issue{{Field: "name", Message: "is required"}},
		Warnings: []definition.Issue{{Message: "cost is unlimited"}},
	})
	assert.Equal(t, "error: name: is required\nwarning: cost is unlimited\n", buf.String())

	buf.Reset()
	formatValidation(&buf, definition.ValidationResult{})
	assert.Equal(t, "definition is valid\n", buf.String())
}

func TestFormatProgress(t *testing.T) {
	var buf bytes.Buffer
	formatProgress(&buf, &pipeline.Progress{
		InstanceID:            "abcdef0123456789",
		Status:                model.InstanceStatusGeneratingOutputs,
		TotalCombinations:     2000,
		ProcessedCombinations: 1500,
		SuccessfulOutputs:     1490,
		FailedOutputs:         10,
		PercentComplete:       75,
		ActualCostUSD:         3.5,
		Elapsed:               65 * time.Second,
	})
	assert.Equal(t,
		"abcdef01 generating_outputs: 1,500/2,000 processed (75.0%), 1,490 ok, 10 failed, $3.50 spent, 1m5s elapsed\n",
		buf.String())
}

func TestFormatBatchResult(t *testing.T) {
	var buf bytes.Buffer
	formatBatchResult(&buf, &pipeline.BatchResult{
		Requested: 10,
		Executed:  4,
		Succeeded: 3,
		Failed:    1,
		CostUSD:   0.04,
		Unknown:   []string{"x"},
		Skipped:   []string{"a", "b", "c", "d", "e"},
		Cancelled: true,
		FlushErr:  errors.New("disk full"),
	})

	out := buf.String()
	assert.Contains(t, out, "4 of 10")
	assert.Contains(t, out, "$0.04")
	assert.Contains(t, out, "Unknown ids:")
	assert.Contains(t, out, "5 not started")
	assert.Contains(t, out, "disk full")

	buf.Reset()
	formatBatchResult(&buf, nil)
	assert.Empty(t, buf.String())
}

func TestFormatStats(t *testing.T) {
	var buf bytes.Buffer
	formatStats(&buf, &monitoring.MetricsSnapshot{
		InstancesTotal:     4,
		InstancesCompleted: 3,
		InstancesFailed:    1,
		Combinations:       1200,
		OutputsSucceeded:   1100,
		OutputsFailed:      100,
		OutputSuccessRate:  1100.0 / 1200.0,
		CostUSD:            12,
		EstimatedCostUSD:   15,
		LookbackHours:      24,
	})

	out := buf.String()
	assert.Contains(t, out, "last 24h")
	assert.Contains(t, out, "1,200")
	assert.Contains(t, out, "1,100/100")
	assert.Contains(t, out, "91.7%")
	assert.Contains(t, out, "$12.00 / $15.00")

	buf.Reset()
	formatStats(&buf, &monitoring.MetricsSnapshot{})
	assert.Contains(t, buf.String(), "all time")
	assert.NotContains(t, buf.String(), "success rate")
}

func TestFormatCollections(t *testing.T) {
	var buf bytes.Buffer
	formatCollections(&buf, []store.CollectionInfo{{Name: "characters", Count: 10500}})
	assert.Contains(t, buf.String(), "characters")
	assert.Contains(t, buf.String(), "10,500")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abcdefgh", truncateID("abcdefghijkl"))
	assert.Equal(t, "abc", truncateID("abc"))
	assert.Equal(t, "", truncateID(""))
}
