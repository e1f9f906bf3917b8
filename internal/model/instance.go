package model

import (
	"time"
)

// InstanceStatus represents the lifecycle state of an instance.
type InstanceStatus string

const (
	InstanceStatusPending           InstanceStatus = "pending"
	InstanceStatusFetchingData      InstanceStatus = "fetching_data"
	InstanceStatusCombiningData     InstanceStatus = "combining_data"
	InstanceStatusGeneratingOutputs InstanceStatus = "generating_outputs"
	InstanceStatusCompleted         InstanceStatus = "completed"
	InstanceStatusFailed            InstanceStatus = "failed"
)

// IsTerminal reports whether the status ends a run.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed
}

// ErrorType classifies an ErrorRecord.
type ErrorType string

const (
	ErrorTypeResolution    ErrorType = "resolution"
	ErrorTypeGeneration    ErrorType = "generation"
	ErrorTypePersistence   ErrorType = "persistence"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeCancelled     ErrorType = "cancelled"
	ErrorTypeOrchestration ErrorType = "orchestration"
)

// Instance is the mutable state of one execution attempt of a Definition.
type Instance struct {
	ID                         string              `json:"id"`
	DefinitionID               string              `json:"definition_id"`
	Status                     InstanceStatus      `json:"status"`
	ResolvedViews              map[string][]Record `json:"resolved_views,omitempty"`
	InputCombinations          []Combination       `json:"input_combinations,omitempty"`
	Outputs                    []Output            `json:"outputs,omitempty"`
	Metrics                    Metrics             `json:"metrics"`
	Errors                     []ErrorRecord       `json:"errors,omitempty"`
	StartedAt                  time.Time           `json:"started_at"`
	CompletedAt                *time.Time          `json:"completed_at,omitempty"`
	UpdatedAt                  time.Time           `json:"updated_at"`
	LastProcessedCombinationID string              `json:"last_processed_combination_id,omitempty"`

	outputIdx map[string]int
	comboIdx  map[string]int
}

// Combination is one input tuple: one record per participating view.
type Combination struct {
	ID      string            `json:"id"`
	DataMap map[string]Record `json:"data_map"`
}

// Output is the recorded result of executing one combination.
type Output struct {
	CombinationID   string    `json:"combination_id"`
	IsSuccess       bool      `json:"is_success"`
	GeneratedText   string    `json:"generated_text,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	CostUSD         float64   `json:"cost_usd"`
	InputTokens     int64     `json:"input_tokens,omitempty"`
	OutputTokens    int64     `json:"output_tokens,omitempty"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Metrics summarizes progress and cost of an instance.
type Metrics struct {
	TotalCombinations     int     `json:"total_combinations"`
	ProcessedCombinations int     `json:"processed_combinations"`
	SuccessfulOutputs     int     `json:"successful_outputs"`
	FailedOutputs         int     `json:"failed_outputs"`
	EstimatedCostUSD      float64 `json:"estimated_cost_usd"`
	ActualCostUSD         float64 `json:"actual_cost_usd"`
	ElapsedMs             int64   `json:"elapsed_ms"`
}

// ErrorRecord is one entry of an instance's append-only error log.
type ErrorRecord struct {
	Type          ErrorType `json:"type"`
	Message       string    `json:"message"`
	CombinationID string    `json:"combination_id,omitempty"`
	IsRetriable   bool      `json:"is_retriable"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (inst *Instance) indexOutputs() {
	if inst.outputIdx != nil && len(inst.outputIdx) == len(inst.Outputs) {
		return
	}
	inst.outputIdx = make(map[string]int, len(inst.Outputs))
	for i, o := range inst.Outputs {
		inst.outputIdx[o.CombinationID] = i
	}
}

func (inst *Instance) indexCombinations() {
	if inst.comboIdx != nil && len(inst.comboIdx) == len(inst.InputCombinations) {
		return
	}
	inst.comboIdx = make(map[string]int, len(inst.InputCombinations))
	for i, c := range inst.InputCombinations {
		inst.comboIdx[c.ID] = i
	}
}

// Output returns the current output recorded for a combination.
func (inst *Instance) Output(combinationID string) (Output, bool) {
	inst.indexOutputs()
	i, ok := inst.outputIdx[combinationID]
	if !ok {
		return Output{}, false
	}
	return inst.Outputs[i], true
}

// SetOutput records out, replacing any prior output for the same combination.
func (inst *Instance) SetOutput(out Output) {
	inst.indexOutputs()
	if i, ok := inst.outputIdx[out.CombinationID]; ok {
		inst.Outputs[i] = out
		return
	}
	inst.Outputs = append(inst.Outputs, out)
	inst.outputIdx[out.CombinationID] = len(inst.Outputs) - 1
}

// Combination returns the combination with the given id.
func (inst *Instance) Combination(id string) (Combination, bool) {
	inst.indexCombinations()
	i, ok := inst.comboIdx[id]
	if !ok {
		return Combination{}, false
	}
	return inst.InputCombinations[i], true
}

// SetCombinations replaces the combination list.
func (inst *Instance) SetCombinations(combos []Combination) {
	inst.InputCombinations = combos
	inst.comboIdx = nil
	inst.Metrics.TotalCombinations = len(combos)
}

// CombinationIDs lists combination ids in generation order.
func (inst *Instance) CombinationIDs() []string {
	ids := make([]string, len(inst.InputCombinations))
	for i, c := range inst.InputCombinations {
		ids[i] = c.ID
	}
	return ids
}

// FailedCombinationIDs lists combinations whose latest output failed or
// which have no output yet, in generation order.
func (inst *Instance) FailedCombinationIDs() []string {
	inst.indexOutputs()
	var ids []string
	for _, c := range inst.InputCombinations {
		i, ok := inst.outputIdx[c.ID]
		if !ok || !inst.Outputs[i].IsSuccess {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// AddError appends to the error log.
func (inst *Instance) AddError(rec ErrorRecord) {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	inst.Errors = append(inst.Errors, rec)
}

// RecomputeMetrics derives the output counters and actual cost from the
// current outputs.
func (inst *Instance) RecomputeMetrics() {
	var ok, failed int
	var cost float64
	for _, o := range inst.Outputs {
		if o.IsSuccess {
			ok++
		} else {
			failed++
		}
		cost += o.CostUSD
	}
	inst.Metrics.ProcessedCombinations = len(inst.Outputs)
	inst.Metrics.SuccessfulOutputs = ok
	inst.Metrics.FailedOutputs = failed
	inst.Metrics.ActualCostUSD = cost
	inst.Metrics.TotalCombinations = len(inst.InputCombinations)
}

// ResetRun clears all run results and returns the instance to pending.
// StartedAt is the instance's creation time and is kept.
func (inst *Instance) ResetRun() {
	inst.Status = InstanceStatusPending
	inst.Outputs = nil
	inst.outputIdx = nil
	inst.Errors = nil
	inst.Metrics = Metrics{}
	inst.CompletedAt = nil
	inst.LastProcessedCombinationID = ""
}

// PercentComplete returns processed/total as a percentage.
func (inst *Instance) PercentComplete() float64 {
	if inst.Metrics.TotalCombinations == 0 {
		return 0
	}
	return float64(inst.Metrics.ProcessedCombinations) / float64(inst.Metrics.TotalCombinations) * 100
}

// Clone returns a copy whose slices and maps can be read while the
// original keeps changing. Records themselves are shared; they are never
// mutated after resolution.
func (inst *Instance) Clone() *Instance {
	cp := *inst
	cp.outputIdx = nil
	cp.comboIdx = nil
	cp.Outputs = append([]Output(nil), inst.Outputs...)
	cp.Errors = append([]ErrorRecord(nil), inst.Errors...)
	cp.InputCombinations = append([]Combination(nil), inst.InputCombinations...)
	if inst.ResolvedViews != nil {
		cp.ResolvedViews = make(map[string][]Record, len(inst.ResolvedViews))
		for k, v := range inst.ResolvedViews {
			cp.ResolvedViews[k] = v
		}
	}
	if inst.CompletedAt != nil {
		t := *inst.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
