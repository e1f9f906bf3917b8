package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reasoning-cli/internal/generate"
	"github.com/sells-group/reasoning-cli/internal/model"
)

// preparedInstance creates a stored instance carrying one combination per
// name, keyed by the name itself.
func preparedInstance(t *testing.T, h *harness, names ...string) *model.Instance {
	t.Helper()
	inst := h.newInstance(t)
	combos := make([]model.Combination, len(names))
	for i, n := range names {
		combos[i] = model.Combination{
			ID: n,
			DataMap: map[string]model.Record{
				"Characters": model.NewRecord("", map[string]any{"name": n}),
				"Scenes":     model.NewRecord("", map[string]any{"name": "Harbor"}),
			},
		}
	}
	inst.SetCombinations(combos)
	return inst
}

func TestExecutor_DedupesAndReportsUnknown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, echoBackend(0.01), nil)
	inst := preparedInstance(t, h, "Alice", "Bob")

	res, err := h.exec.Run(context.Background(), Job{
		Definition: h.def,
		Instance:   inst,
		IDs:        []string{"Alice", "Alice", "nobody", "Bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Requested)
	assert.Equal(t, []string{"nobody"}, res.Unknown)
	assert.Equal(t, 2, res.Executed)
	assert.Equal(t, 2, res.Succeeded)
	assert.InDelta(t, 0.02, res.CostUSD, 1e-9)
	assert.Len(t, inst.Outputs, 2)
	assert.Nil(t, res.FlushErr)

	stored := h.load(t, inst.ID)
	assert.Len(t, stored.Outputs, 2)
	assert.Equal(t, 2, stored.Metrics.ProcessedCombinations)
}

func TestExecutor_FillsTemplate(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var prompts []string
	backend := generate.BackendFunc(func(_ context.Context, req generate.Request) (*generate.Result, error) {
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		mu.Unlock()
		return &generate.Result{IsSuccess: true, Text: "ok"}, nil
	})
	h := newHarness(t, backend, nil)
	inst := preparedInstance(t, h, "Dora")

	_, err := h.exec.Run(context.Background(), Job{Definition: h.def, Instance: inst, IDs: []string{"Dora"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Write a scene where Dora visits Harbor."}, prompts)
}

func TestExecutor_TransportErrorBecomesFailedOutput(t *testing.T) {
	t.Parallel()
	backend := generate.BackendFunc(func(context.Context, generate.Request) (*generate.Result, error) {
		return nil, errors.New("connection refused")
	})
	h := newHarness(t, backend, nil)
	inst := preparedInstance(t, h, "Alice")

	res, err := h.exec.Run(context.Background(), Job{Definition: h.def, Instance: inst, IDs: []string{"Alice"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	out, ok := inst.Output("Alice")
	require.True(t, ok)
	assert.False(t, out.IsSuccess)
	assert.Equal(t, "connection refused", out.FailureReason)
	require.Len(t, inst.Errors, 1)
	assert.Equal(t, model.ErrorTypeGeneration, inst.Errors[0].Type)
	assert.True(t, inst.Errors[0].IsRetriable)
	assert.Equal(t, "Alice", inst.Errors[0].CombinationID)
}

func TestExecutor_SequentialPersistsEveryMerge(t *testing.T) {
	t.Parallel()
	h := newHarness(t, echoBackend(0), func(d *model.Definition) {
		d.ExecutionConstraints.MaxConcurrentCalls = 1
	})
	inst := preparedInstance(t, h, "A", "B", "C")
	fs := &flakyStore{InstanceStore: h.st}
	exec := NewExecutor(echoBackend(0), fs, ExecutorConfig{FlushInterval: time.Hour}, nil)

	var snapshots int
	_, err := exec.Run(context.Background(), Job{
		Definition: h.def,
		Instance:   inst,
		IDs:        inst.CombinationIDs(),
		OnPersist:  func(*model.Instance) { snapshots++ },
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), fs.saves.Load(), "three merges plus the final flush")
	assert.Equal(t, 4, snapshots)
}

func TestExecutor_ConcurrentPersistsPerBatchSize(t *testing.T) {
	t.Parallel()
	h := newHarness(t, echoBackend(0), func(d *model.Definition) {
		d.ExecutionConstraints.MaxConcurrentCalls = 4
		d.ExecutionConstraints.BatchSize = 2
	})
	inst := preparedInstance(t, h, "A", "B", "C", "D", "E")
	fs := &flakyStore{InstanceStore: h.st}
	exec := NewExecutor(echoBackend(0), fs, ExecutorConfig{FlushInterval: time.Hour}, nil)

	_, err := exec.Run(context.Background(), Job{Definition: h.def, Instance: inst, IDs: inst.CombinationIDs()})
	require.NoError(t, err)
	assert.Equal(t, int32(3), fs.saves.Load(), "after merges 2 and 4, then the final flush")
}

func TestExecutor_RespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()
	backend := generate.BackendFunc(func(context.Context, generate.Request) (*generate.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return &generate.Result{IsSuccess: true, Text: "x"}, nil
	})
	h := newHarness(t, backend, func(d *model.Definition) {
		d.ExecutionConstraints.MaxConcurrentCalls = 2
	})
	inst := preparedInstance(t, h, "A", "B", "C", "D", "E", "F")

	_, err := h.exec.Run(context.Background(), Job{Definition: h.def, Instance: inst, IDs: inst.CombinationIDs()})
	require.NoError(t, err)
	assert.LessOrEqual(t, h.rec.peak.Load(), int32(2))
	assert.Equal(t, 6, h.rec.merged)
}

func TestExecutor_FinalFlushRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t, echoBackend(0.5), func(d *model.Definition) {
		d.ExecutionConstraints.BatchSize = 100
	})
	inst := preparedInstance(t, h, "A", "B")
	fs := &flakyStore{InstanceStore: h.st}
	fs.fail.Store(1)
	exec := NewExecutor(echoBackend(0.5), fs, ExecutorConfig{FlushInterval: time.Hour, FlushBackoff: time.Millisecond}, nil)

	res, err := exec.Run(context.Background(), Job{Definition: h.def, Instance: inst, IDs: inst.CombinationIDs()})
	require.NoError(t, err)
	assert.NoError(t, res.FlushErr)
	assert.Equal(t, int32(2), fs.saves.Load())

	stored := h.load(t, inst.ID)
	assert.Len(t, stored.Outputs, 2)
	assert.InDelta(t, 1.0, stored.Metrics.ActualCostUSD, 1e-9)
}

func TestExecutor_FinalFlushFailureKeepsResults(t *testing.T) {
	t.Parallel()
	h := newHarness(t, echoBackend(0.5), func(d *model.Definition) {
		d.ExecutionConstraints.BatchSize = 100
	})
	inst := preparedInstance(t, h, "A", "B")
	fs := &flakyStore{InstanceStore: h.st}
	fs.fail.Store(-1)
	rec := &countingRecorder{}
	exec := NewExecutor(echoBackend(0.5), fs, ExecutorConfig{FlushInterval: time.Hour, FlushAttempts: 3, FlushBackoff: time.Millisecond}, rec)

	res, err := exec.Run(context.Background(), Job{Definition: h.def, Instance: inst, IDs: inst.CombinationIDs()})
	require.NoError(t, err)
	require.Error(t, res.FlushErr)
	assert.ErrorIs(t, res.FlushErr, errFlaky)
	assert.Equal(t, int32(3), fs.saves.Load())
	assert.Equal(t, 2, res.Succeeded)

	assert.Len(t, inst.Outputs, 2, "results stay in memory")
	last := inst.Errors[len(inst.Errors)-1]
	assert.Equal(t, model.ErrorTypePersistence, last.Type)
	assert.GreaterOrEqual(t, rec.flushErr.Load(), int32(1))
}

func TestExecutor_MinimumTwoFlushAttempts(t *testing.T) {
	t.Parallel()
	exec := NewExecutor(echoBackend(0), nil, ExecutorConfig{FlushAttempts: 1}, nil)
	assert.Equal(t, 2, exec.cfg.FlushAttempts)
}

func TestExecutor_CancelStopsSubmission(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 10)
	release := make(chan struct{})
	backend := generate.BackendFunc(func(ctx context.Context, req generate.Request) (*generate.Result, error) {
		started <- struct{}{}
		<-release
		assert.NoError(t, ctx.Err(), "in-flight calls run detached from cancellation")
		return &generate.Result{IsSuccess: true, Text: req.ID}, nil
	})
	h := newHarness(t, backend, func(d *model.Definition) {
		d.ExecutionConstraints.MaxConcurrentCalls = 1
	})
	inst := preparedInstance(t, h, "A", "B", "C", "D")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *BatchResult, 1)
	go func() {
		res, err := h.exec.Run(ctx, Job{Definition: h.def, Instance: inst, IDs: inst.CombinationIDs()})
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	cancel()
	close(release)
	res := <-done

	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.Executed)
	assert.ElementsMatch(t, []string{"B", "C", "D"}, res.Skipped)
	_, ok := inst.Output("A")
	assert.True(t, ok, "in-flight result is merged")

	stored := h.load(t, inst.ID)
	assert.Len(t, stored.Outputs, 1)
}

// batchingBackend records chunk sizes and drops one id per chunk on request.
// With partial set only the first request of a chunk succeeds and the batch
// returns an error, the way a primed batch fails after its primer call.
type batchingBackend struct {
	generate.BackendFunc
	mu      sync.Mutex
	chunks  []int
	drop    string
	partial bool
}

func (b *batchingBackend) GenerateBatch(_ context.Context, reqs []generate.Request) (map[string]*generate.Result, error) {
	b.mu.Lock()
	b.chunks = append(b.chunks, len(reqs))
	b.mu.Unlock()
	out := make(map[string]*generate.Result, len(reqs))
	for i, r := range reqs {
		if r.ID == b.drop || (b.partial && i > 0) {
			continue
		}
		out[r.ID] = &generate.Result{IsSuccess: true, Text: r.Prompt, CostUSD: 0.005}
	}
	if b.partial {
		return out, errors.New("batch rejected: 400 bad request")
	}
	return out, nil
}

func TestExecutor_ProviderBatching(t *testing.T) {
	t.Parallel()
	backend := &batchingBackend{BackendFunc: echoBackend(0.01), drop: "C"}
	h := newHarness(t, backend, func(d *model.Definition) {
		d.ExecutionConstraints.EnableBatching = true
		d.ExecutionConstraints.BatchSize = 2
	})
	inst := preparedInstance(t, h, "A", "B", "C", "D", "E")

	res, err := h.exec.Run(context.Background(), Job{Definition: h.def, Instance: inst, IDs: inst.CombinationIDs()})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{2, 2, 1}, backend.chunks)
	assert.Equal(t, 4, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	out, ok := inst.Output("C")
	require.True(t, ok)
	assert.Equal(t, "no result in batch", out.FailureReason)
	assert.InDelta(t, 0.02, inst.Metrics.ActualCostUSD, 1e-9)
}

func TestExecutor_ProviderBatchErrorKeepsReturnedResults(t *testing.T) {
	t.Parallel()
	backend := &batchingBackend{BackendFunc: echoBackend(0.01), partial: true}
	h := newHarness(t, backend, func(d *model.Definition) {
		d.ExecutionConstraints.EnableBatching = true
		d.ExecutionConstraints.BatchSize = 2
		d.ExecutionConstraints.MaxConcurrentCalls = 1
	})
	inst := preparedInstance(t, h, "A", "B", "C", "D")

	res, err := h.exec.Run(context.Background(), Job{Definition: h.def, Instance: inst, IDs: inst.CombinationIDs()})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)

	for id, ok := range map[string]bool{"A": true, "B": false, "C": true, "D": false} {
		out, found := inst.Output(id)
		require.True(t, found, id)
		assert.Equal(t, ok, out.IsSuccess, id)
		if !ok {
			assert.Contains(t, out.FailureReason, "400 bad request", id)
		}
	}
	assert.InDelta(t, 0.01, inst.Metrics.ActualCostUSD, 1e-9)
}

func TestExecutor_BatchingDisabledUsesSingleCalls(t *testing.T) {
	t.Parallel()
	backend := &batchingBackend{BackendFunc: echoBackend(0.01)}
	h := newHarness(t, backend, nil)
	inst := preparedInstance(t, h, "A", "B", "C")

	res, err := h.exec.Run(context.Background(), Job{Definition: h.def, Instance: inst, IDs: inst.CombinationIDs()})
	require.NoError(t, err)
	assert.Empty(t, backend.chunks)
	assert.Equal(t, 3, res.Succeeded)
}

func TestMergeOutput_ReplacesPrior(t *testing.T) {
	t.Parallel()
	inst := &model.Instance{}
	inst.SetCombinations([]model.Combination{{ID: "a"}, {ID: "b"}})

	mergeOutput(inst, model.Output{CombinationID: "a", IsSuccess: false, CostUSD: 0.2})
	mergeOutput(inst, model.Output{CombinationID: "b", IsSuccess: true, CostUSD: 0.1})
	mergeOutput(inst, model.Output{CombinationID: "a", IsSuccess: true, CostUSD: 0.3})

	require.Len(t, inst.Outputs, 2)
	m := inst.Metrics
	assert.Equal(t, 2, m.ProcessedCombinations)
	assert.Equal(t, 2, m.SuccessfulOutputs)
	assert.Equal(t, 0, m.FailedOutputs)
	assert.InDelta(t, 0.4, m.ActualCostUSD, 1e-9)
	assert.Equal(t, "a", inst.LastProcessedCombinationID)
}
