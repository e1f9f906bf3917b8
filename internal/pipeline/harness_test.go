package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reasoning-cli/internal/combine"
	"github.com/sells-group/reasoning-cli/internal/cost"
	"github.com/sells-group/reasoning-cli/internal/estimate"
	"github.com/sells-group/reasoning-cli/internal/generate"
	"github.com/sells-group/reasoning-cli/internal/model"
	"github.com/sells-group/reasoning-cli/internal/resolve"
	"github.com/sells-group/reasoning-cli/internal/store"
)

type harness struct {
	st   *store.SQLiteStore
	ctrl *Controller
	exec *Executor
	def  *model.Definition
	rec  *countingRecorder
}

func storyDefinition() *model.Definition {
	return &model.Definition{
		Name: "story seeds",
		Queries: []model.Query{
			{QueryID: "q1", OutputViewName: "Characters", SourceCollectionName: "characters"},
			{QueryID: "q2", OutputViewName: "Scenes", SourceCollectionName: "scenes"},
		},
		CombinationRules: []model.CombinationRule{{
			ViewNamesToCrossProduct: []string{"Characters", "Scenes"},
			MaxCombinations:         100,
			Strategy:                model.StrategyCrossProduct,
		}},
		PromptTemplate: model.PromptTemplate{
			TemplateContent: "Write a scene where {{Characters.name}} visits {{Scenes.name}}.",
		},
		ExecutionConstraints: model.ExecutionConstraints{
			MaxConcurrentCalls: 3,
			BatchSize:          2,
		},
	}
}

func newHarness(t *testing.T, backend generate.Backend, mutate func(*model.Definition)) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	insertNames(t, st, "characters", "Alice", "Bob", "Carol")
	insertNames(t, st, "scenes", "Castle", "Forest")

	def := storyDefinition()
	if mutate != nil {
		mutate(def)
	}
	require.NoError(t, st.CreateDefinition(ctx, def))

	rec := &countingRecorder{}
	resolver := resolve.New(st, 0)
	exec := NewExecutor(backend, st, ExecutorConfig{FlushInterval: time.Hour, FlushBackoff: time.Millisecond}, rec)
	ctrl := NewController(Deps{
		Definitions: st,
		Instances:   st,
		Resolver:    resolver,
		Generator:   combine.New(),
		Estimator:   estimate.New(resolver, cost.NewCalculator(cost.DefaultRates()), estimate.DefaultParams()),
		Executor:    exec,
		Recorder:    rec,
	})
	return &harness{st: st, ctrl: ctrl, exec: exec, def: def, rec: rec}
}

func insertNames(t *testing.T, st store.RecordStore, collection string, names ...string) {
	t.Helper()
	recs := make([]model.Record, len(names))
	for i, n := range names {
		recs[i] = model.NewRecord("", map[string]any{"name": n, "rank": float64(i + 1)})
	}
	_, err := st.InsertRecords(context.Background(), collection, recs)
	require.NoError(t, err)
}

func (h *harness) newInstance(t *testing.T) *model.Instance {
	t.Helper()
	inst, err := h.ctrl.CreateInstance(context.Background(), h.def.ID)
	require.NoError(t, err)
	return inst
}

func (h *harness) load(t *testing.T, id string) *model.Instance {
	t.Helper()
	inst, err := h.st.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

// echoBackend succeeds with the prompt as text at a fixed cost.
func echoBackend(costUSD float64) generate.BackendFunc {
	return func(_ context.Context, req generate.Request) (*generate.Result, error) {
		return &generate.Result{
			IsSuccess: true,
			Text:      req.Prompt,
			CostUSD:   costUSD,
			Duration:  time.Millisecond,
		}, nil
	}
}

// failingFor fails prompts containing any of the given names.
func failingFor(costUSD float64, names ...string) generate.BackendFunc {
	return func(_ context.Context, req generate.Request) (*generate.Result, error) {
		for _, n := range names {
			if strings.Contains(req.Prompt, n) {
				return &generate.Result{FailureReason: "model refused " + n, CostUSD: costUSD}, nil
			}
		}
		return &generate.Result{IsSuccess: true, Text: req.Prompt, CostUSD: costUSD}, nil
	}
}

type countingRecorder struct {
	mu       sync.Mutex
	merged   int
	finished []model.InstanceStatus
	inFlight atomic.Int32
	peak     atomic.Int32
	flushErr atomic.Int32
}

func (r *countingRecorder) OutputMerged(bool, float64, time.Duration) {
	r.mu.Lock()
	r.merged++
	r.mu.Unlock()
}

func (r *countingRecorder) InFlight(delta int) {
	n := r.inFlight.Add(int32(delta))
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (r *countingRecorder) FlushFailed(bool) { r.flushErr.Add(1) }

func (r *countingRecorder) RunFinished(s model.InstanceStatus, _ time.Duration) {
	r.mu.Lock()
	r.finished = append(r.finished, s)
	r.mu.Unlock()
}

// flakyStore fails the next `fail` saves, or every save when fail < 0.
type flakyStore struct {
	store.InstanceStore
	fail  atomic.Int32
	saves atomic.Int32
}

func (f *flakyStore) SaveInstance(ctx context.Context, inst *model.Instance) error {
	f.saves.Add(1)
	if n := f.fail.Load(); n < 0 {
		return errFlaky
	} else if n > 0 {
		f.fail.Add(-1)
		return errFlaky
	}
	return f.InstanceStore.SaveInstance(ctx, inst)
}

var errFlaky = eris.New("disk full")
