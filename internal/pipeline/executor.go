// Package pipeline executes reasoning transactions: the batch executor
// fans combinations out to a generation backend and the controller drives
// an instance through its lifecycle.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reasoning-cli/internal/generate"
	"github.com/sells-group/reasoning-cli/internal/model"
	"github.com/sells-group/reasoning-cli/internal/prompt"
	"github.com/sells-group/reasoning-cli/internal/resilience"
	"github.com/sells-group/reasoning-cli/internal/store"
)

// ExecutorConfig holds executor defaults, applied when a definition leaves
// the matching constraint unset.
type ExecutorConfig struct {
	DefaultMaxConcurrent int
	DefaultBatchSize     int
	FlushInterval        time.Duration
	// FlushAttempts bounds the final flush. Values below 2 become 2.
	FlushAttempts int
	FlushBackoff  time.Duration
}

// DefaultExecutorConfig returns the built-in executor settings.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultMaxConcurrent: 4,
		DefaultBatchSize:     10,
		FlushInterval:        5 * time.Second,
		FlushAttempts:        3,
		FlushBackoff:         200 * time.Millisecond,
	}
}

// BatchResult reports one executor run.
type BatchResult struct {
	Requested int
	Executed  int
	Succeeded int
	Failed    int
	CostUSD   float64
	// Unknown lists requested ids the instance does not carry.
	Unknown []string
	// Skipped lists ids never submitted because the run was cancelled.
	Skipped   []string
	Cancelled bool
	// FlushErr is set when the final flush failed after retries. The
	// results are still merged into the in-memory instance.
	FlushErr error
}

// UnknownErr wraps ErrUnknownCombination with the unknown ids, or returns
// nil when every id was known.
func (r *BatchResult) UnknownErr() error {
	if len(r.Unknown) == 0 {
		return nil
	}
	return unknownCombinations(r.Unknown)
}

// Executor runs combinations through a generation backend.
type Executor struct {
	backend  generate.Backend
	store    store.InstanceStore
	cfg      ExecutorConfig
	recorder Recorder
}

// NewExecutor creates an Executor. rec may be nil.
func NewExecutor(backend generate.Backend, st store.InstanceStore, cfg ExecutorConfig, rec Recorder) *Executor {
	def := DefaultExecutorConfig()
	if cfg.DefaultMaxConcurrent <= 0 {
		cfg.DefaultMaxConcurrent = def.DefaultMaxConcurrent
	}
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = def.DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushAttempts < 2 {
		cfg.FlushAttempts = 2
	}
	if cfg.FlushBackoff <= 0 {
		cfg.FlushBackoff = def.FlushBackoff
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Executor{backend: backend, store: st, cfg: cfg, recorder: rec}
}

// Job is one executor invocation. The executor owns Instance for the
// duration of Run; nothing else may touch it until Run returns.
type Job struct {
	Definition *model.Definition
	Instance   *model.Instance
	IDs        []string
	// OnPersist receives a copy of the instance after every flush.
	OnPersist func(*model.Instance)
}

// outcome is a worker's message to the coordinator.
type outcome struct {
	out model.Output
	dur time.Duration
}

// Run executes the job's combination ids. ctx cancellation stops
// submission; calls already in flight finish and are merged. Only a
// missing definition or instance is returned as an error.
func (e *Executor) Run(ctx context.Context, job Job) (*BatchResult, error) {
	if job.Definition == nil || job.Instance == nil {
		return nil, eris.New("pipeline: job needs a definition and an instance")
	}
	inst := job.Instance
	log := zap.L().With(zap.String("instance_id", inst.ID))

	known, unknown := SplitCombinationIDs(inst, job.IDs)
	res := &BatchResult{Requested: len(known) + len(unknown), Unknown: unknown}
	for _, id := range unknown {
		log.Warn("pipeline: skipping unknown combination", zap.String("combination_id", id))
	}
	combos := make([]model.Combination, 0, len(known))
	for _, id := range known {
		c, _ := inst.Combination(id)
		combos = append(combos, c)
	}
	if len(combos) == 0 {
		return res, nil
	}

	lim := e.limits(job.Definition)
	batched := e.batching(job.Definition)
	size := 1
	if batched {
		size = lim.batchSize
	}
	units := chunk(combos, size)

	results := make(chan outcome, lim.concurrency)
	skipped := make(chan []model.Combination, 1)
	go e.dispatch(ctx, job.Definition, units, batched, lim.concurrency, results, skipped)

	c := coordinator{
		exec:       e,
		inst:       inst,
		onPersist:  job.OnPersist,
		log:        log,
		persistCtx: context.WithoutCancel(ctx),
	}
	flushEvery := lim.batchSize
	if lim.concurrency == 1 {
		flushEvery = 1
	}
	c.loop(results, flushEvery, e.cfg.FlushInterval, res)

	for _, cb := range <-skipped {
		res.Skipped = append(res.Skipped, cb.ID)
	}
	res.Cancelled = len(res.Skipped) > 0

	res.FlushErr = c.finalFlush(res)
	log.Info("pipeline: batch finished",
		zap.Int("executed", res.Executed),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Float64("cost_usd", res.CostUSD),
		zap.Bool("cancelled", res.Cancelled),
	)
	return res, nil
}

type runLimits struct {
	concurrency int
	batchSize   int
}

func (e *Executor) limits(def *model.Definition) runLimits {
	l := runLimits{
		concurrency: def.ExecutionConstraints.MaxConcurrentCalls,
		batchSize:   def.ExecutionConstraints.BatchSize,
	}
	if l.concurrency <= 0 {
		l.concurrency = e.cfg.DefaultMaxConcurrent
	}
	if l.batchSize <= 0 {
		l.batchSize = e.cfg.DefaultBatchSize
	}
	return l
}

// batching reports whether combinations go to the provider in batches.
func (e *Executor) batching(def *model.Definition) bool {
	_, ok := e.backend.(generate.BatchBackend)
	return ok && def.ExecutionConstraints.EnableBatching
}

func chunk(combos []model.Combination, size int) [][]model.Combination {
	units := make([][]model.Combination, 0, (len(combos)+size-1)/size)
	for start := 0; start < len(combos); start += size {
		units = append(units, combos[start:min(start+size, len(combos))])
	}
	return units
}

// dispatch submits units under a concurrency limit until ctx is done, then
// waits for in-flight units, closes results and reports the combinations
// that never ran.
func (e *Executor) dispatch(ctx context.Context, def *model.Definition, units [][]model.Combination, batched bool, limit int, results chan<- outcome, skipped chan<- []model.Combination) {
	callCtx := context.WithoutCancel(ctx)

	var mu sync.Mutex
	var notRun []model.Combination
	skip := func(u []model.Combination) {
		mu.Lock()
		notRun = append(notRun, u...)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, u := range units {
		if ctx.Err() != nil {
			for _, rest := range units[i:] {
				skip(rest)
			}
			break
		}
		g.Go(func() error {
			// A slot can free up after cancellation.
			if ctx.Err() != nil {
				skip(u)
				return nil
			}
			e.recorder.InFlight(1)
			defer e.recorder.InFlight(-1)
			if !batched {
				results <- e.runOne(callCtx, def, u[0])
				return nil
			}
			for _, o := range e.runBatch(callCtx, def, u) {
				results <- o
			}
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	skipped <- notRun
}

func (e *Executor) request(def *model.Definition, c model.Combination) generate.Request {
	return generate.Request{
		ID:     c.ID,
		Prompt: prompt.Fill(def.PromptTemplate.TemplateContent, c.DataMap),
		System: def.PromptTemplate.SystemContent,
		Model:  def.Model,
	}
}

func (e *Executor) runOne(ctx context.Context, def *model.Definition, c model.Combination) outcome {
	start := time.Now()
	res, err := e.backend.Generate(ctx, e.request(def, c))
	if err != nil {
		res = generate.Failed(err.Error(), time.Since(start))
	}
	return toOutcome(c.ID, res, time.Since(start))
}

func (e *Executor) runBatch(ctx context.Context, def *model.Definition, chunk []model.Combination) []outcome {
	start := time.Now()
	reqs := make([]generate.Request, len(chunk))
	for i, c := range chunk {
		reqs[i] = e.request(def, c)
	}

	got, err := e.backend.(generate.BatchBackend).GenerateBatch(ctx, reqs)
	elapsed := time.Since(start)
	out := make([]outcome, len(chunk))
	for i, c := range chunk {
		res, ok := got[c.ID]
		switch {
		case ok && res != nil:
		case err != nil:
			res = generate.Failed(err.Error(), elapsed)
		default:
			res = generate.Failed("no result in batch", elapsed)
		}
		out[i] = toOutcome(c.ID, res, elapsed)
	}
	return out
}

func toOutcome(id string, res *generate.Result, measured time.Duration) outcome {
	d := res.Duration
	if d <= 0 {
		d = measured
	}
	reason := res.FailureReason
	if !res.IsSuccess && reason == "" {
		reason = "generation failed"
	}
	return outcome{
		dur: d,
		out: model.Output{
			CombinationID:   id,
			IsSuccess:       res.IsSuccess,
			GeneratedText:   res.Text,
			FailureReason:   reason,
			CostUSD:         res.CostUSD,
			InputTokens:     res.InputTokens,
			OutputTokens:    res.OutputTokens,
			ExecutionTimeMs: d.Milliseconds(),
			CompletedAt:     time.Now().UTC(),
		},
	}
}

// coordinator is the single owner of the instance during a run.
type coordinator struct {
	exec       *Executor
	inst       *model.Instance
	onPersist  func(*model.Instance)
	log        *zap.Logger
	persistCtx context.Context
	dirty      int
}

func (c *coordinator) loop(results <-chan outcome, flushEvery int, interval time.Duration, res *BatchResult) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case o, ok := <-results:
			if !ok {
				return
			}
			c.merge(o, res)
			if c.dirty >= flushEvery {
				c.flush()
			}
		case <-ticker.C:
			if c.dirty > 0 {
				c.flush()
			}
		}
	}
}

func (c *coordinator) merge(o outcome, res *BatchResult) {
	mergeOutput(c.inst, o.out)
	if !o.out.IsSuccess {
		c.inst.AddError(model.ErrorRecord{
			Type:          model.ErrorTypeGeneration,
			Message:       o.out.FailureReason,
			CombinationID: o.out.CombinationID,
			IsRetriable:   true,
		})
	}
	c.dirty++

	res.Executed++
	res.CostUSD += o.out.CostUSD
	if o.out.IsSuccess {
		res.Succeeded++
	} else {
		res.Failed++
	}
	c.exec.recorder.OutputMerged(o.out.IsSuccess, o.out.CostUSD, o.dur)
}

// flush persists the instance once. Failures leave the results dirty so the
// next flush writes them again.
func (c *coordinator) flush() error {
	c.inst.UpdatedAt = time.Now().UTC()
	if err := c.exec.store.SaveInstance(c.persistCtx, c.inst); err != nil {
		c.log.Warn("pipeline: flush failed", zap.Int("pending", c.dirty), zap.Error(err))
		c.exec.recorder.FlushFailed(false)
		return err
	}
	c.dirty = 0
	if c.onPersist != nil {
		c.onPersist(c.inst.Clone())
	}
	return nil
}

func (c *coordinator) finalFlush(res *BatchResult) error {
	cfg := resilience.RetryConfig{
		MaxAttempts:    c.exec.cfg.FlushAttempts,
		InitialBackoff: c.exec.cfg.FlushBackoff,
		MaxBackoff:     10 * c.exec.cfg.FlushBackoff,
		ShouldRetry:    func(error) bool { return true },
		OnRetry:        resilience.RetryLogger("pipeline.final_flush", zap.String("instance_id", c.inst.ID)),
	}
	c.inst.RecomputeMetrics()
	err := resilience.Do(c.persistCtx, cfg, func(context.Context) error { return c.flush() })
	if err == nil {
		return nil
	}

	c.exec.recorder.FlushFailed(true)
	c.log.Error("pipeline: final flush failed, results are only in memory (data loss risk)",
		zap.Int("executed", res.Executed),
		zap.Error(err),
	)
	c.inst.AddError(model.ErrorRecord{
		Type:        model.ErrorTypePersistence,
		Message:     err.Error(),
		IsRetriable: true,
	})
	return eris.Wrap(err, "pipeline: final flush")
}

// mergeOutput records out on inst, replacing any earlier output for the
// same combination, and keeps the counters consistent with the outputs.
func mergeOutput(inst *model.Instance, out model.Output) {
	m := &inst.Metrics
	if prev, ok := inst.Output(out.CombinationID); ok {
		m.ActualCostUSD -= prev.CostUSD
		if prev.IsSuccess {
			m.SuccessfulOutputs--
		} else {
			m.FailedOutputs--
		}
	} else {
		m.ProcessedCombinations++
	}
	inst.SetOutput(out)
	m.ActualCostUSD += out.CostUSD
	if out.IsSuccess {
		m.SuccessfulOutputs++
	} else {
		m.FailedOutputs++
	}
	inst.LastProcessedCombinationID = out.CombinationID
}
