package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reasoning-cli/internal/combine"
	"github.com/sells-group/reasoning-cli/internal/estimate"
	"github.com/sells-group/reasoning-cli/internal/model"
	"github.com/sells-group/reasoning-cli/internal/store"
)

var (
	errCancelled = eris.New("pipeline: cancelled by request")
	errTimeout   = eris.New("pipeline: execution time limit exceeded")
)

// ViewResolver materializes a definition's views.
type ViewResolver interface {
	Resolve(ctx context.Context, def *model.Definition) (map[string][]model.Record, error)
}

// Estimator prices a definition before it runs.
type Estimator interface {
	Estimate(ctx context.Context, def *model.Definition) (*estimate.Estimate, error)
}

// Deps are the Controller's collaborators.
type Deps struct {
	Definitions store.DefinitionStore
	Instances   store.InstanceStore
	Resolver    ViewResolver
	Generator   *combine.Generator
	Estimator   Estimator
	Executor    *Executor
	Recorder    Recorder

	// TimeLimit bounds one execution run. Zero means unbounded. Defaults to
	// the definition's max_execution_time_minutes.
	TimeLimit func(def *model.Definition) time.Duration
}

// Controller drives instances through
// Pending → FetchingData → CombiningData → GeneratingOutputs → Completed|Failed.
type Controller struct {
	defs      store.DefinitionStore
	insts     store.InstanceStore
	resolver  ViewResolver
	generator *combine.Generator
	estimator Estimator
	exec      *Executor
	recorder  Recorder
	runs      *registry
	timeLimit func(def *model.Definition) time.Duration
	now       func() time.Time
}

// NewController creates a Controller.
func NewController(d Deps) *Controller {
	gen := d.Generator
	if gen == nil {
		gen = combine.New()
	}
	rec := d.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	limit := d.TimeLimit
	if limit == nil {
		limit = definitionTimeLimit
	}
	return &Controller{
		defs:      d.Definitions,
		insts:     d.Instances,
		resolver:  d.Resolver,
		generator: gen,
		estimator: d.Estimator,
		exec:      d.Executor,
		recorder:  rec,
		runs:      newRegistry(),
		timeLimit: limit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func definitionTimeLimit(def *model.Definition) time.Duration {
	return time.Duration(def.ExecutionConstraints.MaxExecutionTimeMinutes) * time.Minute
}

// RunResult is the outcome of Execute.
type RunResult struct {
	Instance *model.Instance
	Estimate *estimate.Estimate
	Batch    *BatchResult
}

// CreateInstance creates a Pending instance of a definition.
func (c *Controller) CreateInstance(ctx context.Context, definitionID string) (*model.Instance, error) {
	if _, err := c.defs.GetDefinition(ctx, definitionID); err != nil {
		return nil, eris.Wrap(err, "pipeline: create instance")
	}
	inst := &model.Instance{
		DefinitionID: definitionID,
		Status:       model.InstanceStatusPending,
		StartedAt:    c.now(),
	}
	if err := c.insts.CreateInstance(ctx, inst); err != nil {
		return nil, eris.Wrap(err, "pipeline: create instance")
	}
	return inst, nil
}

// GetInstance returns the live snapshot of a running instance, or the
// stored one.
func (c *Controller) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	if run, ok := c.runs.get(id); ok {
		return run.current().Clone(), nil
	}
	inst, err := c.insts.GetInstance(ctx, id)
	return inst, eris.Wrap(err, "pipeline: get instance")
}

// Execute runs a Pending instance to completion. A precheck failure
// returns *PrecheckError and leaves the instance Pending. Failures of the
// run itself are recorded on the instance, persisted and returned wrapped.
// Individual combination failures are not errors.
func (c *Controller) Execute(ctx context.Context, id string) (*RunResult, error) {
	inst, err := c.insts.GetInstance(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: execute")
	}
	if inst.Status != model.InstanceStatusPending {
		return nil, invalidTransition("execute", inst.Status)
	}
	def, err := c.defs.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: execute")
	}

	est, err := c.estimator.Estimate(ctx, def)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: precheck")
	}
	if err := estimate.Precheck(def, est); err != nil {
		return &RunResult{Instance: inst, Estimate: est}, &PrecheckError{Estimate: est, Err: err}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if limit := c.timeLimit(def); limit > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, limit, errTimeout)
		defer stop()
	}

	run, err := c.runs.start(id, cancel, inst)
	if err != nil {
		return nil, err
	}
	defer c.runs.finish(id)

	inst.Metrics.EstimatedCostUSD = est.CostUSD
	res := &RunResult{Instance: inst, Estimate: est}
	started := time.Now()
	batch, err := c.run(runCtx, def, inst, run)
	res.Batch = batch
	c.recorder.RunFinished(inst.Status, time.Since(started))
	return res, err
}

func (c *Controller) run(ctx context.Context, def *model.Definition, inst *model.Instance, run *activeRun) (*BatchResult, error) {
	persistCtx := context.WithoutCancel(ctx)
	log := zap.L().With(zap.String("instance_id", inst.ID), zap.String("definition_id", def.ID))
	started := time.Now()

	fail := func(typ model.ErrorType, err error) error {
		inst.Status = model.InstanceStatusFailed
		now := c.now()
		inst.CompletedAt = &now
		inst.Metrics.ElapsedMs = time.Since(started).Milliseconds()
		inst.AddError(model.ErrorRecord{
			Type:        typ,
			Message:     err.Error(),
			IsRetriable: typ != model.ErrorTypeOrchestration,
		})
		log.Error("pipeline: instance failed", zap.String("error_type", string(typ)), zap.Error(err))
		if saveErr := c.save(persistCtx, inst, run); saveErr != nil {
			log.Error("pipeline: could not persist failed state", zap.Error(saveErr))
		}
		return eris.Wrapf(err, "pipeline: execute instance %s", inst.ID)
	}

	transition := func(to model.InstanceStatus) error {
		if err := interrupted(ctx); err != nil {
			return err
		}
		log.Info("pipeline: stage", zap.String("status", string(to)))
		inst.Status = to
		return c.save(persistCtx, inst, run)
	}

	// Pregenerated combinations keep the views they were built from.
	reuse := len(inst.InputCombinations) > 0

	if err := transition(model.InstanceStatusFetchingData); err != nil {
		return nil, fail(errorTypeOf(err), err)
	}
	if !reuse {
		views, err := c.resolver.Resolve(ctx, def)
		if err != nil {
			if ierr := interrupted(ctx); ierr != nil {
				return nil, fail(errorTypeOf(ierr), ierr)
			}
			return nil, fail(model.ErrorTypeResolution, err)
		}
		inst.ResolvedViews = views
	}

	if err := transition(model.InstanceStatusCombiningData); err != nil {
		return nil, fail(errorTypeOf(err), err)
	}
	if reuse {
		inst.Metrics.TotalCombinations = len(inst.InputCombinations)
	} else {
		combos, err := c.generator.GenerateAll(def, inst.ResolvedViews)
		if err != nil {
			return nil, fail(model.ErrorTypeOrchestration, err)
		}
		inst.SetCombinations(combos)
	}

	if err := transition(model.InstanceStatusGeneratingOutputs); err != nil {
		return nil, fail(errorTypeOf(err), err)
	}
	batch, err := c.exec.Run(ctx, Job{
		Definition: def,
		Instance:   inst,
		IDs:        inst.CombinationIDs(),
		OnPersist:  run.publish,
	})
	if err != nil {
		return nil, fail(model.ErrorTypeOrchestration, err)
	}
	if err := interrupted(ctx); err != nil {
		return batch, fail(errorTypeOf(err), err)
	}

	inst.Status = model.InstanceStatusCompleted
	now := c.now()
	inst.CompletedAt = &now
	inst.Metrics.ElapsedMs = time.Since(started).Milliseconds()
	if err := c.save(persistCtx, inst, run); err != nil {
		log.Error("pipeline: could not persist completion", zap.Error(err))
		return batch, eris.Wrap(err, "pipeline: persist completion")
	}
	log.Info("pipeline: instance completed",
		zap.Int("succeeded", inst.Metrics.SuccessfulOutputs),
		zap.Int("failed", inst.Metrics.FailedOutputs),
		zap.Float64("cost_usd", inst.Metrics.ActualCostUSD),
	)
	return batch, nil
}

func (c *Controller) save(ctx context.Context, inst *model.Instance, run *activeRun) error {
	inst.UpdatedAt = c.now()
	if err := c.insts.SaveInstance(ctx, inst); err != nil {
		return eris.Wrapf(err, "pipeline: save instance %s", inst.ID)
	}
	if run != nil {
		run.publish(inst.Clone())
	}
	return nil
}

// interrupted reports why ctx ended, or nil.
func interrupted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

func errorTypeOf(err error) model.ErrorType {
	switch {
	case errors.Is(err, errTimeout), errors.Is(err, context.DeadlineExceeded):
		return model.ErrorTypeTimeout
	case errors.Is(err, errCancelled), errors.Is(err, context.Canceled):
		return model.ErrorTypeCancelled
	default:
		return model.ErrorTypePersistence
	}
}

// ExecuteCombinations runs the given combination ids of an instance that
// is not currently executing. The instance status is left unchanged.
func (c *Controller) ExecuteCombinations(ctx context.Context, id string, ids []string) (*BatchResult, error) {
	inst, err := c.insts.GetInstance(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: execute combinations")
	}
	switch inst.Status {
	case model.InstanceStatusPending, model.InstanceStatusCompleted, model.InstanceStatusFailed:
	default:
		return nil, invalidTransition("execute combinations", inst.Status)
	}
	def, err := c.defs.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: execute combinations")
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	run, err := c.runs.start(id, cancel, inst)
	if err != nil {
		return nil, err
	}
	defer c.runs.finish(id)

	res, err := c.exec.Run(runCtx, Job{Definition: def, Instance: inst, IDs: ids, OnPersist: run.publish})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: execute combinations")
	}
	if res.Requested > 0 && len(res.Unknown) == res.Requested {
		return res, eris.Wrap(res.UnknownErr(), "pipeline: execute combinations")
	}
	return res, nil
}

// RetryFailed re-runs every combination whose output failed or is missing.
func (c *Controller) RetryFailed(ctx context.Context, id string) (*BatchResult, error) {
	ids, err := c.FailedCombinations(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &BatchResult{}, nil
	}
	return c.ExecuteCombinations(ctx, id, ids)
}

// FailedCombinations lists ids whose latest output failed or is absent.
func (c *Controller) FailedCombinations(ctx context.Context, id string) ([]string, error) {
	inst, err := c.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return inst.FailedCombinationIDs(), nil
}

// GenerateCombinations resolves views and generates combinations for a
// Pending instance without executing them. Execute reuses them.
func (c *Controller) GenerateCombinations(ctx context.Context, id string) (*model.Instance, error) {
	inst, def, err := c.load(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: generate combinations")
	}
	if inst.Status != model.InstanceStatusPending {
		return nil, invalidTransition("generate combinations", inst.Status)
	}
	if err := c.regenerate(ctx, def, inst); err != nil {
		return nil, err
	}
	if err := c.save(ctx, inst, nil); err != nil {
		return nil, err
	}
	return inst, nil
}

// RegenerateAndReset returns a Completed or Failed instance to Pending
// with fresh views and combinations. Outputs, errors and counters are
// cleared; StartedAt is kept.
func (c *Controller) RegenerateAndReset(ctx context.Context, id string) (*model.Instance, error) {
	if _, running := c.runs.get(id); running {
		return nil, ErrAlreadyRunning
	}
	inst, def, err := c.load(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: reset")
	}
	if !inst.Status.IsTerminal() {
		return nil, invalidTransition("reset", inst.Status)
	}

	inst.ResetRun()
	if err := c.regenerate(ctx, def, inst); err != nil {
		return nil, err
	}
	if err := c.save(ctx, inst, nil); err != nil {
		return nil, err
	}
	zap.L().Info("pipeline: instance reset",
		zap.String("instance_id", inst.ID),
		zap.Int("combinations", len(inst.InputCombinations)),
	)
	return inst, nil
}

func (c *Controller) regenerate(ctx context.Context, def *model.Definition, inst *model.Instance) error {
	views, err := c.resolver.Resolve(ctx, def)
	if err != nil {
		return eris.Wrap(err, "pipeline: resolve views")
	}
	combos, err := c.generator.GenerateAll(def, views)
	if err != nil {
		return eris.Wrap(err, "pipeline: generate combinations")
	}
	inst.ResolvedViews = views
	inst.SetCombinations(combos)
	return nil
}

func (c *Controller) load(ctx context.Context, id string) (*model.Instance, *model.Definition, error) {
	inst, err := c.insts.GetInstance(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	def, err := c.defs.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, nil, err
	}
	return inst, def, nil
}

// Estimate prices a definition without touching any instance.
func (c *Controller) Estimate(ctx context.Context, definitionID string) (*estimate.Estimate, error) {
	def, err := c.defs.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: estimate")
	}
	return c.estimator.Estimate(ctx, def)
}

// Cancel stops an instance executing in this process. Calls in flight
// finish and are recorded; the instance ends Failed with a cancelled error.
func (c *Controller) Cancel(id string) error {
	run, ok := c.runs.get(id)
	if !ok {
		return eris.Wrap(ErrNotRunning, fmt.Sprintf("cancel %s", id))
	}
	run.cancel(errCancelled)
	return nil
}

// Pause is not supported.
func (c *Controller) Pause(string) error { return ErrNotImplemented }

// Resume is not supported; use RetryFailed on a finished instance.
func (c *Controller) Resume(string) error { return ErrNotImplemented }

// Running lists the ids of instances executing in this process.
func (c *Controller) Running() []string { return c.runs.active() }

// Progress is a point-in-time view of an instance's execution.
type Progress struct {
	InstanceID                 string               `json:"instance_id"`
	Status                     model.InstanceStatus `json:"status"`
	Running                    bool                 `json:"running"`
	TotalCombinations          int                  `json:"total_combinations"`
	ProcessedCombinations      int                  `json:"processed_combinations"`
	SuccessfulOutputs          int                  `json:"successful_outputs"`
	FailedOutputs              int                  `json:"failed_outputs"`
	PercentComplete            float64              `json:"percent_complete"`
	EstimatedCostUSD           float64              `json:"estimated_cost_usd"`
	ActualCostUSD              float64              `json:"actual_cost_usd"`
	Elapsed                    time.Duration        `json:"elapsed"`
	LastProcessedCombinationID string               `json:"last_processed_combination_id,omitempty"`
	Errors                     int                  `json:"errors"`
}

// Progress reports an instance's progress, live while it runs.
func (c *Controller) Progress(ctx context.Context, id string) (*Progress, error) {
	run, running := c.runs.get(id)
	inst, err := c.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	elapsed := time.Duration(inst.Metrics.ElapsedMs) * time.Millisecond
	if running {
		elapsed = time.Since(run.started)
	}
	m := inst.Metrics
	return &Progress{
		InstanceID:                 inst.ID,
		Status:                     inst.Status,
		Running:                    running,
		TotalCombinations:          m.TotalCombinations,
		ProcessedCombinations:      m.ProcessedCombinations,
		SuccessfulOutputs:          m.SuccessfulOutputs,
		FailedOutputs:              m.FailedOutputs,
		PercentComplete:            inst.PercentComplete(),
		EstimatedCostUSD:           m.EstimatedCostUSD,
		ActualCostUSD:              m.ActualCostUSD,
		Elapsed:                    elapsed,
		LastProcessedCombinationID: inst.LastProcessedCombinationID,
		Errors:                     len(inst.Errors),
	}, nil
}
