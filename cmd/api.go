package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/reasoning-cli/internal/definition"
	"github.com/sells-group/reasoning-cli/internal/estimate"
	"github.com/sells-group/reasoning-cli/internal/model"
	"github.com/sells-group/reasoning-cli/internal/monitoring"
	"github.com/sells-group/reasoning-cli/internal/pipeline"
	"github.com/sells-group/reasoning-cli/internal/store"
)

// api serves the HTTP surface. Executions started over HTTP run under
// base, not the request context, and are tracked for shutdown.
type api struct {
	env       *appEnv
	collector *monitoring.Collector
	base      context.Context
	wg        sync.WaitGroup
}

func newAPI(base context.Context, env *appEnv) *api {
	return &api{env: env, collector: monitoring.NewCollector(env.Store), base: base}
}

// routes builds the router.
func (a *api) routes(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", a.env.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/definitions", func(r chi.Router) {
			r.Get("/", a.listDefinitions)
			r.Post("/", a.createDefinition)
			r.Post("/validate", a.validateDefinition)
			r.Get("/{id}", a.getDefinition)
			r.Put("/{id}", a.updateDefinition)
			r.Delete("/{id}", a.deleteDefinition)
			r.Get("/{id}/estimate", a.estimateDefinition)
			r.Post("/{id}/instances", a.createInstance)
		})
		r.Route("/instances", func(r chi.Router) {
			r.Get("/", a.listInstances)
			r.Get("/running", a.runningInstances)
			r.Get("/{id}", a.getInstance)
			r.Get("/{id}/progress", a.progress)
			r.Get("/{id}/failed", a.failedCombinations)
			r.Post("/{id}/execute", a.execute)
			r.Post("/{id}/cancel", a.cancel)
			r.Post("/{id}/retry", a.retry)
			r.Post("/{id}/reset", a.reset)
			r.Post("/{id}/combinations", a.generateCombinations)
			r.Post("/{id}/combinations/execute", a.executeCombinations)
		})
		r.Get("/stats", a.stats)
		r.Route("/collections", func(r chi.Router) {
			r.Get("/", a.listCollections)
			r.Get("/{name}/records", a.queryRecords)
			r.Post("/{name}/records", a.insertRecords)
		})
	})
	return r
}

// wait blocks until executions started over HTTP finish.
func (a *api) wait() { a.wg.Wait() }

// background runs fn under the server context.
func (a *api) background(op, id string, fn func(ctx context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(a.base); err != nil {
			zap.L().Error("api: background execution failed",
				zap.String("op", op),
				zap.String("instance_id", id),
				zap.Error(err),
			)
		}
	}()
}

// -- definitions --

func (a *api) listDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := a.env.Definitions.List(r.Context(), store.DefinitionFilter{
		NameContains: r.URL.Query().Get("name"),
		Limit:        queryInt(r, "limit", 0),
		Offset:       queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (a *api) createDefinition(w http.ResponseWriter, r *http.Request) {
	var def model.Definition
	if !decode(w, r, &def) {
		return
	}
	def.ID = ""
	res, err := a.env.Definitions.Create(r.Context(), &def)
	if err != nil {
		writeValidation(w, res, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"definition": def, "warnings": res.Warnings})
}

func (a *api) validateDefinition(w http.ResponseWriter, r *http.Request) {
	var def model.Definition
	if !decode(w, r, &def) {
		return
	}
	definition.Normalize(&def)
	writeJSON(w, http.StatusOK, a.env.Definitions.Validate(&def))
}

func (a *api) getDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := a.env.Definitions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (a *api) updateDefinition(w http.ResponseWriter, r *http.Request) {
	var def model.Definition
	if !decode(w, r, &def) {
		return
	}
	def.ID = chi.URLParam(r, "id")
	res, err := a.env.Definitions.Update(r.Context(), &def)
	if err != nil {
		writeValidation(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"definition": def, "warnings": res.Warnings})
}

func (a *api) deleteDefinition(w http.ResponseWriter, r *http.Request) {
	if err := a.env.Definitions.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) estimateDefinition(w http.ResponseWriter, r *http.Request) {
	est, err := a.env.Controller.Estimate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (a *api) createInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := a.env.Controller.CreateInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// -- instances --

func (a *api) listInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	insts, err := a.env.Store.ListInstances(r.Context(), store.InstanceFilter{
		DefinitionID: q.Get("definition_id"),
		Status:       model.InstanceStatus(q.Get("status")),
		Limit:        queryInt(r, "limit", 0),
		Offset:       queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]instanceSummary, len(insts))
	for i := range insts {
		out[i] = summarize(&insts[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) runningInstances(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"running": a.env.Controller.Running()})
}

func (a *api) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := a.env.Controller.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *api) progress(w http.ResponseWriter, r *http.Request) {
	p, err := a.env.Controller.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) failedCombinations(w http.ResponseWriter, r *http.Request) {
	ids, err := a.env.Controller.FailedCombinations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"combination_ids": nonNil(ids)})
}

// execute prechecks synchronously so a rejected estimate is reported to
// the caller, then runs the instance in the background.
func (a *api) execute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	inst, err := a.env.Store.GetInstance(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if inst.Status != model.InstanceStatusPending {
		writeError(w, pipeline.ErrInvalidTransition)
		return
	}
	def, err := a.env.Store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		writeError(w, err)
		return
	}
	est, err := a.env.Estimator.Estimate(ctx, def)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := estimate.Precheck(def, est); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "estimate": est})
		return
	}

	a.background("execute", id, func(ctx context.Context) error {
		_, err := a.env.Controller.Execute(ctx, id)
		return err
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "instance_id": id, "estimate": est})
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.env.Controller.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "instance_id": id})
}

func (a *api) retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ids, err := a.env.Controller.FailedCombinations(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	a.startCombinations(w, "retry", id, ids)
}

func (a *api) executeCombinations(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CombinationIDs []string `json:"combination_ids"`
	}
	if !decode(w, r, &body) {
		return
	}
	if len(body.CombinationIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "combination_ids is required"})
		return
	}
	id := chi.URLParam(r, "id")
	inst, err := a.env.Store.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	known, unknown := pipeline.SplitCombinationIDs(inst, body.CombinationIDs)
	if len(known) == 0 {
		writeError(w, (&pipeline.BatchResult{Unknown: unknown}).UnknownErr())
		return
	}
	a.startCombinations(w, "execute_combinations", id, known)
}

func (a *api) startCombinations(w http.ResponseWriter, op, id string, ids []string) {
	if len(ids) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"status": "nothing to do", "instance_id": id})
		return
	}
	a.background(op, id, func(ctx context.Context) error {
		_, err := a.env.Controller.ExecuteCombinations(ctx, id, ids)
		return err
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "instance_id": id, "combinations": len(ids)})
}

func (a *api) reset(w http.ResponseWriter, r *http.Request) {
	inst, err := a.env.Controller.RegenerateAndReset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(inst))
}

func (a *api) generateCombinations(w http.ResponseWriter, r *http.Request) {
	inst, err := a.env.Controller.GenerateCombinations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id":     inst.ID,
		"combination_ids": nonNil(inst.CombinationIDs()),
	})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	snap, err := a.collector.Collect(r.Context(), queryInt(r, "hours", 24))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// -- collections --

func (a *api) listCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := a.env.Store.ListCollections(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

func (a *api) queryRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := a.env.Store.QueryRecords(r.Context(), chi.URLParam(r, "name"), r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, err)
		return
	}
	if limit := queryInt(r, "limit", 0); limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *api) insertRecords(w http.ResponseWriter, r *http.Request) {
	var docs []map[string]any
	if !decode(w, r, &docs) {
		return
	}
	recs := make([]model.Record, len(docs))
	for i, d := range docs {
		id, _ := d["id"].(string)
		delete(d, "id")
		recs[i] = model.NewRecord(id, d)
	}
	n, err := a.env.Store.InsertRecords(r.Context(), chi.URLParam(r, "name"), recs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"inserted": n})
}

// -- helpers --

// instanceSummary is the list view of an instance.
type instanceSummary struct {
	ID           string               `json:"id"`
	DefinitionID string               `json:"definition_id"`
	Status       model.InstanceStatus `json:"status"`
	Metrics      model.Metrics        `json:"metrics"`
	Errors       int                  `json:"errors"`
	StartedAt    time.Time            `json:"started_at"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
}

func summarize(inst *model.Instance) instanceSummary {
	return instanceSummary{
		ID:           inst.ID,
		DefinitionID: inst.DefinitionID,
		Status:       inst.Status,
		Metrics:      inst.Metrics,
		Errors:       len(inst.Errors),
		StartedAt:    inst.StartedAt,
		CompletedAt:  inst.CompletedAt,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func writeValidation(w http.ResponseWriter, res definition.ValidationResult, err error) {
	if errors.Is(err, definition.ErrInvalidDefinition) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "validation": res})
		return
	}
	writeError(w, err)
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	var pre *pipeline.PrecheckError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidFilter), errors.Is(err, pipeline.ErrUnknownCombination):
		return http.StatusBadRequest
	case errors.As(err, &pre), errors.Is(err, definition.ErrInvalidDefinition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrInvalidTransition),
		errors.Is(err, pipeline.ErrAlreadyRunning),
		errors.Is(err, pipeline.ErrNotRunning),
		errors.Is(err, store.ErrDefinitionInUse):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrNotImplemented):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return v
	}
	return def
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
