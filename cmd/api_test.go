//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reasoning-cli/internal/config"
	"github.com/sells-group/reasoning-cli/internal/model"
	"github.com/sells-group/reasoning-cli/internal/pipeline"
	"github.com/sells-group/reasoning-cli/internal/store"
	"github.com/sells-group/reasoning-cli/pkg/anthropic"
)

// echoClient answers every message with its prompt.
type echoClient struct {
	mu    sync.Mutex
	calls int
}

func (c *echoClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	text := ""
	if n := len(req.Messages); n > 0 {
		text = req.Messages[n-1].Content
	}
	return &anthropic.MessageResponse{
		ID:      "msg_test",
		Model:   req.Model,
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 20, OutputTokens: 40},
	}, nil
}

func (c *echoClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *echoClient) CreateBatch(context.Context, anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	return nil, errors.New("batches not supported")
}

func (c *echoClient) GetBatch(context.Context, string) (*anthropic.BatchResponse, error) {
	return nil, errors.New("batches not supported")
}

func (c *echoClient) GetBatchResults(context.Context, string) (anthropic.BatchResultIterator, error) {
	return nil, errors.New("batches not supported")
}

func testConfig(dbPath string) *config.Config {
	return &config.Config{
		Store:     config.StoreConfig{Driver: "sqlite", DatabaseURL: dbPath},
		Anthropic: config.AnthropicConfig{Model: "claude-haiku-4-5-20251001", MaxTokens: 256},
		Execution: config.ExecutionConfig{
			DefaultMaxConcurrentCalls: 2,
			DefaultBatchSize:          2,
			FlushIntervalSecs:         1,
			FlushAttempts:             2,
			DefaultMaxCombinations:    1000,
		},
		Estimate: config.EstimateConfig{
			SecondsPerCall:       1,
			ExpectedOutputTokens: 400,
			PromptOverheadTokens: 50,
		},
		Resilience: config.ResilienceConfig{MaxAttempts: 1},
		Server:     config.ServerConfig{Port: 8080, AllowedOrigins: []string{"*"}},
	}
}

type testServer struct {
	srv    *httptest.Server
	env    *appEnv
	api    *api
	client *echoClient
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	c := testConfig(filepath.Join(t.TempDir(), "api.db"))
	st, err := initStore(ctx, c)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	client := &echoClient{}
	env := buildEnv(c, st, client)
	a := newAPI(ctx, env)
	srv := httptest.NewServer(a.routes(c.Server.AllowedOrigins))
	t.Cleanup(func() {
		srv.Close()
		a.wait()
		env.Close()
	})

	_, err = st.InsertRecords(ctx, "characters", []model.Record{
		model.NewRecord("", map[string]any{"name": "Alice", "age": 31}),
		model.NewRecord("", map[string]any{"name": "Bob", "age": 45}),
		model.NewRecord("", map[string]any{"name": "Carol", "age": 27}),
	})
	require.NoError(t, err)
	_, err = st.InsertRecords(ctx, "scenes", []model.Record{
		model.NewRecord("", map[string]any{"name": "Castle"}),
		model.NewRecord("", map[string]any{"name": "Forest"}),
	})
	require.NoError(t, err)

	return &testServer{srv: srv, env: env, api: a, client: client}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func storyDefinition(limitUSD float64) map[string]any {
	return map[string]any{
		"name": "story seeds",
		"queries": []map[string]any{
			{"query_id": "q1", "output_view_name": "Characters", "source_collection_name": "characters"},
			{"query_id": "q2", "output_view_name": "Scenes", "source_collection_name": "scenes"},
		},
		"combination_rules": []map[string]any{{
			"view_names_to_cross_product": []string{"Characters", "Scenes"},
			"max_combinations":            100,
		}},
		"prompt_template": map[string]any{
			"template_content": "Write a scene where {{Characters.name}} visits {{Scenes.name}}.",
		},
		"execution_constraints": map[string]any{
			"max_estimated_cost_usd":     limitUSD,
			"max_execution_time_minutes": 5,
			"max_concurrent_calls":       2,
			"batch_size":                 2,
		},
	}
}

func (ts *testServer) createDefinition(t *testing.T, limitUSD float64) string {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/v1/definitions", storyDefinition(limitUSD))
	require.Equal(t, http.StatusCreated, status, string(body))
	var resp struct {
		Definition model.Definition `json:"definition"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.Definition.ID)
	return resp.Definition.ID
}

func (ts *testServer) createInstance(t *testing.T, defID string) string {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/v1/definitions/"+defID+"/instances", nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	var inst model.Instance
	require.NoError(t, json.Unmarshal(body, &inst))
	assert.Equal(t, model.InstanceStatusPending, inst.Status)
	return inst.ID
}

func (ts *testServer) waitFinished(t *testing.T, id string) *model.Instance {
	t.Helper()
	require.Eventually(t, func() bool {
		inst, err := ts.env.Store.GetInstance(context.Background(), id)
		return err == nil && inst.Status.IsTerminal() && len(ts.env.Controller.Running()) == 0
	}, 10*time.Second, 20*time.Millisecond)
	inst, err := ts.env.Store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func TestAPI_Health(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestAPI_DefinitionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createDefinition(t, 5)

	status, body := ts.do(t, http.MethodGet, "/v1/definitions/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	var def model.Definition
	require.NoError(t, json.Unmarshal(body, &def))
	assert.Equal(t, "story seeds", def.Name)
	assert.Equal(t, []string{"Characters", "Scenes"}, def.PromptTemplate.ExpectedInputViewNames)

	status, body = ts.do(t, http.MethodGet, "/v1/definitions?name=story", nil)
	require.Equal(t, http.StatusOK, status)
	var defs []model.Definition
	require.NoError(t, json.Unmarshal(body, &defs))
	assert.Len(t, defs, 1)

	updated := storyDefinition(5)
	updated["name"] = "story seeds v2"
	status, _ = ts.do(t, http.MethodPut, "/v1/definitions/"+id, updated)
	assert.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodDelete, "/v1/definitions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = ts.do(t, http.MethodGet, "/v1/definitions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_CreateDefinition_Invalid(t *testing.T) {
	ts := newTestServer(t)
	def := storyDefinition(5)
	def["queries"] = []map[string]any{}

	status, body := ts.do(t, http.MethodPost, "/v1/definitions", def)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, string(body), "at least one query is required")
}

func TestAPI_ValidateDefinition(t *testing.T) {
	ts := newTestServer(t)
	def := storyDefinition(0)

	status, body := ts.do(t, http.MethodPost, "/v1/definitions/validate", def)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "cost is unlimited")
	assert.NotContains(t, string(body), `"errors"`)
}

func TestAPI_DeleteDefinitionInUse(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createDefinition(t, 5)
	ts.createInstance(t, id)

	status, _ := ts.do(t, http.MethodDelete, "/v1/definitions/"+id, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestAPI_Estimate(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createDefinition(t, 5)

	status, body := ts.do(t, http.MethodGet, "/v1/definitions/"+id+"/estimate", nil)
	require.Equal(t, http.StatusOK, status)
	var est struct {
		Combinations int            `json:"combinations"`
		CostUSD      float64        `json:"cost_usd"`
		ViewCounts   map[string]int `json:"view_counts"`
	}
	require.NoError(t, json.Unmarshal(body, &est))
	assert.Equal(t, 6, est.Combinations)
	assert.Greater(t, est.CostUSD, 0.0)
	assert.Equal(t, map[string]int{"Characters": 3, "Scenes": 2}, est.ViewCounts)
}

func TestAPI_ExecuteInstance(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createInstance(t, ts.createDefinition(t, 5))

	status, body := ts.do(t, http.MethodPost, "/v1/instances/"+id+"/execute", nil)
	require.Equal(t, http.StatusAccepted, status, string(body))

	inst := ts.waitFinished(t, id)
	assert.Equal(t, model.InstanceStatusCompleted, inst.Status)
	assert.Len(t, inst.Outputs, 6)
	assert.Equal(t, 6, inst.Metrics.SuccessfulOutputs)
	assert.Equal(t, 6, ts.client.count())
	for _, o := range inst.Outputs {
		assert.True(t, o.IsSuccess)
		assert.True(t, strings.HasPrefix(o.GeneratedText, "Write a scene where "), o.GeneratedText)
	}

	status, body = ts.do(t, http.MethodGet, "/v1/instances/"+id+"/progress", nil)
	require.Equal(t, http.StatusOK, status)
	var p pipeline.Progress
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, 6, p.ProcessedCombinations)
	assert.InDelta(t, 100.0, p.PercentComplete, 0.001)
	assert.False(t, p.Running)

	status, body = ts.do(t, http.MethodGet, "/v1/instances/"+id+"/failed", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"combination_ids":[]}`, string(body))

	// Only pending instances execute.
	status, _ = ts.do(t, http.MethodPost, "/v1/instances/"+id+"/execute", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, body = ts.do(t, http.MethodGet, "/v1/instances?status=completed", nil)
	require.Equal(t, http.StatusOK, status)
	var list []instanceSummary
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	status, body = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `reasoning_runs_total{status="completed"} 1`)
	assert.Contains(t, string(body), `reasoning_outputs_total{result="success"} 6`)
}

func TestAPI_ExecutePrecheckRejected(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createInstance(t, ts.createDefinition(t, 0.000001))

	status, body := ts.do(t, http.MethodPost, "/v1/instances/"+id+"/execute", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, string(body), "exceeds limit")

	inst, err := ts.env.Store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusPending, inst.Status)
	assert.Empty(t, inst.Outputs)
	assert.Zero(t, ts.client.count())
}

func TestAPI_GenerateCombinationsThenRunSubset(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createInstance(t, ts.createDefinition(t, 5))

	status, body := ts.do(t, http.MethodPost, "/v1/instances/"+id+"/combinations", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var gen struct {
		CombinationIDs []string `json:"combination_ids"`
	}
	require.NoError(t, json.Unmarshal(body, &gen))
	require.Len(t, gen.CombinationIDs, 6)

	status, _ = ts.do(t, http.MethodPost, "/v1/instances/"+id+"/combinations/execute",
		map[string]any{"combination_ids": gen.CombinationIDs[:2]})
	require.Equal(t, http.StatusAccepted, status)

	require.Eventually(t, func() bool {
		inst, err := ts.env.Store.GetInstance(context.Background(), id)
		return err == nil && len(inst.Outputs) == 2 && len(ts.env.Controller.Running()) == 0
	}, 10*time.Second, 20*time.Millisecond)

	inst, err := ts.env.Store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusPending, inst.Status)

	status, body = ts.do(t, http.MethodGet, "/v1/instances/"+id+"/failed", nil)
	require.Equal(t, http.StatusOK, status)
	var failed struct {
		CombinationIDs []string `json:"combination_ids"`
	}
	require.NoError(t, json.Unmarshal(body, &failed))
	assert.ElementsMatch(t, gen.CombinationIDs[2:], failed.CombinationIDs)
}

func TestAPI_ExecuteCombinations_RequiresIDs(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createInstance(t, ts.createDefinition(t, 5))

	status, _ := ts.do(t, http.MethodPost, "/v1/instances/"+id+"/combinations/execute", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := ts.do(t, http.MethodPost, "/v1/instances/"+id+"/combinations/execute",
		map[string]any{"combination_ids": []string{"nope-1", "nope-2"}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "unknown combination")
	assert.Contains(t, string(body), "nope-1, nope-2")
}

func TestAPI_ResetFinishedInstance(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createInstance(t, ts.createDefinition(t, 5))

	status, _ := ts.do(t, http.MethodPost, "/v1/instances/"+id+"/reset", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = ts.do(t, http.MethodPost, "/v1/instances/"+id+"/execute", nil)
	require.Equal(t, http.StatusAccepted, status)
	ts.waitFinished(t, id)

	status, body := ts.do(t, http.MethodPost, "/v1/instances/"+id+"/reset", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var sum instanceSummary
	require.NoError(t, json.Unmarshal(body, &sum))
	assert.Equal(t, model.InstanceStatusPending, sum.Status)
	assert.Equal(t, 6, sum.Metrics.TotalCombinations)
	assert.Zero(t, sum.Metrics.ProcessedCombinations)
}

func TestAPI_CancelNotRunning(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createInstance(t, ts.createDefinition(t, 5))

	status, _ := ts.do(t, http.MethodPost, "/v1/instances/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestAPI_InstanceNotFound(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(t, http.MethodGet, "/v1/instances/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_Records(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodPost, "/v1/collections/props/records", []map[string]any{
		{"id": "p1", "name": "Sword", "weight": 3},
		{"name": "Lantern", "weight": 1},
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	assert.JSONEq(t, `{"inserted":2}`, string(body))

	status, body = ts.do(t, http.MethodGet, "/v1/collections/props/records?filter=weight%20%3E%202", nil)
	require.Equal(t, http.StatusOK, status)
	var recs []model.Record
	require.NoError(t, json.Unmarshal(body, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "p1", recs[0].ID)

	status, _ = ts.do(t, http.MethodGet, "/v1/collections/props/records?filter=weight", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = ts.do(t, http.MethodGet, "/v1/collections", nil)
	require.Equal(t, http.StatusOK, status)
	var cols []store.CollectionInfo
	require.NoError(t, json.Unmarshal(body, &cols))
	assert.Contains(t, cols, store.CollectionInfo{Name: "props", Count: 2})
}

func TestAPI_Stats(t *testing.T) {
	ts := newTestServer(t)
	ts.createInstance(t, ts.createDefinition(t, 5))

	status, body := ts.do(t, http.MethodGet, "/v1/stats?hours=0", nil)
	require.Equal(t, http.StatusOK, status)
	var snap struct {
		InstancesTotal   int `json:"instances_total"`
		InstancesPending int `json:"instances_pending"`
	}
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, 1, snap.InstancesTotal)
	assert.Equal(t, 1, snap.InstancesPending)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrInvalidFilter, http.StatusBadRequest},
		{pipeline.ErrUnknownCombination, http.StatusBadRequest},
		{store.ErrDefinitionInUse, http.StatusConflict},
		{pipeline.ErrInvalidTransition, http.StatusConflict},
		{pipeline.ErrAlreadyRunning, http.StatusConflict},
		{pipeline.ErrNotRunning, http.StatusConflict},
		{pipeline.ErrNotImplemented, http.StatusNotImplemented},
		{&pipeline.PrecheckError{Err: errors.New("too expensive")}, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}
