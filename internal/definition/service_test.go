package definition

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reasoning-cli/internal/model"
	"github.com/sells-group/reasoning-cli/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewService(st), st
}

func TestService_CreateGetUpdateDelete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	def := validDefinition()
	res, err := svc.Create(ctx, def)
	require.NoError(t, err)
	assert.True(t, res.Valid())
	require.NotEmpty(t, def.ID)

	got, err := svc.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Characters", "Scenes"}, got.PromptTemplate.ExpectedInputViewNames)

	got.Description = "v2"
	_, err = svc.Update(ctx, got)
	require.NoError(t, err)

	list, err := svc.List(ctx, store.DefinitionFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "v2", list[0].Description)

	require.NoError(t, svc.Delete(ctx, def.ID))
	_, err = svc.Get(ctx, def.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_CreateRejectsInvalid(t *testing.T) {
	svc, _ := newTestService(t)

	def := validDefinition()
	def.Queries = nil
	res, err := svc.Create(context.Background(), def)
	require.ErrorIs(t, err, ErrInvalidDefinition)
	assert.False(t, res.Valid())
	assert.Contains(t, err.Error(), "at least one query")
	assert.Empty(t, def.ID)
}

func TestService_UpdateMissing(t *testing.T) {
	svc, _ := newTestService(t)

	def := validDefinition()
	def.ID = "missing"
	_, err := svc.Update(context.Background(), def)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_DeleteInUse(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	def := validDefinition()
	_, err := svc.Create(ctx, def)
	require.NoError(t, err)
	require.NoError(t, st.CreateInstance(ctx, &model.Instance{DefinitionID: def.ID, Status: model.InstanceStatusPending}))

	err = svc.Delete(ctx, def.ID)
	assert.ErrorIs(t, err, store.ErrDefinitionInUse)
}

func TestLoadFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "def.yaml")
	content := `name: character scenes
model: claude-sonnet-4-5-20250929
queries:
  - query_id: q1
    output_view_name: Characters
    source_collection_name: characters
    selected_fields: [name, level]
  - query_id: q2
    output_view_name: Scenes
    source_collection_name: scenes
    filter_expression: "mood = dark"
combination_rules:
  - view_names_to_cross_product: [Characters, Scenes]
    max_combinations: 50
    strategy: random_sampling
    sampling_rule:
      random_seed: 7
prompt_template:
  template_content: "Write {{Characters.name}} in {{Scenes.name}}"
  system_content: "You are a novelist."
execution_constraints:
  max_estimated_cost_usd: 2.5
  max_execution_time_minutes: 30
  max_concurrent_calls: 4
  enable_batching: false
  batch_size: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	def, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "character scenes", def.Name)
	assert.Equal(t, "claude-sonnet-4-5-20250929", def.Model)
	require.Len(t, def.Queries, 2)
	assert.Equal(t, []string{"name", "level"}, def.Queries[0].SelectedFields)
	require.Len(t, def.CombinationRules, 1)
	assert.Equal(t, model.StrategyRandomSampling, def.CombinationRules[0].Strategy)
	assert.Equal(t, uint64(7), def.CombinationRules[0].SamplingRule.RandomSeed)
	assert.Equal(t, "You are a novelist.", def.PromptTemplate.SystemContent)
	assert.InDelta(t, 2.5, def.ExecutionConstraints.MaxEstimatedCostUSD, 1e-9)
}

func TestLoadFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "def.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"j","queries":[{"output_view_name":"A","source_collection_name":"a"}]}`), 0o600))

	def, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "j", def.Name)
	assert.Equal(t, "A", def.Queries[0].OutputViewName)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: [unterminated"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)
}

type pricedModels map[string]bool

func (p pricedModels) HasModel(m string) bool { return p[m] }

func TestService_ValidateWarnsUnpricedModel(t *testing.T) {
	t.Parallel()
	svc := NewService(nil).WithPricing(pricedModels{"claude-haiku-4-5-20251001": true}, "claude-haiku-4-5-20251001")

	tests := []struct {
		name   string
		model  string
		limit  float64
		want   string
		silent bool
	}{
		{name: "priced fallback", silent: true},
		{name: "priced explicit", model: "claude-haiku-4-5-20251001", silent: true},
		{name: "unpriced with limit", model: "claude-sonnet-4-6", limit: 5, want: `model: no pricing for "claude-sonnet-4-6"; execution will be refused`},
		{name: "unpriced without limit", model: "claude-sonnet-4-6", want: "cost estimates and recorded costs will be zero"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			def := validDefinition()
			def.Model = tt.model
			def.ExecutionConstraints.MaxEstimatedCostUSD = tt.limit

			res := svc.Validate(def)
			assert.True(t, res.Valid(), messages(res.Errors))
			if tt.silent {
				assert.NotContains(t, messages(res.Warnings), "no pricing")
				return
			}
			assert.Contains(t, messages(res.Warnings), tt.want)
		})
	}
}

func TestService_ValidateUnpricedFallback(t *testing.T) {
	t.Parallel()
	svc := NewService(nil).WithPricing(pricedModels{}, "local-model")

	res := svc.Validate(validDefinition())
	assert.Contains(t, messages(res.Warnings), `anthropic.model: no pricing for "local-model"`)

	assert.NotContains(t, messages(Validate(validDefinition()).Warnings), "no pricing")
}

func TestService_CreateKeepsPricingWarning(t *testing.T) {
	svc, _ := newTestService(t)
	svc.WithPricing(pricedModels{}, "claude-haiku-4-5-20251001")

	res, err := svc.Create(context.Background(), validDefinition())
	require.NoError(t, err)
	assert.Contains(t, messages(res.Warnings), "no pricing")
}
