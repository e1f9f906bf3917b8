package definition

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/reasoning-cli/internal/model"
	"github.com/sells-group/reasoning-cli/internal/store"
)

// ErrInvalidDefinition is returned when validation reports errors.
var ErrInvalidDefinition = eris.New("definition: invalid definition")

// Service creates, updates and deletes definitions behind validation.
type Service struct {
	store         store.DefinitionStore
	pricing       Pricing
	fallbackModel string
}

// NewService creates a Service.
func NewService(st store.DefinitionStore) *Service {
	return &Service{store: st}
}

// WithPricing makes validation warn about models without rates.
// fallbackModel is the model used when a definition names none.
func (s *Service) WithPricing(p Pricing, fallbackModel string) *Service {
	s.pricing = p
	s.fallbackModel = fallbackModel
	return s
}

// Validate runs Validate plus the pricing check when pricing is set.
func (s *Service) Validate(def *model.Definition) ValidationResult {
	res := Validate(def)
	if s.pricing != nil {
		checkPricing(def, s.pricing, s.fallbackModel, &res)
	}
	return res
}

// Create validates, normalizes and stores def. The validation result is
// returned even when it blocks the create.
func (s *Service) Create(ctx context.Context, def *model.Definition) (ValidationResult, error) {
	Normalize(def)
	res := s.Validate(def)
	if !res.Valid() {
		return res, invalid(res)
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return res, eris.Wrap(err, "definition: create")
	}
	zap.L().Info("definition created",
		zap.String("definition_id", def.ID),
		zap.String("name", def.Name),
		zap.Int("warnings", len(res.Warnings)),
	)
	return res, nil
}

// Update validates and replaces an existing definition.
func (s *Service) Update(ctx context.Context, def *model.Definition) (ValidationResult, error) {
	existing, err := s.store.GetDefinition(ctx, def.ID)
	if err != nil {
		return ValidationResult{}, eris.Wrap(err, "definition: update")
	}
	Normalize(def)
	res := s.Validate(def)
	if !res.Valid() {
		return res, invalid(res)
	}
	def.CreatedAt = existing.CreatedAt
	if err := s.store.UpdateDefinition(ctx, def); err != nil {
		return res, eris.Wrap(err, "definition: update")
	}
	return res, nil
}

// Get returns a stored definition.
func (s *Service) Get(ctx context.Context, id string) (*model.Definition, error) {
	def, err := s.store.GetDefinition(ctx, id)
	return def, eris.Wrap(err, "definition: get")
}

// List returns stored definitions.
func (s *Service) List(ctx context.Context, filter store.DefinitionFilter) ([]model.Definition, error) {
	defs, err := s.store.ListDefinitions(ctx, filter)
	return defs, eris.Wrap(err, "definition: list")
}

// Delete removes a definition that no instance references.
func (s *Service) Delete(ctx context.Context, id string) error {
	return eris.Wrap(s.store.DeleteDefinition(ctx, id), "definition: delete")
}

func invalid(res ValidationResult) error {
	msgs := make([]string, len(res.Errors))
	for i, e := range res.Errors {
		msgs[i] = e.String()
	}
	return eris.Wrap(ErrInvalidDefinition, strings.Join(msgs, "; "))
}

// LoadFile reads a definition from a YAML or JSON file.
func LoadFile(path string) (*model.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "definition: read %s", path)
	}

	var def model.Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &def)
	default:
		err = yaml.Unmarshal(data, &def)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "definition: parse %s", path)
	}
	return &def, nil
}
