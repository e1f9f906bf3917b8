// Package store persists definitions, instances and record collections.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reasoning-cli/internal/model"
)

var (
	// ErrNotFound is returned when a definition or instance does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrDefinitionInUse is returned when deleting a definition that
	// instances still reference.
	ErrDefinitionInUse = eris.New("store: definition is referenced by instances")
)

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	NameContains string `json:"name_contains,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	DefinitionID string               `json:"definition_id,omitempty"`
	Status       model.InstanceStatus `json:"status,omitempty"`
	CreatedAfter time.Time            `json:"created_after,omitempty"`
	Limit        int                  `json:"limit,omitempty"`
	Offset       int                  `json:"offset,omitempty"`
}

// CollectionInfo summarizes one record collection.
type CollectionInfo struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// DefinitionStore persists reasoning transaction definitions.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, def *model.Definition) error
	GetDefinition(ctx context.Context, id string) (*model.Definition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]model.Definition, error)
	UpdateDefinition(ctx context.Context, def *model.Definition) error
	DeleteDefinition(ctx context.Context, id string) error
}

// InstanceStore persists instances as whole snapshots.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *model.Instance) error
	GetInstance(ctx context.Context, id string) (*model.Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]model.Instance, error)
	SaveInstance(ctx context.Context, inst *model.Instance) error
}

// RecordStore is the document store queried by definitions.
type RecordStore interface {
	QueryRecords(ctx context.Context, collection, filter string) ([]model.Record, error)
	CountRecords(ctx context.Context, collection, filter string) (int, error)
	InsertRecords(ctx context.Context, collection string, records []model.Record) (int, error)
	ListCollections(ctx context.Context) ([]CollectionInfo, error)
}

// Store combines every repository with lifecycle management.
type Store interface {
	DefinitionStore
	InstanceStore
	RecordStore

	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
