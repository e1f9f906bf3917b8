package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reasoning-cli/internal/db"
	"github.com/sells-group/reasoning-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"get_definition": `SELECT body FROM definitions WHERE id = $1`,
	"get_instance":   `SELECT body FROM instances WHERE id = $1`,
	"save_instance":  `UPDATE instances SET status = $1, body = $2, updated_at = $3 WHERE id = $4`,
	"query_records":  `SELECT id, fields FROM records WHERE collection = $1 ORDER BY seq`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS definitions (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name       TEXT NOT NULL,
	body       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS instances (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	definition_id TEXT NOT NULL REFERENCES definitions(id),
	status        TEXT NOT NULL DEFAULT 'pending',
	body          JSONB NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	fields     JSONB NOT NULL,
	seq        BIGSERIAL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_definitions_name ON definitions(name);
CREATE INDEX IF NOT EXISTS idx_instances_definition_id ON instances(definition_id);
CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
CREATE INDEX IF NOT EXISTS idx_records_collection_seq ON records(collection, seq);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Definitions ---

func (s *PostgresStore) CreateDefinition(ctx context.Context, def *model.Definition) error {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	def.CreatedAt, def.UpdatedAt = now, now

	body, err := json.Marshal(def)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal definition")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO definitions (id, name, body, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		def.ID, def.Name, body, now, now,
	)
	return eris.Wrap(err, "postgres: insert definition")
}

func (s *PostgresStore) GetDefinition(ctx context.Context, id string) (*model.Definition, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM definitions WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "definition %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get definition %s", id)
	}
	return decodeDefinition(string(body))
}

func (s *PostgresStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]model.Definition, error) {
	query := `SELECT body FROM definitions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.NameContains != "" {
		query += fmt.Sprintf(` AND name ILIKE $%d`, argIdx)
		args = append(args, "%"+filter.NameContains+"%")
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list definitions")
	}
	defer rows.Close()

	var defs []model.Definition
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan definition")
		}
		def, err := decodeDefinition(string(body))
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, eris.Wrap(rows.Err(), "postgres: list definitions iterate")
}

func (s *PostgresStore) UpdateDefinition(ctx context.Context, def *model.Definition) error {
	def.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(def)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal definition")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE definitions SET name = $1, body = $2, updated_at = $3 WHERE id = $4`,
		def.Name, body, def.UpdatedAt, def.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update definition %s", def.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "definition %s", def.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteDefinition(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin delete definition")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM instances WHERE definition_id = $1`, id).Scan(&n); err != nil {
		return eris.Wrapf(err, "postgres: count instances of %s", id)
	}
	if n > 0 {
		return eris.Wrapf(ErrDefinitionInUse, "definition %s has %d instances", id, n)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM definitions WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete definition %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "definition %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit delete definition")
}

// --- Instances ---

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *model.Instance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if inst.StartedAt.IsZero() {
		inst.StartedAt = now
	}
	inst.UpdatedAt = now

	body, err := json.Marshal(inst)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal instance")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO instances (id, definition_id, status, body, started_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		inst.ID, inst.DefinitionID, string(inst.Status), body, inst.StartedAt, now,
	)
	return eris.Wrap(err, "postgres: insert instance")
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM instances WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "instance %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get instance %s", id)
	}
	return decodeInstance(string(body))
}

func (s *PostgresStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]model.Instance, error) {
	query := `SELECT body FROM instances WHERE true`
	args := []any{}
	argIdx := 1

	if filter.DefinitionID != "" {
		query += fmt.Sprintf(` AND definition_id = $%d`, argIdx)
		args = append(args, filter.DefinitionID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND started_at > $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list instances")
	}
	defer rows.Close()

	var out []model.Instance
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan instance")
		}
		inst, err := decodeInstance(string(body))
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list instances iterate")
}

func (s *PostgresStore) SaveInstance(ctx context.Context, inst *model.Instance) error {
	inst.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(inst)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal instance")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE instances SET status = $1, body = $2, updated_at = $3 WHERE id = $4`,
		string(inst.Status), body, inst.UpdatedAt, inst.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save instance %s", inst.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "instance %s", inst.ID)
	}
	return nil
}

// --- Records ---

func (s *PostgresStore) QueryRecords(ctx context.Context, collection, filter string) ([]model.Record, error) {
	f, err := ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, fields FROM records WHERE collection = $1 ORDER BY seq`, collection)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query records %s", collection)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var rec model.Record
		var fields []byte
		if err := rows.Scan(&rec.ID, &fields); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		if err := decodeFields(&rec, fields); err != nil {
			return nil, err
		}
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	return out, eris.Wrap(rows.Err(), "postgres: query records iterate")
}

func (s *PostgresStore) CountRecords(ctx context.Context, collection, filter string) (int, error) {
	f, err := ParseFilter(filter)
	if err != nil {
		return 0, err
	}
	if len(f) == 0 {
		var n int
		err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM records WHERE collection = $1`, collection).Scan(&n)
		return n, eris.Wrapf(err, "postgres: count records %s", collection)
	}
	recs, err := s.QueryRecords(ctx, collection, filter)
	return len(recs), err
}

// InsertRecords upserts records by (collection, id) through a COPY into a
// temp table.
func (s *PostgresStore) InsertRecords(ctx context.Context, collection string, records []model.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(records))
	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.New().String()
		}
		fields, err := json.Marshal(records[i].Fields)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal record fields")
		}
		rows = append(rows, []any{collection, records[i].ID, fields, now})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "records",
		Columns:      []string{"collection", "id", "fields", "created_at"},
		ConflictKeys: []string{"collection", "id"},
		UpdateCols:   []string{"fields"},
	}, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: insert records into %s", collection)
	}
	return len(records), nil
}

func (s *PostgresStore) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT collection, COUNT(*) FROM records GROUP BY collection ORDER BY collection`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list collections")
	}
	defer rows.Close()

	var out []CollectionInfo
	for rows.Next() {
		var c CollectionInfo
		if err := rows.Scan(&c.Name, &c.Count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan collection")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list collections iterate")
}
