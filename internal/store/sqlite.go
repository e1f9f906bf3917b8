package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/reasoning-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS definitions (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS instances (
	id            TEXT PRIMARY KEY,
	definition_id TEXT NOT NULL REFERENCES definitions(id),
	status        TEXT NOT NULL DEFAULT 'pending',
	body          TEXT NOT NULL,
	started_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	fields     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_definitions_name ON definitions(name);
CREATE INDEX IF NOT EXISTS idx_instances_definition_id ON instances(definition_id);
CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Definitions ---

func (s *SQLiteStore) CreateDefinition(ctx context.Context, def *model.Definition) error {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	def.CreatedAt, def.UpdatedAt = now, now

	body, err := json.Marshal(def)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal definition")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, name, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		def.ID, def.Name, string(body), now, now,
	)
	return eris.Wrap(err, "sqlite: insert definition")
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, id string) (*model.Definition, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM definitions WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "definition %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get definition %s", id)
	}
	return decodeDefinition(body)
}

func (s *SQLiteStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]model.Definition, error) {
	query := `SELECT body FROM definitions WHERE 1=1`
	var args []any
	if filter.NameContains != "" {
		query += ` AND name LIKE ?`
		args = append(args, "%"+filter.NameContains+"%")
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list definitions")
	}
	defer rows.Close() //nolint:errcheck

	var defs []model.Definition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan definition")
		}
		def, err := decodeDefinition(body)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, eris.Wrap(rows.Err(), "sqlite: list definitions iterate")
}

func (s *SQLiteStore) UpdateDefinition(ctx context.Context, def *model.Definition) error {
	def.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(def)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal definition")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE definitions SET name = ?, body = ?, updated_at = ? WHERE id = ?`,
		def.Name, string(body), def.UpdatedAt, def.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update definition %s", def.ID)
	}
	return checkRowsAffected(res, "definition", def.ID)
}

// DeleteDefinition refuses to delete a definition that instances still
// reference. The check and delete run in one transaction.
func (s *SQLiteStore) DeleteDefinition(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete definition")
	}
	defer tx.Rollback() //nolint:errcheck

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE definition_id = ?`, id).Scan(&n); err != nil {
		return eris.Wrapf(err, "sqlite: count instances of %s", id)
	}
	if n > 0 {
		return eris.Wrapf(ErrDefinitionInUse, "definition %s has %d instances", id, n)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM definitions WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete definition %s", id)
	}
	if err := checkRowsAffected(res, "definition", id); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit delete definition")
}

// --- Instances ---

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *model.Instance) error {
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
		return eris.Wrap(err, "sqlite: marshal instance")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, definition_id, status, body, started_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionID, string(inst.Status), string(body), inst.StartedAt, now,
	)
	return eris.Wrap(err, "sqlite: insert instance")
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM instances WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "instance %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get instance %s", id)
	}
	return decodeInstance(body)
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]model.Instance, error) {
	query := `SELECT body FROM instances WHERE 1=1`
	var args []any
	if filter.DefinitionID != "" {
		query += ` AND definition_id = ?`
		args = append(args, filter.DefinitionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND started_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list instances")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Instance
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan instance")
		}
		inst, err := decodeInstance(body)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list instances iterate")
}

func (s *SQLiteStore) SaveInstance(ctx context.Context, inst *model.Instance) error {
	inst.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(inst)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal instance")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = ?, body = ?, updated_at = ? WHERE id = ?`,
		string(inst.Status), string(body), inst.UpdatedAt, inst.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save instance %s", inst.ID)
	}
	return checkRowsAffected(res, "instance", inst.ID)
}

// --- Records ---

func (s *SQLiteStore) QueryRecords(ctx context.Context, collection, filter string) ([]model.Record, error) {
	f, err := ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fields FROM records WHERE collection = ? ORDER BY rowid`, collection)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query records %s", collection)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query records iterate")
}

func (s *SQLiteStore) CountRecords(ctx context.Context, collection, filter string) (int, error) {
	f, err := ParseFilter(filter)
	if err != nil {
		return 0, err
	}
	if len(f) == 0 {
		var n int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&n)
		return n, eris.Wrapf(err, "sqlite: count records %s", collection)
	}
	recs, err := s.QueryRecords(ctx, collection, filter)
	return len(recs), err
}

// InsertRecords upserts records by (collection, id). Records without an
// id get a fresh uuid.
func (s *SQLiteStore) InsertRecords(ctx context.Context, collection string, records []model.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert records")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (collection, id, fields, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET fields = excluded.fields`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert records")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.New().String()
		}
		fields, err := json.Marshal(records[i].Fields)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal record fields")
		}
		if _, err := stmt.ExecContext(ctx, collection, records[i].ID, string(fields), now); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert record %s", records[i].ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert records")
	}
	return len(records), nil
}

func (s *SQLiteStore) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection, COUNT(*) FROM records GROUP BY collection ORDER BY collection`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list collections")
	}
	defer rows.Close() //nolint:errcheck

	var out []CollectionInfo
	for rows.Next() {
		var c CollectionInfo
		if err := rows.Scan(&c.Name, &c.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan collection")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list collections iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (model.Record, error) {
	var rec model.Record
	var fields string
	if err := row.Scan(&rec.ID, &fields); err != nil {
		return rec, eris.Wrap(err, "store: scan record")
	}
	return rec, decodeFields(&rec, []byte(fields))
}

func decodeFields(rec *model.Record, data []byte) error {
	if err := json.Unmarshal(data, &rec.Fields); err != nil {
		return eris.Wrapf(err, "store: unmarshal record %s", rec.ID)
	}
	return nil
}

func decodeDefinition(body string) (*model.Definition, error) {
	var def model.Definition
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal definition")
	}
	return &def, nil
}

func decodeInstance(body string) (*model.Instance, error) {
	var inst model.Instance
	if err := json.Unmarshal([]byte(body), &inst); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal instance")
	}
	return &inst, nil
}
