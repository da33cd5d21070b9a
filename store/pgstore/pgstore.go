// Package pgstore is a PostgreSQL-backed store.Store: each named
// collection is a table of (selector_key TEXT, document JSONB) rows,
// grounded in the teacher pack's registry/budget Postgres stores
// (Mindburn-Labs-helm/core/pkg/registry, .../budget) which persist
// arbitrary structured payloads as a JSONB column behind upsert SQL.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"fleetcomm/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS components (
	selector_key TEXT PRIMARY KEY,
	document JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS status (
	selector_key TEXT PRIMARY KEY,
	document JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS component_sm_states (
	selector_key TEXT PRIMARY KEY,
	document JSONB NOT NULL
);
`

// Store is a database/sql-backed store.Store. Document selectors are
// reduced to a single key column (selectorKey) so the three fixed
// collections share one table shape without a schema per domain type.
type Store struct {
	db *sql.DB
}

// Open connects to dsn (a standard libpq connection string) and ensures
// the fixed collection tables exist.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an already-opened *sql.DB without pinging it or creating
// the schema. Close on the returned Store closes db.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func selectorKey(collection string, selector map[string]any) (string, error) {
	raw, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("pgstore: encode selector: %w", err)
	}
	return collection + ":" + string(raw), nil
}

func (s *Store) FindOne(ctx context.Context, collection string, selector map[string]any) (store.Document, error) {
	ident, err := pqIdent(collection)
	if err != nil {
		return nil, err
	}
	key, err := selectorKey(collection, selector)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT document FROM %s WHERE selector_key = $1", ident),
		key,
	)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: find one in %s: %w", collection, err)
	}

	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("pgstore: decode document from %s: %w", collection, err)
	}
	return doc, nil
}

// ReplaceOne updates the row matching selector, if one exists. It
// deliberately never inserts -- callers that need upsert semantics (the
// rendezvous-independent "components" seed step performed out of band by
// an operator) should write the row directly.
func (s *Store) ReplaceOne(ctx context.Context, collection string, selector map[string]any, replacement store.Document) error {
	ident, err := pqIdent(collection)
	if err != nil {
		return err
	}
	key, err := selectorKey(collection, selector)
	if err != nil {
		return err
	}

	docJSON, err := json.Marshal(replacement)
	if err != nil {
		return fmt.Errorf("pgstore: encode replacement: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET document = $2 WHERE selector_key = $1", ident),
		key, docJSON,
	)
	if err != nil {
		return fmt.Errorf("pgstore: replace one in %s: %w", collection, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("pgstore: rows affected in %s: %w", collection, err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Seed inserts or overwrites a document regardless of whether one already
// exists -- used by operator tooling to register a component's declared
// spec, never by the FTSM core itself.
func (s *Store) Seed(ctx context.Context, collection string, selector map[string]any, document store.Document) error {
	ident, err := pqIdent(collection)
	if err != nil {
		return err
	}
	key, err := selectorKey(collection, selector)
	if err != nil {
		return err
	}
	docJSON, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("pgstore: encode seed document: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (selector_key, document) VALUES ($1, $2)
		ON CONFLICT (selector_key) DO UPDATE SET document = EXCLUDED.document
	`, ident)
	_, err = s.db.ExecContext(ctx, query, key, docJSON)
	if err != nil {
		return fmt.Errorf("pgstore: seed %s: %w", collection, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// pqIdent constrains collection names to the three fixed tables this store
// creates; it never interpolates caller-supplied text into SQL beyond
// these known-safe identifiers.
func pqIdent(collection string) (string, error) {
	switch collection {
	case store.CollectionComponents, store.CollectionStatus, store.CollectionSMStates:
		return collection, nil
	default:
		return "", fmt.Errorf("pgstore: unknown collection %q", collection)
	}
}
