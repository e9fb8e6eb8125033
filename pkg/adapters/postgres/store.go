package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aretw0/folio/pkg/notebook"
	"github.com/aretw0/folio/pkg/ports"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable is the table notebooks are stored in unless WithTable is given.
const DefaultTable = "folio_notebooks"

// Store implements ports.NotebookStore on PostgreSQL, one JSONB row per notebook.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

type Option func(*Store)

// WithTable overrides the table name.
func WithTable(table string) Option {
	return func(s *Store) { s.table = table }
}

// New connects to databaseURL and makes sure the table exists.
func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	store := NewFromPool(pool, opts...)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewFromPool creates a store on an existing pool. Call Migrate before first use.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Store {
	store := &Store{pool: pool, table: DefaultTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Migrate creates the notebook table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         TEXT PRIMARY KEY,
		document   JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, pgx.Identifier{s.table}.Sanitize())
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create notebook table: %w", err)
	}
	return nil
}

// Save upserts the notebook document.
func (s *Store) Save(ctx context.Context, nb *notebook.Notebook) error {
	data, err := json.Marshal(nb)
	if err != nil {
		return fmt.Errorf("failed to marshal notebook: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, document, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = now()`,
		pgx.Identifier{s.table}.Sanitize())
	if _, err := s.pool.Exec(ctx, query, nb.ID, data); err != nil {
		return fmt.Errorf("failed to save notebook: %w", err)
	}
	return nil
}

// Load reads one notebook document.
func (s *Store) Load(ctx context.Context, id string) (*notebook.Notebook, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE id = $1`, pgx.Identifier{s.table}.Sanitize())

	var data []byte
	if err := s.pool.QueryRow(ctx, query, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ports.ErrNotebookNotFound
		}
		return nil, fmt.Errorf("failed to load notebook: %w", err)
	}

	var nb notebook.Notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notebook: %w", err)
	}
	return &nb, nil
}

// Delete removes a notebook row.
func (s *Store) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, pgx.Identifier{s.table}.Sanitize())
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete notebook: %w", err)
	}
	return nil
}

// List returns every stored notebook id, most recently saved first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s ORDER BY updated_at DESC`, pgx.Identifier{s.table}.Sanitize())
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list notebooks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list notebooks: %w", err)
	}
	return ids, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
