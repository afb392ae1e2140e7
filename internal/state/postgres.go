package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PostgresStorage persists one namespace as a JSONB key/value table.
type PostgresStorage struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStorage creates the backing table when missing. The pool is
// shared between namespaces and is not closed by Close.
func NewPostgresStorage(ctx context.Context, pool *pgxpool.Pool, table string) (*PostgresStorage, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid state table name %q", table)
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`, table)
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return nil, fmt.Errorf("init schema failed on %q: %w", table, err)
	}
	return &PostgresStorage{pool: pool, table: table}, nil
}

func (s *PostgresStorage) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE key=$1`, s.table),
		key,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	return json.RawMessage(data), nil
}

func (s *PostgresStorage) Save(ctx context.Context, key string, data json.RawMessage) error {
	if data == nil {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key=$1`, s.table), key); err != nil {
			return fmt.Errorf("delete %s: %w", s.table, err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, data, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET data=EXCLUDED.data, updated_at=EXCLUDED.updated_at`, s.table),
		key,
		[]byte(data),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStorage) Close() error { return nil }
