package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	profileTable = "bot_user_data"
	sessionTable = "bot_session_state"
)

// Open creates a postgres-backed store when configured, otherwise in-memory.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(opts...), nil
	}

	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	profiles, err := NewPostgresStorage(ctx, pool, profileTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	sessions, err := NewPostgresStorage(ctx, pool, sessionTable)
	if err != nil {
		pool.Close()
		return nil, err
	}

	closePool := func() error {
		pool.Close()
		return nil
	}
	opts = append([]Option{withMode("postgres", closePool)}, opts...)
	return NewStore(profiles, sessions, opts...), nil
}
