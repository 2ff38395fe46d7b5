package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const (
	sqlCreateBindings = `
        CREATE TABLE IF NOT EXISTS chat_mode_bindings (
            identity   TEXT        NOT NULL,
            model      TEXT        NOT NULL,
            mode_id    TEXT        NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (identity, model)
        );
    `
	sqlSelectBinding = `
        SELECT mode_id FROM chat_mode_bindings
        WHERE identity = $1 AND model = $2;
    `
	sqlInsertBinding = `
        INSERT INTO chat_mode_bindings (identity, model, mode_id, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (identity, model) DO NOTHING;
    `
)

// PostgresStore keeps bindings in the chat_mode_bindings table.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// NewPostgres creates a new store instance and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		log:  logger.Named("pg_store"),
		now:  time.Now,
	}, nil
}

// OpenPostgres connects a pgx pool to connString.
func OpenPostgres(ctx context.Context, connString string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the bindings table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateBindings); err != nil {
		return fmt.Errorf("failed to create chat_mode_bindings: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, identity, model string) (string, bool, error) {
	var modeID string
	err := s.pool.QueryRow(ctx, sqlSelectBinding, identity, model).Scan(&modeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query binding: %w", err)
	}
	return modeID, true, nil
}

// Persist inserts the binding. A row already present for the pair wins.
func (s *PostgresStore) Persist(ctx context.Context, identity, model, modeID string) error {
	tag, err := s.pool.Exec(ctx, sqlInsertBinding, identity, model, modeID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Warn("Binding already present, keeping it.",
			zap.String("identity", identity), zap.String("model", model))
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
