package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dtroode/didkeeper/internal/model"
)

var _ model.KeyValueStore = (*KVRepository)(nil)

// KVRepository implements the durable key-value store on the kv table.
type KVRepository struct {
	db *Connection
}

func NewKVRepository(db *Connection) *KVRepository {
	return &KVRepository{db: db}
}

func (r *KVRepository) Get(ctx context.Context, key string) ([]byte, error) {
	const query = `SELECT value FROM kv WHERE key = $1`

	var value []byte
	err := r.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key %q: %w", key, describe(err))
	}
	return value, nil
}

func (r *KVRepository) Set(ctx context.Context, key string, value []byte) error {
	const query = `
        INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
    `
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set key %q: %w", key, describe(err))
	}
	return nil
}

func (r *KVRepository) Remove(ctx context.Context, key string) error {
	const query = `DELETE FROM kv WHERE key = $1`
	if _, err := r.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to remove key %q: %w", key, describe(err))
	}
	return nil
}

func describe(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("postgres %s (%s): %w", pgErr.Code, pgErr.Message, err)
	}
	return err
}
