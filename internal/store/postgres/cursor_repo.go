package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

type CursorRepo struct {
	db *DB
}

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context) (uint64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var block int64
	err := r.db.QueryRowContext(ctx, `SELECT last_block FROM poll_cursor WHERE id = 1`).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get poll cursor: %w", err)
	}
	return uint64(block), true, nil
}

func (r *CursorRepo) Put(ctx context.Context, block uint64) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO poll_cursor (id, last_block) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET
			last_block = EXCLUDED.last_block,
			updated_at = now()
	`, int64(block))
	if err != nil {
		return fmt.Errorf("put poll cursor: %w", err)
	}
	return nil
}
