package postgres

import (
	"context"
	"fmt"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
)

type TransferRepo struct {
	db *DB
}

func NewTransferRepo(db *DB) *TransferRepo {
	return &TransferRepo{db: db}
}

// Upsert writes one transfer. A conflicting (tx_hash, log_index) row is
// replaced when the fork-dependent columns changed (reorg supersession)
// and untouched otherwise, so replays stay idempotent.
func (r *TransferRepo) Upsert(ctx context.Context, t *model.Transfer) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transfers (
			id, tx_hash, log_index, block_number, block_hash,
			from_address, to_address, amount, block_time, observed_at,
			status, flagged, score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tx_hash, log_index) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			block_hash   = EXCLUDED.block_hash,
			amount       = EXCLUDED.amount,
			block_time   = EXCLUDED.block_time,
			status       = EXCLUDED.status,
			flagged      = EXCLUDED.flagged,
			score        = EXCLUDED.score,
			updated_at   = now()
		WHERE transfers.block_hash IS DISTINCT FROM EXCLUDED.block_hash
	`, t.ID, t.TxHash, int64(t.LogIndex), int64(t.BlockNumber), t.BlockHash,
		t.FromAddress, t.ToAddress, t.AmountRaw, t.BlockTime, t.ObservedAt,
		t.Status, t.Flagged, t.Score,
	)
	if err != nil {
		return fmt.Errorf("upsert transfer: %w", err)
	}
	return nil
}

// MarkOrphaned flags the stored copy of a superseded transfer, matched
// by identity and the old fork's block hash.
func (r *TransferRepo) MarkOrphaned(ctx context.Context, key model.LogKey, blockHash string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE transfers
		SET status = $1, updated_at = now()
		WHERE tx_hash = $2 AND log_index = $3 AND block_hash = $4
	`, model.StatusOrphaned, key.TxHash, int64(key.LogIndex), blockHash)
	if err != nil {
		return fmt.Errorf("mark transfer orphaned: %w", err)
	}
	return nil
}

// PromoteFinalized flips pending transfers at or below height to
// finalized.
func (r *TransferRepo) PromoteFinalized(ctx context.Context, height uint64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE transfers
		SET status = $1, updated_at = now()
		WHERE status = $2 AND block_number <= $3
	`, model.StatusFinalized, model.StatusPending, int64(height))
	if err != nil {
		return 0, fmt.Errorf("promote finalized transfers: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return rows, nil
}
