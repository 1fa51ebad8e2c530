package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
)

type AlertRepo struct {
	db *DB
}

func NewAlertRepo(db *DB) *AlertRepo {
	return &AlertRepo{db: db}
}

// InsertAlert records a raised alert. The dedup_key unique constraint
// makes redundant inserts from redeliveries a no-op.
func (r *AlertRepo) InsertAlert(ctx context.Context, a *model.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (id, dedup_key, alert_type, severity, tx_hash, log_index, score, reasons, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedup_key) DO NOTHING
	`, a.ID, a.DedupKey, a.Type, a.Severity,
		a.Transfer.TxHash, int64(a.Transfer.LogIndex), a.Score, pq.Array(a.Reasons), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// UnconfirmedAlerts loads alerts created at or after since that still
// miss a confirmed delivery on at least one listed channel. The joined
// transfer row rebuilds enough of the original alert for redelivery.
func (r *AlertRepo) UnconfirmedAlerts(ctx context.Context, channels []string, since time.Time) ([]model.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.dedup_key, a.alert_type, a.severity, a.score, a.reasons, a.created_at,
		       t.tx_hash, t.log_index, t.block_number, t.block_hash,
		       t.from_address, t.to_address, t.amount::text, t.block_time, t.observed_at, t.status, t.flagged, t.score
		FROM alerts a
		JOIN transfers t ON t.tx_hash = a.tx_hash AND t.log_index = a.log_index
		WHERE a.created_at >= $2
		  AND EXISTS (
			SELECT 1 FROM unnest($1::text[]) AS ch(name)
			WHERE NOT EXISTS (
				SELECT 1 FROM alert_deliveries d
				WHERE d.dedup_key = a.dedup_key
				  AND d.channel = ch.name
				  AND d.state = 'confirmed'))
		ORDER BY a.created_at
	`, pq.Array(channels), since)
	if err != nil {
		return nil, fmt.Errorf("query unconfirmed alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		var (
			a         model.Alert
			reasons   []string
			logIndex  int64
			amountRaw string
			blockTime sql.NullTime
		)
		if err := rows.Scan(
			&a.ID, &a.DedupKey, &a.Type, &a.Severity, &a.Score, pq.Array(&reasons), &a.CreatedAt,
			&a.Transfer.TxHash, &logIndex, &a.Transfer.BlockNumber, &a.Transfer.BlockHash,
			&a.Transfer.FromAddress, &a.Transfer.ToAddress, &amountRaw,
			&blockTime, &a.Transfer.ObservedAt, &a.Transfer.Status, &a.Transfer.Flagged, &a.Transfer.Score,
		); err != nil {
			return nil, fmt.Errorf("scan unconfirmed alert: %w", err)
		}
		a.Reasons = reasons
		a.Transfer.LogIndex = uint(logIndex)
		a.Transfer.AmountRaw = amountRaw
		amount, ok := new(big.Int).SetString(amountRaw, 10)
		if !ok {
			return nil, fmt.Errorf("parse amount %q for alert %s", amountRaw, a.DedupKey)
		}
		a.Transfer.Amount = amount
		if blockTime.Valid {
			bt := blockTime.Time
			a.Transfer.BlockTime = &bt
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unconfirmed alerts: %w", err)
	}
	return alerts, nil
}

// RecordDelivery upserts the per-channel delivery state for an alert.
func (r *AlertRepo) RecordDelivery(ctx context.Context, d model.Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_deliveries (dedup_key, channel, state, attempts, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dedup_key, channel) DO UPDATE SET
			state      = EXCLUDED.state,
			attempts   = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, d.DedupKey, d.Channel, d.State, d.Attempts, d.LastError, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}
