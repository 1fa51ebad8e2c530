// Package store defines the persistence interfaces the pipeline writes
// through. Postgres is the system of record for transfers and alerts;
// Redis keeps the cross-restart delivery confirmations.
package store

import (
	"context"
	"time"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
)

// TransferRepository is the durable sink for observed transfers.
type TransferRepository interface {
	// Upsert inserts a transfer or, when its (tx_hash, log_index) row
	// already exists, replaces the fork-dependent columns. Replay of the
	// same observation is a no-op.
	Upsert(ctx context.Context, t *model.Transfer) error
	// MarkOrphaned flags the previous copy of a superseded transfer.
	MarkOrphaned(ctx context.Context, key model.LogKey, blockHash string) error
	// PromoteFinalized flips pending transfers at or below height to
	// finalized, returning the number of rows promoted.
	PromoteFinalized(ctx context.Context, height uint64) (int64, error)
}

// AlertRepository records raised alerts and their delivery outcomes.
// Alerts are written before the poll cursor commits, so the journal is
// the recovery source for deliveries a restart cut short.
type AlertRepository interface {
	InsertAlert(ctx context.Context, a *model.Alert) error
	RecordDelivery(ctx context.Context, d model.Delivery) error
	// UnconfirmedAlerts returns alerts created at or after since that
	// lack a confirmed delivery on at least one of the given channels.
	UnconfirmedAlerts(ctx context.Context, channels []string, since time.Time) ([]model.Alert, error)
}

// CursorRepository persists the poller's progress so a restart resumes
// where the previous run stopped.
type CursorRepository interface {
	// Get returns the last fully processed block. ok is false when no
	// cursor was ever written.
	Get(ctx context.Context) (block uint64, ok bool, err error)
	Put(ctx context.Context, block uint64) error
}
