package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertType identifies why an alert was raised.
type AlertType string

const (
	AlertExactTargetMatch  AlertType = "exact_target_match"
	AlertLargeTransfer     AlertType = "large_transfer"
	AlertPatternAnomaly    AlertType = "pattern_anomaly"
	AlertReorgCompensation AlertType = "reorg_compensation"
)

// Severity orders alerts for channel formatting and routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// DeliveryState is the per-channel delivery state machine. Transitions:
// Pending -> Sending -> Confirmed | Failed. Sending may loop back to
// Pending while retries remain.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySending   DeliveryState = "sending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Alert is one notification produced by evaluation. DedupKey is stable
// across process restarts: re-evaluating the same transfer yields the
// same key, so duplicate dispatches collapse.
type Alert struct {
	ID        uuid.UUID `db:"id"`
	DedupKey  string    `db:"dedup_key"`
	Type      AlertType `db:"alert_type"`
	Severity  Severity  `db:"severity"`
	Transfer  Transfer  `db:"-"`
	Score     float64   `db:"score"`
	Reasons   []string  `db:"-"`
	CreatedAt time.Time `db:"created_at"`
}

// AlertDedupKey derives the deterministic dedup key for a transfer and
// alert type.
func AlertDedupKey(alertType AlertType, key LogKey) string {
	return fmt.Sprintf("%s:%s:%d", alertType, key.TxHash, key.LogIndex)
}

// Delivery records the outcome of one alert on one channel.
type Delivery struct {
	DedupKey  string        `db:"dedup_key"`
	Channel   string        `db:"channel"`
	State     DeliveryState `db:"state"`
	Attempts  int           `db:"attempts"`
	LastError *string       `db:"last_error"`
	UpdatedAt time.Time     `db:"updated_at"`
}
