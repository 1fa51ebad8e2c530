package alert

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/metrics"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/scorer"
)

// Evaluator decides which alerts a scored transfer raises. A cooldown
// per (alert type, sender) damps repeat noise from one actor; the
// dedup key still guarantees a single delivery per transfer and type.
type Evaluator struct {
	threshold float64
	cooldown  time.Duration

	mu         sync.Mutex
	lastRaised map[string]time.Time

	nowFn func() time.Time
}

func NewEvaluator(threshold float64, cooldown time.Duration) *Evaluator {
	return &Evaluator{
		threshold:  threshold,
		cooldown:   cooldown,
		lastRaised: make(map[string]time.Time),
		nowFn:      time.Now,
	}
}

// Evaluate maps an assessment onto zero or more alerts. Evaluating the
// same transfer twice yields alerts with identical dedup keys, so
// downstream delivery stays idempotent.
func (e *Evaluator) Evaluate(t *model.Transfer, a scorer.Assessment) []model.Alert {
	var alerts []model.Alert

	if a.ExactTarget {
		alerts = e.raise(alerts, t, model.AlertExactTargetMatch, model.SeverityCritical, a)
	}
	if a.LargeTransfer {
		alerts = e.raise(alerts, t, model.AlertLargeTransfer, model.SeverityWarning, a)
	}
	if a.Score >= e.threshold {
		severity := model.SeverityWarning
		if a.Score >= 0.95 {
			severity = model.SeverityCritical
		}
		alerts = e.raise(alerts, t, model.AlertPatternAnomaly, severity, a)
	}

	return alerts
}

// Compensation builds the best-effort notice that a previously alerted
// transfer was superseded by a reorg. It bypasses the cooldown: losing
// a compensation would leave a stale alert uncorrected.
func (e *Evaluator) Compensation(prev *model.Transfer) model.Alert {
	alert := model.Alert{
		ID:        uuid.New(),
		DedupKey:  model.AlertDedupKey(model.AlertReorgCompensation, prev.Key()) + ":" + prev.BlockHash,
		Type:      model.AlertReorgCompensation,
		Severity:  model.SeverityInfo,
		Transfer:  *prev,
		Reasons:   []string{"superseded_by_reorg"},
		CreatedAt: e.nowFn(),
	}
	metrics.AlertsRaised.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
	return alert
}

func (e *Evaluator) raise(alerts []model.Alert, t *model.Transfer, alertType model.AlertType, severity model.Severity, a scorer.Assessment) []model.Alert {
	if e.onCooldown(alertType, t.FromAddress) {
		return alerts
	}

	alert := model.Alert{
		ID:        uuid.New(),
		DedupKey:  model.AlertDedupKey(alertType, t.Key()),
		Type:      alertType,
		Severity:  severity,
		Transfer:  *t,
		Score:     a.Score,
		Reasons:   a.Reasons,
		CreatedAt: e.nowFn(),
	}
	metrics.AlertsRaised.WithLabelValues(string(alertType), string(severity)).Inc()
	return append(alerts, alert)
}

// MarkRaised starts the cooldown for (alert type, sender). The ingester
// calls it only after the alert is persisted and handed off, so a failed
// batch never burns the cooldown and silence the replay.
func (e *Evaluator) MarkRaised(alertType model.AlertType, sender string) {
	if e.cooldown <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRaised[string(alertType)+":"+sender] = e.nowFn()
}

func (e *Evaluator) onCooldown(alertType model.AlertType, sender string) bool {
	if e.cooldown <= 0 {
		return false
	}

	key := string(alertType) + ":" + sender
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastRaised[key]
	return ok && e.nowFn().Sub(last) < e.cooldown
}
