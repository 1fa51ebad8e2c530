// Package window keeps bounded per-subject histories of recent
// transfers for the scorer. A window is bounded two ways: at most
// Capacity entries, and nothing older than Horizon.
package window

import (
	"sync"
	"time"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/metrics"
)

// GlobalSubject is the pseudo-subject tracking contract-wide history,
// used by rules that look across senders (repeated amounts, succession).
const GlobalSubject = "*"

type Windows struct {
	mu       sync.RWMutex
	capacity int
	horizon  time.Duration
	subjects map[string][]*model.Transfer
	total    int

	nowFn func() time.Time
}

func New(capacity int, horizon time.Duration) *Windows {
	if capacity <= 0 {
		capacity = 1
	}
	return &Windows{
		capacity: capacity,
		horizon:  horizon,
		subjects: make(map[string][]*model.Transfer),
		nowFn:    time.Now,
	}
}

// Append records a transfer in the subject's window, evicting the
// oldest entries past capacity and everything past the horizon.
// Callers append in (block_number, log_index) order; the window keeps
// that order.
func (w *Windows) Append(subject string, t *model.Transfer) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries := append(w.subjects[subject], t)
	entries = w.prune(entries)
	w.updateTotal(subject, entries)
	w.subjects[subject] = entries
}

// Remove drops a specific observation, used when a reorg supersedes a
// transfer that already entered the window.
func (w *Windows) Remove(subject string, key model.LogKey) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries := w.subjects[subject]
	for i, t := range entries {
		if t.Key() == key {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		w.updateTotal(subject, nil)
		delete(w.subjects, subject)
		return
	}
	w.updateTotal(subject, entries)
	w.subjects[subject] = entries
}

// Snapshot returns a copy of the subject's window with the horizon
// applied. The copy is safe to read while the window keeps moving.
func (w *Windows) Snapshot(subject string) []*model.Transfer {
	w.mu.RLock()
	defer w.mu.RUnlock()

	entries := w.subjects[subject]
	cutoff := w.nowFn().Add(-w.horizon)

	start := 0
	for start < len(entries) && entries[start].ObservedAt.Before(cutoff) {
		start++
	}
	out := make([]*model.Transfer, len(entries)-start)
	copy(out, entries[start:])
	return out
}

// Len reports the current entry count for a subject.
func (w *Windows) Len(subject string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.subjects[subject])
}

func (w *Windows) prune(entries []*model.Transfer) []*model.Transfer {
	cutoff := w.nowFn().Add(-w.horizon)
	start := 0
	for start < len(entries) && entries[start].ObservedAt.Before(cutoff) {
		start++
	}
	if over := len(entries) - start - w.capacity; over > 0 {
		start += over
	}
	if start == 0 {
		return entries
	}
	return append(entries[:0], entries[start:]...)
}

func (w *Windows) updateTotal(subject string, next []*model.Transfer) {
	w.total += len(next) - len(w.subjects[subject])
	metrics.WindowEntries.Set(float64(w.total))
}
