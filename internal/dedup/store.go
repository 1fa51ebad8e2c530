// Package dedup owns admission control for observed transfers. It keeps
// one identifier per (tx_hash, log_index) so re-polled ranges collapse
// to a single admission, and it distinguishes an exact duplicate from a
// reorged copy of the same event.
package dedup

import (
	"sync"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/metrics"
)

type Outcome string

const (
	// OutcomeAdmitted: first observation of this identifier.
	OutcomeAdmitted Outcome = "admitted"
	// OutcomeDuplicate: same identifier, same block hash. Dropped.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSuperseded: same identifier from a different fork. The new
	// copy replaces the previous one.
	OutcomeSuperseded Outcome = "superseded"
)

// Admission is the result of offering a transfer to the store.
// Prev is set only for OutcomeSuperseded.
type Admission struct {
	Outcome Outcome
	Prev    *model.Transfer
}

type entry struct {
	blockHash   string
	blockNumber uint64
	transfer    *model.Transfer
}

type slot struct {
	key         model.LogKey
	blockNumber uint64
}

// Store is safe for concurrent use, though the ingester is its only
// writer. The identifier set is bounded by finality: once a block can no
// longer reorg, its keys are evicted via EvictFinalized.
type Store struct {
	mu      sync.Mutex
	entries map[model.LogKey]*entry

	// Insertion-order queue for eviction. head marks consumed slots;
	// the slice is compacted once the dead prefix dominates.
	queue []slot
	head  int
}

const compactThreshold = 4096

func NewStore() *Store {
	return &Store{
		entries: make(map[model.LogKey]*entry),
	}
}

// Admit offers a transfer and reports how it relates to prior
// observations. Calling Admit twice with the same observation is
// idempotent: the second call reports OutcomeDuplicate and mutates
// nothing.
func (s *Store) Admit(t *model.Transfer) Admission {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := t.Key()
	existing, ok := s.entries[key]
	if !ok {
		s.entries[key] = &entry{
			blockHash:   t.BlockHash,
			blockNumber: t.BlockNumber,
			transfer:    t,
		}
		s.queue = append(s.queue, slot{key: key, blockNumber: t.BlockNumber})
		s.publishSize()
		metrics.Admissions.WithLabelValues(string(OutcomeAdmitted)).Inc()
		return Admission{Outcome: OutcomeAdmitted}
	}

	if existing.blockHash == t.BlockHash {
		metrics.Admissions.WithLabelValues(string(OutcomeDuplicate)).Inc()
		return Admission{Outcome: OutcomeDuplicate}
	}

	prev := existing.transfer
	existing.blockHash = t.BlockHash
	existing.blockNumber = t.BlockNumber
	existing.transfer = t
	// The key gets a fresh queue slot; the stale one is skipped at
	// eviction time.
	s.queue = append(s.queue, slot{key: key, blockNumber: t.BlockNumber})
	metrics.Admissions.WithLabelValues(string(OutcomeSuperseded)).Inc()
	return Admission{Outcome: OutcomeSuperseded, Prev: prev}
}

// EvictFinalized drops identifiers whose block is at or below the
// finalized height. Duplicates for finalized blocks can no longer
// arrive, so keeping their keys would only grow the set without bound.
// Returns the number of identifiers removed.
func (s *Store) EvictFinalized(height uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for s.head < len(s.queue) {
		sl := s.queue[s.head]
		if sl.blockNumber > height {
			break
		}
		s.head++
		e, ok := s.entries[sl.key]
		if !ok || e.blockNumber != sl.blockNumber {
			// Stale slot left behind by a supersession or a prior
			// eviction pass.
			continue
		}
		delete(s.entries, sl.key)
		evicted++
	}

	if s.head > compactThreshold && s.head*2 > len(s.queue) {
		s.queue = append([]slot(nil), s.queue[s.head:]...)
		s.head = 0
	}

	s.publishSize()
	return evicted
}

// Forget drops an identifier outright, leaving its queue slot to be
// skipped as stale. Callers use it to roll back an admission whose side
// effects could not be committed, so a replay of the same observation is
// admitted again.
func (s *Store) Forget(key model.LogKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return
	}
	delete(s.entries, key)
	s.publishSize()
}

// Len reports the number of identifiers currently tracked.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) publishSize() {
	metrics.DedupKeysTracked.Set(float64(len(s.entries)))
}
