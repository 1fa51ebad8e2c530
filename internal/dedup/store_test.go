package dedup

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
)

func observation(txHash string, logIndex uint, block uint64, blockHash string) *model.Transfer {
	return &model.Transfer{
		TxHash:      txHash,
		LogIndex:    logIndex,
		BlockNumber: block,
		BlockHash:   blockHash,
		Amount:      big.NewInt(1),
		AmountRaw:   "1",
	}
}

func TestAdmit_Idempotent(t *testing.T) {
	s := NewStore()
	obs := observation("0xaa", 0, 10, "0xb1")

	first := s.Admit(obs)
	assert.Equal(t, OutcomeAdmitted, first.Outcome)

	// The identical observation admits exactly once regardless of how
	// often it is re-polled.
	for i := 0; i < 3; i++ {
		again := s.Admit(observation("0xaa", 0, 10, "0xb1"))
		assert.Equal(t, OutcomeDuplicate, again.Outcome)
		assert.Nil(t, again.Prev)
	}
	assert.Equal(t, 1, s.Len())
}

func TestAdmit_DistinctLogIndexesAreDistinctEvents(t *testing.T) {
	s := NewStore()

	a := s.Admit(observation("0xaa", 0, 10, "0xb1"))
	b := s.Admit(observation("0xaa", 1, 10, "0xb1"))

	assert.Equal(t, OutcomeAdmitted, a.Outcome)
	assert.Equal(t, OutcomeAdmitted, b.Outcome)
	assert.Equal(t, 2, s.Len())
}

func TestAdmit_ReorgSupersedes(t *testing.T) {
	s := NewStore()

	original := observation("0xaa", 0, 10, "0xb1")
	s.Admit(original)

	reorged := observation("0xaa", 0, 11, "0xb2")
	adm := s.Admit(reorged)

	require.Equal(t, OutcomeSuperseded, adm.Outcome)
	require.NotNil(t, adm.Prev)
	assert.Equal(t, "0xb1", adm.Prev.BlockHash)

	// The reorged copy is now canonical: replaying it is a duplicate.
	assert.Equal(t, OutcomeDuplicate, s.Admit(observation("0xaa", 0, 11, "0xb2")).Outcome)
	assert.Equal(t, 1, s.Len())
}

func TestEvictFinalized(t *testing.T) {
	s := NewStore()
	for block := uint64(1); block <= 20; block++ {
		s.Admit(observation(fmt.Sprintf("0x%02d", block), 0, block, "0xb"))
	}

	evicted := s.EvictFinalized(12)
	assert.Equal(t, 12, evicted)
	assert.Equal(t, 8, s.Len())

	// Repeat eviction at the same height is a no-op.
	assert.Equal(t, 0, s.EvictFinalized(12))
	assert.Equal(t, 8, s.Len())

	// Eviction frees the identifier: a late copy of a finalized block
	// is admitted again, which is why callers only evict below the
	// finality depth.
	assert.Equal(t, OutcomeAdmitted, s.Admit(observation("0x05", 0, 5, "0xb")).Outcome)
}

func TestEvictFinalized_SkipsStaleSupersededSlots(t *testing.T) {
	s := NewStore()
	s.Admit(observation("0xaa", 0, 10, "0xb1"))
	s.Admit(observation("0xbb", 0, 11, "0xb1"))
	// Reorg moves 0xaa to block 15; its original queue slot is stale.
	s.Admit(observation("0xaa", 0, 15, "0xb2"))

	evicted := s.EvictFinalized(11)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, s.Len())

	evicted = s.EvictFinalized(15)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, s.Len())
}

func TestForget_ReadmitsAfterRollback(t *testing.T) {
	s := NewStore()
	s.Admit(observation("0xaa", 0, 10, "0xb1"))

	// A persistence failure rolls the admission back; the replayed
	// observation must be admitted, not dropped as a duplicate.
	s.Forget(model.LogKey{TxHash: "0xaa", LogIndex: 0})
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, OutcomeAdmitted, s.Admit(observation("0xaa", 0, 10, "0xb1")).Outcome)

	// Forgetting an unknown key is a no-op.
	s.Forget(model.LogKey{TxHash: "0xzz", LogIndex: 3})
}

func TestStoreBounded(t *testing.T) {
	s := NewStore()

	// Steady state: admit a rolling range of blocks, finalizing as we
	// go. The tracked set must stay bounded by the finality lag.
	const finalityLag = 32
	for block := uint64(1); block <= 10_000; block++ {
		s.Admit(observation(fmt.Sprintf("0x%x", block), 0, block, "0xb"))
		if block > finalityLag {
			s.EvictFinalized(block - finalityLag)
		}
	}

	assert.LessOrEqual(t, s.Len(), finalityLag)
}
