package window

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
)

func entryAt(block uint64, index uint, at time.Time) *model.Transfer {
	return &model.Transfer{
		TxHash:      fmt.Sprintf("0x%x", block),
		LogIndex:    index,
		BlockNumber: block,
		Amount:      big.NewInt(int64(block)),
		ObservedAt:  at,
	}
}

func TestAppend_CapacityBound(t *testing.T) {
	w := New(3, time.Hour)
	now := time.Now()

	for i := uint64(1); i <= 10; i++ {
		w.Append("0xsender", entryAt(i, 0, now))
	}

	snap := w.Snapshot("0xsender")
	require.Len(t, snap, 3)
	// Oldest evicted first; order preserved.
	assert.Equal(t, uint64(8), snap[0].BlockNumber)
	assert.Equal(t, uint64(10), snap[2].BlockNumber)
}

func TestSnapshot_HorizonBound(t *testing.T) {
	w := New(100, time.Hour)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.nowFn = func() time.Time { return base }

	w.Append("0xsender", entryAt(1, 0, base.Add(-2*time.Hour)))
	w.Append("0xsender", entryAt(2, 0, base.Add(-30*time.Minute)))
	w.Append("0xsender", entryAt(3, 0, base))

	snap := w.Snapshot("0xsender")
	require.Len(t, snap, 2)
	assert.Equal(t, uint64(2), snap[0].BlockNumber)
}

func TestSnapshot_IsACopy(t *testing.T) {
	w := New(10, time.Hour)
	now := time.Now()
	w.Append("0xsender", entryAt(1, 0, now))

	snap := w.Snapshot("0xsender")
	w.Append("0xsender", entryAt(2, 0, now))

	// The snapshot taken before the second append does not move.
	require.Len(t, snap, 1)
	assert.Len(t, w.Snapshot("0xsender"), 2)
}

func TestRemove_SupersededObservation(t *testing.T) {
	w := New(10, time.Hour)
	now := time.Now()
	w.Append("0xsender", entryAt(1, 0, now))
	w.Append("0xsender", entryAt(2, 0, now))

	w.Remove("0xsender", model.LogKey{TxHash: "0x1", LogIndex: 0})

	snap := w.Snapshot("0xsender")
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(2), snap[0].BlockNumber)

	// Removing the last entry clears the subject entirely.
	w.Remove("0xsender", model.LogKey{TxHash: "0x2", LogIndex: 0})
	assert.Empty(t, w.Snapshot("0xsender"))
	assert.Zero(t, w.Len("0xsender"))
}

func TestSubjectsAreIndependent(t *testing.T) {
	w := New(2, time.Hour)
	now := time.Now()

	w.Append("0xa", entryAt(1, 0, now))
	w.Append("0xa", entryAt(2, 0, now))
	w.Append("0xa", entryAt(3, 0, now))
	w.Append("0xb", entryAt(4, 0, now))

	assert.Len(t, w.Snapshot("0xa"), 2)
	assert.Len(t, w.Snapshot("0xb"), 1)
}
