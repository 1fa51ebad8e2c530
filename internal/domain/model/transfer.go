package model

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransferStatus tracks a transfer's lifecycle relative to chain finality.
type TransferStatus string

const (
	// StatusPending means the transfer sits above the finalized height and
	// may still be superseded by a reorg.
	StatusPending TransferStatus = "pending"
	// StatusFinalized means the transfer's block is at or below the
	// finalized height and is immutable.
	StatusFinalized TransferStatus = "finalized"
	// StatusOrphaned means the transfer was superseded by a conflicting
	// copy from a competing fork.
	StatusOrphaned TransferStatus = "orphaned"
)

// Transfer is one decoded ERC-20 Transfer event. Amount is kept in token
// base units; it is never represented as a float.
type Transfer struct {
	ID          uuid.UUID      `db:"id"`
	TxHash      string         `db:"tx_hash"`
	LogIndex    uint           `db:"log_index"`
	BlockNumber uint64         `db:"block_number"`
	BlockHash   string         `db:"block_hash"`
	FromAddress string         `db:"from_address"`
	ToAddress   string         `db:"to_address"`
	Amount      *big.Int       `db:"-"`
	AmountRaw   string         `db:"amount"` // NUMERIC(78,0) as string
	BlockTime   *time.Time     `db:"block_time"`
	ObservedAt  time.Time      `db:"observed_at"`
	Status      TransferStatus `db:"status"`
	Flagged     bool           `db:"flagged"`
	Score       float64        `db:"score"`
}

// Key returns the transfer's ledger identity. Two observations with the
// same key describe the same event, possibly from different forks.
func (t *Transfer) Key() LogKey {
	return LogKey{TxHash: t.TxHash, LogIndex: t.LogIndex}
}

// LogKey uniquely identifies a log event within a ledger:
// (transaction hash, log index).
type LogKey struct {
	TxHash   string
	LogIndex uint
}

func (k LogKey) String() string {
	return fmt.Sprintf("%s:%d", k.TxHash, k.LogIndex)
}

// CanonicalHash normalises a transaction or block hash into lowercase
// 0x-prefixed hex so different renderings of the same hash compare equal.
func CanonicalHash(hash string) string {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return ""
	}
	withoutPrefix := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if withoutPrefix == "" {
		return ""
	}
	return "0x" + strings.ToLower(withoutPrefix)
}

// CanonicalAddress normalises an EVM address the same way as
// CanonicalHash. Address identity in this system is the lowercase hex
// form, not the EIP-55 checksum form.
func CanonicalAddress(address string) string {
	return CanonicalHash(address)
}

// FormatUnits renders a base-unit amount as a decimal token amount,
// e.g. 1234500 with 6 decimals -> "1.2345".
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int)
	frac := new(big.Int)
	whole.QuoRem(amount, divisor, frac)
	if frac.Sign() == 0 {
		return whole.String()
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%0*s", decimals, frac.Abs(frac).String()), "0")
	return whole.String() + "." + fracStr
}

// ParseUnits parses a decimal token amount ("100.25") into base units.
// It rejects more fractional digits than the token carries.
func ParseUnits(value string, decimals int) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("empty amount")
	}
	neg := strings.HasPrefix(trimmed, "-")
	trimmed = strings.TrimPrefix(trimmed, "-")

	wholePart := trimmed
	fracPart := ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		wholePart, fracPart = trimmed[:idx], trimmed[idx+1:]
	}
	if len(fracPart) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d fractional digits", value, decimals)
	}
	fracPart += strings.Repeat("0", decimals-len(fracPart))
	if wholePart == "" {
		wholePart = "0"
	}

	result, ok := new(big.Int).SetString(wholePart+fracPart, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", value)
	}
	if neg {
		result.Neg(result)
	}
	return result, nil
}
