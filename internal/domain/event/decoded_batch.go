package event

import (
	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
)

// DecodedBatch is the decoder stage output: validated transfers for one
// block range, sorted by (block_number, log_index). Skipped counts logs
// dropped due to decode failures; they are reported, never fatal.
type DecodedBatch struct {
	FromBlock uint64
	ToBlock   uint64
	Transfers []*model.Transfer
	Skipped   int
}
