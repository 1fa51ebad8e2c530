package event

import (
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// RawLogBatch carries one polled block range worth of undecoded logs from
// the poller to the decoder stage.
type RawLogBatch struct {
	FromBlock uint64
	ToBlock   uint64
	Logs      []types.Log
	PolledAt  time.Time
}
