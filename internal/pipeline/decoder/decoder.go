// Package decoder turns raw EVM logs into validated Transfer records.
// Decoding is pure: a malformed log yields a DecodeError and is skipped,
// it never stops the pipeline.
package decoder

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/event"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/ledger"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/metrics"
)

// DecodeError describes why one specific log could not be decoded.
type DecodeError struct {
	Key    model.LogKey
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode log %s: %s", e.Key, e.Reason)
}

// DecodeTransferLog validates and decodes one ERC-20 Transfer log.
// Amounts stay in base units as *big.Int.
func DecodeTransferLog(lg types.Log, observedAt time.Time) (*model.Transfer, error) {
	key := model.LogKey{TxHash: model.CanonicalHash(lg.TxHash.Hex()), LogIndex: lg.Index}

	if len(lg.Topics) != 3 {
		return nil, &DecodeError{Key: key, Reason: fmt.Sprintf("malformed topic count: %d", len(lg.Topics))}
	}
	if lg.Topics[0] != ledger.TransferEventSig {
		return nil, &DecodeError{Key: key, Reason: "unexpected event signature"}
	}
	if len(lg.Data) != 32 {
		return nil, &DecodeError{Key: key, Reason: fmt.Sprintf("malformed data length: %d", len(lg.Data))}
	}

	amount := new(big.Int).SetBytes(lg.Data)
	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())

	return &model.Transfer{
		ID:          uuid.New(),
		TxHash:      key.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		BlockHash:   model.CanonicalHash(lg.BlockHash.Hex()),
		FromAddress: model.CanonicalAddress(from.Hex()),
		ToAddress:   model.CanonicalAddress(to.Hex()),
		Amount:      amount,
		AmountRaw:   amount.String(),
		ObservedAt:  observedAt,
		Status:      model.StatusPending,
	}, nil
}

// Decoder is the pipeline stage between the poller and the ingester.
type Decoder struct {
	workers int
	logger  *slog.Logger
}

func New(workers int, logger *slog.Logger) *Decoder {
	if workers <= 0 {
		workers = 1
	}
	return &Decoder{
		workers: workers,
		logger:  logger.With("component", "decoder"),
	}
}

// Run consumes raw log batches and emits decoded batches until rawCh
// closes or ctx is cancelled. Output order follows input order; within a
// batch transfers are sorted by (block_number, log_index).
func (d *Decoder) Run(ctx context.Context, rawCh <-chan event.RawLogBatch, out chan<- event.DecodedBatch) error {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-rawCh:
			if !ok {
				return nil
			}
			decoded := d.decodeBatch(batch)
			select {
			case out <- decoded:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (d *Decoder) decodeBatch(batch event.RawLogBatch) event.DecodedBatch {
	results := make([]*model.Transfer, len(batch.Logs))

	var wg sync.WaitGroup
	jobs := make(chan int)
	for w := 0; w < d.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				transfer, err := DecodeTransferLog(batch.Logs[idx], batch.PolledAt)
				if err != nil {
					d.logger.Warn("skipping undecodable log", "error", err)
					metrics.DecodeFailures.WithLabelValues(failureReason(err)).Inc()
					continue
				}
				results[idx] = transfer
			}
		}()
	}
	for idx := range batch.Logs {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	transfers := make([]*model.Transfer, 0, len(results))
	for _, t := range results {
		if t != nil {
			transfers = append(transfers, t)
		}
	}
	sort.Slice(transfers, func(i, j int) bool {
		if transfers[i].BlockNumber != transfers[j].BlockNumber {
			return transfers[i].BlockNumber < transfers[j].BlockNumber
		}
		return transfers[i].LogIndex < transfers[j].LogIndex
	})

	metrics.TransfersDecoded.Add(float64(len(transfers)))
	return event.DecodedBatch{
		FromBlock: batch.FromBlock,
		ToBlock:   batch.ToBlock,
		Transfers: transfers,
		Skipped:   len(batch.Logs) - len(transfers),
	}
}

func failureReason(err error) string {
	if de, ok := err.(*DecodeError); ok {
		switch {
		case de.Reason == "unexpected event signature":
			return "wrong_signature"
		case strings.HasPrefix(de.Reason, "malformed topic"):
			return "topic_count"
		case strings.HasPrefix(de.Reason, "malformed data"):
			return "data_length"
		}
	}
	return "other"
}
