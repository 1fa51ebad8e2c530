package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/alert"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/dedup"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/event"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/metrics"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/scorer"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/store"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/tracing"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/window"
)

// Ingester is the only stage that mutates shared state. It owns the dedup
// store and sliding windows outright, so admission, window updates,
// scoring, persistence, and alert emission happen in one goroutine with no
// locking between them.
type Ingester struct {
	decodedCh  <-chan event.DecodedBatch
	reorgCh    <-chan event.ReorgEvent
	finalityCh <-chan event.FinalityPromotion
	alertCh    chan<- model.Alert

	dedup     *dedup.Store
	windows   *window.Windows
	scorer    *scorer.Scorer
	evaluator *alert.Evaluator
	transfers store.TransferRepository
	alerts    store.AlertRepository
	cursors   store.CursorRepository

	// watch holds canonical monitored addresses. Empty means every
	// transfer of the contract is ingested.
	watch          map[string]struct{}
	alertThreshold float64
	logger         *slog.Logger
}

func NewIngester(
	decodedCh <-chan event.DecodedBatch,
	reorgCh <-chan event.ReorgEvent,
	finalityCh <-chan event.FinalityPromotion,
	alertCh chan<- model.Alert,
	dedupStore *dedup.Store,
	windows *window.Windows,
	sc *scorer.Scorer,
	evaluator *alert.Evaluator,
	transfers store.TransferRepository,
	alerts store.AlertRepository,
	cursors store.CursorRepository,
	monitored []string,
	alertThreshold float64,
	logger *slog.Logger,
) *Ingester {
	watch := make(map[string]struct{}, len(monitored))
	for _, addr := range monitored {
		watch[model.CanonicalAddress(addr)] = struct{}{}
	}
	return &Ingester{
		decodedCh:      decodedCh,
		reorgCh:        reorgCh,
		finalityCh:     finalityCh,
		alertCh:        alertCh,
		dedup:          dedupStore,
		windows:        windows,
		scorer:         sc,
		evaluator:      evaluator,
		transfers:      transfers,
		alerts:         alerts,
		cursors:        cursors,
		watch:          watch,
		alertThreshold: alertThreshold,
		logger:         logger.With("component", "ingester"),
	}
}

// Run consumes decoded batches, reorg events, and finality promotions
// until the decoded channel closes or the context is cancelled.
func (ing *Ingester) Run(ctx context.Context) error {
	ing.logger.Info("ingester started", "monitored_addresses", len(ing.watch))

	reorgCh := ing.reorgCh
	finalityCh := ing.finalityCh

	for {
		select {
		case <-ctx.Done():
			ing.logger.Info("ingester stopping")
			return ctx.Err()
		case batch, ok := <-ing.decodedCh:
			if !ok {
				return nil
			}
			if err := ing.processBatch(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Fail-fast: errgroup cancels the run and the pipeline
				// restarts from the last committed cursor.
				return fmt.Errorf("process batch [%d, %d]: %w", batch.FromBlock, batch.ToBlock, err)
			}
		case reorg, ok := <-reorgCh:
			if !ok {
				reorgCh = nil
				continue
			}
			ing.logger.Warn("reorg observed",
				"fork_block", reorg.ForkBlock,
				"depth", reorg.Depth,
				"new_hash", reorg.NewHash,
			)
		case fin, ok := <-finalityCh:
			if !ok {
				finalityCh = nil
				continue
			}
			if err := ing.handleFinality(ctx, fin); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("handle finality at %d: %w", fin.FinalizedHeight, err)
			}
		}
	}
}

func (ing *Ingester) processBatch(ctx context.Context, batch event.DecodedBatch) error {
	ctx, span := tracing.Tracer("ingester").Start(ctx, "ingester.process_batch",
		otelTrace.WithAttributes(
			attribute.Int64("from_block", int64(batch.FromBlock)),
			attribute.Int64("to_block", int64(batch.ToBlock)),
			attribute.Int("transfers", len(batch.Transfers)),
		),
	)
	defer span.End()

	for _, t := range batch.Transfers {
		if !ing.watched(t) {
			continue
		}
		if err := ing.ingest(ctx, t); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	// Commit only after the whole batch is persisted. A crash between
	// poll and commit replays the range; admission drops the replays.
	if err := ing.cursors.Put(ctx, batch.ToBlock); err != nil {
		return fmt.Errorf("commit cursor %d: %w", batch.ToBlock, err)
	}
	metrics.PollCursor.Set(float64(batch.ToBlock))
	return nil
}

// watched reports whether the transfer touches a monitored address.
func (ing *Ingester) watched(t *model.Transfer) bool {
	if len(ing.watch) == 0 {
		return true
	}
	if _, ok := ing.watch[t.FromAddress]; ok {
		return true
	}
	_, ok := ing.watch[t.ToAddress]
	return ok
}

func (ing *Ingester) ingest(ctx context.Context, t *model.Transfer) error {
	adm := ing.dedup.Admit(t)
	switch adm.Outcome {
	case dedup.OutcomeDuplicate:
		return nil
	case dedup.OutcomeSuperseded:
		if err := ing.supersede(ctx, adm.Prev); err != nil {
			return err
		}
	}

	// Score against history first, then join it: the transfer's own
	// timing and amount must not influence its own baseline.
	a := ing.scorer.Score(t, scorer.Context{
		Sender:    ing.windows.Snapshot(t.FromAddress),
		Recipient: ing.windows.Snapshot(t.ToAddress),
		Global:    ing.windows.Snapshot(window.GlobalSubject),
	})
	t.Score = a.Score
	t.Flagged = a.ExactTarget || a.LargeTransfer || a.Score >= ing.alertThreshold

	ing.windows.Append(t.FromAddress, t)
	if t.ToAddress != t.FromAddress {
		ing.windows.Append(t.ToAddress, t)
	}
	ing.windows.Append(window.GlobalSubject, t)

	if err := ing.transfers.Upsert(ctx, t); err != nil {
		// Roll back the admission so the replayed range re-ingests this
		// transfer instead of dropping it as a duplicate.
		ing.rollback(t)
		return fmt.Errorf("upsert %s: %w", t.Key(), err)
	}

	for _, al := range ing.evaluator.Evaluate(t, a) {
		// Journal before handoff: once the cursor commits past this
		// block, the replayed range dedups away, and only the journal
		// can re-drive a delivery a restart cut short.
		if err := ing.persistAlert(ctx, al); err != nil {
			ing.rollback(t)
			return err
		}
		if err := ing.emit(ctx, al); err != nil {
			ing.rollback(t)
			return err
		}
		ing.evaluator.MarkRaised(al.Type, t.FromAddress)
	}
	return nil
}

func (ing *Ingester) persistAlert(ctx context.Context, al model.Alert) error {
	if ing.alerts == nil {
		return nil
	}
	if err := ing.alerts.InsertAlert(ctx, &al); err != nil {
		return fmt.Errorf("persist alert %s: %w", al.DedupKey, err)
	}
	return nil
}

func (ing *Ingester) rollback(t *model.Transfer) {
	key := t.Key()
	ing.dedup.Forget(key)
	ing.windows.Remove(t.FromAddress, key)
	if t.ToAddress != t.FromAddress {
		ing.windows.Remove(t.ToAddress, key)
	}
	ing.windows.Remove(window.GlobalSubject, key)
}

// supersede retires the fork-stale copy of a transfer: its window entries
// are withdrawn, the stored row is marked orphaned, and a compensation
// alert is raised so receivers know the earlier notification described a
// block that no longer exists.
func (ing *Ingester) supersede(ctx context.Context, prev *model.Transfer) error {
	key := prev.Key()
	ing.windows.Remove(prev.FromAddress, key)
	if prev.ToAddress != prev.FromAddress {
		ing.windows.Remove(prev.ToAddress, key)
	}
	ing.windows.Remove(window.GlobalSubject, key)

	if err := ing.transfers.MarkOrphaned(ctx, key, prev.BlockHash); err != nil {
		// The replacement row is written right after; losing the orphan
		// marker is not worth killing the run over.
		ing.logger.Warn("mark orphaned failed", "key", key.String(), "error", err)
	}

	ing.logger.Info("transfer superseded",
		"key", key.String(),
		"old_block_hash", prev.BlockHash,
		"block_number", prev.BlockNumber,
	)
	comp := ing.evaluator.Compensation(prev)
	if err := ing.persistAlert(ctx, comp); err != nil {
		return err
	}
	return ing.emit(ctx, comp)
}

func (ing *Ingester) emit(ctx context.Context, al model.Alert) error {
	select {
	case ing.alertCh <- al:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ing *Ingester) handleFinality(ctx context.Context, fin event.FinalityPromotion) error {
	evicted := ing.dedup.EvictFinalized(fin.FinalizedHeight)
	promoted, err := ing.transfers.PromoteFinalized(ctx, fin.FinalizedHeight)
	if err != nil {
		return fmt.Errorf("promote finalized: %w", err)
	}
	if evicted > 0 || promoted > 0 {
		ing.logger.Debug("finality applied",
			"finalized", fin.FinalizedHeight,
			"evicted_keys", evicted,
			"promoted_rows", promoted,
		)
	}
	return nil
}
