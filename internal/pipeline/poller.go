package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/config"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/event"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/ledger"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/metrics"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/pipeline/retry"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/store"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/tracing"
)

const minChunkSize = 16

// Poller advances a block cursor against the ledger head, emitting raw
// log batches in chunked ranges. It resumes from the committed cursor but
// never writes it back: the ingester commits after a batch is fully
// processed, so a crash replays in-flight ranges instead of dropping
// them. It also watches for chain reorganizations by remembering recently
// polled block hashes, and promotes finality as the head moves past the
// confirmation depth.
type Poller struct {
	source     ledger.Source
	cursorRepo store.CursorRepository
	cfg        config.PollerConfig
	rawCh      chan<- event.RawLogBatch
	reorgCh    chan<- event.ReorgEvent
	finalityCh chan<- event.FinalityPromotion
	health     *Health
	logger     *slog.Logger

	// cursor is the next block to poll. Zero means not yet initialized.
	cursor    uint64
	finalized uint64
	chunk     uint64

	// lastFinality throttles finality promotion to its own cadence,
	// decoupled from the poll interval.
	lastFinality time.Time
	nowFn        func() time.Time

	// recent maps block number to the hash observed when that block was
	// last polled. Entries at or below the finalized height are pruned.
	recent map[uint64]string
}

func NewPoller(
	source ledger.Source,
	cursorRepo store.CursorRepository,
	cfg config.PollerConfig,
	rawCh chan<- event.RawLogBatch,
	reorgCh chan<- event.ReorgEvent,
	finalityCh chan<- event.FinalityPromotion,
	health *Health,
	logger *slog.Logger,
) *Poller {
	return &Poller{
		source:     source,
		cursorRepo: cursorRepo,
		cfg:        cfg,
		rawCh:      rawCh,
		reorgCh:    reorgCh,
		finalityCh: finalityCh,
		health:     health,
		logger:     logger.With("component", "poller"),
		chunk:      cfg.ChunkSize,
		recent:     make(map[uint64]string),
		nowFn:      time.Now,
	}
}

// Run polls immediately on start, then on every interval tick. Transient
// errors (RPC blips, rate limits) are logged and retried on the next tick;
// terminal errors halt the poller so the pipeline restart loop can decide.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		"interval", p.cfg.Interval,
		"chunk_size", p.cfg.ChunkSize,
		"confirmation_depth", p.cfg.ConfirmationDepth,
	)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	runTick := func() error {
		tickStart := time.Now()
		err := p.tick(ctx)
		metrics.PollDuration.Observe(time.Since(tickStart).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.health != nil {
				p.health.RecordFailure()
			}
			decision := retry.Classify(err)
			if decision.Class == retry.ClassTransient {
				p.logger.Warn("poll tick failed, will retry", "error", err, "reason", decision.Reason)
				return nil
			}
			return fmt.Errorf("poll tick failed: %w", err)
		}
		if p.health != nil {
			p.health.RecordSuccess()
			p.health.RecordLatency(time.Since(tickStart))
		}
		return nil
	}

	if err := runTick(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := runTick(); err != nil {
				return err
			}
		}
	}
}

func (p *Poller) tick(ctx context.Context) error {
	ctx, span := tracing.Tracer("poller").Start(ctx, "poller.tick")
	defer span.End()

	head, err := p.source.HeadBlock(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("head block: %w", err)
	}
	metrics.HeadBlock.Set(float64(head))

	if p.cursor == 0 {
		start, err := p.initialCursor(ctx, head)
		if err != nil {
			return err
		}
		p.cursor = start
		p.logger.Info("cursor initialized", "start_block", start, "head", head)
	}

	if err := p.checkReorg(ctx); err != nil {
		return err
	}

	if p.cursor > head {
		return p.promoteFinality(ctx, head)
	}

	for p.cursor <= head {
		to := p.cursor + p.chunk - 1
		if to > head {
			to = head
		}
		if err := p.pollRange(ctx, p.cursor, to); err != nil {
			return err
		}
		if p.chunk < p.cfg.ChunkSize {
			p.chunk *= 2
			if p.chunk > p.cfg.ChunkSize {
				p.chunk = p.cfg.ChunkSize
			}
		}
		p.cursor = to + 1
	}

	span.SetAttributes(attribute.Int64("head", int64(head)))
	return p.promoteFinality(ctx, head)
}

// initialCursor resumes from the stored cursor, or backfills a fixed
// distance behind the head on first run.
func (p *Poller) initialCursor(ctx context.Context, head uint64) (uint64, error) {
	last, ok, err := p.cursorRepo.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	if ok {
		return last + 1, nil
	}
	if head > p.cfg.BackfillBlocks {
		return head - p.cfg.BackfillBlocks, nil
	}
	return 1, nil
}

func (p *Poller) pollRange(ctx context.Context, from, to uint64) error {
	ctx, span := tracing.Tracer("poller").Start(ctx, "poller.poll_range",
		otelTrace.WithAttributes(
			attribute.Int64("from_block", int64(from)),
			attribute.Int64("to_block", int64(to)),
		),
	)
	defer span.End()

	logs, err := p.source.PollLogs(ctx, from, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Providers reject ranges that match too many logs. Shrink the
		// chunk and let the next tick retry the narrower range.
		if ledger.IsRangeTooLarge(err) && p.chunk > minChunkSize {
			p.chunk /= 2
			p.logger.Warn("poll range too large, shrinking chunk", "from", from, "to", to, "new_chunk", p.chunk)
		}
		return fmt.Errorf("poll logs [%d, %d]: %w", from, to, err)
	}

	tip, err := p.source.BlockByNumber(ctx, to)
	if err != nil {
		return fmt.Errorf("tip header %d: %w", to, err)
	}
	p.recent[tip.Number] = tip.Hash

	batch := event.RawLogBatch{
		FromBlock: from,
		ToBlock:   to,
		Logs:      logs,
		PolledAt:  time.Now().UTC(),
	}
	select {
	case p.rawCh <- batch:
	case <-ctx.Done():
		return ctx.Err()
	}

	metrics.BlocksPolled.Add(float64(to - from + 1))
	p.logger.Debug("range polled", "from", from, "to", to, "logs", len(logs))
	return nil
}

// checkReorg compares remembered chunk-tip hashes against the chain. On a
// mismatch the cursor rewinds to just past the deepest still-matching tip,
// so the diverged range is re-polled and superseding entries flow through
// admission with their replacement block hashes.
func (p *Poller) checkReorg(ctx context.Context) error {
	if len(p.recent) == 0 {
		return nil
	}

	newest := uint64(0)
	for n := range p.recent {
		if n > newest {
			newest = n
		}
	}

	ref, err := p.source.BlockByNumber(ctx, newest)
	if err != nil {
		return fmt.Errorf("reorg check %d: %w", newest, err)
	}
	if ref.Hash == p.recent[newest] {
		return nil
	}

	fork, newHash, err := p.findForkBlock(ctx, newest)
	if err != nil {
		return err
	}
	if p.finalized > 0 && fork < p.finalized {
		// Finality promotions are irreversible. A fork beneath the
		// finalized height means the confirmation depth was too shallow
		// and already-promoted data may be wrong.
		return retry.Terminal(fmt.Errorf("reorg reaches below finalized height %d (fork at %d)", p.finalized, fork))
	}

	depth := newest - fork
	ev := event.ReorgEvent{
		ForkBlock:  fork + 1,
		OldHash:    p.recent[newest],
		NewHash:    newHash,
		Depth:      depth,
		DetectedAt: time.Now().UTC(),
	}
	metrics.ReorgsDetected.Inc()
	p.logger.Warn("reorg detected", "fork_block", ev.ForkBlock, "depth", depth, "old_hash", ev.OldHash, "new_hash", ev.NewHash)

	select {
	case p.reorgCh <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}

	for n := range p.recent {
		if n > fork {
			delete(p.recent, n)
		}
	}
	if fork+1 < p.cursor {
		p.cursor = fork + 1
	}
	return nil
}

// findForkBlock walks remembered tips from newest to oldest until one still
// matches the chain. Returns the deepest matching block, or the lookback
// floor when everything within the window diverged.
func (p *Poller) findForkBlock(ctx context.Context, newest uint64) (uint64, string, error) {
	floor := uint64(0)
	if newest > p.cfg.ReorgLookback {
		floor = newest - p.cfg.ReorgLookback
	}

	fork := floor
	var newHash string
	for n := newest; n > floor; n-- {
		remembered, ok := p.recent[n]
		if !ok {
			continue
		}
		ref, err := p.source.BlockByNumber(ctx, n)
		if err != nil {
			return 0, "", fmt.Errorf("reorg walk %d: %w", n, err)
		}
		if ref.Hash == remembered {
			fork = n
			break
		}
		newHash = ref.Hash
	}
	return fork, newHash, nil
}

// promoteFinality emits a promotion when head minus the confirmation depth
// advances past the last promoted height. Checks run at most once per
// FinalityInterval; promotion lags at depth scale, so it does not need
// the poll cadence.
func (p *Poller) promoteFinality(ctx context.Context, head uint64) error {
	if p.cfg.FinalityInterval > 0 && p.nowFn().Sub(p.lastFinality) < p.cfg.FinalityInterval {
		return nil
	}
	p.lastFinality = p.nowFn()

	if head <= p.cfg.ConfirmationDepth {
		return nil
	}
	fin := head - p.cfg.ConfirmationDepth
	if fin <= p.finalized {
		return nil
	}
	p.finalized = fin
	metrics.FinalizedBlock.Set(float64(fin))

	for n := range p.recent {
		if n <= fin {
			delete(p.recent, n)
		}
	}

	ev := event.FinalityPromotion{
		FinalizedHeight: fin,
		Head:            head,
		PromotedAt:      time.Now().UTC(),
	}
	select {
	case p.finalityCh <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.logger.Debug("finality promoted", "finalized", fin, "head", head)
	return nil
}
