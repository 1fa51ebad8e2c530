package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/alert"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/config"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/dedup"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/event"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/ledger"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/metrics"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/pipeline/decoder"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/pipeline/retry"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/scorer"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/store"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/window"
)

const defaultRestartBackoff = 5 * time.Second

// Config carries the stage parameters the pipeline needs to wire a run.
type Config struct {
	Poller            config.PollerConfig
	DecodeWorkers     int
	ChannelBufferSize int
	MonitoredAddrs    []string
	AlertThreshold    float64

	// RestartBackoff is the pause before restarting after a transient
	// failure. Zero means the default.
	RestartBackoff time.Duration
}

func (c Config) effectiveRestartBackoff() time.Duration {
	if c.RestartBackoff > 0 {
		return c.RestartBackoff
	}
	return defaultRestartBackoff
}

// Pipeline owns the staged flow from ledger polling to alert delivery.
// Dedup and window state live on the Pipeline, not the run, so a restart
// after a transient failure re-polls from the committed cursor and the
// replayed logs fall out as duplicates instead of double alerts.
type Pipeline struct {
	cfg         Config
	source      ledger.Source
	cursors     store.CursorRepository
	transfers   store.TransferRepository
	alerts      store.AlertRepository
	scorer      *scorer.Scorer
	evaluator   *alert.Evaluator
	coordinator *alert.Coordinator

	dedup   *dedup.Store
	windows *window.Windows
	health  *Health
	logger  *slog.Logger

	sleepFn func(ctx context.Context, d time.Duration) error
}

func New(
	cfg Config,
	source ledger.Source,
	cursors store.CursorRepository,
	transfers store.TransferRepository,
	alerts store.AlertRepository,
	sc *scorer.Scorer,
	evaluator *alert.Evaluator,
	coordinator *alert.Coordinator,
	windows *window.Windows,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		source:      source,
		cursors:     cursors,
		transfers:   transfers,
		alerts:      alerts,
		scorer:      sc,
		evaluator:   evaluator,
		coordinator: coordinator,
		dedup:       dedup.NewStore(),
		windows:     windows,
		health:      NewHealth(),
		logger:      logger.With("component", "pipeline"),
		sleepFn:     sleep,
	}
}

// Health exposes the tracker the health endpoint reads.
func (p *Pipeline) Health() *Health {
	return p.health
}

// Run executes the pipeline until the context is cancelled. Transient
// failures restart the whole run from the committed cursor; terminal
// failures propagate to the caller.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		err := p.runOnce(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		decision := retry.Classify(err)
		if decision.Class == retry.ClassTerminal {
			p.health.SetStatus(HealthStatusUnhealthy)
			return fmt.Errorf("pipeline halted: %w", err)
		}

		metrics.PipelineRestarts.Inc()
		p.logger.Warn("pipeline run failed, restarting",
			"error", err,
			"reason", decision.Reason,
			"backoff", p.cfg.effectiveRestartBackoff(),
		)
		if serr := p.sleepFn(ctx, p.cfg.effectiveRestartBackoff()); serr != nil {
			return nil
		}
	}
}

// runOnce wires fresh channels and stages into one errgroup cycle. Close
// order follows data flow: the poller closes the raw channel, the decoder
// closes the decoded channel, the ingester closes the alert channel, and
// the alert coordinator drains what remains.
func (p *Pipeline) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// A panic in one run must not take the monitor down for good;
			// the restart loop resumes from the committed cursor.
			err = retry.Transient(fmt.Errorf("pipeline panic: %v\n%s", r, debug.Stack()))
		}
	}()

	buf := p.cfg.ChannelBufferSize
	rawCh := make(chan event.RawLogBatch, buf)
	decodedCh := make(chan event.DecodedBatch, buf)
	alertCh := make(chan model.Alert, buf)
	reorgCh := make(chan event.ReorgEvent, 1)
	finalityCh := make(chan event.FinalityPromotion, 1)

	poller := NewPoller(p.source, p.cursors, p.cfg.Poller, rawCh, reorgCh, finalityCh, p.health, p.logger)
	dec := decoder.New(p.cfg.DecodeWorkers, p.logger)
	ing := NewIngester(
		decodedCh, reorgCh, finalityCh, alertCh,
		p.dedup, p.windows, p.scorer, p.evaluator, p.transfers, p.alerts, p.cursors,
		p.cfg.MonitoredAddrs, p.cfg.AlertThreshold,
		p.logger,
	)

	p.logger.Info("pipeline starting",
		"decode_workers", p.cfg.DecodeWorkers,
		"channel_buffer", buf,
		"poll_interval", p.cfg.Poller.Interval,
	)

	g, gCtx := errgroup.WithContext(ctx)

	// Periodic channel depth sampling for the backpressure gauge.
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				metrics.ChannelDepth.WithLabelValues("raw").Set(float64(len(rawCh)))
				metrics.ChannelDepth.WithLabelValues("decoded").Set(float64(len(decodedCh)))
				metrics.ChannelDepth.WithLabelValues("alert").Set(float64(len(alertCh)))
			}
		}
	})

	g.Go(func() error {
		defer close(rawCh)
		defer close(reorgCh)
		defer close(finalityCh)
		return poller.Run(gCtx)
	})
	g.Go(func() error {
		return dec.Run(gCtx, rawCh, decodedCh)
	})
	g.Go(func() error {
		defer close(alertCh)
		return ing.Run(gCtx)
	})
	g.Go(func() error {
		// Re-drive deliveries a previous run or process left unconfirmed
		// before consuming fresh alerts. A failed scan is retried on the
		// next restart rather than blocking this run.
		if err := p.coordinator.ReplayUnconfirmed(gCtx); err != nil && gCtx.Err() == nil {
			p.logger.Warn("replay of unconfirmed alerts failed", "error", err)
		}
		return p.coordinator.Run(gCtx, alertCh)
	})

	return g.Wait()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
