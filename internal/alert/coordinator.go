package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/cache"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/circuitbreaker"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/metrics"
)

const (
	// dispatchConcurrency bounds the per-alert dispatch goroutines, so
	// one slow channel cannot serialize delivery of everything behind it.
	dispatchConcurrency = 8

	// replayLookback bounds the startup scan for unconfirmed alerts.
	replayLookback = 24 * time.Hour

	dispatchedCapacity = 65536
	dispatchedTTL      = 24 * time.Hour
)

// DeliveryStore remembers which (dedup_key, channel) pairs were
// confirmed, so restarts do not re-send what already went out.
type DeliveryStore interface {
	IsConfirmed(ctx context.Context, dedupKey, channel string) (bool, error)
	MarkConfirmed(ctx context.Context, dedupKey, channel string) error
}

// Recorder persists alerts and per-channel delivery outcomes, and
// serves the unconfirmed backlog a restart has to re-drive.
type Recorder interface {
	InsertAlert(ctx context.Context, a *model.Alert) error
	RecordDelivery(ctx context.Context, d model.Delivery) error
	UnconfirmedAlerts(ctx context.Context, channels []string, since time.Time) ([]model.Alert, error)
}

type Options struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// DrainTimeout is how long in-flight deliveries keep running after
	// the run context is cancelled. Zero means deliveries die with the
	// run.
	DrainTimeout time.Duration
}

func (o Options) effectiveMaxAttempts() int {
	if o.MaxAttempts <= 0 {
		return 5
	}
	return o.MaxAttempts
}

func (o Options) effectiveBaseDelay() time.Duration {
	if o.RetryBaseDelay <= 0 {
		return 500 * time.Millisecond
	}
	return o.RetryBaseDelay
}

func (o Options) effectiveMaxDelay() time.Duration {
	if o.RetryMaxDelay <= 0 {
		return 30 * time.Second
	}
	return o.RetryMaxDelay
}

// Coordinator fans alerts out to every configured channel. Channels are
// independent: each runs its own state machine
// (Pending -> Sending -> Confirmed | Failed) with bounded retries and a
// circuit breaker, and one channel's failure never blocks another.
type Coordinator struct {
	channels []Channel
	state    DeliveryStore
	recorder Recorder
	breakers map[string]*circuitbreaker.Breaker
	opts     Options
	logger   *slog.Logger

	// injectable for tests
	sleepFn func(ctx context.Context, d time.Duration) error
	nowFn   func() time.Time

	mu         sync.Mutex
	dispatched *cache.RecencySet
}

func NewCoordinator(channels []Channel, state DeliveryStore, recorder Recorder, opts Options, logger *slog.Logger) *Coordinator {
	breakers := make(map[string]*circuitbreaker.Breaker, len(channels))
	log := logger.With("component", "alert_coordinator")
	for _, ch := range channels {
		name := ch.Name()
		breakers[name] = circuitbreaker.New(circuitbreaker.Config{
			OnStateChange: func(from, to circuitbreaker.State) {
				log.Warn("channel breaker state change", "channel", name, "from", from.String(), "to", to.String())
			},
		})
	}
	if state == nil {
		state = NewMemoryDeliveryStore()
	}

	return &Coordinator{
		channels:   channels,
		state:      state,
		recorder:   recorder,
		breakers:   breakers,
		opts:       opts,
		logger:     log,
		sleepFn:    sleep,
		nowFn:      time.Now,
		dispatched: cache.NewRecencySet(dispatchedCapacity, dispatchedTTL),
	}
}

// Run consumes alerts until the channel closes or ctx is cancelled.
// Alerts dispatch concurrently, a few at a time, so a slow channel on
// one alert does not hold back the rest of the queue; Run returns only
// after every in-flight dispatch finished or used up its drain grace.
func (c *Coordinator) Run(ctx context.Context, alerts <-chan model.Alert) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	sem := make(chan struct{}, dispatchConcurrency)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-alerts:
			if !ok {
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func(a model.Alert) {
				defer wg.Done()
				defer func() { <-sem }()
				c.Dispatch(ctx, a)
			}(a)
		}
	}
}

// ReplayUnconfirmed re-dispatches persisted alerts that still miss a
// confirmed delivery on some channel. The pipeline calls it at the start
// of every run: replayed ledger ranges are dropped by admission dedup,
// so the alert journal is the only path that revives a delivery a crash
// or restart cut short.
func (c *Coordinator) ReplayUnconfirmed(ctx context.Context) error {
	if c.recorder == nil || len(c.channels) == 0 {
		return nil
	}

	names := make([]string, 0, len(c.channels))
	for _, ch := range c.channels {
		names = append(names, ch.Name())
	}
	backlog, err := c.recorder.UnconfirmedAlerts(ctx, names, c.nowFn().Add(-replayLookback))
	if err != nil {
		return fmt.Errorf("load unconfirmed alerts: %w", err)
	}
	if len(backlog) == 0 {
		return nil
	}

	c.logger.Info("replaying unconfirmed alerts", "count", len(backlog))
	for _, a := range backlog {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The journal outranks the in-process dedup: a key marked by an
		// earlier run in this process must not mask its own redelivery.
		c.mu.Lock()
		c.dispatched.Forget(a.DedupKey)
		c.mu.Unlock()
		metrics.AlertsReplayed.Inc()
		c.Dispatch(ctx, a)
	}
	return nil
}

// Dispatch delivers one alert across all channels and blocks until every
// channel reached a final state. A dedup key that was already dispatched
// in this process is dropped up front.
func (c *Coordinator) Dispatch(ctx context.Context, a model.Alert) {
	c.mu.Lock()
	if c.dispatched.Seen(a.DedupKey) {
		c.mu.Unlock()
		metrics.AlertsDeduplicated.Inc()
		c.logger.Debug("alert already dispatched", "dedup_key", a.DedupKey)
		return
	}
	c.dispatched.Mark(a.DedupKey)
	c.mu.Unlock()

	dctx, cancel := c.deliveryContext(ctx)
	defer cancel()

	if c.recorder != nil {
		if err := c.recorder.InsertAlert(dctx, &a); err != nil {
			// Persistence trouble must not stop notification.
			c.logger.Warn("persist alert failed", "dedup_key", a.DedupKey, "error", err)
		}
	}

	var wg sync.WaitGroup
	for _, ch := range c.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			c.deliver(dctx, ch, a)
		}(ch)
	}
	wg.Wait()

	if ctx.Err() != nil {
		// Shutdown may have cut channels short of a final state. Unmark
		// the key so the next run's journal replay can re-drive it.
		c.mu.Lock()
		c.dispatched.Forget(a.DedupKey)
		c.mu.Unlock()
	}
}

// deliveryContext detaches delivery from run cancellation for up to the
// drain grace, so shutdown finishes in-flight sends instead of aborting
// them mid-retry.
func (c *Coordinator) deliveryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	grace := c.opts.DrainTimeout
	if grace <= 0 {
		return context.WithCancel(ctx)
	}

	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-dctx.Done():
		}
	})
	return dctx, func() {
		stop()
		cancel()
	}
}

func (c *Coordinator) deliver(ctx context.Context, ch Channel, a model.Alert) {
	name := ch.Name()
	logger := c.logger.With("channel", name, "dedup_key", a.DedupKey)

	already, err := c.state.IsConfirmed(ctx, a.DedupKey, name)
	if err != nil {
		logger.Warn("delivery state lookup failed, assuming unsent", "error", err)
	}
	if already {
		metrics.DeliveryAttempts.WithLabelValues(name, "already_confirmed").Inc()
		return
	}

	breaker := c.breakers[name]
	if err := breaker.Allow(); err != nil {
		metrics.DeliveryAttempts.WithLabelValues(name, "breaker_open").Inc()
		c.recordDelivery(ctx, a, name, model.DeliveryFailed, 0, err)
		return
	}

	maxAttempts := c.opts.effectiveMaxAttempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := c.nowFn()
		confirmed, retryable, sendErr := ch.Send(ctx, a)
		metrics.DeliveryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		if confirmed {
			breaker.RecordSuccess()
			if err := c.state.MarkConfirmed(ctx, a.DedupKey, name); err != nil {
				logger.Warn("marking delivery confirmed failed", "error", err)
			}
			metrics.DeliveryAttempts.WithLabelValues(name, "confirmed").Inc()
			c.recordDelivery(ctx, a, name, model.DeliveryConfirmed, attempt, nil)
			logger.Info("alert delivered", "attempt", attempt, "type", a.Type)
			return
		}

		breaker.RecordFailure()
		lastErr = sendErr

		if !retryable {
			metrics.DeliveryAttempts.WithLabelValues(name, "terminal").Inc()
			c.recordDelivery(ctx, a, name, model.DeliveryFailed, attempt, sendErr)
			logger.Error("alert delivery failed terminally", "attempt", attempt, "error", sendErr)
			return
		}

		metrics.DeliveryAttempts.WithLabelValues(name, "retry").Inc()
		if attempt < maxAttempts {
			if err := c.sleepFn(ctx, c.retryDelay(attempt)); err != nil {
				c.recordDelivery(ctx, a, name, model.DeliveryFailed, attempt, err)
				return
			}
		}
	}

	metrics.DeliveryAttempts.WithLabelValues(name, "exhausted").Inc()
	c.recordDelivery(ctx, a, name, model.DeliveryFailed, maxAttempts, lastErr)
	logger.Error("alert delivery retries exhausted", "attempts", maxAttempts, "error", lastErr)
}

func (c *Coordinator) recordDelivery(ctx context.Context, a model.Alert, channel string, state model.DeliveryState, attempts int, deliveryErr error) {
	if c.recorder == nil {
		return
	}
	d := model.Delivery{
		DedupKey:  a.DedupKey,
		Channel:   channel,
		State:     state,
		Attempts:  attempts,
		UpdatedAt: c.nowFn(),
	}
	if deliveryErr != nil {
		msg := deliveryErr.Error()
		d.LastError = &msg
	}
	if err := c.recorder.RecordDelivery(ctx, d); err != nil {
		c.logger.Warn("record delivery failed", "channel", channel, "error", err)
	}
}

// retryDelay doubles the base delay per attempt, capped at the max.
func (c *Coordinator) retryDelay(attempt int) time.Duration {
	delay := c.opts.effectiveBaseDelay()
	maxDelay := c.opts.effectiveMaxDelay()
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
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

// MemoryDeliveryStore is the in-process DeliveryStore used when Redis is
// not configured. Idempotency then only spans the process lifetime.
type MemoryDeliveryStore struct {
	mu        sync.Mutex
	confirmed map[string]struct{}
}

func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{confirmed: make(map[string]struct{})}
}

func (m *MemoryDeliveryStore) IsConfirmed(_ context.Context, dedupKey, channel string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.confirmed[dedupKey+"|"+channel]
	return ok, nil
}

func (m *MemoryDeliveryStore) MarkConfirmed(_ context.Context, dedupKey, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed[dedupKey+"|"+channel] = struct{}{}
	return nil
}
