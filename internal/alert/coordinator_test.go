package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/cache"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
)

type sendResult struct {
	confirmed bool
	retryable bool
	err       error
}

type fakeChannel struct {
	name string

	mu      sync.Mutex
	script  []sendResult
	calls   int
	lastPer map[string]int // dedup_key -> send count
}

func newFakeChannel(name string, script ...sendResult) *fakeChannel {
	return &fakeChannel{name: name, script: script, lastPer: make(map[string]int)}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, a model.Alert) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPer[a.DedupKey]++
	idx := f.calls
	f.calls++
	if idx >= len(f.script) {
		return true, false, nil
	}
	r := f.script[idx]
	return r.confirmed, r.retryable, r.err
}

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRecorder struct {
	mu         sync.Mutex
	alerts     []model.Alert
	deliveries []model.Delivery
}

func (r *fakeRecorder) InsertAlert(_ context.Context, a *model.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ex := range r.alerts {
		if ex.DedupKey == a.DedupKey {
			return nil
		}
	}
	r.alerts = append(r.alerts, *a)
	return nil
}

func (r *fakeRecorder) RecordDelivery(_ context.Context, d model.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return nil
}

func (r *fakeRecorder) UnconfirmedAlerts(_ context.Context, channels []string, _ time.Time) ([]model.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	confirmed := make(map[string]bool)
	for _, d := range r.deliveries {
		if d.State == model.DeliveryConfirmed {
			confirmed[d.DedupKey+"|"+d.Channel] = true
		}
	}
	var out []model.Alert
	for _, a := range r.alerts {
		for _, ch := range channels {
			if !confirmed[a.DedupKey+"|"+ch] {
				out = append(out, a)
				break
			}
		}
	}
	return out, nil
}

func (r *fakeRecorder) deliveryFor(channel string) (model.Delivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.deliveries {
		if d.Channel == channel {
			return d, true
		}
	}
	return model.Delivery{}, false
}

func (r *fakeRecorder) lastDeliveryFor(channel string) (model.Delivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.deliveries) - 1; i >= 0; i-- {
		if r.deliveries[i].Channel == channel {
			return r.deliveries[i], true
		}
	}
	return model.Delivery{}, false
}

func testAlert(key string) model.Alert {
	return model.Alert{
		DedupKey: key,
		Type:     model.AlertLargeTransfer,
		Severity: model.SeverityWarning,
		Transfer: *scoredTransfer("0xfrom"),
	}
}

func newTestCoordinator(recorder *fakeRecorder, channels ...Channel) *Coordinator {
	c := NewCoordinator(channels, nil, recorder, Options{
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  8 * time.Millisecond,
	}, slog.Default())
	c.sleepFn = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestDispatch_ConfirmsOnAllChannels(t *testing.T) {
	recorder := &fakeRecorder{}
	chA := newFakeChannel("a")
	chB := newFakeChannel("b")
	c := newTestCoordinator(recorder, chA, chB)

	c.Dispatch(context.Background(), testAlert("k1"))

	assert.Equal(t, 1, chA.sendCount())
	assert.Equal(t, 1, chB.sendCount())

	da, ok := recorder.deliveryFor("a")
	require.True(t, ok)
	assert.Equal(t, model.DeliveryConfirmed, da.State)
	require.Len(t, recorder.alerts, 1)
}

func TestDispatch_DuplicateDedupKeyDropped(t *testing.T) {
	recorder := &fakeRecorder{}
	ch := newFakeChannel("a")
	c := newTestCoordinator(recorder, ch)

	c.Dispatch(context.Background(), testAlert("k1"))
	c.Dispatch(context.Background(), testAlert("k1"))

	assert.Equal(t, 1, ch.sendCount())
	assert.Len(t, recorder.alerts, 1)
}

func TestDispatch_ConfirmedStateSurvivesRestart(t *testing.T) {
	state := NewMemoryDeliveryStore()
	require.NoError(t, state.MarkConfirmed(context.Background(), "k1", "a"))

	ch := newFakeChannel("a")
	c := NewCoordinator([]Channel{ch}, state, nil, Options{}, slog.Default())

	// Simulates a coordinator that restarted after confirming: the
	// channel must not be hit again.
	c.Dispatch(context.Background(), testAlert("k1"))
	assert.Zero(t, ch.sendCount())
}

func TestDispatch_RetryableFailureRetriesThenConfirms(t *testing.T) {
	recorder := &fakeRecorder{}
	ch := newFakeChannel("a",
		sendResult{retryable: true, err: errors.New("http status 503")},
		sendResult{retryable: true, err: errors.New("http status 503")},
		sendResult{confirmed: true},
	)
	c := newTestCoordinator(recorder, ch)

	var delays []time.Duration
	c.sleepFn = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	c.Dispatch(context.Background(), testAlert("k1"))

	assert.Equal(t, 3, ch.sendCount())
	// Exponential backoff, doubling from the base.
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)

	d, ok := recorder.deliveryFor("a")
	require.True(t, ok)
	assert.Equal(t, model.DeliveryConfirmed, d.State)
	assert.Equal(t, 3, d.Attempts)
}

func TestDispatch_TerminalFailureStopsImmediately(t *testing.T) {
	recorder := &fakeRecorder{}
	ch := newFakeChannel("a", sendResult{retryable: false, err: errors.New("invalid chat id")})
	c := newTestCoordinator(recorder, ch)

	c.Dispatch(context.Background(), testAlert("k1"))

	assert.Equal(t, 1, ch.sendCount())
	d, ok := recorder.deliveryFor("a")
	require.True(t, ok)
	assert.Equal(t, model.DeliveryFailed, d.State)
	require.NotNil(t, d.LastError)
}

func TestDispatch_RetriesExhausted(t *testing.T) {
	recorder := &fakeRecorder{}
	ch := newFakeChannel("a",
		sendResult{retryable: true, err: errors.New("kafka publish: broker down")},
		sendResult{retryable: true, err: errors.New("kafka publish: broker down")},
		sendResult{retryable: true, err: errors.New("kafka publish: broker down")},
	)
	c := newTestCoordinator(recorder, ch)

	c.Dispatch(context.Background(), testAlert("k1"))

	assert.Equal(t, 3, ch.sendCount())
	d, ok := recorder.deliveryFor("a")
	require.True(t, ok)
	assert.Equal(t, model.DeliveryFailed, d.State)
	assert.Equal(t, 3, d.Attempts)
}

func TestDispatch_FanOutIndependence(t *testing.T) {
	recorder := &fakeRecorder{}
	failing := newFakeChannel("bad", sendResult{retryable: false, err: errors.New("rejected")})
	healthy := newFakeChannel("good")
	c := newTestCoordinator(recorder, failing, healthy)

	c.Dispatch(context.Background(), testAlert("k1"))

	good, ok := recorder.deliveryFor("good")
	require.True(t, ok)
	assert.Equal(t, model.DeliveryConfirmed, good.State)

	bad, ok := recorder.deliveryFor("bad")
	require.True(t, ok)
	assert.Equal(t, model.DeliveryFailed, bad.State)
}

// gatedChannel blocks every send until the gate closes, confirming after.
type gatedChannel struct {
	name string
	gate chan struct{}

	mu        sync.Mutex
	started   int
	confirmed []string
}

func (g *gatedChannel) Name() string { return g.name }

func (g *gatedChannel) Send(ctx context.Context, a model.Alert) (bool, bool, error) {
	g.mu.Lock()
	g.started++
	g.mu.Unlock()
	select {
	case <-g.gate:
	case <-ctx.Done():
		return false, true, ctx.Err()
	}
	g.mu.Lock()
	g.confirmed = append(g.confirmed, a.DedupKey)
	g.mu.Unlock()
	return true, false, nil
}

func (g *gatedChannel) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

func TestRun_SlowChannelDoesNotSerializeDispatch(t *testing.T) {
	recorder := &fakeRecorder{}
	slow := &gatedChannel{name: "slow", gate: make(chan struct{})}
	c := newTestCoordinator(recorder, slow)

	alerts := make(chan model.Alert, 2)
	alerts <- testAlert("k1")
	alerts <- testAlert("k2")
	close(alerts)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), alerts) }()

	// The second alert must reach the channel while the first is still
	// stuck in its send.
	require.Eventually(t, func() bool { return slow.inFlight() == 2 }, time.Second, time.Millisecond)

	close(slow.gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not drain in-flight dispatches")
	}
	assert.ElementsMatch(t, []string{"k1", "k2"}, slow.confirmed)
}

func TestDispatch_DrainGraceFinishesDeliveryAfterCancel(t *testing.T) {
	recorder := &fakeRecorder{}
	ch := newFakeChannel("a",
		sendResult{retryable: true, err: errors.New("http status 503")},
		sendResult{confirmed: true},
	)
	c := NewCoordinator([]Channel{ch}, nil, recorder, Options{
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		DrainTimeout:   time.Minute,
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.sleepFn = func(sctx context.Context, _ time.Duration) error {
		// Shutdown arrives while the retry backoff is pending. The
		// delivery context outlives it for the grace window.
		cancel()
		return sctx.Err()
	}

	c.Dispatch(ctx, testAlert("k1"))

	assert.Equal(t, 2, ch.sendCount())
	d, ok := recorder.lastDeliveryFor("a")
	require.True(t, ok)
	assert.Equal(t, model.DeliveryConfirmed, d.State)
}

func TestDispatch_AbortedDispatchCanBeRedelivered(t *testing.T) {
	recorder := &fakeRecorder{}
	ch := newFakeChannel("a",
		sendResult{retryable: true, err: errors.New("http status 503")},
		sendResult{confirmed: true},
	)
	c := newTestCoordinator(recorder, ch)

	ctx, cancel := context.WithCancel(context.Background())
	c.sleepFn = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	c.Dispatch(ctx, testAlert("k1"))

	d, ok := recorder.deliveryFor("a")
	require.True(t, ok)
	require.Equal(t, model.DeliveryFailed, d.State)

	// The aborted key must not stick in the process dedup, or the next
	// run's journal replay would be silently dropped.
	c.sleepFn = func(context.Context, time.Duration) error { return nil }
	c.Dispatch(context.Background(), testAlert("k1"))

	assert.Equal(t, 2, ch.sendCount())
	last, ok := recorder.lastDeliveryFor("a")
	require.True(t, ok)
	assert.Equal(t, model.DeliveryConfirmed, last.State)
}

func TestReplayUnconfirmed_RedeliversBacklog(t *testing.T) {
	recorder := &fakeRecorder{}

	// Journal rows left behind by a previous process: persisted alerts
	// with no confirmed delivery.
	a1 := testAlert("k1")
	a2 := testAlert("k2")
	require.NoError(t, recorder.InsertAlert(context.Background(), &a1))
	require.NoError(t, recorder.InsertAlert(context.Background(), &a2))

	ch := newFakeChannel("a")
	c := newTestCoordinator(recorder, ch)

	require.NoError(t, c.ReplayUnconfirmed(context.Background()))
	assert.Equal(t, 2, ch.sendCount())

	// Everything confirmed: a second replay finds no backlog.
	require.NoError(t, c.ReplayUnconfirmed(context.Background()))
	assert.Equal(t, 2, ch.sendCount())
}

func TestReplayUnconfirmed_OverridesProcessDedup(t *testing.T) {
	recorder := &fakeRecorder{}
	ch := newFakeChannel("a", sendResult{retryable: false, err: errors.New("rejected")})
	c := newTestCoordinator(recorder, ch)

	// First dispatch fails terminally and marks the key as dispatched.
	c.Dispatch(context.Background(), testAlert("k1"))
	require.Equal(t, 1, ch.sendCount())

	// Replay re-drives it anyway: the journal outranks process state.
	require.NoError(t, c.ReplayUnconfirmed(context.Background()))
	assert.Equal(t, 2, ch.sendCount())
	last, ok := recorder.lastDeliveryFor("a")
	require.True(t, ok)
	assert.Equal(t, model.DeliveryConfirmed, last.State)
}

func TestDispatch_DedupSetEvictionFallsBackToDeliveryState(t *testing.T) {
	recorder := &fakeRecorder{}
	ch := newFakeChannel("a")
	c := newTestCoordinator(recorder, ch)
	// Tiny capacity forces eviction of k1 when k2 arrives.
	c.dispatched = cache.NewRecencySet(1, time.Hour)

	ctx := context.Background()
	c.Dispatch(ctx, testAlert("k1"))
	c.Dispatch(ctx, testAlert("k2"))
	c.Dispatch(ctx, testAlert("k1"))

	// The evicted key is re-dispatched, but the delivery store still
	// short-circuits the actual send.
	assert.Equal(t, 2, ch.sendCount())
}

func TestDispatch_BreakerShieldsDeadChannel(t *testing.T) {
	recorder := &fakeRecorder{}

	// Five terminal failures open the breaker.
	script := make([]sendResult, 5)
	for i := range script {
		script[i] = sendResult{retryable: false, err: errors.New("rejected")}
	}
	ch := newFakeChannel("a", script...)
	c := newTestCoordinator(recorder, ch)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.Dispatch(ctx, testAlert(string(rune('a'+i))))
	}
	require.Equal(t, 5, ch.sendCount())

	// The sixth alert is short-circuited without touching the channel.
	c.Dispatch(ctx, testAlert("z"))
	assert.Equal(t, 5, ch.sendCount())

	d, ok := recorder.deliveryFor("a")
	require.True(t, ok)
	assert.Equal(t, model.DeliveryFailed, d.State)
}
