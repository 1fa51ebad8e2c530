package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/alert"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/config"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/ledger"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/scorer"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/store"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/window"
)

// failingOnceRepo fails Upsert once (or always) before delegating.
type failingOnceRepo struct {
	fakeTransferRepo
	failMu     sync.Mutex
	err        error
	alwaysFail bool
	fails      int
}

func (f *failingOnceRepo) Upsert(ctx context.Context, t *model.Transfer) error {
	f.failMu.Lock()
	shouldFail := f.alwaysFail || f.fails == 0
	if shouldFail {
		f.fails++
	}
	f.failMu.Unlock()
	if shouldFail {
		return f.err
	}
	return f.fakeTransferRepo.Upsert(ctx, t)
}

func (f *failingOnceRepo) failCalls() int {
	f.failMu.Lock()
	defer f.failMu.Unlock()
	return f.fails
}

func transferLogAt(block uint64, tx string, index uint, amount *big.Int) types.Log {
	var data [32]byte
	amount.FillBytes(data[:])
	return types.Log{
		Address: common.HexToAddress("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"),
		Topics: []common.Hash{
			ledger.TransferEventSig,
			common.HexToHash("0x000000000000000000000000a0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"),
			common.HexToHash("0x0000000000000000000000007f5c764cbc14f9669b88837ca1490cca17c31607"),
		},
		Data:        data[:],
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
		BlockHash:   common.HexToHash("0x1111"),
		Index:       index,
	}
}

func newTestScorer(t *testing.T) *scorer.Scorer {
	t.Helper()
	sc, err := scorer.New(config.ScorerConfig{
		TargetAmount:    "100",
		TargetTolerance: "0.01",
		LargeThreshold:  "10000",
		AlertThreshold:  0.85,
		DeviationSigmas: 3,
		MinSamples:      10,
		VelocityCount:   5,
		VelocityWindow:  5 * time.Minute,
		RepeatStrong:    5,
		RepeatWeak:      3,
	}, 6, slog.Default())
	require.NoError(t, err)
	return sc
}

func newTestPipeline(src *fakeSource, repo store.TransferRepository, cursors store.CursorRepository) *Pipeline {
	coordinator := alert.NewCoordinator(
		[]alert.Channel{&alert.NoopChannel{}},
		nil, nil,
		alert.Options{},
		slog.Default(),
	)
	return newTestPipelineWith(src, repo, &fakeAlertRepo{}, cursors, coordinator)
}

func newTestPipelineWith(
	src *fakeSource,
	repo store.TransferRepository,
	alerts store.AlertRepository,
	cursors store.CursorRepository,
	coordinator *alert.Coordinator,
) *Pipeline {
	cfg := Config{
		Poller:            testPollerConfig(),
		DecodeWorkers:     1,
		ChannelBufferSize: 8,
		AlertThreshold:    0.85,
		RestartBackoff:    time.Millisecond,
	}
	cfg.Poller.Interval = 2 * time.Millisecond

	return New(
		cfg,
		src,
		cursors,
		repo,
		alerts,
		nil, // scorer set by caller via field below
		alert.NewEvaluator(0.85, 0),
		coordinator,
		window.New(100, time.Hour),
		slog.Default(),
	)
}

func TestPipelineEndToEnd(t *testing.T) {
	src := newFakeSource(100)
	amount, _ := new(big.Int).SetString("100000000", 10) // 100 tokens at 6 decimals
	src.logs[95] = []types.Log{transferLogAt(95, "0xabc1", 0, amount)}

	repo := &fakeTransferRepo{}
	cursors := &fakeCursors{block: 90, ok: true}

	p := newTestPipeline(src, repo, cursors)
	p.scorer = newTestScorer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return repo.upsertCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	require.GreaterOrEqual(t, repo.upsertCount(), 1)
	saved := repo.upserts[0]
	assert.Equal(t, uint64(95), saved.BlockNumber)
	assert.True(t, saved.Flagged)
	assert.GreaterOrEqual(t, cursors.committed(), uint64(95))
}

func TestPipelineRestartsAfterTransientFailure(t *testing.T) {
	src := newFakeSource(100)
	amount := big.NewInt(1_000_000)
	src.logs[95] = []types.Log{transferLogAt(95, "0xabc2", 0, amount)}

	repo := &failingOnceRepo{err: errors.New("dial tcp: connection refused")}
	cursors := &fakeCursors{block: 90, ok: true}

	p := newTestPipeline(src, repo, cursors)
	p.scorer = newTestScorer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// The first run dies on the failed upsert; the restarted run replays
	// the uncommitted range and persists the transfer.
	require.Eventually(t, func() bool { return repo.upsertCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.GreaterOrEqual(t, repo.failCalls(), 1)
}

// restartGatedCursors fails the first Put with a transient error and
// counts Get calls, so tests can tell which run of the pipeline is
// currently live.
type restartGatedCursors struct {
	fakeCursors
	gateMu   sync.Mutex
	putErr   error
	putFails int
	gets     int
}

func (f *restartGatedCursors) Get(ctx context.Context) (uint64, bool, error) {
	f.gateMu.Lock()
	f.gets++
	f.gateMu.Unlock()
	return f.fakeCursors.Get(ctx)
}

func (f *restartGatedCursors) Put(ctx context.Context, block uint64) error {
	f.gateMu.Lock()
	fail := f.putFails == 0
	if fail {
		f.putFails++
	}
	f.gateMu.Unlock()
	if fail {
		return f.putErr
	}
	return f.fakeCursors.Put(ctx, block)
}

func (f *restartGatedCursors) getCalls() int {
	f.gateMu.Lock()
	defer f.gateMu.Unlock()
	return f.gets
}

// flakyChannel rejects sends retryably until open reports true, then
// confirms and counts per dedup key.
type flakyChannel struct {
	open func() bool

	mu       sync.Mutex
	confirms map[string]int
}

func (c *flakyChannel) Name() string { return "webhook" }

func (c *flakyChannel) Send(_ context.Context, a model.Alert) (bool, bool, error) {
	if !c.open() {
		return false, true, errors.New("http status 503")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms[a.DedupKey]++
	return true, false, nil
}

func (c *flakyChannel) confirmedKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.confirms))
	for k := range c.confirms {
		keys = append(keys, k)
	}
	return keys
}

func TestPipelineRecoversUnconfirmedAlertsAcrossRestart(t *testing.T) {
	src := newFakeSource(100)
	amount, _ := new(big.Int).SetString("100000000", 10)
	src.logs[95] = []types.Log{transferLogAt(95, "0xabc4", 0, amount)}

	repo := &fakeTransferRepo{}
	cursors := &restartGatedCursors{putErr: errors.New("dial tcp: connection refused")}
	cursors.block, cursors.ok = 90, true
	alerts := &fakeAlertRepo{}

	// The first run raises and journals the alerts but cannot deliver
	// them, and its cursor commit fails. The restarted run resolves the
	// replayed range as duplicates, so only the journal replay can still
	// get the alerts out.
	ch := &flakyChannel{confirms: make(map[string]int)}
	ch.open = func() bool { return cursors.getCalls() >= 2 }

	coordinator := alert.NewCoordinator([]alert.Channel{ch}, nil, alerts, alert.Options{
		MaxAttempts:    8,
		RetryBaseDelay: 5 * time.Millisecond,
		RetryMaxDelay:  20 * time.Millisecond,
	}, slog.Default())

	p := newTestPipelineWith(src, repo, alerts, cursors, coordinator)
	p.scorer = newTestScorer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(ch.confirmedKeys()) >= 2
	}, 5*time.Second, 5*time.Millisecond, "journaled alerts were never redelivered after the restart")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	// Exactly once per channel despite retries, restarts, and replay.
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for key, n := range ch.confirms {
		assert.Equal(t, 1, n, "dedup key %s delivered more than once", key)
	}
	assert.GreaterOrEqual(t, cursors.committed(), uint64(95))
}

func TestPipelineHaltsOnTerminalFailure(t *testing.T) {
	src := newFakeSource(100)
	src.logs[95] = []types.Log{transferLogAt(95, "0xabc3", 0, big.NewInt(5))}

	repo := &failingOnceRepo{err: errors.New("pq: unique violation"), alwaysFail: true}
	cursors := &fakeCursors{block: 90, ok: true}

	p := newTestPipeline(src, repo, cursors)
	p.scorer = newTestScorer(t)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipeline halted")
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not halt")
	}
}
