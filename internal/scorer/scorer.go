// Package scorer assigns anomaly scores to admitted transfers. Scoring
// combines deterministic rules over window history with an offline
// trained isolation forest; the final score is the max of both, so a
// missing model degrades to rules-only instead of failing open.
package scorer

import (
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/cache"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/config"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/metrics"
)

// Context is the window history the scorer reads: the sender's recent
// transfers, the recipient's, and the contract-wide tail. All are
// snapshots; the scorer never mutates them.
type Context struct {
	Sender    []*model.Transfer
	Recipient []*model.Transfer
	Global    []*model.Transfer
}

// Assessment is the scoring verdict for one transfer.
type Assessment struct {
	Score         float64
	Reasons       []string
	ModelUsed     bool
	ExactTarget   bool
	LargeTransfer bool
}

type Scorer struct {
	target     *big.Int
	tolerance  *big.Int
	large      *big.Int
	decimals   int
	sigmas     float64
	minSamples int
	velocityN  int
	velocityW  time.Duration
	repeatHi   int
	repeatLo   int

	forest *Forest
	// Counterparty pairs seen recently; a miss marks a first-time
	// (from, to) pairing.
	pairs  *cache.RecencySet
	logger *slog.Logger
}

func New(cfg config.ScorerConfig, decimals int, logger *slog.Logger) (*Scorer, error) {
	target, err := model.ParseUnits(cfg.TargetAmount, decimals)
	if err != nil {
		return nil, fmt.Errorf("parse TARGET_AMOUNT: %w", err)
	}
	tolerance, err := model.ParseUnits(cfg.TargetTolerance, decimals)
	if err != nil {
		return nil, fmt.Errorf("parse TARGET_TOLERANCE: %w", err)
	}
	large, err := model.ParseUnits(cfg.LargeThreshold, decimals)
	if err != nil {
		return nil, fmt.Errorf("parse LARGE_TRANSFER_THRESHOLD: %w", err)
	}

	s := &Scorer{
		target:     target,
		tolerance:  tolerance,
		large:      large,
		decimals:   decimals,
		sigmas:     cfg.DeviationSigmas,
		minSamples: cfg.MinSamples,
		velocityN:  cfg.VelocityCount,
		velocityW:  cfg.VelocityWindow,
		repeatHi:   cfg.RepeatStrong,
		repeatLo:   cfg.RepeatWeak,
		pairs:      cache.NewRecencySet(10_000, 24*time.Hour),
		logger:     logger.With("component", "scorer"),
	}

	if cfg.ModelPath != "" {
		forest, err := LoadForest(cfg.ModelPath)
		if err != nil {
			// Model problems must not take the monitor down; rules keep
			// running and the gap is visible in metrics.
			s.logger.Warn("outlier model unavailable, scoring rules-only", "path", cfg.ModelPath, "error", err)
			metrics.ModelUnavailable.Set(1)
		} else {
			s.forest = forest
			metrics.ModelUnavailable.Set(0)
			s.logger.Info("outlier model loaded", "trees", len(forest.Trees), "features", forest.Features)
		}
	} else {
		metrics.ModelUnavailable.Set(1)
	}

	return s, nil
}

// ModelLoaded reports whether the isolation forest is active.
func (s *Scorer) ModelLoaded() bool {
	return s.forest != nil
}

// Score evaluates one transfer against its window history. Identical
// input always yields the identical assessment apart from the
// counterparty novelty rule, which consumes first-sight state.
func (s *Scorer) Score(t *model.Transfer, ctx Context) Assessment {
	a := Assessment{
		ExactTarget:   s.isExactTarget(t.Amount),
		LargeTransfer: t.Amount.Cmp(s.large) > 0,
	}

	ruleScore := s.applyRules(t, ctx, &a)

	modelScore := 0.0
	if s.forest != nil {
		score, err := s.forest.Score(s.features(t, ctx))
		if err != nil {
			s.logger.Warn("model scoring failed", "key", t.Key(), "error", err)
		} else {
			a.ModelUsed = true
			modelScore = score
			if score >= 0.5 {
				a.Reasons = append(a.Reasons, "model_outlier")
			}
		}
	}
	if !a.ModelUsed {
		// Rules-only assessments carry the gap on the output itself, not
		// just in logs and gauges.
		a.Reasons = append(a.Reasons, "model_unavailable")
	}

	a.Score = math.Min(1, math.Max(ruleScore, modelScore))
	metrics.ScoresComputed.Inc()
	metrics.ScoreDistribution.Observe(a.Score)
	return a
}

func (s *Scorer) isExactTarget(amount *big.Int) bool {
	diff := new(big.Int).Sub(amount, s.target)
	return diff.Abs(diff).Cmp(s.tolerance) <= 0
}

func (s *Scorer) applyRules(t *model.Transfer, ctx Context, a *Assessment) float64 {
	best := 0.0
	hit := func(score float64, reason string) {
		a.Reasons = append(a.Reasons, reason)
		if score > best {
			best = score
		}
	}

	if a.ExactTarget {
		hit(1.0, "exact_target_match")
	}
	if a.LargeTransfer {
		hit(0.7, "large_transfer")
	}

	// Sender frequency: average inter-arrival gap over the sender's
	// window, current transfer included.
	if len(ctx.Sender) >= 2 {
		span := t.ObservedAt.Sub(ctx.Sender[0].ObservedAt)
		avgGap := span / time.Duration(len(ctx.Sender))
		switch {
		case avgGap < time.Hour:
			hit(0.8, "high_frequency")
		case avgGap < 6*time.Hour:
			hit(0.5, "elevated_frequency")
		}
	}

	// Velocity burst: many sender transfers inside a short trailing
	// window.
	recent := 0
	cutoff := t.ObservedAt.Add(-s.velocityW)
	for _, prev := range ctx.Sender {
		if !prev.ObservedAt.Before(cutoff) {
			recent++
		}
	}
	if recent+1 >= s.velocityN {
		hit(0.8, "velocity_burst")
	}

	// Recipient frequency: a funnel onto one address looks quiet from
	// every sender's side, so it is judged on the recipient's window.
	if len(ctx.Recipient) >= 2 {
		span := t.ObservedAt.Sub(ctx.Recipient[0].ObservedAt)
		avgGap := span / time.Duration(len(ctx.Recipient))
		switch {
		case avgGap < time.Hour:
			hit(0.8, "recipient_high_frequency")
		case avgGap < 6*time.Hour:
			hit(0.5, "recipient_elevated_frequency")
		}
	}

	inbound := 0
	for _, prev := range ctx.Recipient {
		if !prev.ObservedAt.Before(cutoff) {
			inbound++
		}
	}
	if inbound+1 >= s.velocityN {
		hit(0.8, "recipient_velocity_burst")
	}

	// Repeated exact amounts across all senders.
	repeats := 0
	for _, prev := range ctx.Global {
		if prev.Amount.Cmp(t.Amount) == 0 {
			repeats++
		}
	}
	switch {
	case repeats+1 >= s.repeatHi:
		hit(0.9, "repeated_amount_strong")
	case repeats+1 >= s.repeatLo:
		hit(0.6, "repeated_amount")
	}

	if s.isRoundAmount(t.Amount) {
		hit(0.7, "round_amount")
	}

	// Timing: quiet-hours activity and rapid succession.
	hour := t.ObservedAt.UTC().Hour()
	if hour >= 2 && hour < 5 {
		hit(0.6, "quiet_hours")
	}
	if n := len(ctx.Sender); n > 0 {
		gap := t.ObservedAt.Sub(ctx.Sender[n-1].ObservedAt)
		switch {
		case gap < 30*time.Second:
			hit(0.8, "rapid_succession")
		case gap < 5*time.Minute:
			hit(0.5, "close_succession")
		}
	}

	// Amount deviation from the sender's own history.
	if len(ctx.Sender) >= s.minSamples {
		var stats RunningStats
		for _, prev := range ctx.Sender {
			stats.Update(s.tokenUnits(prev.Amount))
		}
		x := s.tokenUnits(t.Amount)
		if math.Abs(x-stats.Mean()) > s.sigmas*stats.Sigma() {
			hit(0.75, "amount_deviation")
		}
	}

	// First-time counterparty pairing.
	pairKey := t.FromAddress + "->" + t.ToAddress
	if !s.pairs.Seen(pairKey) {
		hit(0.4, "new_counterparty")
	}
	s.pairs.Mark(pairKey)

	return best
}

// isRoundAmount reports whether the amount is a whole multiple of 1000
// tokens, a shape structuring patterns favour.
func (s *Scorer) isRoundAmount(amount *big.Int) bool {
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.decimals+3)), nil)
	return amount.Sign() > 0 && new(big.Int).Mod(amount, unit).Sign() == 0
}

// tokenUnits converts base units to float token units. Float precision
// is acceptable for statistics; equality rules above never use it.
func (s *Scorer) tokenUnits(amount *big.Int) float64 {
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(amount),
		new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.decimals)), nil)),
	).Float64()
	return f
}

// features builds the model input vector. Order must match the
// artifact's feature list: amount, hour_of_day, gap_seconds.
func (s *Scorer) features(t *model.Transfer, ctx Context) []float64 {
	gap := 6 * time.Hour // cap when the sender has no history
	if n := len(ctx.Sender); n > 0 {
		if g := t.ObservedAt.Sub(ctx.Sender[n-1].ObservedAt); g < gap {
			gap = g
		}
	}
	return []float64{
		s.tokenUnits(t.Amount),
		float64(t.ObservedAt.UTC().Hour()),
		gap.Seconds(),
	}
}
