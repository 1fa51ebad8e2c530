// Package circuitbreaker shields alert delivery from a sick channel. A
// channel that keeps rejecting sends is taken out of rotation for a cooldown
// instead of burning retry budget on every alert.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker is refusing sends.
var ErrOpen = errors.New("circuit open")

type State int

const (
	// StateClosed passes every send through.
	StateClosed State = iota
	// StateOpen refuses sends until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets probe sends through to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. Defaults to 5.
	FailureThreshold int
	// RecoveryThreshold is the probe-success count that closes a half-open
	// breaker. Defaults to 2.
	RecoveryThreshold int
	// Cooldown is how long an open breaker refuses sends before allowing
	// probes. Defaults to 30s.
	Cooldown time.Duration
	// OnStateChange is invoked, with the breaker's lock held, on every
	// transition.
	OnStateChange func(from, to State)
}

// Breaker is a consecutive-failure circuit breaker. Closed counts failures;
// enough in a row opens it. Open refuses sends until Cooldown passes, then
// half-open probes: one failure re-opens, RecoveryThreshold successes close.
type Breaker struct {
	mu sync.Mutex

	state     State
	failures  int
	probeWins int
	openedAt  time.Time

	failLimit     int
	recoverLimit  int
	cooldown      time.Duration
	onStateChange func(from, to State)
	nowFn         func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		failLimit:     cfg.FailureThreshold,
		recoverLimit:  cfg.RecoveryThreshold,
		cooldown:      cfg.Cooldown,
		onStateChange: cfg.OnStateChange,
		nowFn:         time.Now,
	}
}

// Allow reports whether a send may proceed, returning ErrOpen otherwise. An
// open breaker whose cooldown has elapsed moves to half-open and admits the
// caller as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.nowFn().Sub(b.openedAt) <= b.cooldown {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
	}
	return nil
}

// RecordSuccess notes a delivered send. Probe successes accumulate toward
// closing a half-open breaker; in the closed state it resets the failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.probeWins++
		if b.probeWins >= b.recoverLimit {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure notes a failed send. A half-open breaker re-opens
// immediately; a closed one opens once the consecutive run hits the
// threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probeWins = 0
	switch {
	case b.state == StateHalfOpen:
		b.open()
	case b.state == StateClosed && b.failures >= b.failLimit:
		b.open()
	}
}

func (b *Breaker) open() {
	b.openedAt = b.nowFn()
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.probeWins = 0
	if to == StateClosed {
		b.failures = 0
	}
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
