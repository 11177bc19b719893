// Package resilience guards each of voxrelay's three back-end adapter calls
// (speech-to-text, language-model generation, text-to-speech) with its own
// [CircuitBreaker], a classic three-state breaker (closed → open →
// half-open) that stops a turn from repeatedly hammering an adapter that is
// already failing.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Stage identifies which leg of the voice pipeline a [CircuitBreaker]
// guards. Unlike a freeform label, Stage is closed to exactly the three
// back-end kinds a turn ever calls out to, so a breaker's identity can't
// drift from the adapter it was built for.
type Stage string

const (
	StageSTT Stage = "stt"
	StageLLM Stage = "llm"
	StageTTS Stage = "tts"
)

// CircuitOpenError is the concrete error [CircuitBreaker.Execute] returns
// when it rejects a call outright. It wraps [ErrCircuitOpen] so callers can
// still use errors.Is against the sentinel, while carrying enough context
// (which stage, which adapter) for the pipeline to report a precise wire
// error instead of a generic backend failure.
type CircuitOpenError struct {
	Stage    Stage
	Provider string
}

func (e *CircuitOpenError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s: %s", e.Stage, ErrCircuitOpen)
	}
	return fmt.Sprintf("%s/%s: %s", e.Stage, e.Provider, ErrCircuitOpen)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A limited
	// number of calls are allowed through; if they succeed the breaker closes,
	// otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages. Kept for callers
	// that don't care which pipeline stage they're guarding (e.g. tests);
	// cmd/voxrelay sets Stage/Provider instead, which take precedence in
	// both log output and the error Execute returns when the breaker is open.
	Name string

	// Stage identifies which back-end leg of the turn this breaker guards.
	// Leave empty outside cmd/voxrelay's three STT/LLM/TTS breakers.
	Stage Stage

	// Provider is the configured adapter name for Stage (e.g. "openai",
	// "whispercpp", "elevenlabs"), surfaced in logs and in CircuitOpenError
	// so an operator can tell which provider tripped without cross-referencing
	// config.
	Provider string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the maximum number of probe calls allowed in the half-open
	// state before the breaker decides whether to close or re-open. Default: 3.
	HalfOpenMax int
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name         string
	stage        Stage
	provider     string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		stage:        cfg.Stage,
		provider:     cfg.Provider,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// logAttrs returns the slog key/value pairs identifying this breaker: its
// Stage and Provider if set (cmd/voxrelay's STT/LLM/TTS breakers), otherwise
// falling back to the freeform Name label.
func (cb *CircuitBreaker) logAttrs() []any {
	if cb.stage != "" {
		return []any{"stage", cb.stage, "provider", cb.provider}
	}
	return []any{"name", cb.name}
}

// openError builds the error Execute returns when it rejects a call outright.
func (cb *CircuitBreaker) openError() error {
	if cb.stage == "" {
		return ErrCircuitOpen
	}
	return &CircuitOpenError{Stage: cb.stage, Provider: cb.provider}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] (or, for a Stage-scoped breaker, a [*CircuitOpenError]
// wrapping it) without calling fn. In the half-open state a limited number
// of probe calls are permitted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.resetTimeout {
			// Transition to half-open.
			cb.state = StateHalfOpen
			cb.halfOpenCalls = 0
			cb.halfOpenFails = 0
			slog.Info("circuit breaker transitioning to half-open", cb.logAttrs()...)
		} else {
			err := cb.openError()
			cb.mu.Unlock()
			return err
		}

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			// Already exhausted the probe budget — stay open.
			err := cb.openError()
			cb.mu.Unlock()
			return err
		}
	}

	// Record that we're about to make a call (relevant for half-open accounting).
	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure(inHalfOpen)
	} else {
		cb.recordSuccess(inHalfOpen)
	}
	return err
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) {
	cb.lastFailure = time.Now()

	if inHalfOpen {
		cb.halfOpenFails++
		// Any failure in half-open immediately re-opens.
		cb.state = StateOpen
		cb.consecutiveFail = cb.maxFailures
		slog.Warn("circuit breaker re-opened from half-open", cb.logAttrs()...)
		return
	}

	// Closed state.
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened",
			append(cb.logAttrs(), "consecutive_failures", cb.consecutiveFail)...)
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		// Check if we have enough successful probes to close.
		successes := cb.halfOpenCalls - cb.halfOpenFails
		if successes >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			cb.halfOpenCalls = 0
			cb.halfOpenFails = 0
			slog.Info("circuit breaker closed after successful probes", cb.logAttrs()...)
		}
		return
	}

	// Closed state — reset the consecutive failure counter on success.
	cb.consecutiveFail = 0
}

// Stage returns the pipeline stage this breaker guards, or the empty
// string if it was constructed with only a Name.
func (cb *CircuitBreaker) Stage() Stage { return cb.stage }

// Provider returns the configured adapter name this breaker guards.
func (cb *CircuitBreaker) Provider() string { return cb.provider }

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all failure
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
	slog.Info("circuit breaker manually reset", cb.logAttrs()...)
}
