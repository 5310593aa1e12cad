// Package retry implements the bounded retry loop shared by every fetch path.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
)

// State is the position of one work item in the retry state machine.
type State string

// Retry states. Succeeded, Exhausted and Aborted are terminal.
const (
	StatePending   State = "pending"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateExhausted State = "exhausted"
	StateAborted   State = "aborted"
)

// Terminal reports whether s ends the loop.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateAborted
}

// Strategy selects how the delay grows between attempts.
type Strategy string

// Supported delay strategies.
const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
)

// Default retry bounds.
const (
	DefaultMaxAttempts = 3
	DefaultDelay       = 5 * time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Policy bounds a fallible operation to MaxAttempts total attempts.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Jitter      time.Duration
	Strategy    Strategy
	MaxDelay    time.Duration

	// Pause waits between attempts; nil uses a context-aware timer.
	Pause func(ctx context.Context, d time.Duration) error
	// Retryable classifies failures; nil uses crawler.Retryable.
	Retryable func(err error) bool
}

// NewPolicy returns a Policy with defaults applied to zero fields.
func NewPolicy(maxAttempts int, delay, jitter time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Delay:       delay,
		Jitter:      jitter,
		Strategy:    StrategyFixed,
		MaxDelay:    DefaultMaxDelay,
	}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.Strategy == "" {
		p.Strategy = StrategyFixed
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Pause == nil {
		p.Pause = sleep
	}
	if p.Retryable == nil {
		p.Retryable = crawler.Retryable
	}
	return p
}

// Operation is one attempt; attempt is 1-based.
type Operation func(ctx context.Context, attempt int) error

// Observer is notified after every failed attempt. wait is the delay before
// the next attempt, or zero when the loop is ending.
type Observer func(attempt int, state State, err error, wait time.Duration)

// Outcome is the terminal result of Run.
type Outcome struct {
	State    State
	Attempts int
	Err      error
}

// Run drives op through the state machine until a terminal state. Only one
// attempt is ever in flight; the loop never exceeds MaxAttempts attempts.
func (p Policy) Run(ctx context.Context, op Operation, observe Observer) Outcome {
	p = p.withDefaults()
	state := StatePending
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{State: StateAborted, Attempts: attempt - 1, Err: joinCause(lastErr, err)}
		}
		err := op(ctx, attempt)
		if err == nil {
			return Outcome{State: StateSucceeded, Attempts: attempt}
		}
		lastErr = err

		switch {
		case ctx.Err() != nil:
			state = StateAborted
		case !p.Retryable(err):
			state = StateExhausted
		case attempt >= p.MaxAttempts:
			state = StateExhausted
		default:
			state = StateRetrying
		}
		if state == StateAborted {
			err = joinCause(err, ctx.Err())
		}
		if state != StateRetrying {
			notify(observe, attempt, state, err, 0)
			return Outcome{State: state, Attempts: attempt, Err: err}
		}

		wait := p.Backoff(attempt)
		notify(observe, attempt, state, err, wait)
		if perr := p.Pause(ctx, wait); perr != nil {
			return Outcome{State: StateAborted, Attempts: attempt, Err: joinCause(err, perr)}
		}
	}
}

// Backoff returns the wait after the given (1-based) failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.Delay)
	if p.Strategy == StrategyExponential && attempt > 1 {
		delay *= math.Pow(2, float64(attempt-1))
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay) + randomJitter(p.Jitter)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry pause interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func notify(observe Observer, attempt int, state State, err error, wait time.Duration) {
	if observe != nil {
		observe(attempt, state, err, wait)
	}
}

func joinCause(last, cause error) error {
	if last == nil {
		return cause
	}
	return errors.Join(last, cause)
}
