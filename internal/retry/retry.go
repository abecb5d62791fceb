// Package retry holds the shared retry policy for pipeline stages:
// exponential backoff with jitter, terminal-error marking, and hint-aware
// delays for downstreams that say when to come back.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy controls per-item retry behavior. The zero value is usable;
// withDefaults fills in the standard knobs.
type Policy struct {
	// MaxAttempts counts the first try. 5 means 1 try + 4 retries.
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // 0.2 = 20%
}

func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Base <= 0 {
		p.Base = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// Exhausted reports whether attempt (1-based) was the last allowed one.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.WithDefaults().MaxAttempts
}

// Delay returns the backoff before the retry that follows attempt
// (1-based): base doubled per attempt, capped, then jittered ±Jitter.
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	p = p.WithDefaults()

	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// DelayWithHint is Delay unless err carries an explicit retry-after hint,
// which is respected (bounded by MaxDelay) with jitter applied on top.
func (p Policy) DelayWithHint(attempt int, err error, rng *rand.Rand) time.Duration {
	var ra AfterError
	if err == nil || !errors.As(err, &ra) {
		return p.Delay(attempt, rng)
	}
	p = p.WithDefaults()

	d := ra.RetryAfter()
	if d < 0 {
		d = 0
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Terminal marks an error as non-retryable.
//
// Stages wrap auth rejections, invalid destinations and other permanent
// failures with Terminal so the retry loop stops immediately.
//
// Example:
//
//	return retry.Terminal(fmt.Errorf("destination rejected: %w", err))
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

// IsTerminal reports whether err is wrapped with Terminal.
func IsTerminal(err error) bool {
	var e terminalError
	return errors.As(err, &e)
}

// Unmark strips the Terminal wrapper, if present.
func Unmark(err error) error {
	var e terminalError
	if errors.As(err, &e) {
		return e.err
	}
	return err
}

type terminalError struct{ err error }

func (e terminalError) Error() string { return fmt.Sprintf("terminal: %v", e.err) }
func (e terminalError) Unwrap() error { return e.err }

// After attaches a suggested delay before retrying, e.g. when the remote
// side answers with an explicit backpressure value.
func After(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return afterError{err: err, after: after}
}

// AfterError is implemented by errors that carry an explicit retry delay.
type AfterError interface {
	error
	RetryAfter() time.Duration
}

type afterError struct {
	err   error
	after time.Duration
}

func (e afterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e afterError) Unwrap() error             { return e.err }
func (e afterError) RetryAfter() time.Duration { return e.after }

// Wait blocks for d and returns nil, or returns early with ctx.Err() /
// ErrStopped when cancellation or stop wins the race.
func Wait(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return ctx.Err()
	case <-stop:
		if !tmr.Stop() {
			<-tmr.C
		}
		return ErrStopped
	case <-tmr.C:
		return nil
	}
}

var ErrStopped = errors.New("stopped")
