package transfer

import (
	"strings"
	"sync"
	"time"
)

// CircuitConfig tunes the per-host consecutive-failure breaker.
//
// TripFailures < 0 disables the breaker; 0 applies the default.
type CircuitConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (c CircuitConfig) withDefaults() CircuitConfig {
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

func (c CircuitConfig) enabled() bool { return c.TripFailures >= 0 }

// hostState tracks consecutive failures against one host reference.
//
// On success: failures reset and the circuit closes. On failure: failures
// increment and, once failures >= trip, the circuit opens for an
// exponentially increasing cooldown. A host that has been quiet longer
// than ResetAfter starts from a clean slate.
type hostState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type breaker struct {
	cfg CircuitConfig

	mu sync.Mutex
	m  map[string]*hostState
}

func newBreaker(cfg CircuitConfig) *breaker {
	return &breaker{cfg: cfg.withDefaults(), m: map[string]*hostState{}}
}

// open reports whether deliveries to host are currently suppressed, and
// until when.
func (b *breaker) open(now time.Time, host string) (bool, time.Time) {
	if b == nil || !b.cfg.enabled() {
		return false, time.Time{}
	}
	st := b.get(host)
	if st == nil {
		return false, time.Time{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > b.cfg.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record feeds one attempt result into the breaker.
func (b *breaker) record(now time.Time, host string, err error) {
	if b == nil || !b.cfg.enabled() {
		return
	}
	st := b.get(host)
	if st == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < b.cfg.TripFailures {
		return
	}
	d := b.cfg.BaseDelay
	for i := b.cfg.TripFailures; i < st.fails; i++ {
		d *= 2
		if d >= b.cfg.MaxDelay {
			d = b.cfg.MaxDelay
			break
		}
	}
	st.openUntil = now.Add(d)
}

func (b *breaker) get(host string) *hostState {
	k := strings.TrimSpace(host)
	if k == "" {
		return nil
	}
	b.mu.Lock()
	st := b.m[k]
	if st == nil {
		st = &hostState{}
		b.m[k] = st
	}
	b.mu.Unlock()
	return st
}
