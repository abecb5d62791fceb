package retry

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestDelayDoublesAndCaps(t *testing.T) {
	t.Parallel()
	p := Policy{Base: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.2, MaxAttempts: 5}

	// Without rng there is no jitter, so the curve is exact.
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 10 * time.Second},
		{attempt: 9, want: 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt, nil); got != tt.want {
			t.Fatalf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayJitterStaysInBand(t *testing.T) {
	t.Parallel()
	p := Policy{Base: time.Second, MaxDelay: time.Hour, Jitter: 0.2}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		d := p.Delay(2, rng) // nominal 2s
		if d < 1600*time.Millisecond || d > 2400*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%% of 2s", d)
		}
	}
}

func TestExhausted(t *testing.T) {
	t.Parallel()
	p := Policy{MaxAttempts: 5}
	if p.Exhausted(4) {
		t.Fatal("attempt 4 of 5 reported exhausted")
	}
	if !p.Exhausted(5) {
		t.Fatal("attempt 5 of 5 not reported exhausted")
	}
}

func TestTerminalMarking(t *testing.T) {
	t.Parallel()
	base := errors.New("bad credentials")
	err := Terminal(base)
	if !IsTerminal(err) {
		t.Fatal("Terminal error not detected")
	}
	if !errors.Is(err, base) {
		t.Fatal("Terminal lost the wrapped error")
	}
	if IsTerminal(base) {
		t.Fatal("plain error reported terminal")
	}
	if Terminal(nil) != nil {
		t.Fatal("Terminal(nil) should be nil")
	}
	if got := Unmark(err); !errors.Is(got, base) || IsTerminal(got) {
		t.Fatalf("Unmark = %v", got)
	}
}

func TestDelayWithHint(t *testing.T) {
	t.Parallel()
	p := Policy{Base: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2}
	err := After(errors.New("throttled"), 12*time.Second)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		d := p.DelayWithHint(1, err, rng)
		if d < 9600*time.Millisecond || d > 14400*time.Millisecond {
			t.Fatalf("hinted delay %v outside ±20%% of 12s", d)
		}
	}

	// Hint above the cap is clamped.
	big := After(errors.New("throttled"), time.Hour)
	if d := p.DelayWithHint(1, big, nil); d != 30*time.Second {
		t.Fatalf("clamped hint = %v, want 30s", d)
	}
}

func TestWaitStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Wait(ctx, nil, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait after cancel = %v, want context.Canceled", err)
	}

	stop := make(chan struct{})
	close(stop)
	if err := Wait(context.Background(), stop, time.Hour); !errors.Is(err, ErrStopped) {
		t.Fatalf("Wait after stop = %v, want ErrStopped", err)
	}

	if err := Wait(context.Background(), nil, 0); err != nil {
		t.Fatalf("Wait(0) = %v, want nil", err)
	}
}
