package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.Go("ok", func(ctx context.Context) error { return nil })
	s.Go("boom", func(ctx context.Context) error { return errors.New("db gone") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil || err.Error() != "boom: db gone" {
		t.Fatalf("err = %v, want boom: db gone", err)
	}
	if c := s.Counters(); c.Started != 2 || c.Active != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestGoPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.Go("panicky", func(ctx context.Context) error { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err == nil {
		t.Fatal("panic must surface as the supervisor error")
	}
	snap := s.Snapshot()
	found := false
	for _, g := range snap.Goroutines {
		if g.Name == "panicky" && g.Panics == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("panic not recorded in snapshot: %+v", snap.Goroutines)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	blocked := make(chan struct{})
	s.Go("blocked", func(ctx context.Context) error {
		defer close(blocked)
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("failing", func(ctx context.Context) error { return errors.New("fatal") })

	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("error did not cancel sibling goroutines")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Wait(ctx)
}

func TestGoRestartRestartsOnError(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var runs atomic.Int64
	release := make(chan struct{})
	s.GoRestart("flaky-loop", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		close(release)
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	select {
	case <-release:
	case <-time.After(5 * time.Second):
		t.Fatalf("loop not restarted, runs = %d", runs.Load())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	snap := s.Snapshot()
	for _, g := range snap.Goroutines {
		if g.Name == "flaky-loop" && g.Restarts != 2 {
			t.Fatalf("restarts = %d, want 2", g.Restarts)
		}
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var runs atomic.Int64
	s.GoRestart("one-shot", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1 (clean exit must not restart)", got)
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var runs atomic.Int64
	s.GoRestart("doomed", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("broken")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
		WithFatalOnFinalError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatal("final error not surfaced")
	}
	// Initial run plus two restarts.
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}
