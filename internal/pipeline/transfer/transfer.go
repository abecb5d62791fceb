// Package transfer runs the second pipeline stage: it delivers one spooled
// artifact to one target per request, with independent retry per target.
//
// Retries never sleep inside a worker. A retryable failure schedules a
// delayed requeue, freeing the worker slot for other targets; the requeue
// honors stage stop and context cancellation.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"freighter/internal/capability"
	"freighter/internal/eventbus"
	"freighter/internal/model"
	"freighter/internal/retry"
	"freighter/internal/telemetry"
	logx "freighter/pkg/logx"
)

// Store is the slice of the durable store this stage touches. Target
// outcome rows are written only here; everything else reads them.
type Store interface {
	GetJob(ctx context.Context, id string) (model.Job, error)
	GetOutcome(ctx context.Context, jobID, targetID string) (model.TargetOutcome, error)
	MarkOutcomeSending(ctx context.Context, jobID, targetID string) (bool, error)
	RecordOutcomeSent(ctx context.Context, jobID, targetID, hash string) (bool, error)
	RecordOutcomeFailed(ctx context.Context, jobID, targetID, lastError string) (bool, error)
	RecordOutcomeError(ctx context.Context, jobID, targetID, lastError string) error
	AppendJobEvent(ctx context.Context, e model.JobEvent) error
	AddDeadLetter(ctx context.Context, d model.DeadLetter) error
}

// FanIn is notified after every terminal outcome write; in-process this is
// the job aggregator.
type FanIn interface {
	OnOutcome(ctx context.Context, jobID string) error
}

type Config struct {
	Workers        int
	QueueSize      int
	RatePerSec     int // 0 = unlimited attempt starts
	AttemptTimeout time.Duration
	Retry          retry.Policy
	Circuit        CircuitConfig
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Minute
	}
	c.Retry = c.Retry.WithDefaults()
	return c
}

type Stage struct {
	mu  sync.Mutex
	cfg Config

	store    Store
	pusher   capability.Pusher
	creds    capability.CredentialResolver
	fanin    FanIn
	bus      eventbus.Bus
	log      logx.Logger
	counters *telemetry.Counters

	breaker *breaker
	limiter *rate.Limiter

	q        chan model.TransferRequest
	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, store Store, pusher capability.Pusher, creds capability.CredentialResolver, fanin FanIn, bus eventbus.Bus, log logx.Logger, counters *telemetry.Counters) *Stage {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Stage{
		cfg:      cfg,
		store:    store,
		pusher:   pusher,
		creds:    creds,
		fanin:    fanin,
		bus:      bus,
		log:      log,
		counters: counters,
		breaker:  newBreaker(cfg.Circuit),
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return s
}

// Start launches the worker pool. Idempotent.
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	cfg := s.cfg

	s.q = make(chan model.TransferRequest, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	queue := s.q
	stopCh := s.stopCh

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx, stopCh, queue, idx)
		}()
	}
	s.log.Info("transfer stage started",
		logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)),
		logx.Int("rate_per_sec", cfg.RatePerSec))
	return nil
}

// Stop halts workers and pending retry timers. Requests left in the queue
// are re-emitted by the recovery sweep after the next start.
func (s *Stage) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	s.mu.Unlock()

	go func() {
		s.wg.Wait()
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("transfer stage stopped")
	case <-ctx.Done():
		s.log.Warn("transfer stage stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Submit enqueues a transfer request, blocking until accepted or the stage
// stops.
func (s *Stage) Submit(ctx context.Context, req model.TransferRequest) error {
	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	s.mu.Unlock()
	if q == nil || stopCh == nil {
		return retry.ErrStopped
	}
	if req.Attempt <= 0 {
		req.Attempt = 1
	}
	select {
	case q <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return retry.ErrStopped
	}
}

func (s *Stage) worker(ctx context.Context, stopCh <-chan struct{}, queue chan model.TransferRequest, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case req, ok := <-queue:
			if !ok {
				return
			}
			s.safeHandle(ctx, stopCh, req, rng)
		}
	}
}

// Guard against pusher panics so one bad target cannot kill a worker.
func (s *Stage) safeHandle(ctx context.Context, stopCh <-chan struct{}, req model.TransferRequest, rng *rand.Rand) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("transfer panic",
				logx.String("job", req.JobID), logx.String("target", req.TargetID),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	s.handle(ctx, stopCh, req, rng)
}

func (s *Stage) handle(ctx context.Context, stopCh <-chan struct{}, req model.TransferRequest, rng *rand.Rand) {
	log := s.log.With(
		logx.String("job", req.JobID), logx.String("target", req.TargetID),
		logx.String("host", req.HostRef), logx.Int("attempt", req.Attempt))

	job, err := s.store.GetJob(ctx, req.JobID)
	if err != nil {
		log.Warn("transfer request for unknown job", logx.Any("err", err))
		return
	}
	out, err := s.store.GetOutcome(ctx, req.JobID, req.TargetID)
	if err != nil {
		log.Warn("transfer request for unknown target", logx.Any("err", err))
		return
	}

	// Duplicate delivery of an already-pushed artifact: skip the network
	// entirely and re-report success so the fan-in still converges.
	if out.Status == model.TargetSent && req.ArtifactHash != "" && out.ArtifactHash == req.ArtifactHash {
		log.Debug("already sent with matching hash; skipping push")
		s.publish("transfer.skipped", req, "duplicate")
		s.notifyFanIn(ctx, req.JobID, log)
		return
	}
	if out.Status.Terminal() {
		log.Debug("target already terminal", logx.String("status", string(out.Status)))
		s.notifyFanIn(ctx, req.JobID, log)
		return
	}

	// Cancellation (or any terminal job status) suppresses new attempts.
	// The suppression is recorded for audit; the outcome row keeps showing
	// how far delivery got.
	if job.Status.Terminal() {
		log.Info("job terminal before delivery; dropping attempt",
			logx.String("status", string(job.Status)))
		_ = s.store.AppendJobEvent(ctx, model.JobEvent{
			JobID:    req.JobID,
			ToStatus: string(job.Status),
			Reason:   fmt.Sprintf("transfer to %s suppressed", req.TargetID),
		})
		return
	}

	// An open breaker defers the request without burning an attempt.
	now := time.Now()
	if open, until := s.breaker.open(now, req.HostRef); open {
		delay := time.Until(until)
		if delay < time.Second {
			delay = time.Second
		}
		log.Debug("host circuit open; deferring", logx.Duration("retry_in", delay))
		s.requeueAfter(ctx, stopCh, req, delay)
		return
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	ok, err := s.store.MarkOutcomeSending(ctx, req.JobID, req.TargetID)
	if err != nil {
		log.Error("mark sending failed", logx.Any("err", err))
		return
	}
	if !ok {
		log.Debug("target went terminal before attempt")
		s.notifyFanIn(ctx, req.JobID, log)
		return
	}

	start := time.Now()
	pushErr := s.attempt(ctx, req)
	s.breaker.record(time.Now(), req.HostRef, pushErr)

	if pushErr == nil {
		if ok, err := s.store.RecordOutcomeSent(ctx, req.JobID, req.TargetID, req.ArtifactHash); err != nil {
			log.Error("record sent failed", logx.Any("err", err))
			return
		} else if !ok {
			// The push completed after the outcome was closed elsewhere.
			_ = s.store.AppendJobEvent(ctx, model.JobEvent{
				JobID:    req.JobID,
				ToStatus: string(model.TargetSent),
				Reason:   fmt.Sprintf("late delivery result for %s", req.TargetID),
			})
			return
		}
		if s.counters != nil {
			s.counters.Sent.Add(1)
		}
		log.Info("artifact delivered", logx.Duration("dur", time.Since(start)))
		s.publish("transfer.sent", req, "")
		s.notifyFanIn(ctx, req.JobID, log)
		return
	}

	if terminal, reason := classify(pushErr); terminal {
		s.failOutcome(ctx, req, reason, pushErr, log)
		return
	}

	// Retryable. Record the error for the status surface, then either
	// exhaust or schedule the next attempt.
	_ = s.store.RecordOutcomeError(ctx, req.JobID, req.TargetID, pushErr.Error())
	if s.cfg.Retry.Exhausted(req.Attempt) {
		s.failOutcome(ctx, req, model.ReasonRetriesExhausted, pushErr, log)
		return
	}
	delay := s.cfg.Retry.DelayWithHint(req.Attempt, pushErr, rng)
	if s.counters != nil {
		s.counters.Retries.Add(1)
	}
	log.Warn("delivery attempt failed",
		logx.Duration("retry_in", delay), logx.Any("err", pushErr))
	s.publish("transfer.retry", req, pushErr.Error())
	next := req
	next.Attempt++
	s.requeueAfter(ctx, stopCh, next, delay)
}

// attempt runs one delivery: resolve the credential, open the spooled
// artifact and stream it to the target under the attempt timeout.
func (s *Stage) attempt(ctx context.Context, req model.TransferRequest) error {
	sec, err := s.creds.Resolve(ctx, req.CredentialRef)
	if err != nil {
		return fmt.Errorf("credential %s: %w", req.CredentialRef, err)
	}
	f, err := os.Open(req.ArtifactLocation)
	if err != nil {
		// A missing artifact cannot heal on retry; the recovery sweep
		// decides what to do with the job.
		return retry.Terminal(fmt.Errorf("artifact %s: %w", req.ArtifactLocation, err))
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return retry.Terminal(err)
	}

	actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()
	return s.pusher.Push(actx, model.PushRequest{
		JobID:           req.JobID,
		TargetID:        req.TargetID,
		HostRef:         req.HostRef,
		DestinationPath: req.DestinationPath,
		ArtifactHash:    req.ArtifactHash,
		Size:            fi.Size(),
		Body:            f,
		Secret:          sec,
	})
}

// classify splits delivery errors into terminal-per-target and retryable.
// Timeouts and unrecognized transport errors stay retryable; the attempt
// cap turns persistent ones terminal.
func classify(err error) (bool, string) {
	switch {
	case errors.Is(err, capability.ErrAuthFailed):
		return true, model.ReasonAuthFailed
	case errors.Is(err, capability.ErrDestinationInvalid):
		return true, model.ReasonDestinationInvalid
	case errors.Is(err, capability.ErrCredentialNotFound):
		return true, model.ReasonCredentialMissing
	case retry.IsTerminal(err):
		return true, model.ReasonDeliveryFailed
	}
	return false, ""
}

func (s *Stage) failOutcome(ctx context.Context, req model.TransferRequest, reason string, cause error, log logx.Logger) {
	ok, err := s.store.RecordOutcomeFailed(ctx, req.JobID, req.TargetID,
		fmt.Sprintf("%s: %v", reason, retry.Unmark(cause)))
	if err != nil {
		log.Error("record failed errored", logx.Any("err", err))
		return
	}
	if !ok {
		_ = s.store.AppendJobEvent(ctx, model.JobEvent{
			JobID:    req.JobID,
			ToStatus: string(model.TargetFailed),
			Reason:   fmt.Sprintf("late delivery failure for %s", req.TargetID),
		})
		return
	}
	if reason == model.ReasonRetriesExhausted {
		_ = s.store.AddDeadLetter(ctx, model.DeadLetter{
			JobID:    req.JobID,
			TargetID: req.TargetID,
			Stage:    "transfer",
			Reason:   reason,
			Detail:   cause.Error(),
		})
		if s.counters != nil {
			s.counters.DeadLetters.Add(1)
		}
	}
	if s.counters != nil {
		s.counters.Failed.Add(1)
	}
	log.Warn("delivery failed", logx.String("reason", reason), logx.Any("err", cause))
	s.publish("transfer.failed", req, reason)
	s.notifyFanIn(ctx, req.JobID, log)
}

// requeueAfter schedules a delayed re-Submit without occupying a worker.
func (s *Stage) requeueAfter(ctx context.Context, stopCh <-chan struct{}, req model.TransferRequest, d time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := retry.Wait(ctx, stopCh, d); err != nil {
			return
		}
		if err := s.Submit(ctx, req); err != nil {
			s.log.Debug("retry requeue dropped",
				logx.String("job", req.JobID), logx.String("target", req.TargetID),
				logx.Any("err", err))
		}
	}()
}

func (s *Stage) notifyFanIn(ctx context.Context, jobID string, log logx.Logger) {
	if s.fanin == nil {
		return
	}
	if err := s.fanin.OnOutcome(ctx, jobID); err != nil {
		log.Error("fan-in check failed", logx.Any("err", err))
	}
}

func (s *Stage) publish(typ string, req model.TransferRequest, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{
		"job_id": req.JobID, "target_id": req.TargetID, "detail": detail,
	}})
}
