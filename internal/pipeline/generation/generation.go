// Package generation runs the first pipeline stage: it turns a trigger's
// generation request into a spooled artifact and fans out one transfer
// request per target.
//
// Workers are the concurrency bound; each consumes one request at a time.
// Requests for jobs that are no longer pending are duplicate deliveries
// and are skipped without touching state.
package generation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"freighter/internal/capability"
	"freighter/internal/eventbus"
	"freighter/internal/model"
	"freighter/internal/retry"
	"freighter/internal/telemetry"
	logx "freighter/pkg/logx"
)

// ErrArtifactTooLarge fails a job whose artifact exceeds the size ceiling.
var ErrArtifactTooLarge = errors.New("artifact exceeds size ceiling")

// Store is the slice of the durable store this stage writes.
type Store interface {
	GetJob(ctx context.Context, id string) (model.Job, error)
	CASJobStatus(ctx context.Context, jobID string, from, to model.JobStatus, reason string) (bool, error)
	SetJobArtifact(ctx context.Context, jobID, path, hash string, size int64) error
	IncJobAttempts(ctx context.Context, jobID string) error
	AppendJobEvent(ctx context.Context, e model.JobEvent) error
	AddDeadLetter(ctx context.Context, d model.DeadLetter) error
}

// TransferSink accepts the fanned-out transfer requests; in-process this
// is the transfer stage.
type TransferSink interface {
	Submit(ctx context.Context, req model.TransferRequest) error
}

type Config struct {
	Workers          int
	QueueSize        int
	SpoolDir         string
	MaxArtifactBytes int64
	Timeout          time.Duration
	Retry            retry.Policy
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SpoolDir == "" {
		c.SpoolDir = "spool"
	}
	if c.MaxArtifactBytes <= 0 {
		c.MaxArtifactBytes = 1 << 30
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	c.Retry = c.Retry.WithDefaults()
	return c
}

type Stage struct {
	mu  sync.Mutex
	cfg Config

	store     Store
	generator capability.Generator
	transfers TransferSink
	bus       eventbus.Bus
	log       logx.Logger
	counters  *telemetry.Counters

	q        chan model.GenerationRequest
	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, store Store, gen capability.Generator, transfers TransferSink, bus eventbus.Bus, log logx.Logger, counters *telemetry.Counters) *Stage {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Stage{
		cfg:       cfg.withDefaults(),
		store:     store,
		generator: gen,
		transfers: transfers,
		bus:       bus,
		log:       log,
		counters:  counters,
	}
}

// Start launches the worker pool. Idempotent.
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	cfg := s.cfg
	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		return fmt.Errorf("generation spool: %w", err)
	}

	s.q = make(chan model.GenerationRequest, cfg.QueueSize)
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
	s.log.Info("generation stage started",
		logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)),
		logx.String("spool", cfg.SpoolDir))
	return nil
}

// Stop drains nothing: queued requests stay unprocessed and are picked up
// by the recovery sweep after the next start.
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
		s.log.Info("generation stage stopped")
	case <-ctx.Done():
		s.log.Warn("generation stage stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Submit enqueues a generation request, blocking until accepted or the
// stage stops.
func (s *Stage) Submit(ctx context.Context, req model.GenerationRequest) error {
	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	s.mu.Unlock()
	if q == nil || stopCh == nil {
		return retry.ErrStopped
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

func (s *Stage) worker(ctx context.Context, stopCh <-chan struct{}, queue chan model.GenerationRequest, idx int) {
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

func (s *Stage) handle(ctx context.Context, stopCh <-chan struct{}, req model.GenerationRequest, rng *rand.Rand) {
	log := s.log.With(logx.String("job", req.JobID), logx.String("schedule", req.ScheduleID))

	job, err := s.store.GetJob(ctx, req.JobID)
	if err != nil {
		log.Warn("generation request for unknown job", logx.Any("err", err))
		return
	}
	// Duplicate delivery: anything past pending already ran (or is running)
	// elsewhere. No state change, no fan-out.
	if job.Status != model.JobPending {
		log.Debug("generation skipped: job not pending", logx.String("status", string(job.Status)))
		s.publish("generation.skipped", req.JobID, string(job.Status))
		return
	}
	swapped, err := s.store.CASJobStatus(ctx, req.JobID, model.JobPending, model.JobGenerating, "")
	if err != nil {
		log.Error("mark generating failed", logx.Any("err", err))
		return
	}
	if !swapped {
		log.Debug("generation skipped: lost admission race")
		return
	}

	start := time.Now()
	path, hash, size, genErr := s.generate(ctx, stopCh, req, rng, log)
	if genErr != nil {
		s.failJob(ctx, req, genErr, log)
		return
	}

	if err := s.store.SetJobArtifact(ctx, req.JobID, path, hash, size); err != nil {
		log.Error("record artifact failed", logx.Any("err", err))
		s.failJob(ctx, req, fmt.Errorf("record artifact: %w", retry.Terminal(err)), log)
		return
	}
	swapped, err = s.store.CASJobStatus(ctx, req.JobID, model.JobGenerating, model.JobGenerated, "")
	if err != nil || !swapped {
		// Cancelled mid-generation: keep the terminal status, note the late
		// result in the trail, drop the artifact.
		log.Info("job left generating before completion; discarding artifact", logx.Any("err", err))
		_ = os.Remove(path)
		_ = s.store.AppendJobEvent(ctx, model.JobEvent{
			JobID: req.JobID, ToStatus: string(model.JobGenerated), Reason: "late generation result",
		})
		return
	}
	if s.counters != nil {
		s.counters.Generated.Add(1)
	}
	log.Info("artifact generated",
		logx.Int64("bytes", size), logx.String("hash", hash),
		logx.Duration("dur", time.Since(start)))
	s.publish("job.generated", req.JobID, "")

	// Fan out exactly one transfer request per target in the snapshot.
	for _, t := range req.Targets {
		tr := model.TransferRequest{
			JobID:            req.JobID,
			TargetID:         t.TargetID,
			HostRef:          t.HostRef,
			ArtifactLocation: path,
			ArtifactHash:     hash,
			DestinationPath:  req.DestinationPath,
			CredentialRef:    t.CredentialRef,
			Attempt:          1,
			Timestamp:        time.Now().UTC(),
		}
		if err := s.transfers.Submit(ctx, tr); err != nil {
			// The job stays generated; the recovery sweep re-fans it out.
			log.Warn("transfer fan-out interrupted", logx.String("target", t.TargetID), logx.Any("err", err))
			return
		}
	}
	if swapped, err := s.store.CASJobStatus(ctx, req.JobID, model.JobGenerated, model.JobSending, ""); err != nil || !swapped {
		log.Debug("job left generated before sending mark", logx.Any("err", err))
		return
	}
	s.publish("job.sending", req.JobID, "")
}

// generate runs the attempt loop: stream the source into the spool with a
// hash and a hard size ceiling, retrying transient failures.
func (s *Stage) generate(ctx context.Context, stopCh <-chan struct{}, req model.GenerationRequest, rng *rand.Rand, log logx.Logger) (path, hash string, size int64, err error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	final := filepath.Join(cfg.SpoolDir, req.JobID+".artifact")
	src := model.SourceRef{ScheduleID: req.ScheduleID, JobID: req.JobID, Path: req.SourcePath}

	for attempt := 1; ; attempt++ {
		_ = s.store.IncJobAttempts(ctx, req.JobID)
		hash, size, err = s.generateOnce(ctx, cfg, src, final)
		if err == nil {
			return final, hash, size, nil
		}
		if retry.IsTerminal(err) {
			return "", "", 0, err
		}
		if cfg.Retry.Exhausted(attempt) {
			return "", "", 0, fmt.Errorf("%w: %s", errExhausted, err)
		}
		delay := cfg.Retry.DelayWithHint(attempt, err, rng)
		log.Warn("generation attempt failed",
			logx.Int("attempt", attempt), logx.Duration("retry_in", delay), logx.Any("err", err))
		if werr := retry.Wait(ctx, stopCh, delay); werr != nil {
			return "", "", 0, fmt.Errorf("%w: %s", retry.Terminal(werr), err)
		}
	}
}

var errExhausted = errors.New("generation retries exhausted")

func (s *Stage) generateOnce(ctx context.Context, cfg Config, src model.SourceRef, final string) (string, int64, error) {
	actx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	tmp, err := os.CreateTemp(cfg.SpoolDir, "."+src.JobID+"-*")
	if err != nil {
		return "", 0, retry.Terminal(err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	lw := &limitWriter{w: io.MultiWriter(tmp, h), remaining: cfg.MaxArtifactBytes}
	genErr := s.generator.Generate(actx, src, lw)
	closeErr := tmp.Close()
	if genErr != nil {
		if errors.Is(genErr, ErrArtifactTooLarge) {
			return "", 0, retry.Terminal(genErr)
		}
		return "", 0, genErr
	}
	if closeErr != nil {
		return "", 0, closeErr
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), lw.written, nil
}

// failJob records the terminal outcome of a failed generation. No
// transfer request is ever emitted for a failed generation.
func (s *Stage) failJob(ctx context.Context, req model.GenerationRequest, genErr error, log logx.Logger) {
	reason := model.ReasonGenerationFailed
	switch {
	case errors.Is(genErr, ErrArtifactTooLarge):
		reason = model.ReasonArtifactTooLarge
	case errors.Is(genErr, errExhausted):
		reason = model.ReasonRetriesExhausted
	}

	swapped, err := s.store.CASJobStatus(ctx, req.JobID, model.JobGenerating, model.JobFailed, reason)
	if err != nil {
		log.Error("mark failed errored", logx.Any("err", err))
		return
	}
	if !swapped {
		_ = s.store.AppendJobEvent(ctx, model.JobEvent{
			JobID: req.JobID, ToStatus: string(model.JobFailed), Reason: "late generation failure",
		})
		return
	}
	if reason == model.ReasonRetriesExhausted {
		_ = s.store.AddDeadLetter(ctx, model.DeadLetter{
			JobID:  req.JobID,
			Stage:  "generation",
			Reason: reason,
			Detail: genErr.Error(),
		})
		if s.counters != nil {
			s.counters.DeadLetters.Add(1)
		}
	}
	if s.counters != nil {
		s.counters.Failed.Add(1)
	}
	log.Warn("generation failed", logx.String("reason", reason), logx.Any("err", genErr))
	s.publish("job.failed", req.JobID, reason)
}

func (s *Stage) publish(typ, jobID, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{
		"job_id": jobID, "detail": detail,
	}})
}

// limitWriter fails the stream once the ceiling is crossed so a runaway
// source cannot fill the spool.
type limitWriter struct {
	w         io.Writer
	remaining int64
	written   int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		return 0, ErrArtifactTooLarge
	}
	n, err := l.w.Write(p)
	l.remaining -= int64(n)
	l.written += int64(n)
	return n, err
}

// Guard against generator panics so one bad source cannot kill a worker.
func (s *Stage) safeHandle(ctx context.Context, stopCh <-chan struct{}, req model.GenerationRequest, rng *rand.Rand) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("generation panic",
				logx.String("job", req.JobID), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	s.handle(ctx, stopCh, req, rng)
}
