// Package aggregate folds per-target outcomes into one job-level terminal
// status, exactly once, and owns the background sweeps that keep the
// pipeline honest across crashes: recovery of interrupted jobs, a watchdog
// for work stuck past the alerting threshold, and spool retention.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"freighter/internal/eventbus"
	"freighter/internal/model"
	"freighter/internal/telemetry"
	logx "freighter/pkg/logx"
)

// Store is the slice of the durable store the aggregator reads and the
// job-status column it CASes.
type Store interface {
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListOutcomes(ctx context.Context, jobID string) ([]model.TargetOutcome, error)
	CASJobStatus(ctx context.Context, jobID string, from, to model.JobStatus, reason string) (bool, error)
	CancelJob(ctx context.Context, jobID, reason string) (bool, error)
	AppendJobEvent(ctx context.Context, e model.JobEvent) error
	JobsInStatus(ctx context.Context, statuses []model.JobStatus, limit int) ([]model.Job, error)
	StuckJobs(ctx context.Context, before time.Time, limit int) ([]model.Job, error)
	ExpiredArtifacts(ctx context.Context, before time.Time, limit int) ([]model.Job, error)
	ClearJobArtifact(ctx context.Context, jobID string) error
}

// GenerationSink re-admits interrupted jobs; in-process this is the
// generation stage.
type GenerationSink interface {
	Submit(ctx context.Context, req model.GenerationRequest) error
}

// TransferSink re-emits deliveries for interrupted fan-outs.
type TransferSink interface {
	Submit(ctx context.Context, req model.TransferRequest) error
}

type Config struct {
	SweepInterval  time.Duration
	StuckAfter     time.Duration
	SpoolRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = time.Hour
	}
	if c.SpoolRetention <= 0 {
		c.SpoolRetention = 24 * time.Hour
	}
	return c
}

type Aggregator struct {
	cfg Config

	store     Store
	gen       GenerationSink
	transfers TransferSink
	bus       eventbus.Bus
	emit      telemetry.Emitter
	log       logx.Logger
	counters  *telemetry.Counters

	now func() time.Time
}

func New(cfg Config, store Store, gen GenerationSink, transfers TransferSink, bus eventbus.Bus, emit telemetry.Emitter, log logx.Logger, counters *telemetry.Counters) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if emit == nil {
		emit = telemetry.Nop()
	}
	return &Aggregator{
		cfg:       cfg.withDefaults(),
		store:     store,
		gen:       gen,
		transfers: transfers,
		bus:       bus,
		emit:      emit,
		log:       log,
		counters:  counters,
		now:       time.Now,
	}
}

// OnOutcome runs the fan-in check for one job. It is called after every
// terminal outcome write and is idempotent: when the writes for the last
// two targets race, the status CAS admits exactly one winner.
func (a *Aggregator) OnOutcome(ctx context.Context, jobID string) error {
	outs, err := a.store.ListOutcomes(ctx, jobID)
	if err != nil {
		return fmt.Errorf("fan-in %s: %w", jobID, err)
	}
	if len(outs) == 0 {
		return nil
	}
	failed := 0
	for _, o := range outs {
		if !o.Status.Terminal() {
			return nil
		}
		if o.Status == model.TargetFailed {
			failed++
		}
	}

	to, reason := model.JobCompleted, ""
	if failed > 0 {
		to, reason = model.JobFailed, model.ReasonDeliveryFailed
	}
	swapped, err := a.store.CASJobStatus(ctx, jobID, model.JobSending, to, reason)
	if err != nil {
		return fmt.Errorf("fan-in %s: %w", jobID, err)
	}
	if !swapped {
		// Another outcome write won the race, the job was cancelled, or
		// the fan-out never finished (the recovery sweep resolves that).
		return nil
	}

	if to == model.JobCompleted {
		a.log.Info("job completed", logx.String("job", jobID), logx.Int("targets", len(outs)))
		a.emit.EmitMetric(telemetry.Metric{Name: "jobs_completed", Value: 1})
	} else {
		a.log.Warn("job failed", logx.String("job", jobID),
			logx.Int("targets", len(outs)), logx.Int("failed", failed))
		if a.counters != nil {
			a.counters.Failed.Add(1)
		}
		a.emit.EmitMetric(telemetry.Metric{Name: "jobs_failed", Value: 1})
	}
	a.publish("job."+string(to), jobID, reason)
	return nil
}

// Cancel moves a non-terminal job to cancelled. Future retries stop and
// new attempts are suppressed; a push already mid-stream runs to its
// natural end and is reconciled as an audit entry.
func (a *Aggregator) Cancel(ctx context.Context, jobID, reason string) (bool, error) {
	if reason == "" {
		reason = model.ReasonCancelled
	}
	swapped, err := a.store.CancelJob(ctx, jobID, reason)
	if err != nil {
		return false, err
	}
	if swapped {
		a.log.Info("job cancelled", logx.String("job", jobID), logx.String("reason", reason))
		a.publish("job.cancelled", jobID, reason)
	}
	return swapped, nil
}

func (a *Aggregator) publish(typ, jobID, detail string) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{
		"job_id": jobID, "detail": detail,
	}})
}
