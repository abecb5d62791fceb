// Package poller scans for due schedules and turns each due instant into
// exactly one job, guarded by a per-schedule coordinator lock and the
// storage-level trigger transaction.
//
// Any number of poller instances may run concurrently. Correctness comes
// from the lock plus the schedule-advance guard, not from being singleton:
// a lost lock race is a skip, not an error, and a crashed holder's lock
// simply expires.
package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"freighter/internal/coord"
	"freighter/internal/crontime"
	"freighter/internal/eventbus"
	"freighter/internal/model"
	"freighter/internal/storage"
	"freighter/internal/telemetry"
	logx "freighter/pkg/logx"
)

// Store is the schedule/trigger slice of the durable store.
type Store interface {
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error)
	CreateTriggeredJob(ctx context.Context, sc model.Schedule, jobID string, dueUTC time.Time, next *time.Time) (model.Job, error)
	SetScheduleNextRun(ctx context.Context, id string, next *time.Time) error
}

// GenerationSink accepts the emitted generation requests.
type GenerationSink interface {
	Submit(ctx context.Context, req model.GenerationRequest) error
}

type Config struct {
	Interval  time.Duration
	LockTTL   time.Duration
	StatusTTL time.Duration
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

type Poller struct {
	cfg Config

	store    Store
	coord    coord.Coordinator
	gen      GenerationSink
	bus      eventbus.Bus
	emit     telemetry.Emitter
	log      logx.Logger
	counters *telemetry.Counters

	// holder identifies this process in lock rows; unique per start so a
	// restarted process never mistakes a stale lock for its own.
	holder string
	now    func() time.Time
}

func New(cfg Config, store Store, c coord.Coordinator, gen GenerationSink, bus eventbus.Bus, emit telemetry.Emitter, log logx.Logger, counters *telemetry.Counters) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if emit == nil {
		emit = telemetry.Nop()
	}
	host, _ := os.Hostname()
	return &Poller{
		cfg:      cfg.withDefaults(),
		store:    store,
		coord:    c,
		gen:      gen,
		bus:      bus,
		emit:     emit,
		log:      log,
		counters: counters,
		holder:   fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()),
		now:      time.Now,
	}
}

// Run loops Cycle on the configured interval until ctx ends. Meant to run
// under the supervisor; one failed cycle is logged, not fatal.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("trigger poller started",
		logx.Duration("interval", p.cfg.Interval), logx.String("holder", p.holder))
	tick := time.NewTicker(p.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := p.Cycle(ctx); err != nil {
				p.log.Error("poll cycle failed", logx.Any("err", err))
			}
		}
	}
}

// Cycle runs one poll pass: find due schedules and trigger each at most
// once.
func (p *Poller) Cycle(ctx context.Context) error {
	now := p.now().UTC()
	due, err := p.store.DueSchedules(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("due schedules: %w", err)
	}
	for _, sc := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.trigger(ctx, sc, now)
	}
	return nil
}

func (p *Poller) trigger(ctx context.Context, sc model.Schedule, now time.Time) {
	log := p.log.With(logx.String("schedule", sc.ID))
	if sc.NextRunUTC == nil {
		return
	}
	dueUTC := sc.NextRunUTC.UTC()

	lockKey := "lock:" + sc.ID
	locked, err := p.coord.Acquire(ctx, lockKey, p.holder, p.cfg.LockTTL)
	if err != nil {
		// Coordinator outage: reduced duplicate protection, but the
		// schedule-advance guard in the trigger transaction still holds.
		log.Warn("coordinator unavailable; proceeding with storage guard only", logx.Any("err", err))
	} else if !locked {
		// Another instance is on it, or a stale lock has not expired yet.
		log.Debug("schedule locked elsewhere; skipping")
		return
	} else {
		defer func() {
			if rerr := p.coord.Release(ctx, lockKey, p.holder); rerr != nil {
				log.Debug("lock release failed; will expire", logx.Any("err", rerr))
			}
		}()
	}

	// Second belt: a status key per (schedule, due instant) catches the
	// window where another instance triggered and crashed before its lock
	// lapsed.
	dedupKey := fmt.Sprintf("trigger:%s:%d", sc.ID, dueUTC.Unix())
	if _, seen, err := p.coord.GetStatus(ctx, dedupKey); err == nil && seen {
		log.Debug("due instant already triggered; advancing schedule")
		p.advanceOnly(ctx, sc, now, log)
		return
	}

	next, err := crontime.Next(sc.Cron, sc.Timezone, now)
	nextPtr := &next
	if err != nil {
		// Bad expression or zone, or nothing in the horizon: park the
		// schedule so it stops showing up as due. The job still runs for
		// the current due instant.
		log.Error("next occurrence failed; parking schedule", logx.Any("err", err))
		nextPtr = nil
	}

	jobID := uuid.NewString()
	job, err := p.store.CreateTriggeredJob(ctx, sc, jobID, dueUTC, nextPtr)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyTriggered) {
			log.Debug("another instance committed this trigger first")
			return
		}
		log.Error("trigger transaction failed", logx.Any("err", err))
		return
	}

	if err := p.coord.SetStatus(ctx, dedupKey, jobID, p.cfg.StatusTTL); err != nil {
		log.Debug("dedup mark failed", logx.Any("err", err))
	}

	// The schedule is already advanced, so a crash past this point cannot
	// duplicate the trigger; the recovery sweep re-feeds the pending job.
	req := model.GenerationRequest{
		JobID:           job.ID,
		ScheduleID:      sc.ID,
		SourcePath:      sc.SourcePath,
		DestinationPath: sc.DestinationPath,
		Targets:         sc.Targets,
		Timestamp:       now,
	}
	if err := p.gen.Submit(ctx, req); err != nil {
		log.Warn("generation hand-off failed; recovery will re-feed", logx.Any("err", err))
		return
	}

	if p.counters != nil {
		p.counters.Triggered.Add(1)
	}
	p.emit.EmitMetric(telemetry.Metric{Name: "triggers_fired", Value: 1,
		Labels: map[string]string{"schedule_id": sc.ID}})
	log.Info("schedule triggered",
		logx.String("job", job.ID), logx.Time("due", dueUTC),
		logx.Int("targets", len(sc.Targets)))
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: "job.created", Data: map[string]string{
			"job_id": job.ID, "schedule_id": sc.ID,
		}})
	}
}

// advanceOnly moves next_run_utc forward without creating a job, for due
// instants that were already consumed.
func (p *Poller) advanceOnly(ctx context.Context, sc model.Schedule, now time.Time, log logx.Logger) {
	next, err := crontime.Next(sc.Cron, sc.Timezone, now)
	nextPtr := &next
	if err != nil {
		log.Error("next occurrence failed; parking schedule", logx.Any("err", err))
		nextPtr = nil
	}
	if err := p.store.SetScheduleNextRun(ctx, sc.ID, nextPtr); err != nil {
		log.Error("schedule advance failed", logx.Any("err", err))
	}
}
