package aggregate

import (
	"context"
	"os"
	"time"

	"freighter/internal/model"
	"freighter/internal/telemetry"
	logx "freighter/pkg/logx"
)

const sweepBatch = 500

// Run executes the recovery sweep once, then loops the periodic sweeps
// until ctx ends. Meant to run under the supervisor.
func (a *Aggregator) Run(ctx context.Context) error {
	if err := a.Recover(ctx); err != nil {
		a.log.Error("recovery sweep failed", logx.Any("err", err))
	}

	tick := time.NewTicker(a.cfg.SweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			a.Sweep(ctx)
		}
	}
}

// Recover re-feeds jobs interrupted by a crash or restart.
//
// pending/generating jobs go back through generation; the admission CAS
// makes redelivery a no-op for jobs that did run. generated/sending jobs
// get their non-terminal targets re-emitted plus a fan-in re-check, which
// covers "all targets done but the aggregator died before the CAS".
func (a *Aggregator) Recover(ctx context.Context) error {
	jobs, err := a.store.JobsInStatus(ctx, []model.JobStatus{model.JobPending, model.JobGenerating}, sweepBatch)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status == model.JobGenerating {
			// The admission CAS only accepts pending jobs.
			if swapped, err := a.store.CASJobStatus(ctx, job.ID, model.JobGenerating, model.JobPending, model.ReasonRecovered); err != nil || !swapped {
				continue
			}
		}
		req, err := a.generationRequest(ctx, job)
		if err != nil {
			a.log.Error("recovery: rebuild request failed", logx.String("job", job.ID), logx.Any("err", err))
			continue
		}
		if err := a.gen.Submit(ctx, req); err != nil {
			a.log.Warn("recovery: generation requeue failed", logx.String("job", job.ID), logx.Any("err", err))
			return nil
		}
		a.log.Info("recovered job into generation", logx.String("job", job.ID))
	}

	jobs, err = a.store.JobsInStatus(ctx, []model.JobStatus{model.JobGenerated, model.JobSending}, sweepBatch)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := a.refanOut(ctx, job); err != nil {
			a.log.Warn("recovery: fan-out requeue failed", logx.String("job", job.ID), logx.Any("err", err))
			return nil
		}
	}
	return nil
}

func (a *Aggregator) generationRequest(ctx context.Context, job model.Job) (model.GenerationRequest, error) {
	outs, err := a.store.ListOutcomes(ctx, job.ID)
	if err != nil {
		return model.GenerationRequest{}, err
	}
	targets := make([]model.Target, 0, len(outs))
	for _, o := range outs {
		targets = append(targets, model.Target{
			TargetID: o.TargetID, HostRef: o.HostRef, CredentialRef: o.CredentialRef,
		})
	}
	return model.GenerationRequest{
		JobID:           job.ID,
		ScheduleID:      job.ScheduleID,
		SourcePath:      job.SourcePath,
		DestinationPath: job.DestPath,
		Targets:         targets,
		Timestamp:       a.now().UTC(),
	}, nil
}

// refanOut re-emits transfer requests for every non-terminal target of a
// generated/sending job, then re-runs the fan-in check. Redelivery is safe:
// sent targets skip on the hash check and terminal ones on the outcome
// guard.
func (a *Aggregator) refanOut(ctx context.Context, job model.Job) error {
	outs, err := a.store.ListOutcomes(ctx, job.ID)
	if err != nil {
		return err
	}
	open := 0
	for _, o := range outs {
		if o.Status.Terminal() {
			continue
		}
		open++
		if err := a.transfers.Submit(ctx, model.TransferRequest{
			JobID:            job.ID,
			TargetID:         o.TargetID,
			HostRef:          o.HostRef,
			ArtifactLocation: job.ArtifactPath,
			ArtifactHash:     job.ArtifactHash,
			DestinationPath:  job.DestPath,
			CredentialRef:    o.CredentialRef,
			Attempt:          o.Attempts + 1,
			Timestamp:        a.now().UTC(),
		}); err != nil {
			return err
		}
	}
	if job.Status == model.JobGenerated {
		_, _ = a.store.CASJobStatus(ctx, job.ID, model.JobGenerated, model.JobSending, model.ReasonRecovered)
	}
	if open == 0 {
		return a.OnOutcome(ctx, job.ID)
	}
	a.log.Info("recovered job into transfer", logx.String("job", job.ID), logx.Int("targets", open))
	return nil
}

// Sweep runs one round of the periodic housekeeping.
func (a *Aggregator) Sweep(ctx context.Context) {
	now := a.now()
	a.recheckSending(ctx)
	a.watchdog(ctx, now)
	a.cleanSpool(ctx, now)
}

// recheckSending re-runs the fan-in for jobs sitting in sending. Normally
// the outcome-driven check already closed them; this catches a process
// that died between the last outcome write and the CAS.
func (a *Aggregator) recheckSending(ctx context.Context) {
	jobs, err := a.store.JobsInStatus(ctx, []model.JobStatus{model.JobSending}, sweepBatch)
	if err != nil {
		a.log.Error("fan-in recheck query failed", logx.Any("err", err))
		return
	}
	for _, job := range jobs {
		if err := a.OnOutcome(ctx, job.ID); err != nil {
			a.log.Error("fan-in recheck failed", logx.String("job", job.ID), logx.Any("err", err))
		}
	}
}

// watchdog makes stuck work loud. A job is never silently dropped: it
// either reaches a terminal status or shows up here every sweep.
func (a *Aggregator) watchdog(ctx context.Context, now time.Time) {
	jobs, err := a.store.StuckJobs(ctx, now.Add(-a.cfg.StuckAfter), sweepBatch)
	if err != nil {
		a.log.Error("watchdog query failed", logx.Any("err", err))
		return
	}
	for _, job := range jobs {
		a.log.Warn("job stuck past alerting threshold",
			logx.String("job", job.ID), logx.String("status", string(job.Status)),
			logx.Duration("age", now.Sub(job.CreatedAt)))
		a.emit.EmitMetric(telemetry.Metric{
			Name: "jobs_stuck", Value: 1,
			Labels: map[string]string{"job_id": job.ID, "status": string(job.Status)},
		})
	}
}

// cleanSpool removes artifacts of terminal jobs past the retention window.
// Failed-job artifacts stay inspectable until then.
func (a *Aggregator) cleanSpool(ctx context.Context, now time.Time) {
	jobs, err := a.store.ExpiredArtifacts(ctx, now.Add(-a.cfg.SpoolRetention), sweepBatch)
	if err != nil {
		a.log.Error("spool sweep query failed", logx.Any("err", err))
		return
	}
	for _, job := range jobs {
		if err := os.Remove(job.ArtifactPath); err != nil && !os.IsNotExist(err) {
			a.log.Warn("spool remove failed",
				logx.String("job", job.ID), logx.String("path", job.ArtifactPath), logx.Any("err", err))
			continue
		}
		if err := a.store.ClearJobArtifact(ctx, job.ID); err != nil {
			a.log.Warn("spool clear failed", logx.String("job", job.ID), logx.Any("err", err))
			continue
		}
		a.log.Debug("spooled artifact removed", logx.String("job", job.ID))
	}
}
