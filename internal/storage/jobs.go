package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"freighter/internal/model"
)

const jobCols = `id, schedule_id, status, reason, source_path, dest_path, artifact_path, artifact_hash, artifact_bytes, attempts, created_at, completed_at`

// CreateTriggeredJob commits one schedule trigger atomically: the schedule
// row is advanced (last run = dueUTC, next run = next), the job row and its
// target snapshot are inserted, and the first audit event is appended. The
// schedule advance carries a guard on the stored next_run_utc, so at most
// one caller per due instant succeeds; losers get ErrAlreadyTriggered and
// no rows are written.
func (s *Store) CreateTriggeredJob(ctx context.Context, sc model.Schedule, jobID string, dueUTC time.Time, next *time.Time) (model.Job, error) {
	now := time.Now()
	job := model.Job{
		ID:         jobID,
		ScheduleID: sc.ID,
		Status:     model.JobPending,
		SourcePath: sc.SourcePath,
		DestPath:   sc.DestinationPath,
		CreatedAt:  now.UTC(),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE schedules SET last_run_utc = ?, next_run_utc = ?, updated_at = ?
			 WHERE id = ? AND enabled = 1 AND next_run_utc IS NOT NULL AND next_run_utc <= ?`,
			msOf(dueUTC), nullMS(next), msOf(now), sc.ID, msOf(dueUTC))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrAlreadyTriggered
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs(id, schedule_id, status, source_path, dest_path, created_at)
			 VALUES(?,?,?,?,?,?)`,
			job.ID, job.ScheduleID, string(job.Status), job.SourcePath, job.DestPath, msOf(now)); err != nil {
			return err
		}
		for _, t := range sc.Targets {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO job_targets(job_id, target_id, host_ref, credential_ref, status)
				 VALUES(?,?,?,?,?)`,
				job.ID, t.TargetID, t.HostRef, t.CredentialRef, string(model.TargetPending)); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_events(job_id, at, from_status, to_status, reason)
			 VALUES(?,?,NULL,?,?)`,
			job.ID, msOf(now), string(model.JobPending), "triggered")
		return err
	})
	if err != nil {
		return model.Job{}, err
	}
	return job, nil
}

// GetJob returns one job or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	return j, err
}

// CASJobStatus swaps the job status from exactly `from` to `to` and appends
// the audit event in the same transaction. Returns false when the row was
// not in `from` (someone else won, or the job is gone); the caller decides
// whether that is a skip or an error.
func (s *Store) CASJobStatus(ctx context.Context, jobID string, from, to model.JobStatus, reason string) (bool, error) {
	now := time.Now()
	swapped := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var completed any
		if to.Terminal() {
			completed = msOf(now)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, reason = ?, completed_at = COALESCE(?, completed_at)
			 WHERE id = ? AND status = ?`,
			string(to), nullStr(reason), completed, jobID, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		swapped = true
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_events(job_id, at, from_status, to_status, reason)
			 VALUES(?,?,?,?,?)`,
			jobID, msOf(now), string(from), string(to), nullStr(reason))
		return err
	})
	return swapped, err
}

// CancelJob moves a job to cancelled if and only if it is not already
// terminal. Target rows are left as they were; they document how far
// delivery got.
func (s *Store) CancelJob(ctx context.Context, jobID, reason string) (bool, error) {
	now := time.Now()
	swapped := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if model.JobStatus(cur).Terminal() {
			return nil
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, reason = ?, completed_at = ?
			 WHERE id = ? AND status = ?`,
			string(model.JobCancelled), nullStr(reason), msOf(now), jobID, cur)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		swapped = true
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_events(job_id, at, from_status, to_status, reason)
			 VALUES(?,?,?,?,?)`,
			jobID, msOf(now), cur, string(model.JobCancelled), nullStr(reason))
		return err
	})
	return swapped, err
}

// SetJobArtifact records where the generated artifact landed.
func (s *Store) SetJobArtifact(ctx context.Context, jobID, path, hash string, size int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET artifact_path = ?, artifact_hash = ?, artifact_bytes = ? WHERE id = ?`,
		nullStr(path), nullStr(hash), size, jobID)
	return err
}

// IncJobAttempts bumps the generation attempt counter.
func (s *Store) IncJobAttempts(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET attempts = attempts + 1 WHERE id = ?`, jobID)
	return err
}

// JobsInStatus returns up to limit jobs currently in any of the given
// statuses, oldest first. Used by the recovery sweep after a restart.
func (s *Store) JobsInStatus(ctx context.Context, statuses []model.JobStatus, limit int) ([]model.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	ph := strings.Repeat("?,", len(statuses))
	ph = ph[:len(ph)-1]
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT `+jobCols+` FROM jobs WHERE status IN (%s) ORDER BY created_at LIMIT ?`, ph),
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// StuckJobs returns non-terminal jobs created at or before the cutoff,
// oldest first. The watchdog uses this to fail abandoned work.
func (s *Store) StuckJobs(ctx context.Context, before time.Time, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE status NOT IN (?,?,?) AND created_at <= ?
		 ORDER BY created_at LIMIT ?`,
		string(model.JobCompleted), string(model.JobFailed), string(model.JobCancelled),
		msOf(before), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ExpiredArtifacts returns terminal jobs whose artifact is still on disk
// and whose completion is older than the cutoff.
func (s *Store) ExpiredArtifacts(ctx context.Context, before time.Time, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE status IN (?,?,?) AND artifact_path IS NOT NULL
		   AND completed_at IS NOT NULL AND completed_at <= ?
		 ORDER BY completed_at LIMIT ?`,
		string(model.JobCompleted), string(model.JobFailed), string(model.JobCancelled),
		msOf(before), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ClearJobArtifact drops the artifact pointer after the file is removed.
func (s *Store) ClearJobArtifact(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET artifact_path = NULL WHERE id = ?`, jobID)
	return err
}

func collectJobs(rows *sql.Rows) ([]model.Job, error) {
	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(r rowScanner) (model.Job, error) {
	var (
		j         model.Job
		status    string
		reason    sql.NullString
		artPath   sql.NullString
		artHash   sql.NullString
		created   int64
		completed sql.NullInt64
	)
	err := r.Scan(&j.ID, &j.ScheduleID, &status, &reason, &j.SourcePath, &j.DestPath,
		&artPath, &artHash, &j.ArtifactBytes, &j.Attempts, &created, &completed)
	if err != nil {
		return model.Job{}, err
	}
	j.Status = model.JobStatus(status)
	j.Reason = strOf(reason)
	j.ArtifactPath = strOf(artPath)
	j.ArtifactHash = strOf(artHash)
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.CompletedAt = timePtr(completed)
	return j, nil
}
