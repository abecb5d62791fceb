package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"freighter/internal/model"
)

const outcomeCols = `job_id, target_id, host_ref, credential_ref, status, attempts, last_error, artifact_hash, completed_at`

// OutcomeCounts is the per-status breakdown of one job's targets.
type OutcomeCounts struct {
	Total   int
	Sent    int
	Failed  int
	Pending int
	Sending int
}

// NonTerminal reports how many targets are still in flight.
func (c OutcomeCounts) NonTerminal() int { return c.Pending + c.Sending }

// GetOutcome returns one (job, target) delivery record or ErrNotFound.
func (s *Store) GetOutcome(ctx context.Context, jobID, targetID string) (model.TargetOutcome, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outcomeCols+` FROM job_targets WHERE job_id = ? AND target_id = ?`,
		jobID, targetID)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TargetOutcome{}, ErrNotFound
	}
	return o, err
}

// ListOutcomes returns all delivery records for a job ordered by target id.
func (s *Store) ListOutcomes(ctx context.Context, jobID string) ([]model.TargetOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outcomeCols+` FROM job_targets WHERE job_id = ? ORDER BY target_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TargetOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkOutcomeSending moves a target into sending and bumps its attempt
// counter. Returns false when the target is already terminal, which tells
// the transfer stage to drop the work item instead of pushing.
func (s *Store) MarkOutcomeSending(ctx context.Context, jobID, targetID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_targets SET status = ?, attempts = attempts + 1
		 WHERE job_id = ? AND target_id = ? AND status IN (?,?)`,
		string(model.TargetSending), jobID, targetID,
		string(model.TargetPending), string(model.TargetSending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordOutcomeSent marks a delivery as done with the hash that was pushed.
// Returns false when the target was already terminal; the push still
// happened, so the caller records an audit event instead.
func (s *Store) RecordOutcomeSent(ctx context.Context, jobID, targetID, hash string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_targets SET status = ?, artifact_hash = ?, last_error = NULL, completed_at = ?
		 WHERE job_id = ? AND target_id = ? AND status IN (?,?)`,
		string(model.TargetSent), nullStr(hash), msOf(time.Now()),
		jobID, targetID, string(model.TargetPending), string(model.TargetSending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordOutcomeFailed terminally fails one delivery.
func (s *Store) RecordOutcomeFailed(ctx context.Context, jobID, targetID, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_targets SET status = ?, last_error = ?, completed_at = ?
		 WHERE job_id = ? AND target_id = ? AND status IN (?,?)`,
		string(model.TargetFailed), nullStr(lastError), msOf(time.Now()),
		jobID, targetID, string(model.TargetPending), string(model.TargetSending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordOutcomeError stores the latest transient error without changing
// status; the target stays in flight for the next attempt.
func (s *Store) RecordOutcomeError(ctx context.Context, jobID, targetID, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_targets SET last_error = ? WHERE job_id = ? AND target_id = ?`,
		nullStr(lastError), jobID, targetID)
	return err
}

// CountOutcomes returns the status breakdown the aggregator folds over.
func (s *Store) CountOutcomes(ctx context.Context, jobID string) (OutcomeCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM job_targets WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return OutcomeCounts{}, err
	}
	defer rows.Close()
	var c OutcomeCounts
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return OutcomeCounts{}, err
		}
		c.Total += n
		switch model.TargetStatus(st) {
		case model.TargetSent:
			c.Sent += n
		case model.TargetFailed:
			c.Failed += n
		case model.TargetSending:
			c.Sending += n
		default:
			c.Pending += n
		}
	}
	return c, rows.Err()
}

func scanOutcome(r rowScanner) (model.TargetOutcome, error) {
	var (
		o         model.TargetOutcome
		status    string
		lastErr   sql.NullString
		hash      sql.NullString
		completed sql.NullInt64
	)
	err := r.Scan(&o.JobID, &o.TargetID, &o.HostRef, &o.CredentialRef, &status,
		&o.Attempts, &lastErr, &hash, &completed)
	if err != nil {
		return model.TargetOutcome{}, err
	}
	o.Status = model.TargetStatus(status)
	o.LastError = strOf(lastErr)
	o.ArtifactHash = strOf(hash)
	o.CompletedAt = timePtr(completed)
	return o, nil
}
