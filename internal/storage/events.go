package storage

import (
	"context"
	"database/sql"
	"time"

	"freighter/internal/model"
)

// AppendJobEvent records an audit-trail entry outside a status swap, e.g.
// a late outcome arriving after the job is terminal.
func (s *Store) AppendJobEvent(ctx context.Context, e model.JobEvent) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events(job_id, at, from_status, to_status, reason)
		 VALUES(?,?,?,?,?)`,
		e.JobID, msOf(e.At), nullStr(e.FromStatus), e.ToStatus, nullStr(e.Reason))
	return err
}

// ListJobEvents returns a job's audit trail in append order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, at, from_status, to_status, reason
		 FROM job_events WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.JobEvent
	for rows.Next() {
		var (
			e    model.JobEvent
			at   int64
			from sql.NullString
			why  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.JobID, &at, &from, &e.ToStatus, &why); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at).UTC()
		e.FromStatus = strOf(from)
		e.Reason = strOf(why)
		out = append(out, e)
	}
	return out, rows.Err()
}
