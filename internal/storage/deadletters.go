package storage

import (
	"context"
	"database/sql"
	"time"

	"freighter/internal/model"
)

// AddDeadLetter parks a permanently failed work item for inspection.
func (s *Store) AddDeadLetter(ctx context.Context, d model.DeadLetter) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters(at, job_id, target_id, stage, reason, detail)
		 VALUES(?,?,?,?,?,?)`,
		msOf(d.At), d.JobID, nullStr(d.TargetID), d.Stage, d.Reason, nullStr(d.Detail))
	return err
}

// ListDeadLetters returns the newest dead letters first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, job_id, target_id, stage, reason, detail
		 FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DeadLetter
	for rows.Next() {
		var (
			d      model.DeadLetter
			at     int64
			target sql.NullString
			detail sql.NullString
		)
		if err := rows.Scan(&d.ID, &at, &d.JobID, &target, &d.Stage, &d.Reason, &detail); err != nil {
			return nil, err
		}
		d.At = time.UnixMilli(at).UTC()
		d.TargetID = strOf(target)
		d.Detail = strOf(detail)
		out = append(out, d)
	}
	return out, rows.Err()
}
