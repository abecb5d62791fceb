package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"freighter/internal/model"
)

const scheduleCols = `id, cron, timezone, enabled, source_path, dest_path, targets_json, next_run_utc, last_run_utc, created_at, updated_at`

// UpsertSchedule inserts or updates a schedule definition. On update the
// recurrence, paths, targets and next run are replaced while created_at and
// last_run_utc are preserved.
func (s *Store) UpsertSchedule(ctx context.Context, sc model.Schedule) error {
	targets, err := json.Marshal(sc.Targets)
	if err != nil {
		return err
	}
	now := msOf(time.Now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, cron, timezone, enabled, source_path, dest_path, targets_json, next_run_utc, last_run_utc, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   cron=excluded.cron, timezone=excluded.timezone, enabled=excluded.enabled,
		   source_path=excluded.source_path, dest_path=excluded.dest_path,
		   targets_json=excluded.targets_json, next_run_utc=excluded.next_run_utc,
		   updated_at=excluded.updated_at`,
		sc.ID, sc.Cron, sc.Timezone, sc.Enabled, sc.SourcePath, sc.DestinationPath,
		string(targets), nullMS(sc.NextRunUTC), nullMS(sc.LastRunUTC), now, now,
	)
	return err
}

// GetSchedule returns one schedule or ErrNotFound.
func (s *Store) GetSchedule(ctx context.Context, id string) (model.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Schedule{}, ErrNotFound
	}
	return sc, err
}

// ListSchedules returns all schedules ordered by id.
func (s *Store) ListSchedules(ctx context.Context) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DueSchedules returns enabled schedules whose next run is at or before now,
// soonest first.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules
		 WHERE enabled = 1 AND next_run_utc IS NOT NULL AND next_run_utc <= ?
		 ORDER BY next_run_utc LIMIT ?`,
		msOf(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SetScheduleNextRun overwrites next_run_utc (nil clears it, parking the
// schedule until a later recompute).
func (s *Store) SetScheduleNextRun(ctx context.Context, id string, next *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_run_utc = ?, updated_at = ? WHERE id = ?`,
		nullMS(next), msOf(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// DisableSchedulesExcept flips enabled off for every schedule whose id is
// not in keep. Rows are kept so job history stays resolvable.
func (s *Store) DisableSchedulesExcept(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		res, err := s.db.ExecContext(ctx,
			`UPDATE schedules SET enabled = 0, updated_at = ? WHERE enabled = 1`,
			msOf(time.Now()))
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	ph := strings.Repeat("?,", len(keep))
	ph = ph[:len(ph)-1]
	args := make([]any, 0, len(keep)+1)
	args = append(args, msOf(time.Now()))
	for _, id := range keep {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE schedules SET enabled = 0, updated_at = ? WHERE enabled = 1 AND id NOT IN (%s)`, ph),
		args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (model.Schedule, error) {
	var (
		sc      model.Schedule
		targets string
		next    sql.NullInt64
		last    sql.NullInt64
		created int64
		updated int64
	)
	err := r.Scan(&sc.ID, &sc.Cron, &sc.Timezone, &sc.Enabled, &sc.SourcePath,
		&sc.DestinationPath, &targets, &next, &last, &created, &updated)
	if err != nil {
		return model.Schedule{}, err
	}
	if err := json.Unmarshal([]byte(targets), &sc.Targets); err != nil {
		return model.Schedule{}, fmt.Errorf("schedule %s: decode targets: %w", sc.ID, err)
	}
	sc.NextRunUTC = timePtr(next)
	sc.LastRunUTC = timePtr(last)
	sc.CreatedAt = time.UnixMilli(created).UTC()
	sc.UpdatedAt = time.UnixMilli(updated).UTC()
	return sc, nil
}
