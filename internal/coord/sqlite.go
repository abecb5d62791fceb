package coord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS coord_locks (
  key        TEXT PRIMARY KEY,
  holder     TEXT NOT NULL,
  expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS coord_status (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  expires_at INTEGER NOT NULL
);
`

// sqliteCoord persists locks and status keys in SQLite so they survive
// restarts and are visible to every process sharing the database file.
type sqliteCoord struct {
	db  *sql.DB
	now func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
}

// OpenSQLite opens the coordination tables in the database at path,
// creating both as needed. The file may be shared with the main store.
func OpenSQLite(path string, busyTimeout time.Duration) (Coordinator, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("coord: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteCoord{db: db, now: time.Now, pruneEvery: 500}, nil
}

func (c *sqliteCoord) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *sqliteCoord) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if key == "" || holder == "" {
		return false, errors.New("coord: key and holder are required")
	}
	now := c.now().UnixMilli()
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO coord_locks(key, holder, expires_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE coord_locks.expires_at <= ? OR coord_locks.holder = excluded.holder`,
		key, holder, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	c.maybePrune()
	return n > 0, nil
}

func (c *sqliteCoord) Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := c.now().UnixMilli()
	res, err := c.db.ExecContext(ctx,
		`UPDATE coord_locks SET expires_at = ? WHERE key = ? AND holder = ? AND expires_at > ?`,
		now+ttl.Milliseconds(), key, holder, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (c *sqliteCoord) Release(ctx context.Context, key, holder string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM coord_locks WHERE key = ? AND holder = ?`, key, holder)
	return err
}

func (c *sqliteCoord) SetStatus(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO coord_status(key, value, expires_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, c.now().UnixMilli()+ttl.Milliseconds())
	if err == nil {
		c.maybePrune()
	}
	return err
}

func (c *sqliteCoord) GetStatus(ctx context.Context, key string) (string, bool, error) {
	var (
		value   string
		expires int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM coord_status WHERE key = ?`, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if expires <= c.now().UnixMilli() {
		return "", false, nil
	}
	return value, true, nil
}

// maybePrune drops expired rows every pruneEvery writes so the tables do
// not grow without bound.
func (c *sqliteCoord) maybePrune() {
	if c.opCount.Add(1)%c.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	now := c.now().UnixMilli()
	_, _ = c.db.ExecContext(ctx, `DELETE FROM coord_locks WHERE expires_at <= ?`, now)
	_, _ = c.db.ExecContext(ctx, `DELETE FROM coord_status WHERE expires_at <= ?`, now)
}
