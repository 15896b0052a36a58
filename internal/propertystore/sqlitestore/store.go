// Package sqlitestore is a SQLite-backed property store. Rows carry a
// version column; updates are compare-and-swap on it, so several processes
// sharing one database file converge the same way Redis WATCH does.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/mohammed-shakir/critical-images/internal/core/observability"
	"github.com/mohammed-shakir/critical-images/internal/propertystore"
)

const (
	maxRetries = 8

	schema = `CREATE TABLE IF NOT EXISTS properties (
	cohort     TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	value      BLOB    NOT NULL,
	version    INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (cohort, key)
)`
)

type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// WithClock replaces the expiry clock; for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, c propertystore.Cohort, key string) ([]byte, bool, error) {
	start := time.Now()
	val, _, ok, err := s.read(ctx, c, key)
	observability.ObserveStoreOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	return val, ok, nil
}

func (s *Store) Set(ctx context.Context, c propertystore.Cohort, key string, val []byte) error {
	start := time.Now()
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO properties (cohort, key, value, version, expires_at)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT (cohort, key) DO UPDATE SET
		   value = excluded.value,
		   version = properties.version + 1,
		   expires_at = excluded.expires_at`,
		c.Name, key, val, s.expiry(c),
	)
	observability.ObserveStoreOp("set", err, time.Since(start).Seconds())
	if err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, c propertystore.Cohort, key string, fn propertystore.UpdateFunc) error {
	start := time.Now()
	err := s.update(ctx, c, key, fn)
	observability.ObserveStoreOp("update", err, time.Since(start).Seconds())
	return err
}

func (s *Store) update(ctx context.Context, c propertystore.Cohort, key string, fn propertystore.UpdateFunc) error {
	for range maxRetries {
		old, version, ok, err := s.read(ctx, c, key)
		if err != nil {
			return unavailable("update", err)
		}
		next, err := fn(old, ok)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		won, err := s.swap(ctx, c, key, version, next)
		if err != nil {
			return unavailable("update", err)
		}
		if won {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return unavailable("update", err)
		}
	}
	return fmt.Errorf("%w: %s/%s after %d attempts", propertystore.ErrConflict, c.Name, key, maxRetries)
}

// read returns the live value and the row version. An expired row reads as
// absent but still reports its version so the next swap replaces it.
func (s *Store) read(ctx context.Context, c propertystore.Cohort, key string) ([]byte, int64, bool, error) {
	var (
		val     []byte
		version int64
		expires int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT value, version, expires_at FROM properties WHERE cohort = ? AND key = ?`,
		c.Name, key,
	).Scan(&val, &version, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	if expires > 0 && toMillis(s.now()) >= expires {
		return nil, version, false, nil
	}
	return val, version, true, nil
}

// swap writes val if the row is still at version. version 0 means the row
// did not exist when read.
func (s *Store) swap(ctx context.Context, c propertystore.Cohort, key string, version int64, val []byte) (bool, error) {
	if version == 0 {
		_, err := s.sqlDB.ExecContext(ctx,
			`INSERT INTO properties (cohort, key, value, version, expires_at) VALUES (?, ?, ?, 1, ?)`,
			c.Name, key, val, s.expiry(c),
		)
		if isUniqueViolation(err) {
			return false, nil
		}
		return err == nil, err
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE properties SET value = ?, version = version + 1, expires_at = ?
		 WHERE cohort = ? AND key = ? AND version = ?`,
		val, s.expiry(c), c.Name, key, version,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) expiry(c propertystore.Cohort) int64 {
	if c.TTL <= 0 {
		return 0
	}
	return toMillis(s.now().Add(c.TTL))
}

func (s *Store) Delete(ctx context.Context, c propertystore.Cohort, key string) error {
	start := time.Now()
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM properties WHERE cohort = ? AND key = ?`, c.Name, key)
	observability.ObserveStoreOp("del", err, time.Since(start).Seconds())
	if err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, c propertystore.Cohort) (int, error) {
	var n int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM properties WHERE cohort = ? AND (expires_at = 0 OR expires_at > ?)`,
		c.Name, toMillis(s.now()),
	).Scan(&n)
	if err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

// PurgeExpired deletes rows past their expiry and returns how many went.
// Reads already hide them; this only reclaims space.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	start := time.Now()
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM properties WHERE expires_at > 0 AND expires_at <= ?`, toMillis(s.now()))
	observability.ObserveStoreOp("purge", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: sqlite %s: %w", propertystore.ErrUnavailable, op, err)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

var (
	_ propertystore.Store   = (*Store)(nil)
	_ propertystore.Deleter = (*Store)(nil)
	_ propertystore.Counter = (*Store)(nil)
	_ propertystore.Purger  = (*Store)(nil)
)
