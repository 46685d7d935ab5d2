// Package store provides the SQLite-backed persistence layer for the
// vehicle re-identification pipeline: predictions, prediction groups,
// camera object tracks, video tracks, cross-camera links, topology edges,
// crossing lines, and PTZ calibration points.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection with pipeline-specific helpers.
type DB struct {
	*sql.DB
	path   string
	logger *slog.Logger
}

// Config holds database connection configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns the default database configuration rooted at dataDir.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		Path:            filepath.Join(dataDir, "reid.db"),
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// requiredPragmas are the tuning pragmas Open runs after connecting; Open
// only logs a Warn if one of these fails to apply. The pragmas the rest of
// the pipeline assumes are in effect are set in Open's connection string
// instead: WAL so a clip-analysis worker can write a track while a matcher
// worker reads the topology cache, NORMAL synchronous because WAL already
// protects against corruption on crash and fsync-per-commit would throttle
// the per-frame trajectory inserts the MOT driver issues, and foreign_keys
// so a camera row can't be deleted out from under predictions that
// reference it. verifyPragmas checks WAL and foreign_keys after open,
// since a foreign-key or journal-mode mismatch would otherwise surface
// much later as a confusing referential-integrity or locking bug deep in a
// matcher batch.
var requiredPragmas = []string{
	"PRAGMA cache_size = -64000", // 64MB cache for the reid_embedding/color_histogram blob columns
	"PRAGMA temp_store = MEMORY",
	"PRAGMA mmap_size = 268435456", // 256MB mmap, sized for the matcher's repeated topology/descriptor scans
}

// Open opens a new database connection, creating the parent directory and
// applying the pragmas the pipeline relies on (WAL, foreign keys, busy
// timeout) before the connection is handed to callers.
func Open(cfg *Config) (*DB, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON", cfg.Path)

	sqlDB, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, pragma := range requiredPragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			logger.Warn("failed to set pragma", "pragma", pragma, "error", err)
		}
	}

	db := &DB{DB: sqlDB, path: cfg.Path, logger: logger}
	if err := db.verifyPragmas(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("verify pragmas: %w", err)
	}

	logger.Info("database opened", "path", cfg.Path)
	return db, nil
}

// verifyPragmas confirms WAL and foreign_keys actually took effect rather
// than trusting the best-effort Exec loop in Open: a WAL mismatch would
// let a clip-analysis worker block readers during a trajectory write, and
// a foreign_keys mismatch would let a camera reset silently orphan
// predictions instead of rejecting it, both invariants several matcher
// and store queries assume hold.
func (db *DB) verifyPragmas() error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("read journal_mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("journal_mode is %q, expected wal", journalMode)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		return fmt.Errorf("read foreign_keys: %w", err)
	}
	if foreignKeys != 1 {
		return fmt.Errorf("foreign_keys is off")
	}
	return nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	db.logger.Info("closing database")
	return db.DB.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Health pings the database with a bounded timeout and re-checks the
// pragmas Open established, so a pragma reset by an out-of-band
// `sqlite3` session against the same file (operators do this to inspect
// the data during review) surfaces as a health failure instead of a
// silent correctness regression.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	return db.verifyPragmas()
}

// Stats exposes connection pool statistics for operational dashboards.
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// busyRetries bounds how many times in all Transaction attempts BeginTx
// when it hits SQLITE_BUSY (the first try plus busyRetries-1 retries). A single SQLite file backs every
// worker in the pool (clip-analysis, match, backfill), so a
// long-running writer (the identity resolver's full union-find
// recompute, a backfill batch commit) can transiently lock out a
// concurrent BeginTx even with busy_timeout already set at the
// connection-string level; a short bounded retry absorbs that without
// surfacing a spurious conflict error to the caller.
const busyRetries = 3

// Transaction runs fn within a transaction, retrying a transient
// SQLITE_BUSY on BeginTx, and rolling back on error and wrapping
// rollback failures so the original error is never lost.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	var tx *sql.Tx
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		tx, err = db.BeginTx(ctx, nil)
		if err == nil || !strings.Contains(err.Error(), "database is locked") {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Checkpoint forces a WAL checkpoint, truncating the WAL file back to
// its base size. Used by Maintain after a batch job's burst of writes
// (backfill, stats rebuild), since those can grow the WAL well past its
// normal steady-state size between the periodic auto-checkpoints SQLite
// runs on its own.
func (db *DB) Checkpoint(ctx context.Context) error {
	_, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Vacuum rebuilds the database file to reclaim space freed by deleted or
// updated rows. Only called through Maintain, never on a request path.
func (db *DB) Vacuum(ctx context.Context) error {
	db.logger.Info("starting database vacuum")
	start := time.Now()

	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}

	db.logger.Info("database vacuum completed", "duration", time.Since(start))
	return nil
}

// Analyze refreshes the query planner statistics SQLite uses to choose
// index scans, which a large batch of new rows (a backfill pass, a
// camera-wide stats rebuild) can leave stale.
func (db *DB) Analyze(ctx context.Context) error {
	db.logger.Info("starting database analyze")

	if _, err := db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	db.logger.Info("database analyze completed")
	return nil
}

// GetSize returns the database file size in bytes.
func (db *DB) GetSize() (int64, error) {
	info, err := os.Stat(db.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Maintain runs the pipeline's post-batch maintenance sequence:
// checkpoint the WAL, refresh planner statistics, then reclaim space.
// Intended to run after a job that rewrites or inserts a large number of
// rows in one pass -- currently descriptor.Backfiller.Run and
// trackbuilder.Builder.RebuildCameraStats -- rather than after every
// small write, since Vacuum rebuilds the whole file and is too expensive
// to run per request.
func (db *DB) Maintain(ctx context.Context) error {
	if err := db.Checkpoint(ctx); err != nil {
		return fmt.Errorf("maintain: checkpoint: %w", err)
	}
	if err := db.Analyze(ctx); err != nil {
		return fmt.Errorf("maintain: analyze: %w", err)
	}
	if err := db.Vacuum(ctx); err != nil {
		return fmt.Errorf("maintain: vacuum: %w", err)
	}
	return nil
}
