package timeout

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// TimingStore provides historical per-command-class durations. It is an
// external collaborator: implementations must bound their own I/O so
// that an unavailable store degrades the estimate instead of hanging
// execution.
type TimingStore interface {
	// Percentile returns the pct-th percentile duration recorded for
	// class. ok is false when no history exists.
	Percentile(ctx context.Context, class string, pct float64) (d time.Duration, ok bool, err error)

	// Record stores one observed execution duration.
	Record(ctx context.Context, class string, d time.Duration, exitCode int) error
}

const storeOpTimeout = 2 * time.Second

// SQLiteStore persists execution timings in a local SQLite database.
type SQLiteStore struct {
	log *zap.SugaredLogger
	db  *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the timing database at
// path and ensures the schema exists.
func OpenSQLiteStore(ctx context.Context, log *zap.SugaredLogger, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("timing store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating timing store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening timing store: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, `CREATE TABLE IF NOT EXISTS executions (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  class       TEXT NOT NULL,
  duration_ms INTEGER NOT NULL,
  exit_code   INTEGER NOT NULL,
  recorded_at TEXT NOT NULL
);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrapping timing store: %w", err)
	}
	if _, err := db.ExecContext(pctx,
		`CREATE INDEX IF NOT EXISTS executions_class_duration_idx ON executions(class, duration_ms);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrapping timing store index: %w", err)
	}

	return &SQLiteStore{log: log.Named("timing_store"), db: db}, nil
}

func (s *SQLiteStore) Percentile(ctx context.Context, class string, pct float64) (time.Duration, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE class = ?`, class).Scan(&n)
	if err != nil {
		return 0, false, fmt.Errorf("counting history for %q: %w", class, err)
	}
	if n == 0 {
		return 0, false, nil
	}

	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	offset := int(pct / 100 * float64(n-1))

	var ms int64
	err = s.db.QueryRowContext(ctx,
		`SELECT duration_ms FROM executions WHERE class = ? ORDER BY duration_ms LIMIT 1 OFFSET ?`,
		class, offset).Scan(&ms)
	if err != nil {
		return 0, false, fmt.Errorf("reading percentile for %q: %w", class, err)
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

func (s *SQLiteStore) Record(ctx context.Context, class string, d time.Duration, exitCode int) error {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (class, duration_ms, exit_code, recorded_at) VALUES (?, ?, ?, ?)`,
		class, d.Milliseconds(), exitCode, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording timing for %q: %w", class, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
