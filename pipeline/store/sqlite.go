package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of ExecutionStore.
//
// It keeps execution records in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-node deployments that need durability across restarts
//   - Prototyping before migrating to MySQL or Postgres
//
// The single-flight guarantee is enforced with a partial unique index over
// active orchestrators, so concurrent inserts race inside SQLite itself and
// exactly one wins. WAL mode keeps status readers unblocked by writers.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./audit.db" - file in current directory
//   - "/var/lib/auditflow/audit.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically:
//   - Creates the database file if it doesn't exist
//   - Creates the executions schema
//   - Enables WAL mode for concurrent reads
//   - Sets a 5s busy timeout so brief lock contention retries internally
//
// Example:
//
//	st, err := store.NewSQLiteStore("./audit.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the executions schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT NOT NULL PRIMARY KEY,
			subject_key TEXT NOT NULL,
			kind TEXT NOT NULL,
			stage_type TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			criticality TEXT NOT NULL DEFAULT '',
			start_time_ns INTEGER NOT NULL DEFAULT 0,
			end_time_ns INTEGER NOT NULL DEFAULT 0,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			input_fingerprint TEXT NOT NULL DEFAULT '',
			output_ref TEXT NOT NULL DEFAULT '',
			created_at_ns INTEGER NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create executions table: %w", err)
	}

	// Guard lookups hit (subject_key, status); child enumeration hits
	// parent_id; the reaper scans by status.
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_executions_subject_status ON executions(subject_key, status)",
		"CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_id)",
		"CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)",
		// Single-flight: at most one active orchestrator per subject key.
		// Concurrent second inserts fail with a UNIQUE violation that
		// Insert maps to ErrDuplicateActive.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_active
			ON executions(subject_key)
			WHERE kind = 'orchestrator' AND status IN ('pending', 'running')`,
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Insert persists a new record, enforcing single-flight for orchestrators.
func (s *SQLiteStore) Insert(ctx context.Context, exec Execution) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ValidateInsert(exec); err != nil {
		return err
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}

	query := `INSERT INTO executions (` + executionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, insertArgs(exec)...); err != nil {
		// The partial unique index reports violations against subject_key.
		if strings.Contains(err.Error(), "UNIQUE constraint failed: executions.subject_key") {
			return ErrDuplicateActive
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// Get returns the record with the given ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Execution, error) {
	if err := s.checkOpen(); err != nil {
		return Execution{}, err
	}

	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = ?`
	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, ErrNotFound
	}
	if err != nil {
		return Execution{}, fmt.Errorf("failed to load execution: %w", err)
	}
	return exec, nil
}

// ActiveOrchestrator returns the pending or running orchestrator for the
// subject key.
func (s *SQLiteStore) ActiveOrchestrator(ctx context.Context, subjectKey string) (Execution, error) {
	if err := s.checkOpen(); err != nil {
		return Execution{}, err
	}

	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE subject_key = ? AND kind = 'orchestrator' AND status IN ('pending', 'running')
		LIMIT 1
	`
	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, subjectKey))
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, ErrNotFound
	}
	if err != nil {
		return Execution{}, fmt.Errorf("failed to load active orchestrator: %w", err)
	}
	return exec, nil
}

// LatestOrchestrator returns the most recently created orchestrator for the
// subject key regardless of status.
func (s *SQLiteStore) LatestOrchestrator(ctx context.Context, subjectKey string) (Execution, error) {
	if err := s.checkOpen(); err != nil {
		return Execution{}, err
	}

	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE subject_key = ? AND kind = 'orchestrator'
		ORDER BY created_at_ns DESC
		LIMIT 1
	`
	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, subjectKey))
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, ErrNotFound
	}
	if err != nil {
		return Execution{}, fmt.Errorf("failed to load latest orchestrator: %w", err)
	}
	return exec, nil
}

// Children returns the orchestrator's stage records, oldest first.
func (s *SQLiteStore) Children(ctx context.Context, parentID string) ([]Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE parent_id = ?
		ORDER BY created_at_ns ASC, id ASC
	`
	return s.queryExecutions(ctx, query, parentID)
}

// Running returns every record currently in status running.
func (s *SQLiteStore) Running(ctx context.Context) ([]Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE status = 'running'
		ORDER BY created_at_ns ASC
	`
	return s.queryExecutions(ctx, query)
}

func (s *SQLiteStore) queryExecutions(ctx context.Context, query string, args ...any) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	execs := make([]Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}
	return execs, nil
}

// MarkRunning transitions a pending record to running.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, at time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `UPDATE executions SET status = 'running', start_time_ns = ? WHERE id = ? AND status = 'pending'`
	res, err := s.db.ExecContext(ctx, query, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to mark running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s %s -> running", ErrInvalidTransition, cur.Kind, cur.Status)
}

// MarkTerminal transitions a record to a terminal status, idempotently. The
// guarded UPDATE carries the legal from-statuses, so racing writers (engine
// vs. reaper) resolve inside the database: exactly one update lands, the
// loser observes changed=false.
func (s *SQLiteStore) MarkTerminal(ctx context.Context, id string, status Status, at time.Time, errorMessage, outputRef string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if cur.Status.Terminal() {
		return false, nil
	}
	from, ok := terminalGuard(cur.Kind, status)
	if !ok {
		return false, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, cur.Kind, cur.Status, status)
	}

	query := fmt.Sprintf(`
		UPDATE executions
		SET status = ?,
			end_time_ns = ?,
			duration_ns = CASE WHEN start_time_ns = 0 THEN 0 ELSE ? - start_time_ns END,
			error_message = ?,
			output_ref = ?
		WHERE id = ? AND status IN (%s)
	`, quoteStatuses(from))
	res, err := s.db.ExecContext(ctx, query, string(status), at.UnixNano(), at.UnixNano(), errorMessage, outputRef, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	// Lost a race. Re-read to distinguish an idempotent no-op from an
	// illegal transition.
	cur, err = s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if cur.Status.Terminal() {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, cur.Kind, cur.Status, status)
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection. The store is unusable afterward.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path the store was opened with.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}
