package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of ExecutionStore.
//
// Designed for multi-replica deployments where several engine, reaper, and
// status-reader processes share one database. All coordination properties
// (single-flight, guarded transitions) are enforced by MySQL itself, so any
// number of replicas may point at the same schema.
//
// MySQL has no partial indexes, so the single-flight guarantee uses a stored
// generated column: active_key mirrors subject_key while the row is an
// active orchestrator and is NULL otherwise. The unique index on active_key
// ignores NULLs, which leaves exactly one active orchestrator insertable per
// subject key.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/audit
//	user:password@tcp(127.0.0.1:3306)/audit?charset=utf8mb4
//
// Never hardcode credentials; read the DSN from the environment:
//
//	dsn := os.Getenv("MYSQL_DSN")
//	st, err := store.NewMySQLStore(dsn)
//
// The store automatically creates the executions schema, configures
// connection pooling, and verifies connectivity before returning.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the executions schema if it doesn't exist.
func (m *MySQLStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			subject_key VARCHAR(255) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			stage_type VARCHAR(64) NOT NULL DEFAULT '',
			parent_id VARCHAR(64) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			criticality VARCHAR(16) NOT NULL DEFAULT '',
			start_time_ns BIGINT NOT NULL DEFAULT 0,
			end_time_ns BIGINT NOT NULL DEFAULT 0,
			duration_ns BIGINT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL,
			input_fingerprint VARCHAR(255) NOT NULL DEFAULT '',
			output_ref VARCHAR(512) NOT NULL DEFAULT '',
			created_at_ns BIGINT NOT NULL,
			active_key VARCHAR(255) GENERATED ALWAYS AS (
				CASE WHEN kind = 'orchestrator' AND status IN ('pending', 'running')
					THEN subject_key ELSE NULL END
			) STORED,
			INDEX idx_subject_status (subject_key, status),
			INDEX idx_parent (parent_id),
			INDEX idx_status (status),
			UNIQUE KEY uniq_active_orchestrator (active_key)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create executions table: %w", err)
	}
	return nil
}

// Insert persists a new record, enforcing single-flight for orchestrators.
func (m *MySQLStore) Insert(ctx context.Context, exec Execution) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := ValidateInsert(exec); err != nil {
		return err
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}

	query := `INSERT INTO executions (` + executionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := m.db.ExecContext(ctx, query, insertArgs(exec)...); err != nil {
		if strings.Contains(err.Error(), "uniq_active_orchestrator") {
			return ErrDuplicateActive
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// Get returns the record with the given ID.
func (m *MySQLStore) Get(ctx context.Context, id string) (Execution, error) {
	if err := m.checkOpen(); err != nil {
		return Execution{}, err
	}

	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = ?`
	exec, err := scanExecution(m.db.QueryRowContext(ctx, query, id))
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
func (m *MySQLStore) ActiveOrchestrator(ctx context.Context, subjectKey string) (Execution, error) {
	if err := m.checkOpen(); err != nil {
		return Execution{}, err
	}

	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE subject_key = ? AND kind = 'orchestrator' AND status IN ('pending', 'running')
		LIMIT 1
	`
	exec, err := scanExecution(m.db.QueryRowContext(ctx, query, subjectKey))
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
func (m *MySQLStore) LatestOrchestrator(ctx context.Context, subjectKey string) (Execution, error) {
	if err := m.checkOpen(); err != nil {
		return Execution{}, err
	}

	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE subject_key = ? AND kind = 'orchestrator'
		ORDER BY created_at_ns DESC
		LIMIT 1
	`
	exec, err := scanExecution(m.db.QueryRowContext(ctx, query, subjectKey))
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, ErrNotFound
	}
	if err != nil {
		return Execution{}, fmt.Errorf("failed to load latest orchestrator: %w", err)
	}
	return exec, nil
}

// Children returns the orchestrator's stage records, oldest first.
func (m *MySQLStore) Children(ctx context.Context, parentID string) ([]Execution, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE parent_id = ?
		ORDER BY created_at_ns ASC, id ASC
	`
	return m.queryExecutions(ctx, query, parentID)
}

// Running returns every record currently in status running.
func (m *MySQLStore) Running(ctx context.Context) ([]Execution, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE status = 'running'
		ORDER BY created_at_ns ASC
	`
	return m.queryExecutions(ctx, query)
}

func (m *MySQLStore) queryExecutions(ctx context.Context, query string, args ...any) ([]Execution, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
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
func (m *MySQLStore) MarkRunning(ctx context.Context, id string, at time.Time) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	query := `UPDATE executions SET status = 'running', start_time_ns = ? WHERE id = ? AND status = 'pending'`
	res, err := m.db.ExecContext(ctx, query, at.UnixNano(), id)
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

	cur, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s %s -> running", ErrInvalidTransition, cur.Kind, cur.Status)
}

// MarkTerminal transitions a record to a terminal status, idempotently.
func (m *MySQLStore) MarkTerminal(ctx context.Context, id string, status Status, at time.Time, errorMessage, outputRef string) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}

	cur, err := m.Get(ctx, id)
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
	res, err := m.db.ExecContext(ctx, query, string(status), at.UnixNano(), at.UnixNano(), errorMessage, outputRef, id)
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

	cur, err = m.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if cur.Status.Terminal() {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, cur.Kind, cur.Status, status)
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// Close closes the database connection. The store is unusable afterward.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}
