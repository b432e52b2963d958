package store

import (
	"time"
)

// executionColumns is the canonical column list shared by the SQL-backed
// stores. Every SELECT uses it so scanExecution can decode rows uniformly.
// Times are stored as unix nanoseconds (0 means unset) to keep round-trips
// exact across drivers without parseTime quirks.
const executionColumns = "id, subject_key, kind, stage_type, parent_id, status, criticality, start_time_ns, end_time_ns, duration_ns, error_message, input_fingerprint, output_ref, created_at_ns"

// scannable is satisfied by *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanExecution decodes one executions row selected with executionColumns.
func scanExecution(row scannable) (Execution, error) {
	var (
		exec                          Execution
		kind, status, criticality     string
		startNS, endNS, durNS, createdNS int64
	)
	err := row.Scan(
		&exec.ID,
		&exec.SubjectKey,
		&kind,
		&exec.StageType,
		&exec.ParentID,
		&status,
		&criticality,
		&startNS,
		&endNS,
		&durNS,
		&exec.ErrorMessage,
		&exec.InputFingerprint,
		&exec.OutputRef,
		&createdNS,
	)
	if err != nil {
		return Execution{}, err
	}
	exec.Kind = Kind(kind)
	exec.Status = Status(status)
	exec.Criticality = Criticality(criticality)
	exec.StartTime = timeFromNS(startNS)
	exec.EndTime = timeFromNS(endNS)
	exec.Duration = time.Duration(durNS)
	exec.CreatedAt = timeFromNS(createdNS)
	return exec, nil
}

// insertArgs produces the VALUES arguments matching executionColumns order.
func insertArgs(exec Execution) []any {
	return []any{
		exec.ID,
		exec.SubjectKey,
		string(exec.Kind),
		exec.StageType,
		exec.ParentID,
		string(exec.Status),
		string(exec.Criticality),
		nsFromTime(exec.StartTime),
		nsFromTime(exec.EndTime),
		int64(exec.Duration),
		exec.ErrorMessage,
		exec.InputFingerprint,
		exec.OutputRef,
		nsFromTime(exec.CreatedAt),
	}
}

func nsFromTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeFromNS(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// quoteStatuses renders package-constant statuses as a SQL IN list. Inputs
// are compile-time constants, never caller data.
func quoteStatuses(statuses []Status) string {
	out := ""
	for i, s := range statuses {
		if i > 0 {
			out += ","
		}
		out += "'" + string(s) + "'"
	}
	return out
}

// terminalGuard returns the statuses a record may currently hold for the
// requested terminal transition to apply, mirroring CanTransition for the
// guarded UPDATE ... WHERE status IN (...) form the SQL stores use. The
// bool reports whether the target is ever legal for the kind.
func terminalGuard(kind Kind, target Status) ([]Status, bool) {
	switch target {
	case StatusCompleted:
		return []Status{StatusRunning}, true
	case StatusFailed:
		return []Status{StatusPending, StatusRunning}, true
	case StatusPartial:
		if kind != KindOrchestrator {
			return nil, false
		}
		return []Status{StatusRunning}, true
	case StatusSkipped:
		if kind != KindStage {
			return nil, false
		}
		return []Status{StatusPending}, true
	default:
		return nil, false
	}
}
