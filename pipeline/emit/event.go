package emit

// Event represents an observability event emitted during audit execution.
//
// Events provide detailed insight into pipeline behavior:
//   - Stage execution start/complete/skip
//   - Orchestrator lifecycle transitions
//   - Errors and timeout sweeps
//   - Performance metrics
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in memory for inspection
//   - Trigger alerts
type Event struct {
	// ExecutionID identifies the orchestrator execution that emitted this
	// event. Stage events carry their parent orchestrator's ID so a whole
	// audit can be queried as one history.
	ExecutionID string

	// SubjectKey identifies the audit subject (e.g., a domain name).
	SubjectKey string

	// Stage is the stage type that emitted this event.
	// Empty string for orchestrator-level events.
	Stage string

	// Msg is a human-readable description of the event.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Execution duration in milliseconds
	//   - "error": Error details
	//   - "status": Terminal status of an execution
	//   - "criticality": Stage criticality
	//   - "output_ref": Artifact reference produced by a stage
	Meta map[string]interface{}
}
