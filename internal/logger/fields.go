package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the call chain via context.
const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldTaskID is the search task ID
	FieldTaskID = "task_id"

	// FieldOwnerID is the user the task bills
	FieldOwnerID = "owner_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldSource is the lookup source variant
	FieldSource = "source"
)

// Metric fields, used for aggregation and alerting.
const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldAttempt is the 1-based attempt number of a fetch
	FieldAttempt = "attempt"

	// FieldUnit is the billable unit type
	FieldUnit = "unit"

	// FieldSize is the response size in bytes
	FieldSize = "size"
)
