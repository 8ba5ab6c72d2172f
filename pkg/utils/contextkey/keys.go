package contextkey

// Key is the context key type shared by the logger and the HTTP middleware.
type Key string

const (
	TraceID   Key = "trace_id"
	RequestID Key = "request_id"
	JobID     Key = "job_id"
	Container Key = "container"
)
