// Package result defines execution outcomes and status precedence.
package result

// Status is the single outcome assigned to an execution.
type Status string

const (
	StatusCompleted      Status = "COMPLETED"
	StatusFailedExitCode Status = "FAILED_EXITCODE"
	StatusFailedTimeout  Status = "FAILED_TIMEOUT"
	StatusFailedOOM      Status = "FAILED_OOM"
	StatusFailedDisk     Status = "FAILED_DISK"
	StatusFailedOutput   Status = "FAILED_OUTPUT"
	StatusFailedUnknown  Status = "FAILED_UNKNOWN"
)

// Succeeded is true only for COMPLETED.
func (s Status) Succeeded() bool {
	return s == StatusCompleted
}

// Abnormal reports an outcome caused by the engine rather than the program's own exit,
// after which a container can no longer be trusted.
func (s Status) Abnormal() bool {
	return s != StatusCompleted && s != StatusFailedExitCode
}

// ExecResult is returned for every execution that reached the runtime.
type ExecResult struct {
	Status          Status `json:"status"`
	Output          string `json:"output"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	ContainerName   string `json:"containerName,omitempty"`
	Taint           string `json:"taint,omitempty"`
}

// ApiStatus is the health of the container runtime connection.
type ApiStatus string

const (
	ApiStatusOK               ApiStatus = "OK"
	ApiStatusUninitialised    ApiStatus = "UNINITIALISED"
	ApiStatusFailed           ApiStatus = "FAILED"
	ApiStatusSlowResponseTime ApiStatus = "SLOW_RESPONSE_TIME"
)

// Observations collects what the wait loop and watchdogs saw.
type Observations struct {
	Stopped        bool
	ExitCode       int
	OOMKilled      bool
	TimedOut       bool
	DiskKilled     bool
	OutputOverflow bool
}

// Resolve applies the status precedence. Later checks override earlier ones:
// exit code, then OOM, timeout, disk and finally output overflow.
func Resolve(o Observations) Status {
	status := StatusFailedUnknown
	if o.Stopped {
		if o.ExitCode == 0 {
			status = StatusCompleted
		} else {
			status = StatusFailedExitCode
		}
	}
	if o.OOMKilled {
		status = StatusFailedOOM
	}
	if o.TimedOut {
		status = StatusFailedTimeout
	}
	if o.DiskKilled {
		status = StatusFailedDisk
	}
	if o.OutputOverflow {
		status = StatusFailedOutput
	}
	return status
}
