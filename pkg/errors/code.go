package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20099: Execution configuration errors (never retried)
// 20100-20199: Container runtime errors
// 20200-20299: Worker & queue errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache & messaging errors (10200-10299)
	CacheError     ErrorCode = 10200
	PublishFailed  ErrorCode = 10210
	StorageFailed  ErrorCode = 10220
	ArchiveFailed  ErrorCode = 10221
	EncodingFailed ErrorCode = 10230

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Execution Configuration Errors (20000-20099) ==========

	UnknownBinding      ErrorCode = 20000
	MalformedCommand    ErrorCode = 20001
	InvalidRestrictions ErrorCode = 20002
	InvalidExecConfig   ErrorCode = 20003
	BindingApplyFailed  ErrorCode = 20004

	// ========== Container Runtime Errors (20100-20199) ==========

	RuntimeUnavailable    ErrorCode = 20100
	ContainerCreateFailed ErrorCode = 20101
	ContainerStartFailed  ErrorCode = 20102
	ContainerProcessDead  ErrorCode = 20103
	ContainerRetryNeeded  ErrorCode = 20104
	SwizzleFailed         ErrorCode = 20105
	ContainerExecFailed   ErrorCode = 20106

	// ========== Worker & Queue Errors (20200-20299) ==========

	WorkerStopped            ErrorCode = 20200
	InvalidPoolSize          ErrorCode = 20201
	InvalidTimeoutMultiplier ErrorCode = 20202
	JobPanicked              ErrorCode = 20203
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success: "Success",

	// Generic
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Cache & messaging
	CacheError:     "Cache operation failed",
	PublishFailed:  "Failed to publish message",
	StorageFailed:  "Object storage operation failed",
	ArchiveFailed:  "Failed to archive execution output",
	EncodingFailed: "Failed to encode payload",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Configuration
	UnknownBinding:      "Unknown binding",
	MalformedCommand:    "Malformed command",
	InvalidRestrictions: "Invalid container restrictions",
	InvalidExecConfig:   "Invalid execution config",
	BindingApplyFailed:  "Failed to apply binding",

	// Container runtime
	RuntimeUnavailable:    "Container runtime unavailable",
	ContainerCreateFailed: "Failed to create container",
	ContainerStartFailed:  "Failed to start container",
	ContainerProcessDead:  "Container process is already dead",
	ContainerRetryNeeded:  "Container execution needs to be retried",
	SwizzleFailed:         "Failed to stage files for reused container",
	ContainerExecFailed:   "Container execution failed",

	// Worker
	WorkerStopped:            "Worker has been stopped",
	InvalidPoolSize:          "Invalid worker pool size",
	InvalidTimeoutMultiplier: "Invalid timeout multiplier",
	JobPanicked:              "Job panicked",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the corresponding HTTP status code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound:
		return 404
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == RuntimeUnavailable, c == WorkerStopped:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c >= 20000 && c < 20100: // Configuration errors
		return 400
	case c == InvalidParams, c == InvalidPoolSize, c == InvalidTimeoutMultiplier:
		return 400
	default:
		return 500
	}
}

// Retryable reports whether an error with this code is worth retrying later.
func (c ErrorCode) Retryable() bool {
	switch c {
	case RuntimeUnavailable, ContainerProcessDead, ContainerRetryNeeded, ServiceUnavailable:
		return true
	default:
		return false
	}
}
