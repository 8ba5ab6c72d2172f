// Package sandbox defines the execution backend contract used by the worker and control API.
package sandbox

import (
	"context"
	"time"

	"sandboxd/internal/sandbox/execconfig"
	"sandboxd/internal/sandbox/result"
)

// Backend runs one ExecutionConfig to completion.
//
// Execution outcomes (timeouts, exit codes, limits) are reported through ExecResult.Status.
// Returned errors are either configuration errors or RuntimeUnavailable, which callers may retry.
type Backend interface {
	Execute(ctx context.Context, cfg execconfig.ExecutionConfig) (result.ExecResult, error)

	// APIStatus is the current health of the runtime connection.
	APIStatus() result.ApiStatus
	// SmoothedCallTime is the moving average of runtime call durations.
	SmoothedCallTime() time.Duration
	// Version reports the runtime's version string.
	Version(ctx context.Context) (string, error)

	// SetTimeoutMultiplier scales every execution timeout. Values below 1 are rejected.
	SetTimeoutMultiplier(m int) error
	TimeoutMultiplier() int

	// Stop kills running containers and releases runtime resources.
	Stop(ctx context.Context) error
}
