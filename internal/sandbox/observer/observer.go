// Package observer defines metrics hooks for sandbox execution and the worker queue.
package observer

import (
	"context"
	"time"
)

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveRuntimeCall(op string, d time.Duration, err error)
	ObserveExecution(ctx context.Context, backend string, status string, timeMs int64, outputBytes int)
	ObserveKill(reason string)
	ObserveJob(outcome string)
	SetQueueDepth(waiting, running int)
	SetWaitTime(d time.Duration)
	SetPoolSize(n int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveRuntimeCall(string, time.Duration, error)              {}
func (Nop) ObserveExecution(context.Context, string, string, int64, int) {}
func (Nop) ObserveKill(string)                                           {}
func (Nop) ObserveJob(string)                                            {}
func (Nop) SetQueueDepth(int, int)                                       {}
func (Nop) SetWaitTime(time.Duration)                                    {}
func (Nop) SetPoolSize(int)                                              {}
