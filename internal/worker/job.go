// Package worker runs chains of jobs on a resizable goroutine pool.
package worker

import (
	"context"
	"time"

	"sandboxd/internal/sandbox"
	"sandboxd/internal/sandbox/binding"
)

// JobResult tells the worker what to do after a job returns.
type JobResult int

const (
	// ResultOK moves on to the next job in the chain.
	ResultOK JobResult = iota
	// ResultRetry runs the same job again after a pause.
	ResultRetry
	// ResultFailed abandons the rest of the chain.
	ResultFailed
)

func (r JobResult) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultRetry:
		return "RETRY"
	case ResultFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Job is one unit of work. An error is logged and treated as ResultFailed.
type Job interface {
	Execute(ctx context.Context, svc *Services) (JobResult, error)
	Description() string
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	Desc string
	Fn   func(ctx context.Context, svc *Services) (JobResult, error)
}

func (f JobFunc) Execute(ctx context.Context, svc *Services) (JobResult, error) {
	return f.Fn(ctx, svc)
}

func (f JobFunc) Description() string {
	return f.Desc
}

// StepEvent reports the outcome of one executed step to downstream consumers.
type StepEvent struct {
	EventID         string    `json:"eventId"`
	Execution       string    `json:"execution"`
	Step            string    `json:"step"`
	Status          string    `json:"status"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	ContainerName   string    `json:"containerName,omitempty"`
	Taint           string    `json:"taint,omitempty"`
	OutputBytes     int       `json:"outputBytes"`
	ArchiveKey      string    `json:"archiveKey,omitempty"`
	ErrorCode       int       `json:"errorCode,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Publisher delivers step events. Implementations must be safe for concurrent use.
type Publisher interface {
	PublishStep(ctx context.Context, ev StepEvent) error
}

// Archiver stores full execution transcripts and returns the key they were stored under.
type Archiver interface {
	Archive(ctx context.Context, key string, transcript []byte) (string, error)
}

// ExecutionRecord is the final summary of one execution.
type ExecutionRecord struct {
	ID           string      `json:"id"`
	Description  string      `json:"description"`
	Result       string      `json:"result"`
	Steps        []StepEvent `json:"steps"`
	ErrorCode    int         `json:"errorCode,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	StartedAt    time.Time   `json:"startedAt"`
	FinishedAt   time.Time   `json:"finishedAt"`
}

// HistoryRecorder persists execution records.
type HistoryRecorder interface {
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
}

// Services is handed to every job.
type Services struct {
	Backend   sandbox.Backend
	Resolver  *binding.Resolver
	Publisher Publisher
	Archiver  Archiver
	History   HistoryRecorder
	// LocalUserID is the uid containers should map files to.
	LocalUserID int
}
