package controller

// ResizePoolRequest is the body of PUT /pool.
type ResizePoolRequest struct {
	Threads int `json:"threads" binding:"required"`
}

// PoolResponse describes the worker pool.
type PoolResponse struct {
	Threads            int   `json:"threads"`
	SmoothedWaitTimeMs int64 `json:"smoothedWaitTimeMs"`
}

// TimeoutMultiplierBody is used for both reading and setting the multiplier.
type TimeoutMultiplierBody struct {
	Multiplier int `json:"multiplier" binding:"required"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	APIStatus          string `json:"apiStatus"`
	SmoothedCallTimeMs int64  `json:"smoothedCallTimeMs"`
	Version            string `json:"version,omitempty"`
	VersionError       string `json:"versionError,omitempty"`
	TimeoutMultiplier  int    `json:"timeoutMultiplier"`
}

// QueueFrame is one websocket message of the queue stream.
type QueueFrame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// ScheduleResponse acknowledges a queued execution.
type ScheduleResponse struct {
	ID    string `json:"id"`
	Steps int    `json:"steps"`
}
