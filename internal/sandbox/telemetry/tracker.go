// Package telemetry tracks how the container runtime is responding.
package telemetry

import (
	"sync"
	"time"

	"sandboxd/internal/sandbox/result"
)

// SlowCallThreshold is the smoothed call time above which the runtime is reported as slow.
const SlowCallThreshold = 1000 * time.Millisecond

// CallTracker keeps an exponential moving average (decay 1/8) of runtime call durations.
type CallTracker struct {
	mu          sync.Mutex
	smoothedMs  int64
	initialised bool
	failed      bool
	observe     func(op string, d time.Duration, err error)
}

// NewCallTracker returns a tracker in the UNINITIALISED state. observe may be nil.
func NewCallTracker(observe func(op string, d time.Duration, err error)) *CallTracker {
	return &CallTracker{observe: observe}
}

// MarkInitialised flips the status out of UNINITIALISED once the runtime answered a ping.
func (t *CallTracker) MarkInitialised() {
	t.mu.Lock()
	t.initialised = true
	t.failed = false
	t.mu.Unlock()
}

// Record folds one call into the average. Calls that failed because the runtime was unreachable
// mark the status FAILED until the next successful call.
func (t *CallTracker) Record(op string, d time.Duration, unavailable bool) {
	ms := d.Milliseconds()
	t.mu.Lock()
	t.smoothedMs = (ms >> 3) + t.smoothedMs - (t.smoothedMs >> 3)
	t.failed = unavailable
	t.mu.Unlock()
}

// Track times fn, records it and returns fn's error. isUnavailable classifies the error.
func (t *CallTracker) Track(op string, isUnavailable func(error) bool, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	t.Record(op, d, err != nil && isUnavailable != nil && isUnavailable(err))
	if t.observe != nil {
		t.observe(op, d, err)
	}
	return err
}

// Smoothed is the current average call duration.
func (t *CallTracker) Smoothed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.smoothedMs) * time.Millisecond
}

// Status reports runtime health derived from the last call and the average.
func (t *CallTracker) Status() result.ApiStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.failed:
		return result.ApiStatusFailed
	case !t.initialised:
		return result.ApiStatusUninitialised
	case time.Duration(t.smoothedMs)*time.Millisecond > SlowCallThreshold:
		return result.ApiStatusSlowResponseTime
	default:
		return result.ApiStatusOK
	}
}
