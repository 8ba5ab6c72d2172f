package watchdog

import (
	"sync"
	"sync/atomic"
	"time"

	appErr "sandboxd/pkg/errors"
)

// TimeoutKiller runs kill once the deadline passes unless cancelled first.
type TimeoutKiller struct {
	timer *time.Timer
	fired atomic.Bool
	wg    sync.WaitGroup
}

// StartTimeoutKiller schedules kill after timeoutSec*multiplier seconds.
// Nothing is scheduled when timeoutSec is zero or negative.
func StartTimeoutKiller(timeoutSec, multiplier int, kill func()) *TimeoutKiller {
	k := &TimeoutKiller{}
	if timeoutSec <= 0 {
		return k
	}
	if multiplier < 1 {
		multiplier = 1
	}
	k.wg.Add(1)
	k.timer = time.AfterFunc(time.Duration(timeoutSec*multiplier)*time.Second, func() {
		defer k.wg.Done()
		k.fired.Store(true)
		kill()
	})
	return k
}

// Fired reports whether the deadline passed and kill ran.
func (k *TimeoutKiller) Fired() bool {
	return k.fired.Load()
}

// Cancel stops a pending kill. If kill is already running Cancel waits for it to return.
func (k *TimeoutKiller) Cancel() {
	if k.timer == nil {
		return
	}
	if k.timer.Stop() {
		k.wg.Done()
		return
	}
	k.wg.Wait()
}

// Multiplier scales execution timeouts, typically raised while the host is overloaded.
type Multiplier struct {
	v atomic.Int32
}

// NewMultiplier starts at 1.
func NewMultiplier() *Multiplier {
	m := &Multiplier{}
	m.v.Store(1)
	return m
}

// Set rejects values below 1.
func (m *Multiplier) Set(n int) error {
	if n < 1 {
		return appErr.Newf(appErr.InvalidTimeoutMultiplier, "timeout multiplier must be at least 1, got %d", n)
	}
	m.v.Store(int32(n))
	return nil
}

func (m *Multiplier) Get() int {
	return int(m.v.Load())
}
