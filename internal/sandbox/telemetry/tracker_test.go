package telemetry_test

import (
	"errors"
	"testing"
	"time"

	"sandboxd/internal/sandbox/result"
	"sandboxd/internal/sandbox/telemetry"
)

func TestCallTrackerSmoothing(t *testing.T) {
	t.Parallel()

	tr := telemetry.NewCallTracker(nil)
	tr.MarkInitialised()

	// 8000 >> 3 = 1000
	tr.Record("inspect", 8000*time.Millisecond, false)
	if got := tr.Smoothed(); got != 1000*time.Millisecond {
		t.Fatalf("Smoothed() = %v, want 1s", got)
	}
	// 1000>>3 + 1000 - 1000>>3 = 1000
	tr.Record("inspect", 1000*time.Millisecond, false)
	if got := tr.Smoothed(); got != 1000*time.Millisecond {
		t.Fatalf("Smoothed() = %v, want 1s", got)
	}
	// 16000>>3 + 1000 - 125 = 2875
	tr.Record("inspect", 16000*time.Millisecond, false)
	if got := tr.Smoothed(); got != 2875*time.Millisecond {
		t.Fatalf("Smoothed() = %v, want 2.875s", got)
	}
}

func TestCallTrackerStatus(t *testing.T) {
	t.Parallel()

	tr := telemetry.NewCallTracker(nil)
	if got := tr.Status(); got != result.ApiStatusUninitialised {
		t.Fatalf("Status() = %s, want UNINITIALISED", got)
	}

	tr.MarkInitialised()
	if got := tr.Status(); got != result.ApiStatusOK {
		t.Fatalf("Status() = %s, want OK", got)
	}

	tr.Record("create", 0, true)
	if got := tr.Status(); got != result.ApiStatusFailed {
		t.Fatalf("Status() = %s, want FAILED", got)
	}

	for i := 0; i < 40; i++ {
		tr.Record("create", 5*time.Second, false)
	}
	if got := tr.Status(); got != result.ApiStatusSlowResponseTime {
		t.Fatalf("Status() = %s, want SLOW_RESPONSE_TIME", got)
	}
}

func TestCallTrackerTrack(t *testing.T) {
	t.Parallel()

	var seen []string
	tr := telemetry.NewCallTracker(func(op string, _ time.Duration, err error) {
		if err != nil {
			op += ":err"
		}
		seen = append(seen, op)
	})
	tr.MarkInitialised()

	boom := errors.New("dial unix /var/run/docker.sock: connect: no such file")
	unavailable := func(err error) bool { return err == boom }

	if err := tr.Track("ping", unavailable, func() error { return boom }); err != boom {
		t.Fatalf("Track() error = %v", err)
	}
	if tr.Status() != result.ApiStatusFailed {
		t.Fatalf("expected FAILED after unavailable call")
	}
	if err := tr.Track("ping", unavailable, func() error { return nil }); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if tr.Status() != result.ApiStatusOK {
		t.Fatalf("expected OK after successful call")
	}
	if len(seen) != 2 || seen[0] != "ping:err" || seen[1] != "ping" {
		t.Fatalf("observer saw %v", seen)
	}
}
