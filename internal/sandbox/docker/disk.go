package docker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sandboxd/pkg/utils/logger"
)

// diskKiller polls the container's writable layer and kills it once the limit is exceeded.
type diskKiller struct {
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu           sync.Mutex
	wasKilled    bool
	bytesWritten int64
}

// startDiskKiller does nothing when limit is zero or negative.
func startDiskKiller(ctx context.Context, e *engine, id string, limit int64) *diskKiller {
	d := &diskKiller{done: make(chan struct{})}
	if limit <= 0 {
		return d
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(e.cfg.DiskPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.done:
				return
			case <-ticker.C:
			}
			st, err := e.inspect(ctx, id, true)
			if err != nil {
				if !isNotFound(err) {
					logger.Warn(ctx, "disk usage check failed", zap.String("id", id), zap.Error(err))
				}
				continue
			}
			if st.SizeRw <= limit {
				continue
			}
			d.mu.Lock()
			d.wasKilled = true
			d.bytesWritten = st.SizeRw
			d.mu.Unlock()
			e.metrics.ObserveKill("disk")
			e.kill(ctx, id)
			return
		}
	}()
	return d
}

func (d *diskKiller) stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *diskKiller) killed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wasKilled
}

func (d *diskKiller) usage() (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytesWritten, d.wasKilled
}
