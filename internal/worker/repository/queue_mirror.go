package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"sandboxd/internal/common/cache"
	"sandboxd/internal/worker"
	appErr "sandboxd/pkg/errors"
	"sandboxd/pkg/utils/logger"
)

const (
	queueKeyPrefix = "sandboxd:queue:"
	poolKeyPrefix  = "sandboxd:pool:"
)

// QueueSource is the part of a worker the mirror reads.
type QueueSource interface {
	Statuses() []worker.JobStatus
	SmoothedWaitTime() time.Duration
	NumThreads() int
}

// PoolSnapshot is the pool summary stored next to the queue.
type PoolSnapshot struct {
	Threads            int
	SmoothedWaitTimeMs int64
	Waiting            int
	Running            int
	UpdatedAt          time.Time
}

// QueueMirror copies the worker queue into Redis so other processes can read it.
// Keys expire after TTL, so a dead node disappears on its own.
type QueueMirror struct {
	cache  cache.Cache
	source QueueSource
	nodeID string
	TTL    time.Duration
}

// NewQueueMirror creates a mirror for nodeID.
func NewQueueMirror(cacheClient cache.Cache, source QueueSource, nodeID string, ttl time.Duration) *QueueMirror {
	return &QueueMirror{cache: cacheClient, source: source, nodeID: nodeID, TTL: ttl}
}

// Sync writes one snapshot.
func (m *QueueMirror) Sync(ctx context.Context) error {
	if m.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	statuses := m.source.Statuses()
	members := make([]cache.ZMember, 0, len(statuses))
	var waiting, running int
	for _, st := range statuses {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal job status failed: %w", err)
		}
		members = append(members, cache.ZMember{Score: float64(st.ID), Member: string(data)})
		if st.State == worker.StateRunning {
			running++
		} else {
			waiting++
		}
	}
	if err := m.cache.ReplaceSortedSet(ctx, queueKeyPrefix+m.nodeID, members, m.TTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store queue snapshot failed")
	}

	poolKey := poolKeyPrefix + m.nodeID
	fields := map[string]interface{}{
		"threads":            m.source.NumThreads(),
		"smoothedWaitTimeMs": m.source.SmoothedWaitTime().Milliseconds(),
		"waiting":            waiting,
		"running":            running,
		"updatedAt":          time.Now().UnixMilli(),
	}
	if err := m.cache.HSet(ctx, poolKey, fields); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store pool snapshot failed")
	}
	if m.TTL > 0 {
		if err := m.cache.Expire(ctx, poolKey, m.TTL); err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "expire pool snapshot failed")
		}
	}
	return nil
}

// Run syncs every interval until ctx is done. Failures are logged and retried on the next tick.
func (m *QueueMirror) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.Sync(ctx); err != nil && ctx.Err() == nil {
			logger.Warn(ctx, "queue mirror sync failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// LoadQueue reads the queue mirrored by nodeID.
func LoadQueue(ctx context.Context, cacheClient cache.Cache, nodeID string) ([]worker.JobStatus, error) {
	members, err := cacheClient.ZRangeWithScores(ctx, queueKeyPrefix+nodeID, 0, -1)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "load queue snapshot failed")
	}
	out := make([]worker.JobStatus, 0, len(members))
	for _, m := range members {
		var st worker.JobStatus
		if err := json.Unmarshal([]byte(m.Member), &st); err != nil {
			return nil, appErr.Wrapf(err, appErr.CacheError, "decode job status failed")
		}
		out = append(out, st)
	}
	return out, nil
}

// LoadPool reads the pool summary mirrored by nodeID.
func LoadPool(ctx context.Context, cacheClient cache.Cache, nodeID string) (PoolSnapshot, error) {
	fields, err := cacheClient.HGetAll(ctx, poolKeyPrefix+nodeID)
	if err != nil {
		return PoolSnapshot{}, appErr.Wrapf(err, appErr.CacheError, "load pool snapshot failed")
	}
	if len(fields) == 0 {
		return PoolSnapshot{}, appErr.New(appErr.NotFound).WithMessage("pool snapshot not found")
	}
	atoi := func(k string) int64 {
		v, _ := strconv.ParseInt(fields[k], 10, 64)
		return v
	}
	return PoolSnapshot{
		Threads:            int(atoi("threads")),
		SmoothedWaitTimeMs: atoi("smoothedWaitTimeMs"),
		Waiting:            int(atoi("waiting")),
		Running:            int(atoi("running")),
		UpdatedAt:          time.UnixMilli(atoi("updatedAt")),
	}, nil
}
