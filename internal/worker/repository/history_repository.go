package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"sandboxd/internal/common/db"
	"sandboxd/internal/worker"
	appErr "sandboxd/pkg/errors"
	"sandboxd/pkg/utils/logger"
)

const (
	historyTable      = "sandbox_executions"
	defaultListLimit  = 50
	maxHistoryListLen = 500
)

const createHistoryTable = `CREATE TABLE IF NOT EXISTS ` + historyTable + ` (
	id VARCHAR(128) NOT NULL PRIMARY KEY,
	node_id VARCHAR(128) NOT NULL,
	description VARCHAR(255) NOT NULL,
	result VARCHAR(16) NOT NULL,
	steps_json TEXT NOT NULL,
	error_code INTEGER NOT NULL,
	error_message TEXT NOT NULL,
	started_at BIGINT NOT NULL,
	finished_at BIGINT NOT NULL
)`

const updateHistory = `UPDATE ` + historyTable + ` SET node_id = ?, description = ?, result = ?,
	steps_json = ?, error_code = ?, error_message = ?, started_at = ?, finished_at = ? WHERE id = ?`

const historyColumns = "id, description, result, steps_json, error_code, error_message, started_at, finished_at"

// HistoryRepository stores final execution records in SQL.
type HistoryRepository struct {
	db     *db.Database
	nodeID string
}

// NewHistoryRepository creates a repository writing records for nodeID.
func NewHistoryRepository(database *db.Database, nodeID string) *HistoryRepository {
	return &HistoryRepository{db: database, nodeID: nodeID}
}

// EnsureSchema creates the history table if it is missing.
func (r *HistoryRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createHistoryTable); err != nil {
		return appErr.Wrapf(err, appErr.StorageFailed, "create %s table failed", historyTable)
	}
	return nil
}

// RecordExecution inserts rec, replacing an earlier record with the same ID.
func (r *HistoryRepository) RecordExecution(ctx context.Context, rec worker.ExecutionRecord) error {
	if rec.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	stepsJSON, err := json.Marshal(rec.Steps)
	if err != nil {
		return appErr.Wrapf(err, appErr.EncodingFailed, "marshal execution steps failed")
	}
	args := []interface{}{
		r.nodeID, rec.Description, rec.Result, string(stepsJSON), rec.ErrorCode, rec.ErrorMessage,
		rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
	}

	updateArgs := append(append(make([]interface{}, 0, len(args)+1), args...), rec.ID)
	err = r.db.Transaction(ctx, func(q db.Querier) error {
		res, err := q.ExecContext(ctx, updateHistory, updateArgs...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return nil
		}
		_, err = q.ExecContext(ctx, `INSERT INTO `+historyTable+` (id, node_id, description, result, steps_json,
			error_code, error_message, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			append([]interface{}{rec.ID}, args...)...)
		return err
	})
	// The row already exists: inserted concurrently, or mysql reported zero changed rows for an
	// identical update.
	if err != nil && db.IsUniqueViolation(err) {
		logger.Debug(ctx, "history row exists, updating", zap.String("execution", rec.ID))
		_, err = r.db.ExecContext(ctx, updateHistory, updateArgs...)
	}
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageFailed, "record execution %s failed", rec.ID)
	}
	return nil
}

// Get returns the record for id.
func (r *HistoryRepository) Get(ctx context.Context, id string) (worker.ExecutionRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM `+historyTable+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if db.IsNoRows(err) {
			return worker.ExecutionRecord{}, appErr.Newf(appErr.NotFound, "execution %s not found", id)
		}
		return worker.ExecutionRecord{}, appErr.Wrapf(err, appErr.StorageFailed, "load execution %s failed", id)
	}
	return rec, nil
}

// List returns the most recently finished records of this node, newest first.
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]worker.ExecutionRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxHistoryListLen {
		limit = maxHistoryListLen
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+historyColumns+` FROM `+historyTable+`
		WHERE node_id = ? ORDER BY finished_at DESC LIMIT ?`, r.nodeID, limit)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageFailed, "list executions failed")
	}
	defer func() { _ = rows.Close() }()

	records := make([]worker.ExecutionRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.StorageFailed, "scan execution failed")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageFailed, "list executions failed")
	}
	return records, nil
}

// PruneBefore deletes records of this node that finished before cutoff.
func (r *HistoryRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM `+historyTable+` WHERE node_id = ? AND finished_at < ?`,
		r.nodeID, cutoff.UnixMilli())
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.StorageFailed, "prune executions failed")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunPruner deletes records older than retention every interval until ctx is done.
func (r *HistoryRepository) RunPruner(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.PruneBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn(ctx, "prune execution history failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info(ctx, "pruned execution history", zap.Int64("rows", n))
			}
		}
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s rowScanner) (worker.ExecutionRecord, error) {
	var (
		rec        worker.ExecutionRecord
		stepsJSON  string
		startedMs  int64
		finishedMs int64
	)
	if err := s.Scan(&rec.ID, &rec.Description, &rec.Result, &stepsJSON, &rec.ErrorCode, &rec.ErrorMessage,
		&startedMs, &finishedMs); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &rec.Steps); err != nil {
		return rec, err
	}
	rec.StartedAt = time.UnixMilli(startedMs)
	rec.FinishedAt = time.UnixMilli(finishedMs)
	return rec, nil
}

var _ rowScanner = (*sql.Row)(nil)
