package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vorrawut/DebuggyDuckyMCP/internal/database"
	"github.com/vorrawut/DebuggyDuckyMCP/internal/metrics"
	"github.com/vorrawut/DebuggyDuckyMCP/trace"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// Store is the durable audit trail: submitted tasks, terminal results, and
// trace stage transitions. It satisfies the orchestrator's Archiver contract
// and hands out a trace sink for stage persistence.
type Store struct {
	pool    *database.PoolManager
	metrics *metrics.Collector
	logger  *zap.Logger
}

// New builds a store over an initialized connection pool. The collector may
// be nil.
func New(pool *database.PoolManager, collector *metrics.Collector, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("store: nil pool")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:    pool,
		metrics: collector,
		logger:  logger.Named("store"),
	}, nil
}

// AutoMigrate creates or updates the schema through gorm. Deployments run
// versioned SQL migrations instead; this path serves sqlite and tests.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.pool.DB().WithContext(ctx).AutoMigrate(&TaskRow{}, &ExecutionRow{}, &TraceStageRow{})
}

// ArchiveTask persists one submitted task. Re-archiving the same task is a
// no-op: the row is immutable once written, like the task itself.
func (s *Store) ArchiveTask(ctx context.Context, task types.Task) error {
	row := newTaskRow(task)
	err := s.pool.DB().WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	s.metrics.StoreWrite(row.TableName(), err)
	if err != nil {
		return types.NewError(types.ErrStoreUnavailable, "task archive failed").WithCause(err)
	}
	return nil
}

// ArchiveResult persists one terminal result. A retried write for the same
// task replaces the row so the archive matches what the caller saw last.
func (s *Store) ArchiveResult(ctx context.Context, res types.ExecutionResult) error {
	row, err := newExecutionRow(res)
	if err != nil {
		return types.NewError(types.ErrInternal, "result not serializable").WithCause(err)
	}
	err = s.pool.DB().WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	s.metrics.StoreWrite(row.TableName(), err)
	if err != nil {
		return types.NewError(types.ErrStoreUnavailable, "result archive failed").WithCause(err)
	}
	return nil
}

// LoadResult returns the archived terminal result of a task, reporting
// false when none exists.
func (s *Store) LoadResult(ctx context.Context, taskID string) (types.ExecutionResult, bool, error) {
	var row ExecutionRow
	err := s.pool.DB().WithContext(ctx).First(&row, "task_id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ExecutionResult{}, false, nil
	}
	if err != nil {
		return types.ExecutionResult{}, false, types.NewError(types.ErrStoreUnavailable,
			"result lookup failed").WithCause(err)
	}
	res, err := row.Result()
	if err != nil {
		return types.ExecutionResult{}, false, types.NewError(types.ErrInternal,
			"archived result corrupt").WithCause(err)
	}
	return res, true, nil
}

// LoadTask returns an archived task, reporting false when none exists.
func (s *Store) LoadTask(ctx context.Context, taskID string) (types.Task, bool, error) {
	var row TaskRow
	err := s.pool.DB().WithContext(ctx).First(&row, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Task{}, false, nil
	}
	if err != nil {
		return types.Task{}, false, types.NewError(types.ErrStoreUnavailable,
			"task lookup failed").WithCause(err)
	}
	return row.Task(), true, nil
}

// AppendStage persists one trace stage transition.
func (s *Store) AppendStage(ctx context.Context, taskID string, tr trace.Transition) error {
	row := newStageRow(taskID, tr)
	err := s.pool.DB().WithContext(ctx).Create(&row).Error
	s.metrics.StoreWrite(row.TableName(), err)
	if err != nil {
		return types.NewError(types.ErrStoreUnavailable, "stage append failed").WithCause(err)
	}
	return nil
}

// TraceOf rebuilds a task's trace record from the archive, in stage order.
func (s *Store) TraceOf(ctx context.Context, taskID string) (trace.Record, error) {
	var rows []TraceStageRow
	err := s.pool.DB().WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return trace.Record{}, types.NewError(types.ErrStoreUnavailable,
			"trace lookup failed").WithCause(err)
	}

	rec := trace.Record{TaskID: taskID, Stages: make([]trace.Transition, 0, len(rows))}
	for _, row := range rows {
		rec.Stages = append(rec.Stages, row.transition())
	}
	return rec, nil
}

// HistoryEntry pairs an archived task with its terminal outcome, if one
// was recorded.
type HistoryEntry struct {
	Task   types.Task
	Result *types.ExecutionResult
}

// History returns the most recently submitted tasks with their outcomes,
// newest first. limit <= 0 picks 50.
func (s *Store) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	var tasks []TaskRow
	err := s.pool.DB().WithContext(ctx).
		Order("submitted_at desc").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "history query failed").WithCause(err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	ids := make([]string, len(tasks))
	for i, row := range tasks {
		ids[i] = row.ID
	}
	var results []ExecutionRow
	err = s.pool.DB().WithContext(ctx).
		Where("task_id IN ?", ids).
		Find(&results).Error
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "history query failed").WithCause(err)
	}

	byTask := make(map[string]ExecutionRow, len(results))
	for _, row := range results {
		byTask[row.TaskID] = row
	}

	entries := make([]HistoryEntry, 0, len(tasks))
	for _, row := range tasks {
		entry := HistoryEntry{Task: row.Task()}
		if resRow, ok := byTask[row.ID]; ok {
			res, err := resRow.Result()
			if err != nil {
				s.logger.Warn("archived result corrupt, skipping",
					zap.String("task_id", row.ID), zap.Error(err))
			} else {
				entry.Result = &res
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Ping checks the underlying connection.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close shuts the connection pool down.
func (s *Store) Close() error { return s.pool.Close() }

// Sink returns a trace sink that persists every stage transition. Write
// failures are logged and dropped: stage persistence must never stall or
// fail the execution path.
func (s *Store) Sink() trace.Sink { return storeSink{s} }

type storeSink struct {
	store *Store
}

func (ss storeSink) Stage(ctx context.Context, rec trace.Record, tr trace.Transition) {
	// The caller's context may already be cancelled when the terminal stage
	// lands; the write still belongs in the archive.
	if err := ss.store.AppendStage(context.WithoutCancel(ctx), rec.TaskID, tr); err != nil {
		ss.store.logger.Warn("trace stage persist failed",
			zap.String("task_id", rec.TaskID),
			zap.String("stage", string(tr.Stage)),
			zap.Error(err))
	}
}
