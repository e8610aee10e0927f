package rangecleanup

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/range-sharding/chunkmover/pkg/catalog"
	"github.com/range-sharding/chunkmover/pkg/config"
	"github.com/range-sharding/chunkmover/pkg/models/migrations"
	"github.com/range-sharding/chunkmover/pkg/models/moverror"
	"github.com/range-sharding/chunkmover/pkg/movlog"
	"github.com/range-sharding/chunkmover/pkg/statistics"
	"github.com/range-sharding/chunkmover/taskdb"
)

// Scheduler owns execution of range deletion tasks on this shard.
//
// Submit validates the task against the catalog, then runs the deletion in
// the background: a task whose collection id no longer matches the live
// incarnation of its namespace is dropped from the task store instead of
// executed. Resubmit replays every decided task found in the store, which
// is how deletions survive a crash.
type Scheduler interface {
	SubmitRangeDeletionTask(ctx context.Context, task *migrations.RangeDeletionTask) *CleanupNotification
	ResubmitRangeDeletionTasks(ctx context.Context) (int, error)
}

type CleanupScheduler struct {
	baseCtx context.Context
	db      taskdb.TaskDB
	cat     catalog.Catalog
	cleaner RangeCleaner
	sem     *semaphore.Weighted
}

var _ Scheduler = &CleanupScheduler{}

// NewCleanupScheduler builds a scheduler bound to ctx: deletions in
// flight stop when ctx is cancelled, waiters included.
func NewCleanupScheduler(ctx context.Context, db taskdb.TaskDB, cat catalog.Catalog, cleaner RangeCleaner) *CleanupScheduler {
	workers := config.MoverConfig().MaxCleanupWorkers
	if workers <= 0 {
		workers = 4
	}
	return &CleanupScheduler{
		baseCtx: ctx,
		db:      db,
		cat:     cat,
		cleaner: cleaner,
		sem:     semaphore.NewWeighted(workers),
	}
}

func (s *CleanupScheduler) SubmitRangeDeletionTask(ctx context.Context, task *migrations.RangeDeletionTask) *CleanupNotification {
	notif := NewCleanupNotification()

	if task.Pending {
		notif.Resolve(moverror.Newf(moverror.MOVER_INVALID_TASK, "range deletion task \"%s\" is still pending", task.ID))
		return notif
	}

	col, err := s.cat.GetCollection(ctx, task.Namespace)
	if err != nil || col.CollectionID != task.CollectionID {
		// The namespace is gone or was recreated since the task was
		// written. The bounds cannot be trusted anymore; the verdict is
		// reported and the caller decides what to do with the task record.
		movlog.Zero.Info().
			Str("task", task.ID).
			Str("namespace", task.Namespace).
			Msg("rangecleanup: range deletion task references a stale collection")
		notif.Resolve(moverror.Newf(moverror.MOVER_INVALID_TASK, "range deletion task \"%s\" references a stale collection", task.ID))
		return notif
	}

	go s.runCleanup(notif, task, col)
	return notif
}

func (s *CleanupScheduler) runCleanup(notif *CleanupNotification, task *migrations.RangeDeletionTask, col *catalog.Collection) {
	ctx := s.baseCtx

	if task.Urgency == migrations.CleanupDelayed {
		select {
		case <-time.After(config.MoverConfig().DelayedCleanupGrace):
		case <-ctx.Done():
			notif.Resolve(ctx.Err())
			return
		}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		notif.Resolve(err)
		return
	}
	defer s.sem.Release(1)

	t := time.Now()
	deleted, err := s.cleaner.DeleteRange(ctx, col, task.Range)
	statistics.RecordCleanupOperation("DeleteRange", time.Since(t))
	if err != nil {
		movlog.Zero.Error().Err(err).
			Str("task", task.ID).
			Str("range", task.Range.String()).
			Msg("rangecleanup: range deletion failed")
		notif.Resolve(err)
		return
	}

	movlog.Zero.Info().
		Str("task", task.ID).
		Str("range", task.Range.String()).
		Int64("rows", deleted).
		Msg("rangecleanup: range deletion finished")

	// Removing the task record marks the deletion durable. Another node
	// may have swept it away already, that is fine.
	if err := s.db.RemoveRangeDeletionTask(ctx, task.ID); err != nil && moverror.CodeOf(err) != moverror.MOVER_OBJECT_NOT_EXIST {
		notif.Resolve(err)
		return
	}
	notif.Resolve(nil)
}

// ResubmitRangeDeletionTasks schedules every decided task persisted in the
// task store. The scan collects first and submits after, so nothing
// mutates the store while it is being iterated. Pending tasks stay
// untouched: their migration has not reached a decision yet. Tasks the
// submission reports invalid are discarded from the store in a second
// pass.
func (s *CleanupScheduler) ResubmitRangeDeletionTasks(ctx context.Context) (int, error) {
	var decided []*taskdb.RangeDeletionTask
	err := s.db.ForEachRangeDeletionTask(ctx, func(task *taskdb.RangeDeletionTask) error {
		if task.Pending {
			movlog.Zero.Debug().
				Str("task", task.TaskID).
				Msg("rangecleanup: leaving pending range deletion task untouched")
			return nil
		}
		decided = append(decided, task)
		return nil
	})
	if err != nil {
		return 0, err
	}

	submitted := 0
	var invalid []string
	for _, dbTask := range decided {
		task := migrations.TaskFromDB(dbTask)
		if err := s.cat.RefreshCollection(ctx, task.Namespace); err != nil {
			movlog.Zero.Warn().Err(err).
				Str("namespace", task.Namespace).
				Msg("rangecleanup: metadata refresh failed")
		}

		notif := s.SubmitRangeDeletionTask(ctx, task)
		if notif.Ready() && moverror.CodeOf(notif.Wait(ctx)) == moverror.MOVER_INVALID_TASK {
			invalid = append(invalid, task.ID)
			continue
		}
		notif.Abandon()
		submitted++
	}

	for _, id := range invalid {
		movlog.Zero.Info().Str("task", id).Msg("rangecleanup: discarding invalid range deletion task")
		if err := s.db.RemoveRangeDeletionTask(ctx, id); err != nil {
			movlog.Zero.Error().Err(err).Str("task", id).Msg("rangecleanup: failed to discard invalid task")
		}
	}
	return submitted, nil
}

// DispatchRecoverySweep resubmits persisted tasks after a short delay,
// giving the rest of startup time to settle.
func (s *CleanupScheduler) DispatchRecoverySweep() {
	go func() {
		select {
		case <-time.After(config.MoverConfig().SweepDelay):
		case <-s.baseCtx.Done():
			return
		}

		submitted, err := s.ResubmitRangeDeletionTasks(s.baseCtx)
		if err != nil {
			movlog.Zero.Error().Err(err).Msg("rangecleanup: recovery sweep failed")
			return
		}
		movlog.Zero.Info().
			Int("submitted", submitted).
			Msg("rangecleanup: recovery sweep finished")
	}()
}
