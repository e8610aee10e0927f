// Package coord drives the donor side of chunk migrations: one durable
// coordination record per migration, a pending deletion task on each
// shard, and a write-once commit/abort decision that picks which of the
// two tasks runs. Every step is idempotent so a crashed coordination can
// be re-driven from its persisted record.
package coord

import (
	"context"
	"time"

	"github.com/range-sharding/chunkmover/pkg/catalog"
	"github.com/range-sharding/chunkmover/pkg/config"
	"github.com/range-sharding/chunkmover/pkg/messenger"
	"github.com/range-sharding/chunkmover/pkg/models/chunk"
	"github.com/range-sharding/chunkmover/pkg/models/migrations"
	"github.com/range-sharding/chunkmover/pkg/models/moverror"
	"github.com/range-sharding/chunkmover/pkg/movlog"
	"github.com/range-sharding/chunkmover/pkg/rangecleanup"
	"github.com/range-sharding/chunkmover/pkg/statistics"
	"github.com/range-sharding/chunkmover/taskdb"
)

type MigrationCoordinator struct {
	db    taskdb.TaskDB
	cat   catalog.Catalog
	msgr  messenger.Messenger
	sched rangecleanup.Scheduler

	shardID string
}

func NewMigrationCoordinator(db taskdb.TaskDB, cat catalog.Catalog, msgr messenger.Messenger, sched rangecleanup.Scheduler) *MigrationCoordinator {
	return &MigrationCoordinator{
		db:      db,
		cat:     cat,
		msgr:    msgr,
		sched:   sched,
		shardID: config.MoverConfig().ShardID,
	}
}

// StartMigration persists coordination state for a fresh migration:
// the coordination record plus a pending deletion task on each shard.
// The local writes are durable before the recipient hears anything, so
// once StartMigration returns the migration cannot be lost to a crash.
//
// A range overlapping any scheduled deletion of the same collection is a
// precondition violation: the old deletion must finish before the range
// can move again.
func (c *MigrationCoordinator) StartMigration(ctx context.Context, migrationID, recipientShardID, namespace string, rng *chunk.ChunkRange, waitForDelete bool) (*migrations.Migration, error) {
	if !rng.Valid() {
		return nil, moverror.Newf(moverror.MOVER_INVALID_TASK, "invalid chunk range %s", rng.String())
	}
	if recipientShardID == c.shardID {
		return nil, moverror.Newf(moverror.MOVER_INVALID_TASK, "shard \"%s\" cannot migrate a chunk to itself", c.shardID)
	}

	col, err := c.cat.GetCollection(ctx, namespace)
	if err != nil {
		return nil, err
	}

	overlapping, err := c.db.ListOverlappingRangeDeletionTasks(ctx, col.CollectionID, rng.Min, rng.Max)
	if err != nil {
		return nil, err
	}
	if len(overlapping) > 0 {
		return nil, moverror.Newf(moverror.MOVER_RANGE_CONFLICT, "range %s overlaps %d scheduled range deletions", rng.String(), len(overlapping))
	}

	m := migrations.NewMigration(migrationID, c.shardID, recipientShardID, namespace, col.CollectionID, rng)
	urgency := migrations.CleanupDelayed
	if waitForDelete {
		urgency = migrations.CleanupImmediate
	}

	movlog.Zero.Info().
		Str("migration", m.ID).
		Str("namespace", namespace).
		Str("range", rng.String()).
		Str("recipient", recipientShardID).
		Msg("coord: starting migration")

	if err := c.db.AddMigrationRecord(ctx, migrations.MigrationToDB(m)); err != nil {
		return nil, err
	}
	if err := c.db.AddRangeDeletionTask(ctx, migrations.TaskToDB(m.DonorTask(urgency))); err != nil {
		c.rollbackStart(ctx, m.ID, false)
		return nil, err
	}
	if err := c.msgr.CreateRangeDeletionTask(ctx, recipientShardID, m.RecipientTask(urgency)); err != nil {
		c.rollbackStart(ctx, m.ID, true)
		return nil, err
	}

	_ = statistics.RecordMigrationStart(time.Now())
	return m, nil
}

// rollbackStart undoes the local writes of a start that could not finish.
// Only state added by this attempt is touched.
func (c *MigrationCoordinator) rollbackStart(ctx context.Context, id string, dropTask bool) {
	if dropTask {
		if err := c.db.RemoveRangeDeletionTask(ctx, id); err != nil {
			movlog.Zero.Error().Err(err).Str("migration", id).Msg("coord: start rollback failed to remove donor task")
		}
	}
	if err := c.db.RemoveMigrationRecord(ctx, id); err != nil {
		movlog.Zero.Error().Err(err).Str("migration", id).Msg("coord: start rollback failed to remove record")
	}
}

// CommitMigration drives the migration to committed: ownership moved, the
// recipient keeps its copy and the donor deletes the now-orphaned range.
// The decision is persisted before any of it takes effect, so a crash
// mid-commit resumes on the committed path and never flips to abort.
func (c *MigrationCoordinator) CommitMigration(ctx context.Context, id string) error {
	rec, err := c.db.GetMigrationRecord(ctx, id)
	if err != nil {
		return err
	}
	if err := c.db.WriteMigrationDecision(ctx, id, taskdb.DecisionCommitted); err != nil {
		return err
	}

	movlog.Zero.Info().Str("migration", id).Msg("coord: committing migration")
	return c.finishCommit(ctx, rec)
}

// finishCommit performs the committed tail: delete the recipient's task
// remotely, then release the donor's task to the cleanup scheduler. Safe
// to re-drive any number of times.
func (c *MigrationCoordinator) finishCommit(ctx context.Context, rec *taskdb.MigrationRecord) error {
	id := rec.MigrationID

	if err := c.msgr.DeleteRangeDeletionTask(ctx, rec.RecipientShardID, id); err != nil {
		return err
	}

	dbTask, err := c.db.GetRangeDeletionTask(ctx, id)
	if err != nil {
		if moverror.CodeOf(err) == moverror.MOVER_OBJECT_NOT_EXIST {
			// the donor deletion already ran to completion on an earlier
			// attempt of this commit
			return c.forgetMigration(ctx, id)
		}
		return err
	}
	if err := c.db.ClearRangeDeletionTaskPending(ctx, id); err != nil && moverror.CodeOf(err) != moverror.MOVER_OBJECT_NOT_EXIST {
		return err
	}

	task := migrations.TaskFromDB(dbTask)
	task.Pending = false
	notif := c.sched.SubmitRangeDeletionTask(ctx, task)
	if task.Urgency == migrations.CleanupImmediate {
		if err := notif.Wait(ctx); err != nil {
			if moverror.CodeOf(err) != moverror.MOVER_INVALID_TASK {
				return err
			}
			c.discardTask(ctx, id)
		}
	} else {
		notif.Abandon()
	}

	return c.forgetMigration(ctx, id)
}

// AbortMigration drives the migration to aborted: ownership stays with
// the donor, so the recipient deletes whatever partial copy it received
// and the donor's own task is dropped unexecuted.
func (c *MigrationCoordinator) AbortMigration(ctx context.Context, id string) error {
	rec, err := c.db.GetMigrationRecord(ctx, id)
	if err != nil {
		return err
	}
	if err := c.db.WriteMigrationDecision(ctx, id, taskdb.DecisionAborted); err != nil {
		return err
	}

	movlog.Zero.Info().Str("migration", id).Msg("coord: aborting migration")
	return c.finishAbort(ctx, rec)
}

func (c *MigrationCoordinator) finishAbort(ctx context.Context, rec *taskdb.MigrationRecord) error {
	id := rec.MigrationID

	if err := c.db.RemoveRangeDeletionTask(ctx, id); err != nil {
		return err
	}
	if err := c.msgr.MarkRangeDeletionTaskReady(ctx, rec.RecipientShardID, id); err != nil {
		return err
	}
	return c.forgetMigration(ctx, id)
}

func (c *MigrationCoordinator) discardTask(ctx context.Context, id string) {
	movlog.Zero.Warn().Str("task", id).Msg("coord: discarding invalid range deletion task")
	if err := c.db.RemoveRangeDeletionTask(ctx, id); err != nil {
		movlog.Zero.Error().Err(err).Str("task", id).Msg("coord: failed to discard invalid task")
	}
}

// forgetMigration drops the coordination record. The donor task record,
// when still present, carries the rest of the cleanup obligation on its
// own.
func (c *MigrationCoordinator) forgetMigration(ctx context.Context, id string) error {
	if err := c.db.RemoveMigrationRecord(ctx, id); err != nil {
		return err
	}
	if err := statistics.RecordMigrationFinish(time.Now()); err != nil {
		movlog.Zero.Debug().Err(err).Msg("coord: migration finish not recorded")
	}
	return nil
}

// ResumeMigrationCoordinations re-drives every decided migration found in
// the store. Undecided migrations stay untouched: the decision belongs to
// the party driving the migration, not to recovery. Returns the number of
// coordinations that converged.
func (c *MigrationCoordinator) ResumeMigrationCoordinations(ctx context.Context) (int, error) {
	recs, err := c.db.ListMigrationRecords(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, rec := range recs {
		var err error
		switch rec.Decision {
		case taskdb.DecisionCommitted:
			err = c.finishCommit(ctx, rec)
		case taskdb.DecisionAborted:
			err = c.finishAbort(ctx, rec)
		default:
			movlog.Zero.Warn().
				Str("migration", rec.MigrationID).
				Msg("coord: migration has no decision yet, leaving it to its driver")
			continue
		}

		if err != nil {
			movlog.Zero.Error().Err(err).
				Str("migration", rec.MigrationID).
				Str("decision", rec.Decision).
				Msg("coord: failed to resume migration coordination")
			continue
		}
		resumed++
	}
	return resumed, nil
}

// DispatchRecoveryResume re-drives decided coordinations in the
// background after a short delay, mirroring the recovery sweep of the
// cleanup scheduler.
func (c *MigrationCoordinator) DispatchRecoveryResume(ctx context.Context) {
	go func() {
		select {
		case <-time.After(config.MoverConfig().SweepDelay):
		case <-ctx.Done():
			return
		}

		resumed, err := c.ResumeMigrationCoordinations(ctx)
		if err != nil {
			movlog.Zero.Error().Err(err).Msg("coord: recovery resume failed")
			return
		}
		movlog.Zero.Info().Int("resumed", resumed).Msg("coord: recovery resume finished")
	}()
}
