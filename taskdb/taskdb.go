package taskdb

import (
	"context"

	"github.com/range-sharding/chunkmover/pkg/config"
	"github.com/range-sharding/chunkmover/pkg/models/moverror"
)

// TaskDB persists migration records and range deletion tasks. Operations are
// atomic per document; the coordination protocol never needs a cross-document
// transaction because the overlap check gives every migration disjoint
// documents.
//
// Add operations surface id collisions as MOVER_DUPLICATE_RECORD or
// MOVER_DUPLICATE_TASK. Backends acknowledge record and task creation
// durably: etcd writes are raft-quorum committed, mongodb writes use
// majority write concern, the memory backend persists its backup file
// synchronously.
type TaskDB interface {
	AddMigrationRecord(ctx context.Context, rec *MigrationRecord) error
	GetMigrationRecord(ctx context.Context, id string) (*MigrationRecord, error)
	ListMigrationRecords(ctx context.Context) ([]*MigrationRecord, error)
	WriteMigrationDecision(ctx context.Context, id string, decision string) error
	RemoveMigrationRecord(ctx context.Context, id string) error

	AddRangeDeletionTask(ctx context.Context, task *RangeDeletionTask) error
	GetRangeDeletionTask(ctx context.Context, id string) (*RangeDeletionTask, error)
	ListRangeDeletionTasks(ctx context.Context) ([]*RangeDeletionTask, error)
	RemoveRangeDeletionTask(ctx context.Context, id string) error
	RemoveRangeDeletionTasksForCollection(ctx context.Context, collectionID string) (int, error)
	ClearRangeDeletionTaskPending(ctx context.Context, id string) error
	ListOverlappingRangeDeletionTasks(ctx context.Context, collectionID string, min, max []byte) ([]*RangeDeletionTask, error)

	// ForEachRangeDeletionTask visits tasks one by one in task id order
	// without holding a store-wide snapshot, so the visited set may move
	// under a concurrent writer and an interrupted scan can simply be
	// restarted. Returning an error from fn stops the scan.
	ForEachRangeDeletionTask(ctx context.Context, fn func(task *RangeDeletionTask) error) error
}

func NewTaskDB() (TaskDB, error) {
	switch config.MoverConfig().TaskDB {
	case "etcd":
		return NewEtcdTaskDB(config.MoverConfig().EtcdAddr)
	case "mongodb":
		return NewMongoTaskDB(context.Background(), config.MoverConfig().MongoURI, config.MoverConfig().MongoDatabase)
	case "mem":
		return RestoreMemTaskDB(config.MoverConfig().MemDBBackupPath)
	default:
		return nil, moverror.Newf(moverror.MOVER_UNEXPECTED, "task db implementation %s is invalid", config.MoverConfig().TaskDB)
	}
}
