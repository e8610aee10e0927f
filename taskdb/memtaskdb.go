package taskdb

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/range-sharding/chunkmover/pkg/models/chunk"
	"github.com/range-sharding/chunkmover/pkg/models/moverror"
	"github.com/range-sharding/chunkmover/pkg/movlog"
)

type MemTaskDB struct {
	mu sync.RWMutex

	Records map[string]*MigrationRecord   `json:"migration_records"`
	Tasks   map[string]*RangeDeletionTask `json:"range_deletion_tasks"`

	backupPath string
}

var _ TaskDB = &MemTaskDB{}

func NewMemTaskDB(backupPath string) (*MemTaskDB, error) {
	return &MemTaskDB{
		Records: map[string]*MigrationRecord{},
		Tasks:   map[string]*RangeDeletionTask{},

		backupPath: backupPath,
	}, nil
}

// RestoreMemTaskDB loads the store content from the backup file, creating
// an empty one when the file does not exist yet.
func RestoreMemTaskDB(backupPath string) (*MemTaskDB, error) {
	db, err := NewMemTaskDB(backupPath)
	if err != nil {
		return nil, err
	}
	if backupPath == "" {
		return db, nil
	}
	if _, err := os.Stat(backupPath); err != nil {
		movlog.Zero.Info().Err(err).Msg("memtaskdb: backup file does not exist, creating new one")
		f, err := os.Create(backupPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return db, nil
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, db); err != nil {
		return nil, err
	}
	return db, nil
}

func (q *MemTaskDB) DumpState() error {
	if q.backupPath == "" {
		return nil
	}
	tmpPath := q.backupPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	state, err := json.MarshalIndent(q, "", "	")
	if err != nil {
		return err
	}

	if _, err := f.Write(state); err != nil {
		return err
	}
	f.Close()

	return os.Rename(tmpPath, q.backupPath)
}

// ==============================================================================
//                             MIGRATION RECORDS
// ==============================================================================

func (q *MemTaskDB) AddMigrationRecord(ctx context.Context, rec *MigrationRecord) error {
	movlog.Zero.Debug().Interface("record", rec).Msg("memtaskdb: add migration record")
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.Records[rec.MigrationID]; ok {
		return moverror.Newf(moverror.MOVER_DUPLICATE_RECORD, "migration record \"%s\" already exists", rec.MigrationID)
	}

	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.Records, rec.MigrationID, rec))
}

func (q *MemTaskDB) GetMigrationRecord(ctx context.Context, id string) (*MigrationRecord, error) {
	movlog.Zero.Debug().Str("migration", id).Msg("memtaskdb: get migration record")
	q.mu.RLock()
	defer q.mu.RUnlock()

	rec, ok := q.Records[id]
	if !ok {
		return nil, moverror.Newf(moverror.MOVER_OBJECT_NOT_EXIST, "migration record \"%s\" not found", id)
	}
	return rec, nil
}

func (q *MemTaskDB) ListMigrationRecords(ctx context.Context) ([]*MigrationRecord, error) {
	movlog.Zero.Debug().Msg("memtaskdb: list migration records")
	q.mu.RLock()
	defer q.mu.RUnlock()

	var ret []*MigrationRecord
	for _, rec := range q.Records {
		ret = append(ret, rec)
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].MigrationID < ret[j].MigrationID
	})

	return ret, nil
}

func (q *MemTaskDB) WriteMigrationDecision(ctx context.Context, id string, decision string) error {
	movlog.Zero.Debug().Str("migration", id).Str("decision", decision).Msg("memtaskdb: write migration decision")
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.Records[id]
	if !ok {
		return moverror.Newf(moverror.MOVER_OBJECT_NOT_EXIST, "migration record \"%s\" not found", id)
	}
	if rec.Decision == decision {
		return nil
	}
	if rec.Decision != "" {
		return moverror.Newf(moverror.MOVER_METADATA_CORRUPTION, "migration \"%s\" already decided %s", id, rec.Decision)
	}

	next := *rec
	next.Decision = decision
	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.Records, id, &next))
}

func (q *MemTaskDB) RemoveMigrationRecord(ctx context.Context, id string) error {
	movlog.Zero.Debug().Str("migration", id).Msg("memtaskdb: remove migration record")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewDeleteCommand(q.Records, id))
}

// ==============================================================================
//                           RANGE DELETION TASKS
// ==============================================================================

func (q *MemTaskDB) AddRangeDeletionTask(ctx context.Context, task *RangeDeletionTask) error {
	movlog.Zero.Debug().Interface("task", task).Msg("memtaskdb: add range deletion task")
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.Tasks[task.TaskID]; ok {
		return moverror.Newf(moverror.MOVER_DUPLICATE_TASK, "range deletion task \"%s\" already exists", task.TaskID)
	}

	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.Tasks, task.TaskID, task))
}

func (q *MemTaskDB) GetRangeDeletionTask(ctx context.Context, id string) (*RangeDeletionTask, error) {
	movlog.Zero.Debug().Str("task", id).Msg("memtaskdb: get range deletion task")
	q.mu.RLock()
	defer q.mu.RUnlock()

	task, ok := q.Tasks[id]
	if !ok {
		return nil, moverror.Newf(moverror.MOVER_OBJECT_NOT_EXIST, "range deletion task \"%s\" not found", id)
	}
	return task, nil
}

func (q *MemTaskDB) ListRangeDeletionTasks(ctx context.Context) ([]*RangeDeletionTask, error) {
	movlog.Zero.Debug().Msg("memtaskdb: list range deletion tasks")
	q.mu.RLock()
	defer q.mu.RUnlock()

	var ret []*RangeDeletionTask
	for _, task := range q.Tasks {
		ret = append(ret, task)
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].TaskID < ret[j].TaskID
	})

	return ret, nil
}

func (q *MemTaskDB) RemoveRangeDeletionTask(ctx context.Context, id string) error {
	movlog.Zero.Debug().Str("task", id).Msg("memtaskdb: remove range deletion task")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewDeleteCommand(q.Tasks, id))
}

func (q *MemTaskDB) RemoveRangeDeletionTasksForCollection(ctx context.Context, collectionID string) (int, error) {
	movlog.Zero.Debug().Str("collection", collectionID).Msg("memtaskdb: remove range deletion tasks for collection")
	q.mu.Lock()
	defer q.mu.Unlock()

	var commands []Command
	for id, task := range q.Tasks {
		if task.CollectionID == collectionID {
			commands = append(commands, NewDeleteCommand(q.Tasks, id))
		}
	}

	if err := ExecuteCommands(q.DumpState, commands...); err != nil {
		return 0, err
	}
	return len(commands), nil
}

func (q *MemTaskDB) ClearRangeDeletionTaskPending(ctx context.Context, id string) error {
	movlog.Zero.Debug().Str("task", id).Msg("memtaskdb: clear range deletion task pending")
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.Tasks[id]
	if !ok {
		return moverror.Newf(moverror.MOVER_OBJECT_NOT_EXIST, "range deletion task \"%s\" not found", id)
	}

	next := *task
	next.Pending = false
	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.Tasks, id, &next))
}

func (q *MemTaskDB) ListOverlappingRangeDeletionTasks(ctx context.Context, collectionID string, min, max []byte) ([]*RangeDeletionTask, error) {
	movlog.Zero.Debug().Str("collection", collectionID).Msg("memtaskdb: list overlapping range deletion tasks")
	q.mu.RLock()
	defer q.mu.RUnlock()

	target := chunk.NewChunkRange(min, max)

	var ret []*RangeDeletionTask
	for _, task := range q.Tasks {
		if task.CollectionID != collectionID {
			continue
		}
		if target.Overlaps(chunk.NewChunkRange(task.Min, task.Max)) {
			ret = append(ret, task)
		}
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].TaskID < ret[j].TaskID
	})

	return ret, nil
}

func (q *MemTaskDB) ForEachRangeDeletionTask(ctx context.Context, fn func(task *RangeDeletionTask) error) error {
	movlog.Zero.Debug().Msg("memtaskdb: iterate range deletion tasks")

	q.mu.RLock()
	ids := make([]string, 0, len(q.Tasks))
	for id := range q.Tasks {
		ids = append(ids, id)
	}
	q.mu.RUnlock()

	sort.Strings(ids)

	for _, id := range ids {
		q.mu.RLock()
		task, ok := q.Tasks[id]
		q.mu.RUnlock()
		if !ok {
			// removed since the id snapshot, skip
			continue
		}
		if err := fn(task); err != nil {
			return err
		}
	}
	return nil
}
