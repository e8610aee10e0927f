package taskdb

import (
	"context"
	"encoding/json"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/clientv3util"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/range-sharding/chunkmover/pkg/models/chunk"
	"github.com/range-sharding/chunkmover/pkg/models/moverror"
	"github.com/range-sharding/chunkmover/pkg/movlog"
	"github.com/range-sharding/chunkmover/pkg/statistics"
)

type EtcdTaskDB struct {
	cli *clientv3.Client
}

var _ TaskDB = &EtcdTaskDB{}

func NewEtcdTaskDB(addr string) (*EtcdTaskDB, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints: []string{addr},
		DialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	})
	if err != nil {
		return nil, err
	}

	movlog.Zero.Debug().
		Str("address", addr).
		Uint("client", movlog.GetPointer(cli)).
		Msg("etcdtaskdb: NewEtcdTaskDB")

	return &EtcdTaskDB{
		cli: cli,
	}, nil
}

const (
	migrationRecordsNamespace   = "/migration_records/"
	rangeDeletionTasksNamespace = "/range_deletion_tasks/"

	taskScanBatchSize = 128
)

func migrationRecordNodePath(key string) string {
	return path.Join(migrationRecordsNamespace, key)
}

func rangeDeletionTaskNodePath(key string) string {
	return path.Join(rangeDeletionTasksNamespace, key)
}

func (q *EtcdTaskDB) Client() *clientv3.Client {
	return q.cli
}

func (q *EtcdTaskDB) Close() error {
	return q.cli.Close()
}

// ==============================================================================
//                             MIGRATION RECORDS
// ==============================================================================

func (q *EtcdTaskDB) AddMigrationRecord(ctx context.Context, rec *MigrationRecord) error {
	movlog.Zero.Debug().
		Interface("record", rec).
		Msg("etcdtaskdb: add migration record")

	t := time.Now()

	rawRec, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	nodePath := migrationRecordNodePath(rec.MigrationID)
	resp, err := q.cli.Txn(ctx).
		If(clientv3util.KeyMissing(nodePath)).
		Then(clientv3.OpPut(nodePath, string(rawRec))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return moverror.Newf(moverror.MOVER_DUPLICATE_RECORD, "migration record \"%s\" already exists", rec.MigrationID)
	}

	statistics.RecordTaskDBOperation("AddMigrationRecord", time.Since(t))
	return nil
}

func (q *EtcdTaskDB) fetchMigrationRecord(ctx context.Context, nodePath string) (*MigrationRecord, error) {
	raw, err := q.cli.Get(ctx, nodePath)
	if err != nil {
		return nil, err
	}

	switch len(raw.Kvs) {
	case 0:
		return nil, moverror.Newf(moverror.MOVER_OBJECT_NOT_EXIST, "no migration record found at %v", nodePath)

	case 1:
		ret := MigrationRecord{}
		if err := json.Unmarshal(raw.Kvs[0].Value, &ret); err != nil {
			return nil, err
		}
		return &ret, nil

	default:
		return nil, moverror.Newf(moverror.MOVER_METADATA_CORRUPTION, "possible data corruption: multiple key-value pairs found for %v", nodePath)
	}
}

func (q *EtcdTaskDB) GetMigrationRecord(ctx context.Context, id string) (*MigrationRecord, error) {
	movlog.Zero.Debug().
		Str("id", id).
		Msg("etcdtaskdb: get migration record")

	t := time.Now()

	ret, err := q.fetchMigrationRecord(ctx, migrationRecordNodePath(id))

	statistics.RecordTaskDBOperation("GetMigrationRecord", time.Since(t))
	return ret, err
}

func (q *EtcdTaskDB) ListMigrationRecords(ctx context.Context) ([]*MigrationRecord, error) {
	movlog.Zero.Debug().Msg("etcdtaskdb: list migration records")

	t := time.Now()

	resp, err := q.cli.Get(ctx, migrationRecordsNamespace, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	ret := make([]*MigrationRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec *MigrationRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, err
		}
		ret = append(ret, rec)
	}

	statistics.RecordTaskDBOperation("ListMigrationRecords", time.Since(t))
	return ret, nil
}

func (q *EtcdTaskDB) WriteMigrationDecision(ctx context.Context, id string, decision string) error {
	movlog.Zero.Debug().
		Str("id", id).
		Str("decision", decision).
		Msg("etcdtaskdb: write migration decision")

	t := time.Now()

	rec, err := q.fetchMigrationRecord(ctx, migrationRecordNodePath(id))
	if err != nil {
		return err
	}
	if rec.Decision == decision {
		return nil
	}
	if rec.Decision != "" {
		return moverror.Newf(moverror.MOVER_METADATA_CORRUPTION, "migration \"%s\" already decided %s", id, rec.Decision)
	}
	rec.Decision = decision

	rawRec, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if _, err := q.cli.Put(ctx, migrationRecordNodePath(id), string(rawRec)); err != nil {
		return err
	}

	statistics.RecordTaskDBOperation("WriteMigrationDecision", time.Since(t))
	return nil
}

func (q *EtcdTaskDB) RemoveMigrationRecord(ctx context.Context, id string) error {
	movlog.Zero.Debug().
		Str("id", id).
		Msg("etcdtaskdb: remove migration record")

	t := time.Now()

	_, err := q.cli.Delete(ctx, migrationRecordNodePath(id))

	statistics.RecordTaskDBOperation("RemoveMigrationRecord", time.Since(t))
	return err
}

// ==============================================================================
//                           RANGE DELETION TASKS
// ==============================================================================

func (q *EtcdTaskDB) AddRangeDeletionTask(ctx context.Context, task *RangeDeletionTask) error {
	movlog.Zero.Debug().
		Interface("task", task).
		Msg("etcdtaskdb: add range deletion task")

	t := time.Now()

	rawTask, err := json.Marshal(task)
	if err != nil {
		return err
	}

	nodePath := rangeDeletionTaskNodePath(task.TaskID)
	resp, err := q.cli.Txn(ctx).
		If(clientv3util.KeyMissing(nodePath)).
		Then(clientv3.OpPut(nodePath, string(rawTask))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return moverror.Newf(moverror.MOVER_DUPLICATE_TASK, "range deletion task \"%s\" already exists", task.TaskID)
	}

	statistics.RecordTaskDBOperation("AddRangeDeletionTask", time.Since(t))
	return nil
}

func (q *EtcdTaskDB) fetchRangeDeletionTask(ctx context.Context, nodePath string) (*RangeDeletionTask, error) {
	raw, err := q.cli.Get(ctx, nodePath)
	if err != nil {
		return nil, err
	}

	switch len(raw.Kvs) {
	case 0:
		return nil, moverror.Newf(moverror.MOVER_OBJECT_NOT_EXIST, "no range deletion task found at %v", nodePath)

	case 1:
		ret := RangeDeletionTask{}
		if err := json.Unmarshal(raw.Kvs[0].Value, &ret); err != nil {
			return nil, err
		}
		return &ret, nil

	default:
		return nil, moverror.Newf(moverror.MOVER_METADATA_CORRUPTION, "possible data corruption: multiple key-value pairs found for %v", nodePath)
	}
}

func (q *EtcdTaskDB) GetRangeDeletionTask(ctx context.Context, id string) (*RangeDeletionTask, error) {
	movlog.Zero.Debug().
		Str("id", id).
		Msg("etcdtaskdb: get range deletion task")

	t := time.Now()

	ret, err := q.fetchRangeDeletionTask(ctx, rangeDeletionTaskNodePath(id))

	statistics.RecordTaskDBOperation("GetRangeDeletionTask", time.Since(t))
	return ret, err
}

func (q *EtcdTaskDB) ListRangeDeletionTasks(ctx context.Context) ([]*RangeDeletionTask, error) {
	movlog.Zero.Debug().Msg("etcdtaskdb: list range deletion tasks")

	t := time.Now()

	resp, err := q.cli.Get(ctx, rangeDeletionTasksNamespace, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	ret := make([]*RangeDeletionTask, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var task *RangeDeletionTask
		if err := json.Unmarshal(kv.Value, &task); err != nil {
			return nil, err
		}
		ret = append(ret, task)
	}

	statistics.RecordTaskDBOperation("ListRangeDeletionTasks", time.Since(t))
	return ret, nil
}

func (q *EtcdTaskDB) RemoveRangeDeletionTask(ctx context.Context, id string) error {
	movlog.Zero.Debug().
		Str("id", id).
		Msg("etcdtaskdb: remove range deletion task")

	t := time.Now()

	_, err := q.cli.Delete(ctx, rangeDeletionTaskNodePath(id))

	statistics.RecordTaskDBOperation("RemoveRangeDeletionTask", time.Since(t))
	return err
}

func (q *EtcdTaskDB) RemoveRangeDeletionTasksForCollection(ctx context.Context, collectionID string) (int, error) {
	movlog.Zero.Debug().
		Str("collection", collectionID).
		Msg("etcdtaskdb: remove range deletion tasks for collection")

	t := time.Now()

	removed := 0
	err := q.ForEachRangeDeletionTask(ctx, func(task *RangeDeletionTask) error {
		if task.CollectionID != collectionID {
			return nil
		}
		if _, err := q.cli.Delete(ctx, rangeDeletionTaskNodePath(task.TaskID)); err != nil {
			return err
		}
		removed++
		return nil
	})

	statistics.RecordTaskDBOperation("RemoveRangeDeletionTasksForCollection", time.Since(t))
	return removed, err
}

func (q *EtcdTaskDB) ClearRangeDeletionTaskPending(ctx context.Context, id string) error {
	movlog.Zero.Debug().
		Str("id", id).
		Msg("etcdtaskdb: clear range deletion task pending")

	t := time.Now()

	task, err := q.fetchRangeDeletionTask(ctx, rangeDeletionTaskNodePath(id))
	if err != nil {
		return err
	}
	task.Pending = false

	rawTask, err := json.Marshal(task)
	if err != nil {
		return err
	}

	if _, err := q.cli.Put(ctx, rangeDeletionTaskNodePath(id), string(rawTask)); err != nil {
		return err
	}

	statistics.RecordTaskDBOperation("ClearRangeDeletionTaskPending", time.Since(t))
	return nil
}

func (q *EtcdTaskDB) ListOverlappingRangeDeletionTasks(ctx context.Context, collectionID string, min, max []byte) ([]*RangeDeletionTask, error) {
	movlog.Zero.Debug().
		Str("collection", collectionID).
		Msg("etcdtaskdb: list overlapping range deletion tasks")

	t := time.Now()

	target := chunk.NewChunkRange(min, max)

	var ret []*RangeDeletionTask
	err := q.ForEachRangeDeletionTask(ctx, func(task *RangeDeletionTask) error {
		if task.CollectionID != collectionID {
			return nil
		}
		if target.Overlaps(chunk.NewChunkRange(task.Min, task.Max)) {
			ret = append(ret, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	statistics.RecordTaskDBOperation("ListOverlappingRangeDeletionTasks", time.Since(t))
	return ret, nil
}

// ForEachRangeDeletionTask pages through the task namespace in key order,
// taskScanBatchSize keys per round trip, resuming after the last seen key.
func (q *EtcdTaskDB) ForEachRangeDeletionTask(ctx context.Context, fn func(task *RangeDeletionTask) error) error {
	movlog.Zero.Debug().Msg("etcdtaskdb: iterate range deletion tasks")

	key := rangeDeletionTasksNamespace
	rangeEnd := clientv3.GetPrefixRangeEnd(rangeDeletionTasksNamespace)

	for {
		resp, err := q.cli.Get(ctx, key,
			clientv3.WithRange(rangeEnd),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
			clientv3.WithLimit(taskScanBatchSize))
		if err != nil {
			return err
		}

		for _, kv := range resp.Kvs {
			var task *RangeDeletionTask
			if err := json.Unmarshal(kv.Value, &task); err != nil {
				return err
			}
			if err := fn(task); err != nil {
				return err
			}
		}

		if !resp.More || len(resp.Kvs) == 0 {
			return nil
		}
		key = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
	}
}
