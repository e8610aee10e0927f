package taskdb

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/range-sharding/chunkmover/pkg/models/moverror"
	"github.com/range-sharding/chunkmover/pkg/movlog"
	"github.com/range-sharding/chunkmover/pkg/statistics"
)

const (
	collectionMigrationRecords   = "migration_records"
	collectionRangeDeletionTasks = "range_deletion_tasks"
)

// MongoTaskDB keeps coordination state in two mongodb collections with the
// ids as document ids. The client runs with majority write concern, so every
// acknowledged write survives a single-node failure.
type MongoTaskDB struct {
	cli *mongo.Client

	recordsCol *mongo.Collection
	tasksCol   *mongo.Collection
}

var _ TaskDB = &MongoTaskDB{}

func NewMongoTaskDB(ctx context.Context, uri string, database string) (*MongoTaskDB, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetWriteConcern(writeconcern.Majority())

	cli, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, moverror.Newf(moverror.MOVER_CONNECTION_ERROR, "failed to connect to mongodb: %v", err)
	}
	if err := cli.Ping(ctx, readpref.Primary()); err != nil {
		return nil, moverror.Newf(moverror.MOVER_CONNECTION_ERROR, "failed to ping mongodb: %v", err)
	}

	movlog.Zero.Debug().
		Str("database", database).
		Uint("client", movlog.GetPointer(cli)).
		Msg("mongotaskdb: NewMongoTaskDB")

	db := cli.Database(database)
	q := &MongoTaskDB{
		cli:        cli,
		recordsCol: db.Collection(collectionMigrationRecords),
		tasksCol:   db.Collection(collectionRangeDeletionTasks),
	}

	if err := q.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *MongoTaskDB) ensureIndexes(ctx context.Context) error {
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: "collection_id", Value: 1}},
		Options: options.Index().SetName("by_collection_id"),
	}
	_, err := q.tasksCol.Indexes().CreateOne(ctx, model)
	return err
}

func (q *MongoTaskDB) Close(ctx context.Context) error {
	return q.cli.Disconnect(ctx)
}

// ==============================================================================
//                             MIGRATION RECORDS
// ==============================================================================

func (q *MongoTaskDB) AddMigrationRecord(ctx context.Context, rec *MigrationRecord) error {
	movlog.Zero.Debug().
		Interface("record", rec).
		Msg("mongotaskdb: add migration record")

	t := time.Now()

	if _, err := q.recordsCol.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return moverror.Newf(moverror.MOVER_DUPLICATE_RECORD, "migration record \"%s\" already exists", rec.MigrationID)
		}
		return err
	}

	statistics.RecordTaskDBOperation("AddMigrationRecord", time.Since(t))
	return nil
}

func (q *MongoTaskDB) GetMigrationRecord(ctx context.Context, id string) (*MigrationRecord, error) {
	movlog.Zero.Debug().
		Str("id", id).
		Msg("mongotaskdb: get migration record")

	t := time.Now()

	var rec MigrationRecord
	if err := q.recordsCol.FindOne(ctx, bson.M{"_id": id}).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, moverror.Newf(moverror.MOVER_OBJECT_NOT_EXIST, "migration record \"%s\" not found", id)
		}
		return nil, err
	}

	statistics.RecordTaskDBOperation("GetMigrationRecord", time.Since(t))
	return &rec, nil
}

func (q *MongoTaskDB) ListMigrationRecords(ctx context.Context) ([]*MigrationRecord, error) {
	movlog.Zero.Debug().Msg("mongotaskdb: list migration records")

	t := time.Now()

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := q.recordsCol.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var ret []*MigrationRecord
	for cursor.Next(ctx) {
		var rec MigrationRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}
		ret = append(ret, &rec)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	statistics.RecordTaskDBOperation("ListMigrationRecords", time.Since(t))
	return ret, nil
}

func (q *MongoTaskDB) WriteMigrationDecision(ctx context.Context, id string, decision string) error {
	movlog.Zero.Debug().
		Str("id", id).
		Str("decision", decision).
		Msg("mongotaskdb: write migration decision")

	t := time.Now()

	rec, err := q.GetMigrationRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec.Decision == decision {
		return nil
	}
	if rec.Decision != "" {
		return moverror.Newf(moverror.MOVER_METADATA_CORRUPTION, "migration \"%s\" already decided %s", id, rec.Decision)
	}

	update := bson.M{"$set": bson.M{"decision": decision}}
	if _, err := q.recordsCol.UpdateOne(ctx, bson.M{"_id": id}, update); err != nil {
		return err
	}

	statistics.RecordTaskDBOperation("WriteMigrationDecision", time.Since(t))
	return nil
}

func (q *MongoTaskDB) RemoveMigrationRecord(ctx context.Context, id string) error {
	movlog.Zero.Debug().
		Str("id", id).
		Msg("mongotaskdb: remove migration record")

	t := time.Now()

	if _, err := q.recordsCol.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return err
	}

	statistics.RecordTaskDBOperation("RemoveMigrationRecord", time.Since(t))
	return nil
}

// ==============================================================================
//                           RANGE DELETION TASKS
// ==============================================================================

func (q *MongoTaskDB) AddRangeDeletionTask(ctx context.Context, task *RangeDeletionTask) error {
	movlog.Zero.Debug().
		Interface("task", task).
		Msg("mongotaskdb: add range deletion task")

	t := time.Now()

	if _, err := q.tasksCol.InsertOne(ctx, task); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return moverror.Newf(moverror.MOVER_DUPLICATE_TASK, "range deletion task \"%s\" already exists", task.TaskID)
		}
		return err
	}

	statistics.RecordTaskDBOperation("AddRangeDeletionTask", time.Since(t))
	return nil
}

func (q *MongoTaskDB) GetRangeDeletionTask(ctx context.Context, id string) (*RangeDeletionTask, error) {
	movlog.Zero.Debug().
		Str("id", id).
		Msg("mongotaskdb: get range deletion task")

	t := time.Now()

	var task RangeDeletionTask
	if err := q.tasksCol.FindOne(ctx, bson.M{"_id": id}).Decode(&task); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, moverror.Newf(moverror.MOVER_OBJECT_NOT_EXIST, "range deletion task \"%s\" not found", id)
		}
		return nil, err
	}

	statistics.RecordTaskDBOperation("GetRangeDeletionTask", time.Since(t))
	return &task, nil
}

func (q *MongoTaskDB) ListRangeDeletionTasks(ctx context.Context) ([]*RangeDeletionTask, error) {
	movlog.Zero.Debug().Msg("mongotaskdb: list range deletion tasks")

	t := time.Now()

	var ret []*RangeDeletionTask
	err := q.ForEachRangeDeletionTask(ctx, func(task *RangeDeletionTask) error {
		ret = append(ret, task)
		return nil
	})
	if err != nil {
		return nil, err
	}

	statistics.RecordTaskDBOperation("ListRangeDeletionTasks", time.Since(t))
	return ret, nil
}

func (q *MongoTaskDB) RemoveRangeDeletionTask(ctx context.Context, id string) error {
	movlog.Zero.Debug().
		Str("id", id).
		Msg("mongotaskdb: remove range deletion task")

	t := time.Now()

	if _, err := q.tasksCol.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return err
	}

	statistics.RecordTaskDBOperation("RemoveRangeDeletionTask", time.Since(t))
	return nil
}

func (q *MongoTaskDB) RemoveRangeDeletionTasksForCollection(ctx context.Context, collectionID string) (int, error) {
	movlog.Zero.Debug().
		Str("collection", collectionID).
		Msg("mongotaskdb: remove range deletion tasks for collection")

	t := time.Now()

	res, err := q.tasksCol.DeleteMany(ctx, bson.M{"collection_id": collectionID})
	if err != nil {
		return 0, err
	}

	statistics.RecordTaskDBOperation("RemoveRangeDeletionTasksForCollection", time.Since(t))
	return int(res.DeletedCount), nil
}

func (q *MongoTaskDB) ClearRangeDeletionTaskPending(ctx context.Context, id string) error {
	movlog.Zero.Debug().
		Str("id", id).
		Msg("mongotaskdb: clear range deletion task pending")

	t := time.Now()

	update := bson.M{"$unset": bson.M{"pending": ""}}
	res, err := q.tasksCol.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return moverror.Newf(moverror.MOVER_OBJECT_NOT_EXIST, "range deletion task \"%s\" not found", id)
	}

	statistics.RecordTaskDBOperation("ClearRangeDeletionTaskPending", time.Since(t))
	return nil
}

// ListOverlappingRangeDeletionTasks runs the overlap predicate natively:
// a stored task overlaps [min, max) iff task.min < max && task.max > min
// under the store's binary ordering.
func (q *MongoTaskDB) ListOverlappingRangeDeletionTasks(ctx context.Context, collectionID string, min, max []byte) ([]*RangeDeletionTask, error) {
	movlog.Zero.Debug().
		Str("collection", collectionID).
		Msg("mongotaskdb: list overlapping range deletion tasks")

	t := time.Now()

	filter := bson.M{
		"collection_id": collectionID,
		"min":           bson.M{"$lt": max},
		"max":           bson.M{"$gt": min},
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := q.tasksCol.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var ret []*RangeDeletionTask
	for cursor.Next(ctx) {
		var task RangeDeletionTask
		if err := cursor.Decode(&task); err != nil {
			return nil, err
		}
		ret = append(ret, &task)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	statistics.RecordTaskDBOperation("ListOverlappingRangeDeletionTasks", time.Since(t))
	return ret, nil
}

func (q *MongoTaskDB) ForEachRangeDeletionTask(ctx context.Context, fn func(task *RangeDeletionTask) error) error {
	movlog.Zero.Debug().Msg("mongotaskdb: iterate range deletion tasks")

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := q.tasksCol.Find(ctx, bson.M{}, opts)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var task RangeDeletionTask
		if err := cursor.Decode(&task); err != nil {
			return err
		}
		if err := fn(&task); err != nil {
			return err
		}
	}
	return cursor.Err()
}
