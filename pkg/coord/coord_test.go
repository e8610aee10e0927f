package coord_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/range-sharding/chunkmover/pkg/catalog"
	"github.com/range-sharding/chunkmover/pkg/config"
	"github.com/range-sharding/chunkmover/pkg/coord"
	"github.com/range-sharding/chunkmover/pkg/models/chunk"
	"github.com/range-sharding/chunkmover/pkg/models/migrations"
	"github.com/range-sharding/chunkmover/pkg/models/moverror"
	"github.com/range-sharding/chunkmover/pkg/rangecleanup"
	"github.com/range-sharding/chunkmover/taskdb"
)

type fakeMessenger struct {
	mu      sync.Mutex
	created []*migrations.RangeDeletionTask
	deleted []string
	readied []string

	createErr error
	deleteErr error
	readyErr  error
}

func (f *fakeMessenger) CreateRangeDeletionTask(_ context.Context, shardID string, task *migrations.RangeDeletionTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, task)
	return nil
}

func (f *fakeMessenger) DeleteRangeDeletionTask(_ context.Context, shardID string, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, fmt.Sprintf("%s:%s", shardID, taskID))
	return nil
}

func (f *fakeMessenger) MarkRangeDeletionTaskReady(_ context.Context, shardID string, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readyErr != nil {
		return f.readyErr
	}
	f.readied = append(f.readied, fmt.Sprintf("%s:%s", shardID, taskID))
	return nil
}

type recordingCleaner struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingCleaner) DeleteRange(_ context.Context, _ *catalog.Collection, _ *chunk.ChunkRange) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 5, nil
}

func (r *recordingCleaner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type env struct {
	db      *taskdb.MemTaskDB
	cat     catalog.Catalog
	msgr    *fakeMessenger
	cleaner *recordingCleaner
	coord   *coord.MigrationCoordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()

	config.MoverConfig().ShardID = "shard01"
	config.MoverConfig().DelayedCleanupGrace = time.Millisecond
	config.MoverConfig().SweepDelay = time.Millisecond

	db, err := taskdb.NewMemTaskDB("")
	if err != nil {
		t.Fatalf("mem task db: %v", err)
	}

	cat := catalog.NewLocalCatalog()
	if err := cat.AddCollection(context.TODO(), &catalog.Collection{
		Namespace:    "orders",
		CollectionID: "c-orders-1",
		Table:        "orders",
		KeyColumn:    "order_id",
	}); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}

	msgr := &fakeMessenger{}
	cleaner := &recordingCleaner{}
	sched := rangecleanup.NewCleanupScheduler(context.TODO(), db, cat, cleaner)

	return &env{
		db:      db,
		cat:     cat,
		msgr:    msgr,
		cleaner: cleaner,
		coord:   coord.NewMigrationCoordinator(db, cat, msgr, sched),
	}
}

func (e *env) start(t *testing.T, id string, min, max string, waitForDelete bool) *migrations.Migration {
	t.Helper()

	m, err := e.coord.StartMigration(context.TODO(), id, "shard02", "orders", chunk.NewChunkRange([]byte(min), []byte(max)), waitForDelete)
	if err != nil {
		t.Fatalf("start migration: %v", err)
	}
	return m
}

func TestStartMigrationPersistsState(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	e := newEnv(t)

	m := e.start(t, "m1", "a", "m", false)
	assert.Equal("m1", m.ID)

	rec, err := e.db.GetMigrationRecord(ctx, "m1")
	assert.NoError(err)
	assert.Equal("", rec.Decision)
	assert.Equal("shard01", rec.DonorShardID)
	assert.Equal("shard02", rec.RecipientShardID)
	assert.Equal("c-orders-1", rec.CollectionID)

	task, err := e.db.GetRangeDeletionTask(ctx, "m1")
	assert.NoError(err)
	assert.True(task.Pending)
	assert.Equal(taskdb.CleanupDelayed, task.Urgency)

	e.msgr.mu.Lock()
	defer e.msgr.mu.Unlock()
	assert.Len(e.msgr.created, 1)
	assert.Equal("m1", e.msgr.created[0].ID)
	assert.True(e.msgr.created[0].Pending)
}

func TestStartMigrationRejectsOverlap(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	e := newEnv(t)

	e.start(t, "m1", "d", "k", false)

	_, err := e.coord.StartMigration(ctx, "m2", "shard02", "orders", chunk.NewChunkRange([]byte("a"), []byte("e")), false)
	assert.Equal(moverror.MOVER_RANGE_CONFLICT, moverror.CodeOf(err))

	_, err = e.db.GetMigrationRecord(ctx, "m2")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))

	// a disjoint range proceeds in parallel
	_, err = e.coord.StartMigration(ctx, "m3", "shard02", "orders", chunk.NewChunkRange([]byte("k"), []byte("p")), false)
	assert.NoError(err)
}

func TestStartMigrationRejectsBadRequests(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	e := newEnv(t)

	_, err := e.coord.StartMigration(ctx, "", "shard02", "orders", chunk.NewChunkRange([]byte("m"), []byte("a")), false)
	assert.Equal(moverror.MOVER_INVALID_TASK, moverror.CodeOf(err))

	_, err = e.coord.StartMigration(ctx, "", "shard01", "orders", chunk.NewChunkRange([]byte("a"), []byte("m")), false)
	assert.Equal(moverror.MOVER_INVALID_TASK, moverror.CodeOf(err))

	_, err = e.coord.StartMigration(ctx, "", "shard02", "unknown", chunk.NewChunkRange([]byte("a"), []byte("m")), false)
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))
}

func TestStartMigrationDuplicateID(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	e := newEnv(t)

	e.start(t, "m1", "a", "f", false)

	_, err := e.coord.StartMigration(ctx, "m1", "shard02", "orders", chunk.NewChunkRange([]byte("t"), []byte("z")), false)
	assert.Equal(moverror.MOVER_DUPLICATE_RECORD, moverror.CodeOf(err))

	// the original coordination stays intact
	rec, err := e.db.GetMigrationRecord(ctx, "m1")
	assert.NoError(err)
	assert.Equal([]byte("a"), rec.Min)
	_, err = e.db.GetRangeDeletionTask(ctx, "m1")
	assert.NoError(err)
}

func TestStartMigrationRollsBackOnRemoteFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	e := newEnv(t)
	e.msgr.createErr = moverror.New(moverror.MOVER_REMOTE_FAILED, "recipient unreachable")

	_, err := e.coord.StartMigration(ctx, "m1", "shard02", "orders", chunk.NewChunkRange([]byte("a"), []byte("m")), false)
	assert.Equal(moverror.MOVER_REMOTE_FAILED, moverror.CodeOf(err))

	_, err = e.db.GetMigrationRecord(ctx, "m1")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))
	_, err = e.db.GetRangeDeletionTask(ctx, "m1")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))
}

func TestCommitMigrationWaitsForDelete(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	e := newEnv(t)

	e.start(t, "m1", "a", "m", true)
	assert.NoError(e.coord.CommitMigration(ctx, "m1"))

	// the donor range is gone before commit returns
	assert.Equal(1, e.cleaner.count())
	_, err := e.db.GetRangeDeletionTask(ctx, "m1")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))
	_, err = e.db.GetMigrationRecord(ctx, "m1")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))

	e.msgr.mu.Lock()
	defer e.msgr.mu.Unlock()
	assert.Equal([]string{"shard02:m1"}, e.msgr.deleted)
	assert.Empty(e.msgr.readied)
}

func TestCommitMigrationFireAndForget(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	e := newEnv(t)

	e.start(t, "m1", "a", "m", false)
	assert.NoError(e.coord.CommitMigration(ctx, "m1"))

	// the coordination record is already gone, the deletion runs behind
	_, err := e.db.GetMigrationRecord(ctx, "m1")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))

	assert.Eventually(func() bool {
		_, err := e.db.GetRangeDeletionTask(ctx, "m1")
		return moverror.CodeOf(err) == moverror.MOVER_OBJECT_NOT_EXIST
	}, time.Second, 10*time.Millisecond)
	assert.Equal(1, e.cleaner.count())
}

func TestAbortMigration(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	e := newEnv(t)

	e.start(t, "m1", "a", "m", false)
	assert.NoError(e.coord.AbortMigration(ctx, "m1"))

	// donor keeps its data: the task disappears without executing
	assert.Equal(0, e.cleaner.count())
	_, err := e.db.GetRangeDeletionTask(ctx, "m1")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))
	_, err = e.db.GetMigrationRecord(ctx, "m1")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))

	e.msgr.mu.Lock()
	defer e.msgr.mu.Unlock()
	assert.Equal([]string{"shard02:m1"}, e.msgr.readied)
	assert.Empty(e.msgr.deleted)
}

func TestDecisionIsWrittenOnce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	e := newEnv(t)

	e.start(t, "m1", "a", "m", false)

	// the commit stalls after the decision is durable
	e.msgr.deleteErr = moverror.New(moverror.MOVER_REMOTE_FAILED, "recipient unreachable")
	err := e.coord.CommitMigration(ctx, "m1")
	assert.Equal(moverror.MOVER_REMOTE_FAILED, moverror.CodeOf(err))

	rec, err := e.db.GetMigrationRecord(ctx, "m1")
	assert.NoError(err)
	assert.Equal(taskdb.DecisionCommitted, rec.Decision)

	// flipping a committed migration to aborted must never work
	err = e.coord.AbortMigration(ctx, "m1")
	assert.Equal(moverror.MOVER_METADATA_CORRUPTION, moverror.CodeOf(err))
}

func TestCommitRetriesToCompletion(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	e := newEnv(t)

	e.start(t, "m1", "a", "m", true)

	e.msgr.deleteErr = moverror.New(moverror.MOVER_REMOTE_FAILED, "recipient unreachable")
	err := e.coord.CommitMigration(ctx, "m1")
	assert.Equal(moverror.MOVER_REMOTE_FAILED, moverror.CodeOf(err))

	e.msgr.mu.Lock()
	e.msgr.deleteErr = nil
	e.msgr.mu.Unlock()

	// the retry re-drives the same decision to completion
	assert.NoError(e.coord.CommitMigration(ctx, "m1"))
	assert.Equal(1, e.cleaner.count())
	_, err = e.db.GetMigrationRecord(ctx, "m1")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))
}

func TestCommitUnknownMigration(t *testing.T) {
	assert := assert.New(t)
	e := newEnv(t)

	err := e.coord.CommitMigration(context.TODO(), "nope")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))
	err = e.coord.AbortMigration(context.TODO(), "nope")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))
}

func TestResumeCommittedMigration(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	e := newEnv(t)

	// crash happened after the decision write, before the commit tail ran
	assert.NoError(e.db.AddMigrationRecord(ctx, &taskdb.MigrationRecord{
		MigrationID:      "m1",
		DonorShardID:     "shard01",
		RecipientShardID: "shard02",
		Namespace:        "orders",
		CollectionID:     "c-orders-1",
		Min:              []byte("a"),
		Max:              []byte("m"),
		Decision:         taskdb.DecisionCommitted,
	}))
	assert.NoError(e.db.AddRangeDeletionTask(ctx, &taskdb.RangeDeletionTask{
		TaskID:       "m1",
		Namespace:    "orders",
		CollectionID: "c-orders-1",
		DonorShardID: "shard01",
		Min:          []byte("a"),
		Max:          []byte("m"),
		Urgency:      taskdb.CleanupImmediate,
		Pending:      true,
	}))

	resumed, err := e.coord.ResumeMigrationCoordinations(ctx)
	assert.NoError(err)
	assert.Equal(1, resumed)

	assert.Equal(1, e.cleaner.count())
	_, err = e.db.GetRangeDeletionTask(ctx, "m1")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))
	_, err = e.db.GetMigrationRecord(ctx, "m1")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))

	e.msgr.mu.Lock()
	defer e.msgr.mu.Unlock()
	assert.Equal([]string{"shard02:m1"}, e.msgr.deleted)
}

func TestResumeAbortedMigration(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	e := newEnv(t)

	assert.NoError(e.db.AddMigrationRecord(ctx, &taskdb.MigrationRecord{
		MigrationID:      "m1",
		DonorShardID:     "shard01",
		RecipientShardID: "shard02",
		Namespace:        "orders",
		CollectionID:     "c-orders-1",
		Min:              []byte("a"),
		Max:              []byte("m"),
		Decision:         taskdb.DecisionAborted,
	}))
	assert.NoError(e.db.AddRangeDeletionTask(ctx, &taskdb.RangeDeletionTask{
		TaskID:       "m1",
		Namespace:    "orders",
		CollectionID: "c-orders-1",
		DonorShardID: "shard01",
		Min:          []byte("a"),
		Max:          []byte("m"),
		Urgency:      taskdb.CleanupDelayed,
		Pending:      true,
	}))

	resumed, err := e.coord.ResumeMigrationCoordinations(ctx)
	assert.NoError(err)
	assert.Equal(1, resumed)

	assert.Equal(0, e.cleaner.count())
	_, err = e.db.GetRangeDeletionTask(ctx, "m1")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))

	e.msgr.mu.Lock()
	defer e.msgr.mu.Unlock()
	assert.Equal([]string{"shard02:m1"}, e.msgr.readied)
}

func TestResumeLeavesUndecidedMigrations(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	e := newEnv(t)

	e.start(t, "m1", "a", "m", false)

	resumed, err := e.coord.ResumeMigrationCoordinations(ctx)
	assert.NoError(err)
	assert.Equal(0, resumed)

	rec, err := e.db.GetMigrationRecord(ctx, "m1")
	assert.NoError(err)
	assert.Equal("", rec.Decision)

	task, err := e.db.GetRangeDeletionTask(ctx, "m1")
	assert.NoError(err)
	assert.True(task.Pending)

	e.msgr.mu.Lock()
	defer e.msgr.mu.Unlock()
	assert.Empty(e.msgr.deleted)
	assert.Empty(e.msgr.readied)
}
