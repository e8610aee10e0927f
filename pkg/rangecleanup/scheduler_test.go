package rangecleanup_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/range-sharding/chunkmover/pkg/catalog"
	"github.com/range-sharding/chunkmover/pkg/config"
	"github.com/range-sharding/chunkmover/pkg/models/chunk"
	"github.com/range-sharding/chunkmover/pkg/models/migrations"
	"github.com/range-sharding/chunkmover/pkg/models/moverror"
	"github.com/range-sharding/chunkmover/pkg/rangecleanup"
	"github.com/range-sharding/chunkmover/taskdb"
)

type fakeCleaner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCleaner) DeleteRange(_ context.Context, _ *catalog.Collection, _ *chunk.ChunkRange) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 3, f.err
}

func (f *fakeCleaner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newOrdersCatalog(t *testing.T, collectionID string) catalog.Catalog {
	t.Helper()

	cat := catalog.NewLocalCatalog()
	if err := cat.AddCollection(context.TODO(), &catalog.Collection{
		Namespace:    "orders",
		CollectionID: collectionID,
		Table:        "orders",
		KeyColumn:    "order_id",
	}); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	return cat
}

func decidedTask(id string) *taskdb.RangeDeletionTask {
	return &taskdb.RangeDeletionTask{
		TaskID:       id,
		Namespace:    "orders",
		CollectionID: "c-orders-1",
		DonorShardID: "shard01",
		Min:          []byte("a"),
		Max:          []byte("m"),
		Urgency:      taskdb.CleanupImmediate,
	}
}

func TestSubmitRunsAndRemovesTask(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	config.MoverConfig().DelayedCleanupGrace = time.Millisecond

	db, err := taskdb.NewMemTaskDB("")
	assert.NoError(err)
	assert.NoError(db.AddRangeDeletionTask(ctx, decidedTask("t1")))

	cleaner := &fakeCleaner{}
	sched := rangecleanup.NewCleanupScheduler(ctx, db, newOrdersCatalog(t, "c-orders-1"), cleaner)

	notif := sched.SubmitRangeDeletionTask(ctx, migrations.TaskFromDB(decidedTask("t1")))
	assert.NoError(notif.Wait(ctx))
	assert.Equal(1, cleaner.count())

	_, err = db.GetRangeDeletionTask(ctx, "t1")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))
}

func TestSubmitRejectsPendingTask(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	db, err := taskdb.NewMemTaskDB("")
	assert.NoError(err)
	pending := decidedTask("t1")
	pending.Pending = true
	assert.NoError(db.AddRangeDeletionTask(ctx, pending))

	cleaner := &fakeCleaner{}
	sched := rangecleanup.NewCleanupScheduler(ctx, db, newOrdersCatalog(t, "c-orders-1"), cleaner)

	notif := sched.SubmitRangeDeletionTask(ctx, migrations.TaskFromDB(pending))
	err = notif.Wait(ctx)
	assert.Equal(moverror.MOVER_INVALID_TASK, moverror.CodeOf(err))
	assert.Equal(0, cleaner.count())

	// a pending task must never be removed by submission
	_, err = db.GetRangeDeletionTask(ctx, "t1")
	assert.NoError(err)
}

func TestSubmitReportsStaleCollection(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	db, err := taskdb.NewMemTaskDB("")
	assert.NoError(err)
	assert.NoError(db.AddRangeDeletionTask(ctx, decidedTask("t1")))

	cleaner := &fakeCleaner{}
	// the namespace was recreated under a fresh collection id
	sched := rangecleanup.NewCleanupScheduler(ctx, db, newOrdersCatalog(t, "c-orders-2"), cleaner)

	notif := sched.SubmitRangeDeletionTask(ctx, migrations.TaskFromDB(decidedTask("t1")))
	err = notif.Wait(ctx)
	assert.Equal(moverror.MOVER_INVALID_TASK, moverror.CodeOf(err))
	assert.Equal(0, cleaner.count())

	// the verdict is the caller's to act on, the task record stays
	_, err = db.GetRangeDeletionTask(ctx, "t1")
	assert.NoError(err)
}

func TestResubmitDiscardsInvalidTasks(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	db, err := taskdb.NewMemTaskDB("")
	assert.NoError(err)
	assert.NoError(db.AddRangeDeletionTask(ctx, decidedTask("t1")))

	cleaner := &fakeCleaner{}
	sched := rangecleanup.NewCleanupScheduler(ctx, db, newOrdersCatalog(t, "c-orders-2"), cleaner)

	submitted, err := sched.ResubmitRangeDeletionTasks(ctx)
	assert.NoError(err)
	assert.Equal(0, submitted)
	assert.Equal(0, cleaner.count())

	_, err = db.GetRangeDeletionTask(ctx, "t1")
	assert.Equal(moverror.MOVER_OBJECT_NOT_EXIST, moverror.CodeOf(err))
}

func TestResubmitSkipsPendingTasks(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	config.MoverConfig().DelayedCleanupGrace = time.Millisecond

	db, err := taskdb.NewMemTaskDB("")
	assert.NoError(err)
	assert.NoError(db.AddRangeDeletionTask(ctx, decidedTask("t1")))
	pending := decidedTask("t2")
	pending.Pending = true
	assert.NoError(db.AddRangeDeletionTask(ctx, pending))
	assert.NoError(db.AddRangeDeletionTask(ctx, decidedTask("t3")))

	cleaner := &fakeCleaner{}
	sched := rangecleanup.NewCleanupScheduler(ctx, db, newOrdersCatalog(t, "c-orders-1"), cleaner)

	submitted, err := sched.ResubmitRangeDeletionTasks(ctx)
	assert.NoError(err)
	assert.Equal(2, submitted)

	assert.Eventually(func() bool {
		_, err1 := db.GetRangeDeletionTask(ctx, "t1")
		_, err3 := db.GetRangeDeletionTask(ctx, "t3")
		return err1 != nil && err3 != nil
	}, time.Second, 10*time.Millisecond)

	_, err = db.GetRangeDeletionTask(ctx, "t2")
	assert.NoError(err)
}

func TestDelayedTaskStopsOnShutdown(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	config.MoverConfig().DelayedCleanupGrace = time.Minute

	db, err := taskdb.NewMemTaskDB("")
	assert.NoError(err)
	delayed := decidedTask("t1")
	delayed.Urgency = taskdb.CleanupDelayed
	assert.NoError(db.AddRangeDeletionTask(ctx, delayed))

	baseCtx, cancel := context.WithCancel(context.TODO())
	cleaner := &fakeCleaner{}
	sched := rangecleanup.NewCleanupScheduler(baseCtx, db, newOrdersCatalog(t, "c-orders-1"), cleaner)

	notif := sched.SubmitRangeDeletionTask(ctx, migrations.TaskFromDB(delayed))
	cancel()

	assert.ErrorIs(notif.Wait(context.TODO()), context.Canceled)
	assert.Equal(0, cleaner.count())

	// the task survives shutdown and is resubmitted on the next start
	_, err = db.GetRangeDeletionTask(ctx, "t1")
	assert.NoError(err)
}
