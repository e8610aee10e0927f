package statistics_test

import (
	"testing"
	"time"

	"github.com/range-sharding/chunkmover/pkg/statistics"
	"github.com/stretchr/testify/assert"
)

func TestRecordOperations(t *testing.T) {
	assert := assert.New(t)

	statistics.SetQuantiles([]float64{0.5, 0.99})
	for i := 0; i < 10; i++ {
		statistics.RecordTaskDBOperation("AddRangeDeletionTask", 2*time.Millisecond)
	}
	statistics.RecordRemoteOperation("tasks/delete", 5*time.Millisecond)

	snap := statistics.GetSnapshot()

	assert.Equal(int64(10), snap.Operations[statistics.TaskDB]["AddRangeDeletionTask"].Count)
	assert.Equal(int64(1), snap.Operations[statistics.Remote]["tasks/delete"].Count)
	assert.Contains(snap.Operations[statistics.TaskDB]["AddRangeDeletionTask"].Quantiles, "0.5")
}

func TestMigrationTiming(t *testing.T) {
	assert := assert.New(t)

	start := time.Now()
	assert.NoError(statistics.RecordMigrationStart(start))
	assert.NoError(statistics.RecordMigrationFinish(start.Add(40 * time.Millisecond)))

	snap := statistics.GetSnapshot()
	assert.GreaterOrEqual(snap.TotalMigrations, 1)
	assert.Greater(snap.AverageMigrationTime, time.Duration(0))

	assert.Error(statistics.RecordMigrationFinish(time.Now()))
}
