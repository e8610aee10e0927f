package statistics

import (
	"strconv"
	"sync"
	"time"

	"github.com/caio/go-tdigest"

	"github.com/range-sharding/chunkmover/pkg/models/moverror"
	"github.com/range-sharding/chunkmover/pkg/movlog"
)

type OperationType string

const (
	TaskDB  = OperationType("taskdb")
	Remote  = OperationType("remote")
	Cleanup = OperationType("cleanup")
)

type opTimes struct {
	Digest *tdigest.TDigest
	Count  int64
}

type statistics struct {
	mu sync.Mutex

	OperationTime map[OperationType]map[string]*opTimes
	Quantiles     []float64

	MigrationTimeTotal        time.Duration
	CurrentMigrationStartTime time.Time
	TotalMigrations           int
	MigrationInProgress       bool
}

var moverStatistics = statistics{
	OperationTime: map[OperationType]map[string]*opTimes{
		TaskDB:  {},
		Remote:  {},
		Cleanup: {},
	},
}

func SetQuantiles(q []float64) {
	moverStatistics.mu.Lock()
	defer moverStatistics.mu.Unlock()
	moverStatistics.Quantiles = q
}

func GetQuantiles() []float64 {
	moverStatistics.mu.Lock()
	defer moverStatistics.mu.Unlock()
	return moverStatistics.Quantiles
}

func record(tip OperationType, op string, duration time.Duration) {
	moverStatistics.mu.Lock()
	defer moverStatistics.mu.Unlock()

	times := moverStatistics.OperationTime[tip][op]
	if times == nil {
		digest, _ := tdigest.New()
		times = &opTimes{Digest: digest}
		moverStatistics.OperationTime[tip][op] = times
	}
	times.Count++
	_ = times.Digest.Add(float64(duration.Microseconds()) / 1000)
}

func RecordTaskDBOperation(op string, duration time.Duration) {
	record(TaskDB, op, duration)
}

func RecordRemoteOperation(op string, duration time.Duration) {
	record(Remote, op, duration)
}

func RecordCleanupOperation(op string, duration time.Duration) {
	record(Cleanup, op, duration)
}

func RecordMigrationStart(t time.Time) error {
	movlog.Zero.Debug().Msg("mover stats: record migration start")
	moverStatistics.mu.Lock()
	defer moverStatistics.mu.Unlock()
	moverStatistics.MigrationInProgress = true
	moverStatistics.CurrentMigrationStartTime = t
	return nil
}

func RecordMigrationFinish(t time.Time) error {
	movlog.Zero.Debug().Msg("mover stats: record migration finish")
	moverStatistics.mu.Lock()
	defer moverStatistics.mu.Unlock()
	if !moverStatistics.MigrationInProgress {
		return moverror.New(moverror.MOVER_UNEXPECTED, "unable to record migration finish: there's no migration in progress")
	}
	moverStatistics.MigrationInProgress = false
	moverStatistics.MigrationTimeTotal += t.Sub(moverStatistics.CurrentMigrationStartTime)
	moverStatistics.TotalMigrations++
	return nil
}

// OperationSnapshot carries recorded latencies of one operation, quantile
// values in milliseconds keyed by the configured quantile.
type OperationSnapshot struct {
	Count     int64              `json:"count"`
	Quantiles map[string]float64 `json:"quantiles_ms,omitempty"`
}

type Snapshot struct {
	Operations           map[OperationType]map[string]OperationSnapshot `json:"operations"`
	TotalMigrations      int                                            `json:"total_migrations"`
	AverageMigrationTime time.Duration                                  `json:"average_migration_time"`
}

func GetSnapshot() *Snapshot {
	moverStatistics.mu.Lock()
	defer moverStatistics.mu.Unlock()

	snap := &Snapshot{
		Operations:      map[OperationType]map[string]OperationSnapshot{},
		TotalMigrations: moverStatistics.TotalMigrations,
	}
	if moverStatistics.TotalMigrations > 0 {
		snap.AverageMigrationTime = moverStatistics.MigrationTimeTotal / time.Duration(moverStatistics.TotalMigrations)
	}

	for tip, ops := range moverStatistics.OperationTime {
		snap.Operations[tip] = map[string]OperationSnapshot{}
		for op, times := range ops {
			quantiles := map[string]float64{}
			for _, q := range moverStatistics.Quantiles {
				quantiles[strconv.FormatFloat(q, 'g', -1, 64)] = times.Digest.Quantile(q)
			}
			snap.Operations[tip][op] = OperationSnapshot{
				Count:     times.Count,
				Quantiles: quantiles,
			}
		}
	}

	return snap
}
