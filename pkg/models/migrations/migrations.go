package migrations

import (
	"github.com/google/uuid"

	"github.com/range-sharding/chunkmover/pkg/api"
	"github.com/range-sharding/chunkmover/pkg/models/chunk"
	"github.com/range-sharding/chunkmover/taskdb"
)

type Decision int

const (
	DecisionPending Decision = iota
	DecisionCommitted
	DecisionAborted
)

type CleanupUrgency int

const (
	CleanupImmediate CleanupUrgency = iota
	CleanupDelayed
)

// Migration is the domain form of one chunk handoff between two shards.
// The id doubles as the id of both range deletion tasks the migration owns.
type Migration struct {
	ID               string
	DonorShardID     string
	RecipientShardID string
	Namespace        string
	CollectionID     string
	Range            *chunk.ChunkRange
	Decision         Decision
}

type RangeDeletionTask struct {
	ID           string
	Namespace    string
	CollectionID string
	DonorShardID string
	Range        *chunk.ChunkRange
	Urgency      CleanupUrgency
	Pending      bool
}

// NewMigration builds a fresh undecided migration. The id identifies the
// migration attempt across shards; an empty id gets a generated one.
func NewMigration(id string, donorShardID, recipientShardID, namespace, collectionID string, rng *chunk.ChunkRange) *Migration {
	if id == "" {
		id = uuid.NewString()
	}
	return &Migration{
		ID:               id,
		DonorShardID:     donorShardID,
		RecipientShardID: recipientShardID,
		Namespace:        namespace,
		CollectionID:     collectionID,
		Range:            rng,
		Decision:         DecisionPending,
	}
}

// DonorTask derives the donor-side deletion task: created pending at
// migration start, executed only if the migration commits.
func (m *Migration) DonorTask(urgency CleanupUrgency) *RangeDeletionTask {
	return &RangeDeletionTask{
		ID:           m.ID,
		Namespace:    m.Namespace,
		CollectionID: m.CollectionID,
		DonorShardID: m.DonorShardID,
		Range:        m.Range,
		Urgency:      urgency,
		Pending:      true,
	}
}

// RecipientTask derives the recipient-side deletion task, executed only if
// the migration aborts.
func (m *Migration) RecipientTask(urgency CleanupUrgency) *RangeDeletionTask {
	return &RangeDeletionTask{
		ID:           m.ID,
		Namespace:    m.Namespace,
		CollectionID: m.CollectionID,
		DonorShardID: m.DonorShardID,
		Range:        m.Range,
		Urgency:      urgency,
		Pending:      true,
	}
}

func DecisionToStr(d Decision) string {
	switch d {
	case DecisionPending:
		return ""
	case DecisionCommitted:
		return taskdb.DecisionCommitted
	case DecisionAborted:
		return taskdb.DecisionAborted
	default:
		panic("incorrect migration decision")
	}
}

func DecisionFromStr(s string) Decision {
	switch s {
	case "":
		return DecisionPending
	case taskdb.DecisionCommitted:
		return DecisionCommitted
	case taskdb.DecisionAborted:
		return DecisionAborted
	default:
		panic("incorrect migration decision")
	}
}

func UrgencyToStr(u CleanupUrgency) string {
	switch u {
	case CleanupImmediate:
		return taskdb.CleanupImmediate
	case CleanupDelayed:
		return taskdb.CleanupDelayed
	default:
		panic("incorrect cleanup urgency")
	}
}

func UrgencyFromStr(s string) CleanupUrgency {
	switch s {
	case taskdb.CleanupImmediate:
		return CleanupImmediate
	case taskdb.CleanupDelayed:
		return CleanupDelayed
	default:
		panic("incorrect cleanup urgency")
	}
}

func MigrationToDB(m *Migration) *taskdb.MigrationRecord {
	return &taskdb.MigrationRecord{
		MigrationID:      m.ID,
		DonorShardID:     m.DonorShardID,
		RecipientShardID: m.RecipientShardID,
		Namespace:        m.Namespace,
		CollectionID:     m.CollectionID,
		Min:              m.Range.Min,
		Max:              m.Range.Max,
		Decision:         DecisionToStr(m.Decision),
	}
}

func MigrationFromDB(rec *taskdb.MigrationRecord) *Migration {
	return &Migration{
		ID:               rec.MigrationID,
		DonorShardID:     rec.DonorShardID,
		RecipientShardID: rec.RecipientShardID,
		Namespace:        rec.Namespace,
		CollectionID:     rec.CollectionID,
		Range:            chunk.NewChunkRange(rec.Min, rec.Max),
		Decision:         DecisionFromStr(rec.Decision),
	}
}

func TaskToDB(task *RangeDeletionTask) *taskdb.RangeDeletionTask {
	return &taskdb.RangeDeletionTask{
		TaskID:       task.ID,
		Namespace:    task.Namespace,
		CollectionID: task.CollectionID,
		DonorShardID: task.DonorShardID,
		Min:          task.Range.Min,
		Max:          task.Range.Max,
		Urgency:      UrgencyToStr(task.Urgency),
		Pending:      task.Pending,
	}
}

func TaskFromDB(task *taskdb.RangeDeletionTask) *RangeDeletionTask {
	return &RangeDeletionTask{
		ID:           task.TaskID,
		Namespace:    task.Namespace,
		CollectionID: task.CollectionID,
		DonorShardID: task.DonorShardID,
		Range:        chunk.NewChunkRange(task.Min, task.Max),
		Urgency:      UrgencyFromStr(task.Urgency),
		Pending:      task.Pending,
	}
}

func TaskToAPI(task *RangeDeletionTask) *api.TaskData {
	return &api.TaskData{
		TaskID:       task.ID,
		Namespace:    task.Namespace,
		CollectionID: task.CollectionID,
		DonorShardID: task.DonorShardID,
		Min:          task.Range.Min,
		Max:          task.Range.Max,
		Urgency:      UrgencyToStr(task.Urgency),
		Pending:      task.Pending,
	}
}

func TaskFromAPI(task *api.TaskData) *RangeDeletionTask {
	return &RangeDeletionTask{
		ID:           task.TaskID,
		Namespace:    task.Namespace,
		CollectionID: task.CollectionID,
		DonorShardID: task.DonorShardID,
		Range:        chunk.NewChunkRange(task.Min, task.Max),
		Urgency:      UrgencyFromStr(task.Urgency),
		Pending:      task.Pending,
	}
}

func MigrationToAPI(m *Migration) *api.MigrationData {
	return &api.MigrationData{
		MigrationID:      m.ID,
		DonorShardID:     m.DonorShardID,
		RecipientShardID: m.RecipientShardID,
		Namespace:        m.Namespace,
		CollectionID:     m.CollectionID,
		Min:              m.Range.Min,
		Max:              m.Range.Max,
		Decision:         DecisionToStr(m.Decision),
	}
}
