package taskdb

// Persisted forms of the coordination state. The same structs serialize to
// JSON for the memory and etcd backends and to BSON for the mongodb backend,
// where the task and record ids double as document ids.

const (
	DecisionCommitted = "committed"
	DecisionAborted   = "aborted"

	CleanupImmediate = "immediate"
	CleanupDelayed   = "delayed"
)

// MigrationRecord tracks one in-flight or completed chunk migration.
// Decision is empty while the outcome is undecided and is written exactly
// once afterwards.
type MigrationRecord struct {
	MigrationID      string `json:"migration_id" bson:"_id"`
	DonorShardID     string `json:"donor_shard_id" bson:"donor_shard_id"`
	RecipientShardID string `json:"recipient_shard_id" bson:"recipient_shard_id"`
	Namespace        string `json:"namespace" bson:"namespace"`
	CollectionID     string `json:"collection_id" bson:"collection_id"`
	Min              []byte `json:"min" bson:"min"`
	Max              []byte `json:"max" bson:"max"`
	Decision         string `json:"decision,omitempty" bson:"decision,omitempty"`
}

// RangeDeletionTask marks a chunk range for background deletion on the node
// it is persisted on. While Pending is set the outcome of the owning
// migration is still undecided and the task must not execute.
type RangeDeletionTask struct {
	TaskID       string `json:"task_id" bson:"_id"`
	Namespace    string `json:"namespace" bson:"namespace"`
	CollectionID string `json:"collection_id" bson:"collection_id"`
	DonorShardID string `json:"donor_shard_id" bson:"donor_shard_id"`
	Min          []byte `json:"min" bson:"min"`
	Max          []byte `json:"max" bson:"max"`
	Urgency      string `json:"urgency" bson:"urgency"`
	Pending      bool   `json:"pending,omitempty" bson:"pending,omitempty"`
}
