// Package api holds the wire types of the mover HTTP interface. Both the
// control CLI and mover-to-mover messaging speak these JSON shapes.
package api

const (
	CreateTaskPath = "/mover/v1/tasks/create"
	DeleteTaskPath = "/mover/v1/tasks/delete"
	ReadyTaskPath  = "/mover/v1/tasks/ready"
	ListTasksPath  = "/mover/v1/tasks"

	StartMigrationPath  = "/mover/v1/migrations/start"
	CommitMigrationPath = "/mover/v1/migrations/commit"
	AbortMigrationPath  = "/mover/v1/migrations/abort"
	ListMigrationsPath  = "/mover/v1/migrations"

	DropCollectionPath = "/mover/v1/collections/drop"

	SweepPath  = "/mover/v1/sweep"
	ResumePath = "/mover/v1/resume"
	StatsPath  = "/mover/v1/stats"
)

// TaskData mirrors a range deletion task on the wire. Bounds travel as
// base64 per encoding/json []byte rules.
type TaskData struct {
	TaskID       string `json:"task_id"`
	Namespace    string `json:"namespace"`
	CollectionID string `json:"collection_id"`
	DonorShardID string `json:"donor_shard_id"`
	Min          []byte `json:"min"`
	Max          []byte `json:"max"`
	Urgency      string `json:"urgency"`
	Pending      bool   `json:"pending,omitempty"`
}

type MigrationData struct {
	MigrationID      string `json:"migration_id"`
	DonorShardID     string `json:"donor_shard_id"`
	RecipientShardID string `json:"recipient_shard_id"`
	Namespace        string `json:"namespace"`
	CollectionID     string `json:"collection_id"`
	Min              []byte `json:"min"`
	Max              []byte `json:"max"`
	Decision         string `json:"decision,omitempty"`
}

type CreateTaskRequest struct {
	Task *TaskData `json:"task"`
}

// TaskIDRequest addresses one task by id. Delete and ready commands use it
// and succeed even when the id no longer exists.
type TaskIDRequest struct {
	TaskID string `json:"task_id"`
}

// StartMigrationRequest opens a migration on the donor's mover. The
// migration id is chosen by the caller driving the migration; when left
// empty the mover generates one.
type StartMigrationRequest struct {
	MigrationID      string `json:"migration_id,omitempty"`
	RecipientShardID string `json:"recipient_shard_id"`
	Namespace        string `json:"namespace"`
	Min              []byte `json:"min"`
	Max              []byte `json:"max"`
	WaitForDelete    bool   `json:"wait_for_delete"`
}

type StartMigrationResponse struct {
	MigrationID string `json:"migration_id"`
}

type MigrationIDRequest struct {
	MigrationID string `json:"migration_id"`
}

type ListTasksResponse struct {
	Tasks []*TaskData `json:"tasks"`
}

type ListMigrationsResponse struct {
	Migrations []*MigrationData `json:"migrations"`
}

// DropCollectionRequest retires a namespace incarnation: the catalog entry
// goes away and every range deletion task persisted for it is discarded.
type DropCollectionRequest struct {
	Namespace string `json:"namespace"`
}

type DropCollectionResponse struct {
	RemovedTasks int `json:"removed_tasks"`
}

type SweepResponse struct {
	SubmittedTasks int `json:"submitted_tasks"`
}

type ResumeResponse struct {
	ResumedMigrations int `json:"resumed_migrations"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
