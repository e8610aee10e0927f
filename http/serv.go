// Package movhttp exposes the mover control surface over HTTP. Peer movers
// drive the recipient handshake through it and the control CLI drives
// migrations, sweeps and catalog changes.
package movhttp

import (
	"encoding/json"
	"net/http"

	"github.com/range-sharding/chunkmover/pkg/api"
	"github.com/range-sharding/chunkmover/pkg/catalog"
	"github.com/range-sharding/chunkmover/pkg/coord"
	"github.com/range-sharding/chunkmover/pkg/models/chunk"
	"github.com/range-sharding/chunkmover/pkg/models/migrations"
	"github.com/range-sharding/chunkmover/pkg/models/moverror"
	"github.com/range-sharding/chunkmover/pkg/movlog"
	"github.com/range-sharding/chunkmover/pkg/rangecleanup"
	"github.com/range-sharding/chunkmover/pkg/statistics"
	"github.com/range-sharding/chunkmover/taskdb"
)

type MoverService struct {
	db    taskdb.TaskDB
	cat   catalog.Catalog
	coord *coord.MigrationCoordinator
	sched rangecleanup.Scheduler
}

func NewMoverService(db taskdb.TaskDB, cat catalog.Catalog, c *coord.MigrationCoordinator, sched rangecleanup.Scheduler) *MoverService {
	return &MoverService{
		db:    db,
		cat:   cat,
		coord: c,
		sched: sched,
	}
}

// Register wires every mover endpoint into mux.
func Register(mux *http.ServeMux, srv *MoverService) {
	mux.HandleFunc(api.CreateTaskPath, srv.CreateTask)
	mux.HandleFunc(api.DeleteTaskPath, srv.DeleteTask)
	mux.HandleFunc(api.ReadyTaskPath, srv.ReadyTask)
	mux.HandleFunc(api.ListTasksPath, srv.ListTasks)

	mux.HandleFunc(api.StartMigrationPath, srv.StartMigration)
	mux.HandleFunc(api.CommitMigrationPath, srv.CommitMigration)
	mux.HandleFunc(api.AbortMigrationPath, srv.AbortMigration)
	mux.HandleFunc(api.ListMigrationsPath, srv.ListMigrations)

	mux.HandleFunc(api.DropCollectionPath, srv.DropCollection)
	mux.HandleFunc(api.SweepPath, srv.Sweep)
	mux.HandleFunc(api.ResumePath, srv.Resume)
	mux.HandleFunc(api.StatsPath, srv.Stats)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// CreateTask persists a pending range deletion task shipped by the donor.
// Retransmissions of an already persisted task succeed.
func (s *MoverService) CreateTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, moverror.New(moverror.MOVER_INVALID_TASK, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	var req api.CreateTaskRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err, 0)
		return
	}
	if req.Task == nil || req.Task.TaskID == "" {
		respondError(w, moverror.New(moverror.MOVER_INVALID_TASK, "create task request carries no task"), 0)
		return
	}
	if req.Task.Urgency != taskdb.CleanupImmediate && req.Task.Urgency != taskdb.CleanupDelayed {
		respondError(w, moverror.Newf(moverror.MOVER_INVALID_TASK, "unknown cleanup urgency \"%s\"", req.Task.Urgency), 0)
		return
	}

	task := migrations.TaskFromAPI(req.Task)
	if err := s.db.AddRangeDeletionTask(r.Context(), migrations.TaskToDB(task)); err != nil {
		if moverror.CodeOf(err) == moverror.MOVER_DUPLICATE_TASK {
			respondJSON(w, struct{}{})
			return
		}
		respondError(w, err, 0)
		return
	}
	respondJSON(w, struct{}{})
}

// DeleteTask removes a range deletion task. Deleting an id that is already
// gone succeeds, so the donor can retransmit the command freely.
func (s *MoverService) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, moverror.New(moverror.MOVER_INVALID_TASK, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	var req api.TaskIDRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err, 0)
		return
	}

	if err := s.db.RemoveRangeDeletionTask(r.Context(), req.TaskID); err != nil {
		if moverror.CodeOf(err) == moverror.MOVER_OBJECT_NOT_EXIST {
			respondJSON(w, struct{}{})
			return
		}
		respondError(w, err, 0)
		return
	}
	respondJSON(w, struct{}{})
}

// ReadyTask clears the pending mark of a task and hands it to the cleanup
// scheduler. The deletion itself runs behind the response. An id that is
// already gone succeeds.
func (s *MoverService) ReadyTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, moverror.New(moverror.MOVER_INVALID_TASK, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	var req api.TaskIDRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err, 0)
		return
	}

	if err := s.db.ClearRangeDeletionTaskPending(r.Context(), req.TaskID); err != nil {
		if moverror.CodeOf(err) == moverror.MOVER_OBJECT_NOT_EXIST {
			respondJSON(w, struct{}{})
			return
		}
		respondError(w, err, 0)
		return
	}

	dbTask, err := s.db.GetRangeDeletionTask(r.Context(), req.TaskID)
	if err != nil {
		if moverror.CodeOf(err) == moverror.MOVER_OBJECT_NOT_EXIST {
			respondJSON(w, struct{}{})
			return
		}
		respondError(w, err, 0)
		return
	}

	notif := s.sched.SubmitRangeDeletionTask(r.Context(), migrations.TaskFromDB(dbTask))
	if notif.Ready() && moverror.CodeOf(notif.Wait(r.Context())) == moverror.MOVER_INVALID_TASK {
		movlog.Zero.Warn().
			Str("task_id", req.TaskID).
			Msg("movhttp: discarding invalid range deletion task")
		if err := s.db.RemoveRangeDeletionTask(r.Context(), req.TaskID); err != nil {
			respondError(w, err, 0)
			return
		}
	} else {
		notif.Abandon()
	}
	respondJSON(w, struct{}{})
}

func (s *MoverService) ListTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, moverror.New(moverror.MOVER_INVALID_TASK, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	dbTasks, err := s.db.ListRangeDeletionTasks(r.Context())
	if err != nil {
		respondError(w, err, 0)
		return
	}
	resp := &api.ListTasksResponse{Tasks: make([]*api.TaskData, 0, len(dbTasks))}
	for _, dbTask := range dbTasks {
		resp.Tasks = append(resp.Tasks, migrations.TaskToAPI(migrations.TaskFromDB(dbTask)))
	}
	respondJSON(w, resp)
}

func (s *MoverService) StartMigration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, moverror.New(moverror.MOVER_INVALID_TASK, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	var req api.StartMigrationRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err, 0)
		return
	}

	m, err := s.coord.StartMigration(r.Context(), req.MigrationID, req.RecipientShardID, req.Namespace, chunk.NewChunkRange(req.Min, req.Max), req.WaitForDelete)
	if err != nil {
		respondError(w, err, 0)
		return
	}
	respondJSON(w, &api.StartMigrationResponse{MigrationID: m.ID})
}

func (s *MoverService) CommitMigration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, moverror.New(moverror.MOVER_INVALID_TASK, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	var req api.MigrationIDRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err, 0)
		return
	}

	if err := s.coord.CommitMigration(r.Context(), req.MigrationID); err != nil {
		respondError(w, err, 0)
		return
	}
	respondJSON(w, struct{}{})
}

func (s *MoverService) AbortMigration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, moverror.New(moverror.MOVER_INVALID_TASK, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	var req api.MigrationIDRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err, 0)
		return
	}

	if err := s.coord.AbortMigration(r.Context(), req.MigrationID); err != nil {
		respondError(w, err, 0)
		return
	}
	respondJSON(w, struct{}{})
}

func (s *MoverService) ListMigrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, moverror.New(moverror.MOVER_INVALID_TASK, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	recs, err := s.db.ListMigrationRecords(r.Context())
	if err != nil {
		respondError(w, err, 0)
		return
	}
	resp := &api.ListMigrationsResponse{Migrations: make([]*api.MigrationData, 0, len(recs))}
	for _, rec := range recs {
		resp.Migrations = append(resp.Migrations, migrations.MigrationToAPI(migrations.MigrationFromDB(rec)))
	}
	respondJSON(w, resp)
}

// DropCollection retires a namespace: its catalog entry goes away together
// with every range deletion task persisted for its collection id.
func (s *MoverService) DropCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, moverror.New(moverror.MOVER_INVALID_TASK, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	var req api.DropCollectionRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err, 0)
		return
	}

	col, err := s.cat.GetCollection(r.Context(), req.Namespace)
	if err != nil {
		respondError(w, err, 0)
		return
	}
	removed, err := s.db.RemoveRangeDeletionTasksForCollection(r.Context(), col.CollectionID)
	if err != nil {
		respondError(w, err, 0)
		return
	}
	if err := s.cat.DropCollection(r.Context(), req.Namespace); err != nil {
		respondError(w, err, 0)
		return
	}

	movlog.Zero.Info().
		Str("namespace", req.Namespace).
		Str("collection_id", col.CollectionID).
		Int("removed_tasks", removed).
		Msg("movhttp: dropped collection")
	respondJSON(w, &api.DropCollectionResponse{RemovedTasks: removed})
}

// Sweep re-submits every decided range deletion task, discarding the ones
// that no longer match the catalog.
func (s *MoverService) Sweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, moverror.New(moverror.MOVER_INVALID_TASK, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	submitted, err := s.sched.ResubmitRangeDeletionTasks(r.Context())
	if err != nil {
		respondError(w, err, 0)
		return
	}
	respondJSON(w, &api.SweepResponse{SubmittedTasks: submitted})
}

// Resume re-drives every decided migration coordination to completion.
func (s *MoverService) Resume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, moverror.New(moverror.MOVER_INVALID_TASK, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	resumed, err := s.coord.ResumeMigrationCoordinations(r.Context())
	if err != nil {
		respondError(w, err, 0)
		return
	}
	respondJSON(w, &api.ResumeResponse{ResumedMigrations: resumed})
}

func (s *MoverService) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, moverror.New(moverror.MOVER_INVALID_TASK, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, statistics.GetSnapshot())
}

func decode(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return moverror.Newf(moverror.MOVER_INVALID_TASK, "malformed request body: %v", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		movlog.Zero.Error().Err(err).Msg("movhttp: failed to encode response")
	}
}

// respondError maps the error code to an HTTP status unless the caller
// already picked one.
func respondError(w http.ResponseWriter, err error, status int) {
	code := moverror.CodeOf(err)
	if status == 0 {
		status = statusOf(code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&api.ErrorResponse{
		Code:    code,
		Message: err.Error(),
	})
}

func statusOf(code string) int {
	switch code {
	case moverror.MOVER_INVALID_TASK:
		return http.StatusBadRequest
	case moverror.MOVER_OBJECT_NOT_EXIST:
		return http.StatusNotFound
	case moverror.MOVER_DUPLICATE_RECORD, moverror.MOVER_DUPLICATE_TASK,
		moverror.MOVER_RANGE_CONFLICT, moverror.MOVER_METADATA_CORRUPTION:
		return http.StatusConflict
	case moverror.MOVER_CONNECTION_ERROR:
		return http.StatusServiceUnavailable
	case moverror.MOVER_REMOTE_FAILED:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
