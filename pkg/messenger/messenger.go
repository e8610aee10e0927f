// Package messenger delivers task commands to the movers of other shards.
// Every command is idempotent on the receiving side, so delivery retries
// until it gets a verdict or runs out of budget.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/range-sharding/chunkmover/pkg/api"
	"github.com/range-sharding/chunkmover/pkg/config"
	"github.com/range-sharding/chunkmover/pkg/models/migrations"
	"github.com/range-sharding/chunkmover/pkg/models/moverror"
	"github.com/range-sharding/chunkmover/pkg/movlog"
	"github.com/range-sharding/chunkmover/pkg/statistics"
)

// ShardRegistry resolves shard ids to mover endpoints.
type ShardRegistry interface {
	ShardAddress(shardID string) (string, error)
}

// StaticShardRegistry serves the shard map of the mover configuration.
type StaticShardRegistry struct {
	shards map[string]string
}

var _ ShardRegistry = &StaticShardRegistry{}

func NewStaticShardRegistry() *StaticShardRegistry {
	return &StaticShardRegistry{
		shards: config.MoverConfig().Shards,
	}
}

func (r *StaticShardRegistry) ShardAddress(shardID string) (string, error) {
	addr, ok := r.shards[shardID]
	if !ok {
		return "", moverror.Newf(moverror.MOVER_OBJECT_NOT_EXIST, "unknown shard \"%s\"", shardID)
	}
	return addr, nil
}

type Messenger interface {
	CreateRangeDeletionTask(ctx context.Context, shardID string, task *migrations.RangeDeletionTask) error
	DeleteRangeDeletionTask(ctx context.Context, shardID string, taskID string) error
	MarkRangeDeletionTaskReady(ctx context.Context, shardID string, taskID string) error
}

type HTTPMessenger struct {
	registry ShardRegistry
	client   *http.Client

	maxRetries  uint64
	backoffBase time.Duration
}

var _ Messenger = &HTTPMessenger{}

func NewHTTPMessenger(registry ShardRegistry) *HTTPMessenger {
	maxRetries := config.MoverConfig().RemoteRetries
	if maxRetries == 0 {
		maxRetries = 7
	}
	return &HTTPMessenger{
		registry: registry,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries:  maxRetries,
		backoffBase: 500 * time.Millisecond,
	}
}

func (m *HTTPMessenger) CreateRangeDeletionTask(ctx context.Context, shardID string, task *migrations.RangeDeletionTask) error {
	movlog.Zero.Debug().
		Str("shard", shardID).
		Str("task", task.ID).
		Msg("messenger: send create range deletion task")
	return m.sendIdempotentCommand(ctx, shardID, api.CreateTaskPath, &api.CreateTaskRequest{
		Task: migrations.TaskToAPI(task),
	})
}

func (m *HTTPMessenger) DeleteRangeDeletionTask(ctx context.Context, shardID string, taskID string) error {
	movlog.Zero.Debug().
		Str("shard", shardID).
		Str("task", taskID).
		Msg("messenger: send delete range deletion task")
	return m.sendIdempotentCommand(ctx, shardID, api.DeleteTaskPath, &api.TaskIDRequest{
		TaskID: taskID,
	})
}

func (m *HTTPMessenger) MarkRangeDeletionTaskReady(ctx context.Context, shardID string, taskID string) error {
	movlog.Zero.Debug().
		Str("shard", shardID).
		Str("task", taskID).
		Msg("messenger: send mark range deletion task ready")
	return m.sendIdempotentCommand(ctx, shardID, api.ReadyTaskPath, &api.TaskIDRequest{
		TaskID: taskID,
	})
}

// sendIdempotentCommand posts the payload to the shard's mover and retries
// transport failures and 5xx answers with fibonacci backoff. A 4xx answer
// is a verdict: it comes back as the remote's coded error and is never
// retried.
func (m *HTTPMessenger) sendIdempotentCommand(ctx context.Context, shardID string, path string, payload any) error {
	t := time.Now()
	defer func() {
		statistics.RecordRemoteOperation(path, time.Since(t))
	}()

	addr, err := m.registry.ShardAddress(shardID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s%s", addr, path)

	err = retry.Do(ctx, retry.WithMaxRetries(m.maxRetries, retry.NewFibonacci(m.backoffBase)), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := m.client.Do(req)
		if err != nil {
			movlog.Zero.Debug().Err(err).Str("url", url).Msg("messenger: attempt failed")
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return nil
		}

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= http.StatusInternalServerError {
			movlog.Zero.Debug().
				Int("status", resp.StatusCode).
				Str("url", url).
				Msg("messenger: attempt failed")
			return retry.RetryableError(fmt.Errorf("shard %s answered %d: %s", shardID, resp.StatusCode, respBody))
		}

		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err != nil || errResp.Code == "" {
			return fmt.Errorf("shard %s answered %d: %s", shardID, resp.StatusCode, respBody)
		}
		return moverror.New(errResp.Code, errResp.Message)
	})
	if err != nil {
		if moverror.CodeOf(err) != moverror.MOVER_UNEXPECTED {
			return err
		}
		return moverror.Newf(moverror.MOVER_REMOTE_FAILED, "command %s to shard %s failed: %v", path, shardID, err)
	}
	return nil
}
