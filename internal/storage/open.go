package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"govcast/internal/model"
	logx "govcast/pkg/logx"
)

// Store is the persistence API used by the orchestrator, dispatcher,
// retry controller and aggregator.
type Store interface {
	// CreateBroadcast inserts b with version 1. ErrExists if the id is taken.
	CreateBroadcast(ctx context.Context, b model.Broadcast) error
	GetBroadcast(ctx context.Context, id string) (model.Broadcast, error)
	// UpdateBroadcast writes b if the stored version equals b.Version and
	// returns the row with its new version.
	UpdateBroadcast(ctx context.Context, b model.Broadcast) (model.Broadcast, error)
	// DueBroadcasts lists scheduled broadcasts with scheduled_at <= now.
	DueBroadcasts(ctx context.Context, now time.Time, limit int) ([]model.Broadcast, error)
	// StalledBroadcasts lists executing broadcasts started before the given
	// time.
	StalledBroadcasts(ctx context.Context, startedBefore time.Time, limit int) ([]model.Broadcast, error)

	// InsertTasks inserts tasks in one transaction, skipping keys that
	// already exist, and returns how many rows were created. On error no
	// task is stored.
	InsertTasks(ctx context.Context, tasks []model.DeliveryTask) (int, error)
	GetTask(ctx context.Context, key model.TaskKey) (model.DeliveryTask, error)
	FindTaskByExternalID(ctx context.Context, ch model.Channel, externalID string) (model.DeliveryTask, error)
	// UpdateTask is the task counterpart of UpdateBroadcast.
	UpdateTask(ctx context.Context, t model.DeliveryTask) (model.DeliveryTask, error)
	ListTasks(ctx context.Context, broadcastID string, f TaskFilter) ([]model.DeliveryTask, error)
	// DueRetries lists retrying tasks whose next_retry_at <= now.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]model.DeliveryTask, error)
	// StaleTasks lists pending tasks and sending tasks without an external id
	// that were last touched before the given time.
	StaleTasks(ctx context.Context, before time.Time, limit int) ([]model.DeliveryTask, error)
	// AwaitingCallback lists accepted tasks sent before the given time.
	AwaitingCallback(ctx context.Context, before time.Time, limit int) ([]model.DeliveryTask, error)
	TaskStats(ctx context.Context, broadcastID string) (model.DeliveryStats, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	// ClaimDedup records key until the given time. It returns false if the
	// key is already recorded and not expired.
	ClaimDedup(ctx context.Context, key string, until time.Time) (bool, error)
	// ReleaseDedup forgets key so the event can be claimed again.
	ReleaseDedup(ctx context.Context, key string) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return openMemory(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
