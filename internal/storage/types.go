package storage

import (
	"errors"
	"time"

	"govcast/internal/model"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrStale is returned when the stored version no longer matches the
	// version the caller read. The caller lost a race and must re-read.
	ErrStale  = errors.New("storage: stale version")
	ErrExists = errors.New("storage: already exists")
)

// Config configures storage.
//
// Driver values:
//   - "memory": no persistence; Path optionally names an audit jsonl file
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
}

// AuditEntry records one lifecycle change or operator action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	BroadcastID   string    `json:"broadcast_id"`
	TenantID      string    `json:"tenant_id,omitempty"`
	Action        string    `json:"action"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Channel  model.Channel
	Statuses []model.TaskStatus
	Limit    int
}

func (f TaskFilter) match(t model.DeliveryTask) bool {
	if f.Channel != "" && t.Key.Channel != f.Channel {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

const defaultListLimit = 1000

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
