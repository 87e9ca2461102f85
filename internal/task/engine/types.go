package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls a task engine instance.
//
// The service runs two instances: one for sweeps and broadcast execution,
// one for per-task delivery attempts.
type Config struct {
	Enabled   bool `yaml:"enabled" json:"enabled"`
	Workers   int  `yaml:"workers" json:"workers"`
	QueueSize int  `yaml:"queue_size" json:"queue_size"`

	// DefaultTimeout applies when Task.Timeout is 0.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	// MaxQueueDelay drops tasks queued longer than this. 0 disables it.
	MaxQueueDelay time.Duration `yaml:"max_queue_delay" json:"max_queue_delay"`

	HistorySize int `yaml:"history_size" json:"history_size"`

	// GroupLimits caps concurrent executions per Task.Group.
	GroupLimits map[string]int `yaml:"group_limits" json:"group_limits"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning skips a task whose key is already queued or running.
	OverlapSkipIfRunning
)

// RunState tracks in-flight executions for one overlap key.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Task is one unit of work.
//
// Group selects a concurrency group (a delivery channel, for example).
// Key identifies the work item for overlap gating; it defaults to Name.
type Task struct {
	ID      string
	Name    string
	Group   string
	Key     string
	Overlap OverlapPolicy
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Group      string        `json:"group,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published on the bus for lifecycle transitions.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Group      string        `json:"group,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type GroupSnapshot struct {
	Limit    int `json:"limit"`
	InFlight int `json:"in_flight"`
}

// Snapshot is a diagnostic view of the engine.
type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`
	Panics           uint64 `json:"panics"`

	Groups  map[string]GroupSnapshot `json:"groups,omitempty"`
	History []HistoryItem            `json:"history,omitempty"`
}
