package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"govcast/internal/task/engine"
	logx "govcast/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone"` // IANA TZ; empty means Local
}

// Enqueuer accepts triggered tasks. *engine.Service implements it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Job is the work run for one trigger.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // cron expression or "@every <duration>"
	group   string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	spread  time.Duration
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Spread  time.Duration `json:"spread,omitempty"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
