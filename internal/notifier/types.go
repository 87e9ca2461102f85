// Package notifier sends operator alerts (targeting failures, circuits
// opening) through a small async pipeline: queue, worker pool, rate limit,
// retry and a de-duplication window per alert key.
package notifier

import "time"

// Config controls the alert pipeline.
type Config struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Workers         int           `yaml:"workers" json:"workers"`
	QueueSize       int           `yaml:"queue_size" json:"queue_size"`
	RatePerSec      int           `yaml:"rate_per_sec" json:"rate_per_sec"`
	RetryMax        int           `yaml:"retry_max" json:"retry_max"`
	RetryBase       time.Duration `yaml:"retry_base" json:"retry_base"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
	DedupWindow     time.Duration `yaml:"dedup_window" json:"dedup_window"`
	DedupMaxEntries int           `yaml:"dedup_max_entries" json:"dedup_max_entries"`

	Telegram TelegramConfig `yaml:"telegram" json:"telegram"`
}

type TelegramConfig struct {
	Token    string `yaml:"token" json:"token"`
	ChatID   int64  `yaml:"chat_id" json:"chat_id"`
	ThreadID int    `yaml:"thread_id" json:"thread_id"`
}

// Priority orders alerts; higher is more urgent.
type Priority int

const (
	PriorityInfo     Priority = 5
	PriorityWarning  Priority = 7
	PriorityCritical Priority = 9
)

// Alert is one operator notification. Alerts sharing a Key are suppressed
// for the dedup window after the first one.
type Alert struct {
	Key      string
	Text     string
	Priority Priority
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Key  string    `json:"key"`
	Text string    `json:"text"`
}

// AlertEvent is published on the bus for pipeline lifecycle events.
type AlertEvent struct {
	Key   string    `json:"key"`
	Sink  string    `json:"sink,omitempty"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
