package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "2m") and are resolved by the app with
// ParseDurationOrDefault. Empty values mean "use the default".
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	HTTP         HTTPConfig         `json:"http"`
	Storage      StorageConfig      `json:"storage"`
	Engine       EngineConfig       `json:"engine"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Retry        RetryConfig        `json:"retry"`
	Circuit      CircuitConfig      `json:"circuit"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Aggregator   AggregatorConfig   `json:"aggregator"`
	Channels     ChannelsConfig     `json:"channels"`
	Directory    SourceConfig       `json:"directory"`
	Content      SourceConfig       `json:"content"`
	Bus          BusConfig          `json:"bus"`
	Redis        RedisConfig        `json:"redis"`
	Alerts       AlertsConfig       `json:"alerts"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" or "json".
	Format string      `json:"format"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type HTTPConfig struct {
	Addr            string   `json:"addr"`
	CORSOrigins     []string `json:"cors_origins,omitempty"`
	ReadTimeout     string   `json:"read_timeout,omitempty"`
	WriteTimeout    string   `json:"write_timeout,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof. Keep the listener private
	// when enabled.
	Pprof bool `json:"pprof,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./govcast.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// EngineConfig holds the two task engines: one for sweeps and broadcast
// execution, one for delivery attempts.
type EngineConfig struct {
	Sweeps     EngineInstance `json:"sweeps"`
	Deliveries EngineInstance `json:"deliveries"`
}

// EngineInstance controls one task engine.
//
// Enabled is a pointer so an omitted value can default to true.
type EngineInstance struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// SchedulerConfig controls the recurring sweeps. Schedules accept cron
// expressions, "@every 30s" or a bare duration.
type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	Timezone    string `json:"timezone,omitempty"`
	DueSweep    string `json:"due_sweep,omitempty"`
	RetrySweep  string `json:"retry_sweep,omitempty"`
	SettleSweep string `json:"settle_sweep,omitempty"`
}

type OrchestratorConfig struct {
	ExecuteTimeout string `json:"execute_timeout,omitempty"`
	DueBatch       int    `json:"due_batch,omitempty"`
}

type RetryConfig struct {
	MaxAttempts       int    `json:"max_attempts,omitempty"`
	BaseDelay         string `json:"base_delay,omitempty"`
	CircuitMultiplier int    `json:"circuit_multiplier,omitempty"`
	BatchSize         int    `json:"batch_size,omitempty"`
	StaleAfter        string `json:"stale_after,omitempty"`
}

type CircuitConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	Cooldown     string `json:"cooldown,omitempty"`
}

type DispatchConfig struct {
	AttemptTimeout string `json:"attempt_timeout,omitempty"`
	// Channels maps a channel name (sms, whatsapp, ivr, social, web) to its
	// limits.
	Channels map[string]ChannelLimits `json:"channels,omitempty"`
}

type ChannelLimits struct {
	Concurrency int     `json:"concurrency,omitempty"`
	RPS         float64 `json:"rps,omitempty"`
	Burst       int     `json:"burst,omitempty"`
}

type AggregatorConfig struct {
	AcceptedTTL string `json:"accepted_ttl,omitempty"`
	DedupTTL    string `json:"dedup_ttl,omitempty"`
	SettleBatch int    `json:"settle_batch,omitempty"`
}

// ChannelsConfig enables channel adapters. A nil section leaves the channel
// unregistered; broadcasts targeting it skip it.
type ChannelsConfig struct {
	SMS      *SMSConfig      `json:"sms,omitempty"`
	WhatsApp *WhatsAppConfig `json:"whatsapp,omitempty"`
	IVR      *IVRConfig      `json:"ivr,omitempty"`
	Social   *SocialConfig   `json:"social,omitempty"`
	Web      *WebConfig      `json:"web,omitempty"`
}

type SMSConfig struct {
	Region      string `json:"region"`
	SenderID    string `json:"sender_id,omitempty"`
	SMSType     string `json:"sms_type,omitempty"`
	MaxSegments int    `json:"max_segments,omitempty"`
}

type WhatsAppConfig struct {
	BaseURL       string `json:"base_url"`
	PhoneNumberID string `json:"phone_number_id"`
	Token         string `json:"token"`
	Template      string `json:"template,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

type IVRConfig struct {
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
	CallerID string `json:"caller_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type SocialConfig struct {
	Token string `json:"token"`
}

type WebConfig struct {
	Prefix   string `json:"prefix,omitempty"`
	MaxItems int64  `json:"max_items,omitempty"`
}

// SourceConfig points at the citizen directory or the content store. An empty
// BaseURL selects the in-memory backend, optionally seeded from SeedFile.
type SourceConfig struct {
	BaseURL  string `json:"base_url,omitempty"`
	Token    string `json:"token,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	SeedFile string `json:"seed_file,omitempty"`
}

type BusConfig struct {
	Producer string `json:"producer,omitempty"`
	// Relay lists event type patterns forwarded to the brokers.
	Relay []string     `json:"relay,omitempty"`
	AMQP  *AMQPConfig  `json:"amqp,omitempty"`
	Kafka *KafkaConfig `json:"kafka,omitempty"`
}

type AMQPConfig struct {
	URL           string `json:"url"`
	Exchange      string `json:"exchange,omitempty"`
	Prefetch      int    `json:"prefetch,omitempty"`
	TriggerQueue  string `json:"trigger_queue,omitempty"`
	CallbackQueue string `json:"callback_queue,omitempty"`
}

type KafkaConfig struct {
	Brokers  []string `json:"brokers"`
	Topic    string   `json:"topic,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	// DedupPrefix namespaces callback de-duplication keys.
	DedupPrefix string `json:"dedup_prefix,omitempty"`
}

type AlertsConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	TelegramToken   string `json:"telegram_token,omitempty"`
	TelegramChatID  int64  `json:"telegram_chat_id,omitempty"`
	TelegramThread  int    `json:"telegram_thread_id,omitempty"`
}
