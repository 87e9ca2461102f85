package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"govcast/internal/aggregator"
	"govcast/internal/circuit"
	"govcast/internal/config"
	"govcast/internal/dispatch"
	"govcast/internal/httpapi"
	"govcast/internal/model"
	"govcast/internal/notifier"
	"govcast/internal/orchestrator"
	"govcast/internal/retry"
	"govcast/internal/storage"
	"govcast/internal/task/engine"
	"govcast/internal/task/scheduler"
	logx "govcast/pkg/logx"
)

// Default trigger specs of the recurring jobs.
const (
	defaultDueSweep    = "@every 15s"
	defaultRetrySweep  = "@every 10s"
	defaultSettleSweep = "@every 5m"
)

// jobSpecs are the trigger specs of the recurring jobs.
type jobSpecs struct {
	due    string
	retry  string
	settle string
}

// settings is a config file resolved into service configs. Every duration
// has been parsed and every default applied.
type settings struct {
	log        logx.Config
	storage    storage.Config
	http       httpapi.Config
	sweeps     engine.Config
	deliveries engine.Config
	scheduler  scheduler.Config
	jobs       jobSpecs
	orch       orchestrator.Config
	retry      retry.Config
	circuit    circuit.Config
	dispatch   dispatch.Config
	aggregator aggregator.Config
	alerts     notifier.Config

	directoryTimeout time.Duration
	contentTimeout   time.Duration
	whatsappTimeout  time.Duration
	ivrTimeout       time.Duration
}

func resolve(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, errors.New("config is nil")
	}
	var (
		d   config.Durations
		s   settings
		bad []error
	)

	s.log = logx.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}

	s.storage = storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:         strings.TrimSpace(cfg.Storage.Path),
		DSN:          strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout:  d.Or("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second),
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	}

	s.http = httpapi.Config{
		Addr:            cfg.HTTP.Addr,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		ReadTimeout:     d.Or("http.read_timeout", cfg.HTTP.ReadTimeout, 15*time.Second),
		WriteTimeout:    d.Or("http.write_timeout", cfg.HTTP.WriteTimeout, 30*time.Second),
		ShutdownTimeout: d.Or("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout, 10*time.Second),
		Pprof:           cfg.HTTP.Pprof,
	}

	s.dispatch = dispatch.Config{
		AttemptTimeout: d.Or("dispatch.attempt_timeout", cfg.Dispatch.AttemptTimeout, 30*time.Second),
		Channels:       make(map[model.Channel]dispatch.Limits, len(cfg.Dispatch.Channels)),
	}
	for name, l := range cfg.Dispatch.Channels {
		ch, ok := model.ParseChannel(name)
		if !ok {
			bad = append(bad, fmt.Errorf("dispatch.channels: unknown channel %q", name))
			continue
		}
		s.dispatch.Channels[ch] = dispatch.Limits{Concurrency: l.Concurrency, RPS: l.RPS, Burst: l.Burst}
	}

	s.sweeps = engineConfig(&d, "engine.sweeps", cfg.Engine.Sweeps, 4)
	s.deliveries = engineConfig(&d, "engine.deliveries", cfg.Engine.Deliveries, 32)
	s.deliveries.GroupLimits = s.dispatch.GroupLimits()
	if cfg.Scheduler.Enabled && !s.sweeps.Enabled {
		bad = append(bad, errors.New("engine.sweeps.enabled cannot be false while scheduler.enabled is true"))
	}

	s.scheduler = scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
	s.jobs = jobSpecs{
		due:    orDefault(cfg.Scheduler.DueSweep, defaultDueSweep),
		retry:  orDefault(cfg.Scheduler.RetrySweep, defaultRetrySweep),
		settle: orDefault(cfg.Scheduler.SettleSweep, defaultSettleSweep),
	}
	for name, spec := range map[string]string{
		"scheduler.due_sweep":    s.jobs.due,
		"scheduler.retry_sweep":  s.jobs.retry,
		"scheduler.settle_sweep": s.jobs.settle,
	} {
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			bad = append(bad, fmt.Errorf("%s: %w", name, err))
		}
	}

	s.orch = orchestrator.Config{
		ExecuteTimeout: d.Or("orchestrator.execute_timeout", cfg.Orchestrator.ExecuteTimeout, 10*time.Minute),
		DueBatch:       cfg.Orchestrator.DueBatch,
	}
	s.retry = retry.Config{
		Policy: retry.Policy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			BaseDelay:         d.Or("retry.base_delay", cfg.Retry.BaseDelay, 0),
			CircuitMultiplier: cfg.Retry.CircuitMultiplier,
		},
		BatchSize:  cfg.Retry.BatchSize,
		StaleAfter: d.Or("retry.stale_after", cfg.Retry.StaleAfter, 0),
	}
	s.circuit = circuit.Config{
		TripFailures: cfg.Circuit.TripFailures,
		Cooldown:     d.Or("circuit.cooldown", cfg.Circuit.Cooldown, 0),
	}
	s.aggregator = aggregator.Config{
		AcceptedTTL: d.Or("aggregator.accepted_ttl", cfg.Aggregator.AcceptedTTL, 0),
		DedupTTL:    d.Or("aggregator.dedup_ttl", cfg.Aggregator.DedupTTL, 0),
		SettleBatch: cfg.Aggregator.SettleBatch,
	}

	a := cfg.Alerts
	s.alerts = notifier.Config{
		Enabled:         a.Enabled,
		Workers:         a.Workers,
		QueueSize:       a.QueueSize,
		RatePerSec:      a.RatePerSec,
		RetryMax:        a.RetryMax,
		RetryBase:       d.Or("alerts.retry_base", a.RetryBase, 0),
		RetryMaxDelay:   d.Or("alerts.retry_max_delay", a.RetryMaxDelay, 0),
		DedupWindow:     d.Or("alerts.dedup_window", a.DedupWindow, 0),
		DedupMaxEntries: a.DedupMaxEntries,
		Telegram:        notifier.TelegramConfig{Token: a.TelegramToken, ChatID: a.TelegramChatID, ThreadID: a.TelegramThread},
	}

	s.directoryTimeout = d.Or("directory.timeout", cfg.Directory.Timeout, 30*time.Second)
	s.contentTimeout = d.Or("content.timeout", cfg.Content.Timeout, 10*time.Second)
	if wa := cfg.Channels.WhatsApp; wa != nil {
		s.whatsappTimeout = d.Or("channels.whatsapp.timeout", wa.Timeout, 15*time.Second)
	}
	if iv := cfg.Channels.IVR; iv != nil {
		s.ivrTimeout = d.Or("channels.ivr.timeout", iv.Timeout, 15*time.Second)
	}

	if err := errors.Join(append(bad, d.Err())...); err != nil {
		return settings{}, err
	}
	return s, nil
}

func engineConfig(d *config.Durations, path string, in config.EngineInstance, workers int) engine.Config {
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	if in.Workers > 0 {
		workers = in.Workers
	}
	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      in.QueueSize,
		DefaultTimeout: d.Or(path+".default_timeout", in.DefaultTimeout, time.Minute),
		MaxQueueDelay:  d.Or(path+".max_queue_delay", in.MaxQueueDelay, 0),
		HistorySize:    in.HistorySize,
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
