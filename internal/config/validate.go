package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var channelNames = map[string]bool{"sms": true, "whatsapp": true, "ivr": true, "social": true, "web": true}

// Validate checks values the decoder cannot: enums, durations and
// cross-field requirements. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	check("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	for path, raw := range map[string]string{
		"http.read_timeout":                 cfg.HTTP.ReadTimeout,
		"http.write_timeout":                cfg.HTTP.WriteTimeout,
		"http.shutdown_timeout":             cfg.HTTP.ShutdownTimeout,
		"engine.sweeps.default_timeout":     cfg.Engine.Sweeps.DefaultTimeout,
		"engine.sweeps.max_queue_delay":     cfg.Engine.Sweeps.MaxQueueDelay,
		"engine.deliveries.default_timeout": cfg.Engine.Deliveries.DefaultTimeout,
		"engine.deliveries.max_queue_delay": cfg.Engine.Deliveries.MaxQueueDelay,
		"orchestrator.execute_timeout":      cfg.Orchestrator.ExecuteTimeout,
		"retry.base_delay":                  cfg.Retry.BaseDelay,
		"retry.stale_after":                 cfg.Retry.StaleAfter,
		"circuit.cooldown":                  cfg.Circuit.Cooldown,
		"dispatch.attempt_timeout":          cfg.Dispatch.AttemptTimeout,
		"aggregator.accepted_ttl":           cfg.Aggregator.AcceptedTTL,
		"aggregator.dedup_ttl":              cfg.Aggregator.DedupTTL,
		"directory.timeout":                 cfg.Directory.Timeout,
		"content.timeout":                   cfg.Content.Timeout,
		"alerts.retry_base":                 cfg.Alerts.RetryBase,
		"alerts.retry_max_delay":            cfg.Alerts.RetryMaxDelay,
		"alerts.dedup_window":               cfg.Alerts.DedupWindow,
	} {
		check(path, raw)
	}

	for name, lim := range cfg.Dispatch.Channels {
		if !channelNames[name] {
			errs = append(errs, fmt.Errorf("dispatch.channels: unknown channel %q", name))
		}
		if lim.Concurrency < 0 || lim.RPS < 0 || lim.Burst < 0 {
			errs = append(errs, fmt.Errorf("dispatch.channels.%s: limits must be >= 0", name))
		}
	}

	ch := cfg.Channels
	if ch.SMS != nil && strings.TrimSpace(ch.SMS.Region) == "" {
		errs = append(errs, errors.New("channels.sms.region is required"))
	}
	if ch.WhatsApp != nil {
		if ch.WhatsApp.BaseURL == "" || ch.WhatsApp.PhoneNumberID == "" {
			errs = append(errs, errors.New("channels.whatsapp: base_url and phone_number_id are required"))
		}
		check("channels.whatsapp.timeout", ch.WhatsApp.Timeout)
	}
	if ch.IVR != nil {
		if ch.IVR.BaseURL == "" {
			errs = append(errs, errors.New("channels.ivr.base_url is required"))
		}
		check("channels.ivr.timeout", ch.IVR.Timeout)
	}
	if ch.Social != nil && strings.TrimSpace(ch.Social.Token) == "" {
		errs = append(errs, errors.New("channels.social.token is required"))
	}
	if ch.Web != nil && cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("channels.web requires redis.addr"))
	}

	if cfg.Bus.AMQP != nil && strings.TrimSpace(cfg.Bus.AMQP.URL) == "" {
		errs = append(errs, errors.New("bus.amqp.url is required"))
	}
	if cfg.Bus.Kafka != nil && len(cfg.Bus.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("bus.kafka.brokers is required"))
	}
	if cfg.Alerts.TelegramToken != "" && cfg.Alerts.TelegramChatID == 0 {
		errs = append(errs, errors.New("alerts.telegram_chat_id is required with a telegram token"))
	}
	return errors.Join(errs...)
}
