package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "govcast/pkg/logx"
)

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// SummarizeConfigChange lists the changed top-level sections and safe log
// fields describing them. Secrets (tokens, passwords, DSNs) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, a, b any, fields ...logx.Field) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.String("logging.format", newCfg.Logging.Format),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
	)
	section("http", oldCfg.HTTP, newCfg.HTTP, logx.String("http.addr", newCfg.HTTP.Addr))
	section("storage", oldCfg.Storage, newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
	)
	section("engine", oldCfg.Engine, newCfg.Engine,
		logx.Int("engine.sweeps.workers", newCfg.Engine.Sweeps.Workers),
		logx.Int("engine.deliveries.workers", newCfg.Engine.Deliveries.Workers),
	)
	section("scheduler", oldCfg.Scheduler, newCfg.Scheduler,
		logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
	)
	section("orchestrator", oldCfg.Orchestrator, newCfg.Orchestrator)
	section("retry", oldCfg.Retry, newCfg.Retry, logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts))
	section("circuit", oldCfg.Circuit, newCfg.Circuit, logx.Int("circuit.trip_failures", newCfg.Circuit.TripFailures))
	section("dispatch", oldCfg.Dispatch, newCfg.Dispatch, logx.String("dispatch.channels", strings.Join(sortedKeys(newCfg.Dispatch.Channels), ",")))
	section("aggregator", oldCfg.Aggregator, newCfg.Aggregator)
	section("channels", oldCfg.Channels, newCfg.Channels, logx.String("channels.enabled", strings.Join(newCfg.Channels.Enabled(), ",")))
	section("directory", oldCfg.Directory, newCfg.Directory, logx.Bool("directory.remote", newCfg.Directory.BaseURL != ""))
	section("content", oldCfg.Content, newCfg.Content, logx.Bool("content.remote", newCfg.Content.BaseURL != ""))
	section("bus", oldCfg.Bus, newCfg.Bus,
		logx.Bool("bus.amqp", newCfg.Bus.AMQP != nil),
		logx.Bool("bus.kafka", newCfg.Bus.Kafka != nil),
	)
	section("redis", oldCfg.Redis, newCfg.Redis, logx.String("redis.addr", newCfg.Redis.Addr))
	section("alerts", oldCfg.Alerts, newCfg.Alerts,
		logx.Bool("alerts.enabled", newCfg.Alerts.Enabled),
		logx.Bool("alerts.telegram", newCfg.Alerts.TelegramToken != ""),
	)
	return changed, attrs
}

// Enabled lists configured channel names in canonical order.
func (c ChannelsConfig) Enabled() []string {
	var out []string
	if c.SMS != nil {
		out = append(out, "sms")
	}
	if c.WhatsApp != nil {
		out = append(out, "whatsapp")
	}
	if c.IVR != nil {
		out = append(out, "ivr")
	}
	if c.Social != nil {
		out = append(out, "social")
	}
	if c.Web != nil {
		out = append(out, "web")
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
