package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
logging:
  level: debug
  format: json
storage:
  driver: sqlite
  path: ${GOVCAST_TEST_DB}
dispatch:
  attempt_timeout: 20s
  channels:
    sms: {concurrency: 8, rps: 50}
channels:
  sms: {region: ap-southeast-1}
alerts:
  enabled: true
  telegram_token: ${GOVCAST_TEST_TOKEN}
  telegram_chat_id: -100200
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadExpandsEnvFromDotenv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "GOVCAST_TEST_DB=/var/lib/govcast.db\nGOVCAST_TEST_TOKEN=secret\n")
	path := writeFile(t, dir, "govcast.yaml", sample)
	t.Setenv("GOVCAST_TEST_DB", "/tmp/override.db")

	cfg, err := NewConfigManager(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Storage.Path, "process env wins over .env")
	assert.Equal(t, "secret", cfg.Alerts.TelegramToken)
	assert.Equal(t, 8, cfg.Dispatch.Channels["sms"].Concurrency)
	assert.Equal(t, 50.0, cfg.Dispatch.Channels["sms"].RPS)
	assert.Equal(t, []string{"sms"}, cfg.Channels.Enabled())
	os.Unsetenv("GOVCAST_TEST_TOKEN")
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.yaml", []byte("logging:\n  levle: debug\n"))
	assert.Error(t, err)

	_, err = Decode("c.json", []byte(`{"logging":{"level":"info"}} {"x":1}`))
	assert.Error(t, err)

	cfg, err := Decode("c.json", []byte(`{"http":{"addr":":8080"}}`))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(&Config{}))

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"driver", Config{Storage: StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"sqlite path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"postgres dsn", Config{Storage: StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"duration", Config{Retry: RetryConfig{BaseDelay: "soon"}}, "retry.base_delay"},
		{"negative duration", Config{Circuit: CircuitConfig{Cooldown: "-1s"}}, "circuit.cooldown"},
		{"channel name", Config{Dispatch: DispatchConfig{Channels: map[string]ChannelLimits{"fax": {}}}}, "unknown channel"},
		{"web needs redis", Config{Channels: ChannelsConfig{Web: &WebConfig{}}}, "redis.addr"},
		{"kafka brokers", Config{Bus: BusConfig{Kafka: &KafkaConfig{}}}, "bus.kafka.brokers"},
		{"alert chat", Config{Alerts: AlertsConfig{TelegramToken: "x"}}, "telegram_chat_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	d, err = ParseDurationOrDefault("x", " 250ms ", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationOrDefault("x", "ten", time.Second)
	assert.ErrorContains(t, err, "x: invalid duration")
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}, Alerts: AlertsConfig{TelegramToken: "secret"}}
	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"logging", "alerts"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(b, b)
	assert.Empty(t, changed)
}

func TestWatchPublishesValidReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "govcast.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher time to register the directory, then write once and
	// wait past the reload debounce.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))
	var got *Config
	select {
	case got = <-sub:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Equal(t, "debug", m.Get().Logging.Level)

	writeFile(t, dir, "govcast.json", `{"storage":{"driver":"mongo"}}`)
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, "debug", m.Get().Logging.Level, "invalid reloads are not committed")
}

func TestDurationsCollectsEveryError(t *testing.T) {
	t.Parallel()

	var d Durations
	assert.Equal(t, 3*time.Second, d.Or("a", "3s", time.Second))
	assert.Equal(t, time.Second, d.Or("b", "", time.Second))
	assert.Equal(t, time.Second, d.Or("c", "fast", time.Second), "invalid values fall back to the default")
	assert.Equal(t, time.Minute, d.Or("d", "-5s", time.Minute))

	err := d.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c: invalid duration")
	assert.Contains(t, err.Error(), "d: duration must be >= 0")

	var clean Durations
	clean.Or("a", "1m", 0)
	assert.NoError(t, clean.Err())
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	type side struct {
		Name  string   `json:"name"`
		Items []string `json:"items"`
	}
	dir := t.TempDir()

	var got side
	require.NoError(t, ReadFile(writeFile(t, dir, "ok.yaml", "name: seed\nitems: [a, b]\n"), &got))
	assert.Equal(t, side{Name: "seed", Items: []string{"a", "b"}}, got)

	require.NoError(t, ReadFile(writeFile(t, dir, "ok.json", `{"name":"j"}`), &got))
	assert.Equal(t, "j", got.Name)

	err := ReadFile(writeFile(t, dir, "bad.yaml", "name: seed\nextra: 1\n"), &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")

	assert.Error(t, ReadFile(filepath.Join(dir, "missing.yaml"), &got))
}
