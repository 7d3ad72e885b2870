package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  admin_ids: [1001, 1002]
  owner_user_ids: [1001]
  poll_timeout: 10s
logging:
  level: info
  console: true
quiet_hours:
  enabled: true
  start: "22:00"
  end: "07:00"
  timezone: Europe/Moscow
  allow_emergency: true
  emergency_keywords: "срочно,важно,критично"
  morning_delivery_time: "09:00"
delivery:
  rate_per_sec: 20
  send_timeout: 10s
redelivery:
  poll_interval: 1m
  batch_size: 100
  max_retries: 3
  retention_days: 30
  reap_at: "03:00"
storage:
  driver: sqlite
  path: ./data/quietbot.db
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeConfig(t, "config.yaml", sampleYAML))
	m.SetEnvPrefix("")

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, []int64{1001, 1002}, cfg.Telegram.AdminIDs)
	assert.Equal(t, "Europe/Moscow", cfg.QuietHours.Timezone)
	assert.Equal(t, 3, cfg.Redelivery.MaxRetries)
	assert.Nil(t, cfg.Redelivery.Enabled)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Same(t, cfg, m.Get())
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Decode("config.json", []byte(`{"telegram":{"token":"x"},"quiet":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")

	_, err = Decode("config.json", []byte(`{"telegram":{"token":"x"}} {}`))
	require.Error(t, err)
}

func TestQuietHoursValuesAreNeverRejected(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("c.json", []byte(`{"telegram":{"token":"x"},"quiet_hours":{"enabled":true,"start":"25:99","timezone":"Mars/Base"}}`))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, "Token"},
		{"bad driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} }, "Driver"},
		{"bad duration", func(c *Config) { c.Delivery.SendTimeout = "soon" }, "delivery.send_timeout"},
		{"tiny poll interval", func(c *Config) { c.Redelivery.PollInterval = "10ms" }, "must be >= 1s"},
		{"bad reap time", func(c *Config) { c.Redelivery.ReapAt = "3am" }, "redelivery.reap_at"},
		{"negative retries", func(c *Config) { c.Redelivery.MaxRetries = -1 }, "MaxRetries"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(c)
			err := Validate(c)
			if tc.want == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestApplyEnvOverlay(t *testing.T) {
	t.Setenv("QBTEST_TELEGRAM_TOKEN", "from-env")
	t.Setenv("QBTEST_STORAGE_DRIVER", "postgres")
	t.Setenv("QBTEST_STORAGE_PATH", "postgres://localhost/quietbot")

	cfg := &Config{Telegram: TelegramConfig{Token: "from-file"}}
	require.NoError(t, ApplyEnv("QBTEST", cfg))
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://localhost/quietbot", cfg.Storage.Path)
	assert.Empty(t, cfg.Ops.Token)
}

func TestParseClockField(t *testing.T) {
	t.Parallel()

	d, err := ParseClockField("x", "03:30")
	require.NoError(t, err)
	assert.Equal(t, "3h30m0s", d.String())

	_, err = ParseClockField("x", "24:00")
	require.Error(t, err)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Ops: OpsConfig{Token: "secret"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Ops: OpsConfig{Token: "other-secret"}}
	newCfg.QuietHours.Start = "23:00"

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"quiet_hours"}, changed)
	assert.NotEmpty(t, attrs)
	assert.False(t, slices.Contains(changed, "ops"), "token rotation alone is not reported")

	newCfg.Storage = &StorageConfig{Driver: "file"}
	changed, _ = SummarizeConfigChange(oldCfg, newCfg)
	assert.True(t, slices.Contains(changed, "storage"))
	assert.False(t, strings.Contains(strings.Join(changed, ","), "secret"))
}
