package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quietbot/internal/config"
	"quietbot/internal/observability/ops"
	"quietbot/internal/redelivery"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      *config.StorageConfig
		driver  string
		path    string
		busy    time.Duration
		wantErr bool
	}{
		{name: "omitted", in: nil, driver: "sqlite", path: defaultStoragePath, busy: time.Second},
		{name: "empty driver", in: &config.StorageConfig{}, driver: "sqlite", path: defaultStoragePath, busy: time.Second},
		{name: "sqlite busy", in: &config.StorageConfig{Driver: "SQLite3", Path: "/tmp/q.db", BusyTimeout: "3s"}, driver: "sqlite", path: "/tmp/q.db", busy: 3 * time.Second},
		{name: "sqlite bad busy", in: &config.StorageConfig{Driver: "sqlite", BusyTimeout: "soon"}, wantErr: true},
		{name: "postgres", in: &config.StorageConfig{Driver: "pgx", Path: "postgres://q@localhost/q"}, driver: "postgres", path: "postgres://q@localhost/q"},
		{name: "postgres no dsn", in: &config.StorageConfig{Driver: "postgres"}, wantErr: true},
		{name: "file", in: &config.StorageConfig{Driver: "file", Path: "./data/deferred"}, driver: "file", path: "./data/deferred"},
		{name: "file no path", in: &config.StorageConfig{Driver: "file"}, wantErr: true},
		{name: "memory", in: &config.StorageConfig{Driver: "memory", Path: "ignored"}, driver: "memory"},
		{name: "unknown", in: &config.StorageConfig{Driver: "mysql"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.driver, got.Driver)
			assert.Equal(t, tt.path, got.Path)
			assert.Equal(t, tt.busy, got.BusyTimeout)
		})
	}
}

func TestMapRedeliveryConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		got, enabled, err := mapRedeliveryConfig(&config.Config{})
		require.NoError(t, err)
		assert.True(t, enabled)
		assert.Equal(t, redelivery.DefaultMarker, got.Marker)
		assert.Zero(t, got.PollInterval)
	})

	t.Run("explicit", func(t *testing.T) {
		off := false
		empty := ""
		got, enabled, err := mapRedeliveryConfig(&config.Config{Redelivery: config.RedeliveryConfig{
			Enabled:       &off,
			PollInterval:  "30s",
			BatchSize:     10,
			MaxRetries:    5,
			RetentionDays: 7,
			ReapAt:        " 04:30 ",
			Marker:        &empty,
			JobTimeout:    "1m",
		}})
		require.NoError(t, err)
		assert.False(t, enabled)
		assert.Equal(t, redelivery.Config{
			BatchSize:     10,
			MaxRetries:    5,
			RetentionDays: 7,
			Marker:        "",
			PollInterval:  30 * time.Second,
			ReapAt:        "04:30",
			JobTimeout:    time.Minute,
		}, got)
	})

	t.Run("bad reap time", func(t *testing.T) {
		_, _, err := mapRedeliveryConfig(&config.Config{Redelivery: config.RedeliveryConfig{ReapAt: "3am"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redelivery.reap_at")
	})
}

func TestMapDeliveryConfig(t *testing.T) {
	t.Parallel()

	on := true
	got, err := mapDeliveryConfig(&config.Config{Delivery: config.DeliveryConfig{
		RatePerSec:  5,
		SendTimeout: "2s",
		Breaker:     config.BreakerConfig{Enabled: &on, MaxFailures: 3, OpenTimeout: "1m"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 5, got.RatePerSec)
	assert.Equal(t, 2*time.Second, got.SendTimeout)
	assert.True(t, got.Breaker.Enabled)
	assert.Equal(t, 3, got.Breaker.MaxFailures)
	assert.Equal(t, time.Minute, got.Breaker.OpenTimeout)

	_, err = mapDeliveryConfig(&config.Config{Delivery: config.DeliveryConfig{SendTimeout: "-1s"}})
	require.Error(t, err)
}

func TestMapDeliveryConfigBreakerDefaultsOn(t *testing.T) {
	t.Parallel()

	got, err := mapDeliveryConfig(&config.Config{})
	require.NoError(t, err)
	assert.True(t, got.Breaker.Enabled, "omitted breaker section keeps the breaker on")

	off := false
	got, err = mapDeliveryConfig(&config.Config{Delivery: config.DeliveryConfig{
		Breaker: config.BreakerConfig{Enabled: &off},
	}})
	require.NoError(t, err)
	assert.False(t, got.Breaker.Enabled)
}

func TestMapOpsConfig(t *testing.T) {
	t.Parallel()

	got, err := mapOpsConfig(&config.Config{Ops: config.OpsConfig{Enabled: true, Token: " secret ", ReadTimeout: "5s"}})
	require.NoError(t, err)
	assert.Equal(t, ops.DefaultAddr, got.Addr)
	assert.Equal(t, "secret", got.Token)
	assert.Equal(t, 5*time.Second, got.ReadTimeout)

	_, err = mapOpsConfig(&config.Config{Ops: config.OpsConfig{IdleTimeout: "forever"}})
	require.Error(t, err)
}

func TestMapQuietHoursConfigPassesRawValues(t *testing.T) {
	t.Parallel()

	// quiet-hours values are never rejected here; the evaluator falls back
	got := mapQuietHoursConfig(&config.Config{QuietHours: config.QuietHoursConfig{
		Enabled:  true,
		Start:    "25:99",
		Timezone: "Mars/Olympus",
	}})
	assert.True(t, got.Enabled)
	assert.Equal(t, "25:99", got.Start)
	assert.Equal(t, "Mars/Olympus", got.Timezone)
	require.NoError(t, validateReload(&config.Config{QuietHours: config.QuietHoursConfig{Start: "nope"}}))
}

func TestPollTimeout(t *testing.T) {
	t.Parallel()

	assert.Equal(t, defaultPollTimeout, pollTimeout(&config.Config{}))
	assert.Equal(t, 30*time.Second, pollTimeout(&config.Config{Telegram: config.TelegramConfig{PollTimeout: "30s"}}))
}
