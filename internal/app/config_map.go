package app

import (
	"fmt"
	"strings"
	"time"

	"quietbot/internal/config"
	"quietbot/internal/delivery"
	"quietbot/internal/observability/ops"
	"quietbot/internal/quiethours"
	"quietbot/internal/redelivery"
	"quietbot/internal/storage"
	"quietbot/pkg/logx"
)

const (
	defaultStoragePath = "./data/quietbot.db"
	defaultBusyTimeout = time.Second
	defaultPollTimeout = 10 * time.Second
)

// mapStorageConfig resolves the store settings. No storage section means
// sqlite at the default path.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: defaultStoragePath, BusyTimeout: defaultBusyTimeout}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = defaultStoragePath
		}
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		if busy <= 0 {
			busy = defaultBusyTimeout
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "pgx":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path (connection string) is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", Path: path}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapQuietHoursConfig(cfg *config.Config) quiethours.Config {
	q := cfg.QuietHours
	return quiethours.Config{
		Enabled:             q.Enabled,
		Start:               q.Start,
		End:                 q.End,
		Timezone:            q.Timezone,
		AllowEmergency:      q.AllowEmergency,
		EmergencyKeywords:   q.EmergencyKeywords,
		EmergencyUserIDs:    q.EmergencyUserIDs,
		MorningDeliveryTime: q.MorningDeliveryTime,
	}
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	sendTimeout, err := config.ParseDurationField("delivery.send_timeout", d.SendTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	openTimeout, err := config.ParseDurationField("delivery.breaker.open_timeout", d.Breaker.OpenTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		RatePerSec:  d.RatePerSec,
		SendTimeout: sendTimeout,
		Breaker: delivery.BreakerConfig{
			Enabled:     d.Breaker.On(),
			MaxFailures: d.Breaker.MaxFailures,
			OpenTimeout: openTimeout,
		},
	}, nil
}

// mapRedeliveryConfig returns the processor settings and whether the
// processor should run. Enabled defaults to true; an omitted marker means
// the stock one, an explicit "" disables it.
func mapRedeliveryConfig(cfg *config.Config) (redelivery.Config, bool, error) {
	r := cfg.Redelivery
	enabled := r.Enabled == nil || *r.Enabled

	poll, err := config.ParseDurationField("redelivery.poll_interval", r.PollInterval)
	if err != nil {
		return redelivery.Config{}, false, err
	}
	jobTimeout, err := config.ParseDurationField("redelivery.job_timeout", r.JobTimeout)
	if err != nil {
		return redelivery.Config{}, false, err
	}
	if _, err := config.ParseClockField("redelivery.reap_at", r.ReapAt); err != nil {
		return redelivery.Config{}, false, err
	}
	marker := redelivery.DefaultMarker
	if r.Marker != nil {
		marker = *r.Marker
	}
	return redelivery.Config{
		BatchSize:     r.BatchSize,
		MaxRetries:    r.MaxRetries,
		RetentionDays: r.RetentionDays,
		Marker:        marker,
		PollInterval:  poll,
		ReapAt:        strings.TrimSpace(r.ReapAt),
		JobTimeout:    jobTimeout,
	}, enabled, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	out := ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
	}
	if out.Addr == "" {
		out.Addr = ops.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("ops.read_timeout", o.ReadTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", o.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("ops.idle_timeout", o.IdleTimeout); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func pollTimeout(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Telegram.PollTimeout, defaultPollTimeout)
}

// validateReload rejects a reloaded config the running components could not
// apply. Quiet-hours values are never rejected.
func validateReload(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapRedeliveryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}
