package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags and every duration/time-of-day string outside
// quiet_hours. Quiet-hours values are never rejected; the evaluator falls
// back to defaults for them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	var errs []error
	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"delivery.send_timeout", cfg.Delivery.SendTimeout},
		{"delivery.breaker.open_timeout", cfg.Delivery.Breaker.OpenTimeout},
		{"redelivery.poll_interval", cfg.Redelivery.PollInterval},
		{"redelivery.job_timeout", cfg.Redelivery.JobTimeout},
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if d, err := ParseDurationField("redelivery.poll_interval", cfg.Redelivery.PollInterval); err == nil && d > 0 && d < time.Second {
		errs = append(errs, fmt.Errorf("redelivery.poll_interval: must be >= 1s"))
	}
	if _, err := ParseClockField("redelivery.reap_at", cfg.Redelivery.ReapAt); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseClockField parses an "HH:MM" time of day and returns it as the
// offset from midnight. Empty input returns (0, nil).
func ParseClockField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid time of day %q (want HH:MM)", path, raw)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
