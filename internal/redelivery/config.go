package redelivery

import (
	"strings"
	"time"
)

const (
	DefaultBatchSize     = 100
	DefaultMaxRetries    = 3
	DefaultRetentionDays = 30
	DefaultPollInterval  = time.Minute
	DefaultReapAt        = "03:00"
	DefaultJobTimeout    = 5 * time.Minute

	// DefaultMarker is prefixed to redelivered text. {time} becomes the
	// local HH:MM of the attempt.
	DefaultMarker = "(🔔 Отложенное с {time})"

	PollJob = "deferred.poll"
	ReapJob = "deferred.reap"
)

type Config struct {
	BatchSize     int
	MaxRetries    int
	RetentionDays int
	// Marker is not defaulted: an empty marker disables it.
	Marker       string
	PollInterval time.Duration
	ReapAt       string
	JobTimeout   time.Duration
}

// DefaultConfig returns the stock settings, marker included.
func DefaultConfig() Config {
	return Config{Marker: DefaultMarker}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if strings.TrimSpace(c.ReapAt) == "" {
		c.ReapAt = DefaultReapAt
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	return c
}

func (c Config) timing() [3]string {
	return [3]string{c.PollInterval.String(), strings.TrimSpace(c.ReapAt), c.JobTimeout.String()}
}

// applyMarker prefixes text with the rendered marker unless the text
// already carries one.
func applyMarker(tmpl, text string, local time.Time) string {
	if tmpl == "" {
		return text
	}
	prefix, _, _ := strings.Cut(tmpl, "{time}")
	if prefix = strings.TrimSpace(prefix); prefix != "" && strings.HasPrefix(strings.TrimSpace(text), prefix) {
		return text
	}
	return strings.ReplaceAll(tmpl, "{time}", local.Format("15:04")) + "\n\n" + text
}
