package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m") and all
// times of day are "HH:MM".
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	QuietHours QuietHoursConfig `json:"quiet_hours"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Redelivery RedeliveryConfig `json:"redelivery"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Ops        OpsConfig        `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token" validate:"required"`
	// OwnerUserIDs may use the operator commands.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AdminIDs receive notifications when a request names no recipients.
	AdminIDs []int64 `json:"admin_ids"`
	// PollTimeout is the long-polling timeout for inbound commands.
	PollTimeout string `json:"poll_timeout"`
	// Commands enables /quiet, /deferred and /redeliver. Without it the bot
	// never polls Telegram and only sends.
	Commands bool `json:"commands"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QuietHoursConfig mirrors the operator-facing settings verbatim. Values are
// kept as strings so a malformed entry degrades to a default instead of
// rejecting the whole file.
//
// Defaults: start "22:00", end "07:00", timezone "Europe/Moscow",
// emergency_keywords "срочно,важно,критично", morning_delivery_time "09:00".
type QuietHoursConfig struct {
	Enabled        bool   `json:"enabled"`
	Start          string `json:"start"`
	End            string `json:"end"`
	Timezone       string `json:"timezone"`
	AllowEmergency bool   `json:"allow_emergency"`
	// Comma-separated lists.
	EmergencyKeywords   string `json:"emergency_keywords"`
	EmergencyUserIDs    string `json:"emergency_user_ids"`
	MorningDeliveryTime string `json:"morning_delivery_time"`
}

// DeliveryConfig tunes the outbound send path shared by immediate and
// deferred deliveries.
//
// Defaults: rate_per_sec 20, send_timeout "10s", breaker enabled with
// max_failures 5 and open_timeout "30s".
type DeliveryConfig struct {
	RatePerSec  int           `json:"rate_per_sec" validate:"gte=0"`
	SendTimeout string        `json:"send_timeout"`
	Breaker     BreakerConfig `json:"breaker"`
}

type BreakerConfig struct {
	// Enabled defaults to true when omitted.
	Enabled     *bool  `json:"enabled,omitempty"`
	MaxFailures int    `json:"max_failures" validate:"gte=0"`
	OpenTimeout string `json:"open_timeout"`
}

// On reports whether the breaker is enabled, defaulting to true.
func (b BreakerConfig) On() bool { return b.Enabled == nil || *b.Enabled }

// RedeliveryConfig controls the deferred queue processor.
//
// Defaults: poll_interval "1m", batch_size 100, max_retries 3,
// retention_days 30, reap_at "03:00", marker "(🔔 Отложенное с {time})".
// An explicit empty marker ("") is kept as-is and disables the prefix.
type RedeliveryConfig struct {
	// Enabled defaults to true when omitted.
	Enabled       *bool   `json:"enabled,omitempty"`
	PollInterval  string  `json:"poll_interval"`
	BatchSize     int     `json:"batch_size" validate:"gte=0,lte=10000"`
	MaxRetries    int     `json:"max_retries" validate:"gte=0,lte=100"`
	RetentionDays int     `json:"retention_days" validate:"gte=0"`
	ReapAt        string  `json:"reap_at"`
	Marker        *string `json:"marker,omitempty"`
	// JobTimeout bounds one poll or reap cycle.
	JobTimeout string `json:"job_timeout,omitempty"`
}

// StorageConfig selects the deferred queue backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/quietbot.db" }
//
// For postgres, path holds the connection string.
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite sqlite3 postgres pgx file memory"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// OpsConfig controls the optional HTTP endpoint (health, metrics, pprof).
//
// Prefer a loopback address. A non-loopback address needs a token or
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
