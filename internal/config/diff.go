package config

import (
	"reflect"
	"strings"

	"quietbot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe log fields
// describing them. Tokens are never included, only whether one is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.Commands != nt.Commands ||
		ot.Token != nt.Token ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		!reflect.DeepEqual(ot.AdminIDs, nt.AdminIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Int("telegram.admin_count", len(nt.AdminIDs)),
			logx.Bool("telegram.commands", nt.Commands),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.QuietHours != newCfg.QuietHours {
		q := newCfg.QuietHours
		changed = append(changed, "quiet_hours")
		attrs = append(attrs,
			logx.Bool("quiet_hours.enabled", q.Enabled),
			logx.String("quiet_hours.window", strings.TrimSpace(q.Start)+"-"+strings.TrimSpace(q.End)),
			logx.String("quiet_hours.timezone", strings.TrimSpace(q.Timezone)),
			logx.String("quiet_hours.morning", strings.TrimSpace(q.MorningDeliveryTime)),
			logx.Bool("quiet_hours.allow_emergency", q.AllowEmergency),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		d := newCfg.Delivery
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.rate_per_sec", d.RatePerSec),
			logx.String("delivery.send_timeout", strings.TrimSpace(d.SendTimeout)),
			logx.Bool("delivery.breaker", d.Breaker.On()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Redelivery, newCfg.Redelivery) {
		r := newCfg.Redelivery
		changed = append(changed, "redelivery")
		attrs = append(attrs,
			logx.String("redelivery.poll_interval", strings.TrimSpace(r.PollInterval)),
			logx.Int("redelivery.batch_size", r.BatchSize),
			logx.Int("redelivery.max_retries", r.MaxRetries),
			logx.Int("redelivery.retention_days", r.RetentionDays),
			logx.String("redelivery.reap_at", strings.TrimSpace(r.ReapAt)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	oo.Token, no.Token = "", ""
	if oo != no || (oldCfg.Ops.Token != "") != (newCfg.Ops.Token != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	return changed, attrs
}
