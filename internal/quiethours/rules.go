package quiethours

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // IANA names must resolve on hosts without zoneinfo
)

// Config is the raw operator-facing settings. List values are
// comma-separated.
type Config struct {
	Enabled             bool
	Start               string
	End                 string
	Timezone            string
	AllowEmergency      bool
	EmergencyKeywords   string
	EmergencyUserIDs    string
	MorningDeliveryTime string
}

const (
	DefaultStart             = "22:00"
	DefaultEnd               = "07:00"
	DefaultTimezone          = "Europe/Moscow"
	DefaultEmergencyKeywords = "срочно,важно,критично"
	DefaultMorningDelivery   = "09:00"
)

// ConfigError describes a setting that could not be used and the value
// that replaced it.
type ConfigError struct {
	Field    string
	Value    string
	Fallback string
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("quiet_hours.%s: invalid value %q, using %s: %v", e.Field, e.Value, e.Fallback, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TimeOfDay is a wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (a single-digit hour is accepted).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(ms) != 2 || len(hs) == 0 || len(hs) > 2 {
		return TimeOfDay{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err1 := strconv.Atoi(hs)
	m, err2 := strconv.Atoi(ms)
	if err1 != nil || err2 != nil {
		return TimeOfDay{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("time out of range: %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func mustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) sinceMidnight() time.Duration {
	return time.Duration(t.Hour)*time.Hour + time.Duration(t.Minute)*time.Minute
}

// Rules is a parsed, validated snapshot. The zero value is disabled.
type Rules struct {
	Enabled        bool
	Start          TimeOfDay
	End            TimeOfDay
	Location       *time.Location
	AllowEmergency bool
	Keywords       []string // lower-cased
	EmergencyIDs   map[string]struct{}
	Morning        TimeOfDay
}

// Parse turns cfg into Rules. It never fails: every unusable value is
// replaced by its default and reported as a *ConfigError.
func Parse(cfg Config) (Rules, []*ConfigError) {
	var problems []*ConfigError
	r := Rules{
		Enabled:        cfg.Enabled,
		AllowEmergency: cfg.AllowEmergency,
	}

	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		problems = append(problems, &ConfigError{Field: "timezone", Value: cfg.Timezone, Fallback: "UTC", Err: err})
		loc = time.UTC
	}
	r.Location = loc

	// start and end are one setting: a bad half resets both
	start, errS := parseOrDefault(cfg.Start, DefaultStart)
	end, errE := parseOrDefault(cfg.End, DefaultEnd)
	if err := errors.Join(errS, errE); err != nil {
		problems = append(problems, &ConfigError{
			Field:    "window",
			Value:    strings.TrimSpace(cfg.Start) + "-" + strings.TrimSpace(cfg.End),
			Fallback: DefaultStart + "-" + DefaultEnd,
			Err:      err,
		})
		start, end = mustTimeOfDay(DefaultStart), mustTimeOfDay(DefaultEnd)
	}
	r.Start, r.End = start, end

	morning, err := parseOrDefault(cfg.MorningDeliveryTime, DefaultMorningDelivery)
	if err != nil {
		problems = append(problems, &ConfigError{Field: "morning_delivery_time", Value: cfg.MorningDeliveryTime, Fallback: DefaultMorningDelivery, Err: err})
		morning = mustTimeOfDay(DefaultMorningDelivery)
	}
	r.Morning = morning

	kw := cfg.EmergencyKeywords
	if strings.TrimSpace(kw) == "" {
		kw = DefaultEmergencyKeywords
	}
	for _, k := range splitList(kw) {
		r.Keywords = append(r.Keywords, strings.ToLower(k))
	}

	r.EmergencyIDs = make(map[string]struct{})
	for _, id := range splitList(cfg.EmergencyUserIDs) {
		r.EmergencyIDs[id] = struct{}{}
	}
	return r, problems
}

func parseOrDefault(raw, def string) (TimeOfDay, error) {
	if strings.TrimSpace(raw) == "" {
		raw = def
	}
	return ParseTimeOfDay(raw)
}

// splitList splits a comma-separated list, trimming items and dropping
// empty ones. An empty keyword would otherwise match every message.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r Rules) location() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// IsMuted reports whether now falls inside the quiet window, both ends
// inclusive. A window whose start is after its end wraps past midnight.
func (r Rules) IsMuted(now time.Time) bool {
	if !r.Enabled {
		return false
	}
	local := now.In(r.location())
	cur := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	start, end := r.Start.sinceMidnight(), r.End.sinceMidnight()
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

// IsEmergency reports whether a notification bypasses quiet hours: the text
// contains an emergency keyword (case-insensitive) or hint is one of the
// emergency ids. Always false unless emergencies are allowed.
func (r Rules) IsEmergency(text, hint string) bool {
	if !r.AllowEmergency {
		return false
	}
	if len(r.Keywords) > 0 {
		lower := strings.ToLower(text)
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		_, ok := r.EmergencyIDs[hint]
		return ok
	}
	return false
}

// NextActiveTime returns the next occurrence of the morning delivery time
// strictly after now, in UTC. Day arithmetic happens in the configured
// location so the wall-clock time survives DST changes.
func (r Rules) NextActiveTime(now time.Time) time.Time {
	loc := r.location()
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), r.Morning.Hour, r.Morning.Minute, 0, 0, loc)
	if !next.After(now) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, r.Morning.Hour, r.Morning.Minute, 0, 0, loc)
	}
	return next.UTC()
}
