package quiethours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func moscowRules(t *testing.T) Rules {
	t.Helper()
	r, problems := Parse(Config{
		Enabled:             true,
		Start:               "22:00",
		End:                 "07:00",
		Timezone:            "Europe/Moscow",
		AllowEmergency:      true,
		EmergencyKeywords:   "срочно, важно,,критично",
		EmergencyUserIDs:    "42, 77",
		MorningDeliveryTime: "09:00",
	})
	require.Empty(t, problems)
	return r
}

func msk(t *testing.T, hh, mm, ss int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	return time.Date(2024, time.March, 14, hh, mm, ss, 0, loc)
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"22:00", TimeOfDay{22, 0}, false},
		{"7:05", TimeOfDay{7, 5}, false},
		{" 00:00 ", TimeOfDay{0, 0}, false},
		{"24:00", TimeOfDay{}, true},
		{"12:60", TimeOfDay{}, true},
		{"12:5", TimeOfDay{}, true},
		{"noon", TimeOfDay{}, true},
		{"", TimeOfDay{}, true},
	}
	for _, tc := range cases {
		got, err := ParseTimeOfDay(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseTimeOfDay(%q) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseTimeOfDay(%q) = %v, %v, want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestIsMutedOvernight(t *testing.T) {
	t.Parallel()
	r := moscowRules(t)

	cases := []struct {
		name     string
		hh, mm   int
		ss       int
		expected bool
	}{
		{"window start is inside", 22, 0, 0, true},
		{"late evening", 23, 30, 0, true},
		{"midnight", 0, 0, 0, true},
		{"window end is inside", 7, 0, 0, true},
		{"just after end", 7, 0, 1, false},
		{"noon", 12, 0, 0, false},
		{"just before start", 21, 59, 59, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.expected, r.IsMuted(msk(t, tc.hh, tc.mm, tc.ss)), tc.name)
	}
}

func TestIsMutedSameDayWindow(t *testing.T) {
	t.Parallel()

	r, problems := Parse(Config{Enabled: true, Start: "13:00", End: "15:00", Timezone: "UTC"})
	require.Empty(t, problems)

	at := func(h, m int) time.Time { return time.Date(2024, 1, 2, h, m, 0, 0, time.UTC) }
	assert.False(t, r.IsMuted(at(12, 59)))
	assert.True(t, r.IsMuted(at(13, 0)))
	assert.True(t, r.IsMuted(at(14, 0)))
	assert.True(t, r.IsMuted(at(15, 0)))
	assert.False(t, r.IsMuted(at(23, 0)))
}

func TestIsMutedConvertsToConfiguredZone(t *testing.T) {
	t.Parallel()
	r := moscowRules(t)

	// 20:30 UTC is 23:30 in Moscow
	assert.True(t, r.IsMuted(time.Date(2024, 3, 14, 20, 30, 0, 0, time.UTC)))
	// 09:00 UTC is 12:00 in Moscow
	assert.False(t, r.IsMuted(time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)))
}

func TestDisabledNeverMutes(t *testing.T) {
	t.Parallel()

	r := moscowRules(t)
	r.Enabled = false
	for h := 0; h < 24; h++ {
		if r.IsMuted(msk(t, h, 30, 0)) {
			t.Fatalf("IsMuted at %02d:30 = true with quiet hours disabled", h)
		}
	}
}

func TestIsEmergency(t *testing.T) {
	t.Parallel()
	r := moscowRules(t)

	assert.True(t, r.IsEmergency("СРОЧНО: сервер недоступен", ""))
	assert.True(t, r.IsEmergency("это критично", ""))
	assert.False(t, r.IsEmergency("новая запись на 10:00", ""))
	assert.True(t, r.IsEmergency("новая запись", "42"))
	assert.True(t, r.IsEmergency("новая запись", " 77 "))
	assert.False(t, r.IsEmergency("новая запись", "43"))

	r.AllowEmergency = false
	assert.False(t, r.IsEmergency("срочно", "42"))
}

func TestEmptyKeywordNeverMatchesEverything(t *testing.T) {
	t.Parallel()

	r, _ := Parse(Config{AllowEmergency: true, EmergencyKeywords: " , ,alarm"})
	assert.Equal(t, []string{"alarm"}, r.Keywords)
	assert.False(t, r.IsEmergency("routine booking", ""))
}

func TestNextActiveTime(t *testing.T) {
	t.Parallel()
	r := moscowRules(t)

	// 23:30 local defers to 09:00 the next day, stored as UTC (MSK is UTC+3)
	got := r.NextActiveTime(msk(t, 23, 30, 0))
	assert.Equal(t, time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())

	// before the morning time on the same day
	assert.Equal(t, time.Date(2024, 3, 14, 6, 0, 0, 0, time.UTC), r.NextActiveTime(msk(t, 3, 0, 0)))

	// exactly at the morning time rolls over: the result is strictly after now
	assert.Equal(t, time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC), r.NextActiveTime(msk(t, 9, 0, 0)))
}

func TestNextActiveTimeAcrossDST(t *testing.T) {
	t.Parallel()

	r, problems := Parse(Config{Timezone: "Europe/Berlin", MorningDeliveryTime: "09:00"})
	require.Empty(t, problems)
	berlin := r.Location

	// the night clocks jump forward
	now := time.Date(2024, 3, 30, 23, 0, 0, 0, berlin)
	next := r.NextActiveTime(now).In(berlin)
	assert.Equal(t, 31, next.Day())
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 0, next.Minute())
}

func TestParseFallbacks(t *testing.T) {
	t.Parallel()

	r, problems := Parse(Config{
		Enabled:             true,
		Start:               "25:00",
		End:                 "06:00",
		Timezone:            "Not/AZone",
		MorningDeliveryTime: "morning",
	})
	require.Len(t, problems, 3)
	assert.Equal(t, time.UTC, r.Location)
	assert.Equal(t, TimeOfDay{22, 0}, r.Start)
	assert.Equal(t, TimeOfDay{7, 0}, r.End, "a bad half resets the whole window")
	assert.Equal(t, TimeOfDay{9, 0}, r.Morning)
	assert.Equal(t, []string{"срочно", "важно", "критично"}, r.Keywords)

	fields := []string{problems[0].Field, problems[1].Field, problems[2].Field}
	assert.ElementsMatch(t, []string{"timezone", "window", "morning_delivery_time"}, fields)
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	r, problems := Parse(Config{})
	require.Empty(t, problems)
	assert.Equal(t, "Europe/Moscow", r.Location.String())
	assert.Equal(t, "22:00", r.Start.String())
	assert.Equal(t, "07:00", r.End.String())
	assert.Equal(t, "09:00", r.Morning.String())
	assert.False(t, r.Enabled)
	assert.False(t, r.AllowEmergency)
}
