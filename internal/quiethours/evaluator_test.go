package quiethours

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quietbot/pkg/logx"
)

func TestEvaluatorApplySwapsRules(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 14, 20, 30, 0, 0, time.UTC) // 23:30 MSK
	e := New(Config{Enabled: true, Timezone: "Europe/Moscow"}, WithClock(ClockFunc(func() time.Time { return now })))

	assert.True(t, e.IsMuted(e.Now()))

	e.Apply(Config{Enabled: false})
	assert.False(t, e.IsMuted(e.Now()))

	e.Apply(Config{Enabled: true, Start: "10:00", End: "12:00", Timezone: "UTC"})
	assert.False(t, e.IsMuted(e.Now()))
	assert.True(t, e.IsMuted(time.Date(2024, 3, 14, 11, 0, 0, 0, time.UTC)))
}

func TestEvaluatorLogsConfigErrorsOnce(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logx.NewWriter(&buf, "debug")
	bad := Config{Enabled: true, Timezone: "Nowhere/Land"}

	e := New(bad, WithLogger(log))
	problems := e.Apply(bad)
	require.Len(t, problems, 1)
	assert.Equal(t, 1, strings.Count(buf.String(), "quiet hours setting ignored"))

	e.Apply(Config{Enabled: true, Timezone: "Other/Land"})
	assert.Equal(t, 2, strings.Count(buf.String(), "quiet hours setting ignored"))
}

func TestEvaluatorStatus(t *testing.T) {
	t.Parallel()

	e := New(Config{Enabled: true, Timezone: "UTC", MorningDeliveryTime: "08:15"})
	st := e.Status(time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC))

	assert.True(t, st.Muted)
	assert.Equal(t, "22:00-07:00", st.Window)
	assert.Equal(t, "UTC", st.Timezone)
	assert.Equal(t, time.Date(2024, 5, 2, 8, 15, 0, 0, time.UTC), st.NextActive)
}

func TestZeroEvaluatorRulesAreDisabled(t *testing.T) {
	t.Parallel()

	var e Evaluator
	assert.False(t, e.Rules().Enabled)
	assert.False(t, e.Rules().IsMuted(time.Now()))
}
