package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/craftvisor/internal/store"
)

func TestTriggerOf(t *testing.T) {
	start := time.Date(2024, 3, 10, 4, 30, 0, 0, time.UTC)
	cases := []struct {
		name string
		in   store.Schedule
		want Trigger
	}{
		{"cron", store.Schedule{IntervalType: store.IntervalCron, CronExpression: "0 4 * * *"}, Cron{Expr: "0 4 * * *"}},
		{"hours", store.Schedule{IntervalType: store.IntervalHours, Interval: 6}, EveryHours{N: 6}},
		{"minutes", store.Schedule{IntervalType: store.IntervalMinutes, Interval: 15}, EveryMinutes{N: 15}},
		{"days", store.Schedule{IntervalType: store.IntervalDays, Interval: 2, StartTime: start},
			EveryDaysAt{N: 2, Hour: 4, Minute: 30, Anchor: start}},
		{"reaction", store.Schedule{IntervalType: store.IntervalReaction}, Reaction{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := TriggerOf(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.in.IntervalType, got.Kind())
		})
	}
}

func TestTriggerOfRejects(t *testing.T) {
	for _, in := range []store.Schedule{
		{IntervalType: store.IntervalCron},
		{IntervalType: store.IntervalHours},
		{IntervalType: store.IntervalMinutes, Interval: -1},
		{IntervalType: store.IntervalDays},
		{IntervalType: "weeks", Interval: 1},
	} {
		_, err := TriggerOf(in)
		assert.Error(t, err, "%+v", in)
	}
}

func TestEngineScheduleCron(t *testing.T) {
	now := time.Date(2024, 3, 10, 4, 30, 15, 0, time.UTC)
	for expr, want := range map[string]time.Time{
		"*/10 * * * *":  time.Date(2024, 3, 10, 4, 40, 0, 0, time.UTC),
		"30 * * * * *":  time.Date(2024, 3, 10, 4, 30, 30, 0, time.UTC),
		"@daily":        time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
		"@every 1m30s":  now.Add(90 * time.Second),
		"0 0 6 * * MON": time.Date(2024, 3, 11, 6, 0, 0, 0, time.UTC),
	} {
		sched, err := engineSchedule(Cron{Expr: expr}, now)
		require.NoError(t, err, expr)
		assert.Equal(t, want, sched.Next(now), expr)
	}

	_, err := engineSchedule(Cron{Expr: "every tuesday"}, now)
	assert.Error(t, err)
	_, err = engineSchedule(Reaction{}, now)
	assert.Error(t, err)
}

func TestEngineScheduleIntervals(t *testing.T) {
	now := time.Date(2024, 3, 10, 4, 30, 0, 0, time.UTC)
	h, err := engineSchedule(EveryHours{N: 2}, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(2*time.Hour), h.Next(now))

	m, err := engineSchedule(EveryMinutes{N: 5}, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), m.Next(now))
}

func TestEveryDaysAt(t *testing.T) {
	anchor := time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC)
	sched, err := engineSchedule(EveryDaysAt{N: 3, Hour: 4, Minute: 30, Anchor: anchor}, time.Time{})
	require.NoError(t, err)

	first := time.Date(2024, 3, 1, 4, 30, 0, 0, time.UTC)
	// before the first run
	assert.Equal(t, first, sched.Next(first.Add(-time.Hour)))
	// exactly at a run moves to the next one
	assert.Equal(t, first.AddDate(0, 0, 3), sched.Next(first))
	assert.Equal(t, time.Date(2024, 3, 7, 4, 30, 0, 0, time.UTC),
		sched.Next(time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2024, 3, 10, 4, 30, 0, 0, time.UTC),
		sched.Next(time.Date(2024, 3, 7, 4, 30, 1, 0, time.UTC)))
}

func TestEveryDaysAtWithoutStartTime(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	sched, err := engineSchedule(EveryDaysAt{N: 1, Hour: 3}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 11, 3, 0, 0, 0, time.UTC), sched.Next(now))
}

func TestOnceAt(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	s := &onceAt{at: now.Add(time.Minute)}
	assert.Equal(t, now.Add(time.Minute), s.Next(now))
	assert.True(t, s.Next(now.Add(2*time.Minute)).IsZero())

	late := &onceAt{at: now.Add(-time.Second)}
	assert.Equal(t, now, late.Next(now))
	assert.True(t, late.Next(now).IsZero())
}
