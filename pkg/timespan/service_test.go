package timespan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedResolver(t time.Time) *Resolver {
	return &Resolver{Now: func() time.Time { return t }}
}

func TestResolveNamedDay(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 26, 53, 0, time.Local)
	r := fixedResolver(now)

	period, err := r.Resolve(Config{Mode: ModeRelative, Period: PeriodDay})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local), period.Start)
	require.NotNil(t, period.End)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.Local).Add(-time.Millisecond), *period.End)
}

func TestResolveNamedDayOffset(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.Local)
	r := fixedResolver(now)

	period, err := r.Resolve(Config{Mode: ModeRelative, Period: PeriodDay, Offset: -1})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 13, 0, 0, 0, 0, time.Local), period.Start)
}

func TestResolveWeekStartsSunday(t *testing.T) {
	// 2026-03-11 is a Wednesday.
	now := time.Date(2026, 3, 11, 10, 0, 0, 0, time.Local)
	r := fixedResolver(now)

	period, err := r.Resolve(Config{Mode: ModeRelative, Period: PeriodWeek})
	require.NoError(t, err)
	assert.Equal(t, time.Sunday, period.Start.Weekday())
	assert.Equal(t, time.Date(2026, 3, 8, 0, 0, 0, 0, time.Local), period.Start)
}

func TestResolveLast60MinutesRoundsToMinute(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 26, 53, 500e6, time.Local)
	r := fixedResolver(now)

	period, err := r.Resolve(Config{Mode: ModeRelative, Period: PeriodLast60Minutes})
	require.NoError(t, err)
	require.NotNil(t, period.End)
	assert.Equal(t, time.Date(2026, 3, 14, 15, 26, 0, 0, time.Local), *period.End)
	assert.Equal(t, time.Hour, period.End.Sub(period.Start))
}

func TestResolveLast7DaysMinuteThreshold(t *testing.T) {
	r := fixedResolver(time.Date(2026, 3, 14, 15, 19, 0, 0, time.Local))
	period, err := r.Resolve(Config{Mode: ModeRelative, Period: PeriodLast7Days})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 15, 20, 0, 0, time.Local), *period.End)

	// At minute 20 the window rolls over to the next hour.
	r = fixedResolver(time.Date(2026, 3, 14, 15, 20, 0, 0, time.Local))
	period, err = r.Resolve(Config{Mode: ModeRelative, Period: PeriodLast7Days})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 16, 20, 0, 0, time.Local), *period.End)
	assert.Equal(t, period.End.AddDate(0, 0, -7), period.Start)
}

func TestResolveLast12MonthsStartsAtDay(t *testing.T) {
	r := fixedResolver(time.Date(2026, 3, 14, 15, 26, 0, 0, time.Local))
	period, err := r.Resolve(Config{Mode: ModeRelative, Period: PeriodLast12Months})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local), *period.End)
	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.Local), period.Start)
}

func TestResolveFixedDefaults(t *testing.T) {
	r := fixedResolver(time.Date(2026, 3, 14, 15, 0, 0, 0, time.Local))

	period, err := r.Resolve(Config{Mode: ModeFixed, Start: "2026-01-05"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, time.Local), period.Start)
	require.NotNil(t, period.End)
	assert.Equal(t, time.Date(2026, 1, 6, 0, 0, 0, 0, time.Local).Add(-time.Millisecond), *period.End)

	// Missing start means today.
	period, err = r.Resolve(Config{Mode: ModeFixed})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local), period.Start)
}

func TestResolveFixedBadDate(t *testing.T) {
	r := fixedResolver(time.Now())
	_, err := r.Resolve(Config{Mode: ModeFixed, Start: "not-a-date"})
	assert.Error(t, err)
}

func TestResolveEnergyModeErrors(t *testing.T) {
	r := fixedResolver(time.Now())
	_, err := r.Resolve(Config{Mode: ModeEnergy})
	assert.Error(t, err)
}

func TestAddMonthsClampsEndOfMonth(t *testing.T) {
	jan31 := time.Date(2026, 1, 31, 12, 0, 0, 0, time.Local)
	assert.Equal(t, time.Date(2026, 2, 28, 12, 0, 0, 0, time.Local), AddMonths(jan31, 1))
	// Leap year February keeps the 29th.
	jan31leap := time.Date(2028, 1, 31, 0, 0, 0, 0, time.Local)
	assert.Equal(t, time.Date(2028, 2, 29, 0, 0, 0, 0, time.Local), AddMonths(jan31leap, 1))
	// And back out again lands on the clamped day, not the original.
	assert.Equal(t, time.Date(2026, 3, 28, 12, 0, 0, 0, time.Local), AddMonths(AddMonths(jan31, 1), 1))
}

func TestEndHelpersReturnLastMillisecond(t *testing.T) {
	now := time.Date(2026, 6, 15, 13, 37, 0, 0, time.Local)
	assert.Equal(t, time.Date(2026, 6, 15, 13, 59, 59, 999e6, time.Local), EndOfHour(now))
	assert.Equal(t, time.Date(2026, 6, 30, 23, 59, 59, 999e6, time.Local), EndOfMonth(now))
}
