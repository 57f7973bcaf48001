package aggregation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func window(d time.Duration) (time.Time, *time.Time) {
	end := time.Date(2026, 3, 14, 12, 0, 0, 0, time.Local)
	start := end.Add(-d)
	return start, &end
}

func TestDerivePeriod(t *testing.T) {
	start, end := window(90 * time.Minute)
	assert.Equal(t, Target5Minute, DerivePeriod(start, end))

	start, end = window(10 * time.Hour)
	assert.Equal(t, TargetHour, DerivePeriod(start, end))

	start, end = window(3 * 24 * time.Hour)
	assert.Equal(t, TargetDay, DerivePeriod(start, end))

	start, end = window(40 * 24 * time.Hour)
	assert.Equal(t, TargetMonth, DerivePeriod(start, end))
}

func TestEnergyPickerRangeKey(t *testing.T) {
	start, end := window(4 * time.Hour)
	assert.Equal(t, "hour", EnergyPickerRangeKey(start, end))

	start, end = window(24 * time.Hour)
	assert.Equal(t, "day", EnergyPickerRangeKey(start, end))

	start, end = window(6 * 24 * time.Hour)
	assert.Equal(t, "week", EnergyPickerRangeKey(start, end))

	start, end = window(30 * 24 * time.Hour)
	assert.Equal(t, "month", EnergyPickerRangeKey(start, end))

	start, end = window(200 * 24 * time.Hour)
	assert.Equal(t, "year", EnergyPickerRangeKey(start, end))
}

func TestResolvePlanManualFirst(t *testing.T) {
	start, end := window(10 * time.Hour)
	cfg := &Config{Manual: TargetDay, Fallback: Target5Minute}
	plan := ResolvePlan(cfg, start, end, false)
	assert.Equal(t, []Target{TargetDay, TargetHour, Target5Minute}, plan)
}

func TestResolvePlanDeduplicates(t *testing.T) {
	start, end := window(10 * time.Hour)
	cfg := &Config{Manual: TargetHour, Fallback: TargetHour}
	plan := ResolvePlan(cfg, start, end, false)
	assert.Equal(t, []Target{TargetHour}, plan)
}

func TestResolvePlanStopsAtDisabled(t *testing.T) {
	start, end := window(10 * time.Hour)
	cfg := &Config{Manual: TargetDisabled, Fallback: TargetDay}
	plan := ResolvePlan(cfg, start, end, false)
	assert.Equal(t, []Target{TargetDisabled}, plan)
}

func TestResolvePlanEnergyPickerOverride(t *testing.T) {
	start, end := window(24 * time.Hour)
	cfg := &Config{
		Manual:       TargetMonth,
		EnergyPicker: map[string]Target{"day": TargetRaw},
	}
	plan := ResolvePlan(cfg, start, end, true)
	require.NotEmpty(t, plan)
	assert.Equal(t, TargetRaw, plan[0])
	assert.NotContains(t, plan, TargetMonth)
}

func TestSequenceHourly(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 30, 0, 0, time.Local)
	end := time.Date(2026, 3, 14, 12, 0, 0, 0, time.Local)
	seq := Sequence(start.UnixMilli(), end.UnixMilli(), TargetHour)
	require.Len(t, seq, 4)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local).UnixMilli(), seq[0])
	assert.Equal(t, time.Date(2026, 3, 14, 12, 0, 0, 0, time.Local).UnixMilli(), seq[3])
}

func TestSequenceEdgeCases(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)
	assert.Nil(t, Sequence(start.UnixMilli(), start.UnixMilli(), TargetRaw))
	assert.Equal(t, []int64{start.UnixMilli()},
		Sequence(start.UnixMilli(), start.UnixMilli()-1000, TargetHour))
}

func TestBucketStartMonth(t *testing.T) {
	mid := time.Date(2026, 3, 14, 12, 34, 0, 0, time.Local)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.Local), BucketStart(mid, TargetMonth))
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.Local),
		NextBucket(BucketStart(mid, TargetMonth), TargetMonth))
}
