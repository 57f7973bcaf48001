package grapher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esgraph/energy_graph_server/pkg/aggregation"
	"github.com/esgraph/energy_graph_server/pkg/calc"
	"github.com/esgraph/energy_graph_server/pkg/chart"
	"github.com/esgraph/energy_graph_server/pkg/config"
	"github.com/esgraph/energy_graph_server/pkg/series"
	"github.com/esgraph/energy_graph_server/pkg/statistics"
	"github.com/esgraph/energy_graph_server/pkg/timespan"
)

// fakeSource stands in for the Home Assistant client. Responses and
// errors are keyed by period; gate, when set, blocks statistics calls
// until closed.
type fakeSource struct {
	mu         sync.Mutex
	statCalls  []string
	perPeriod  map[string]statistics.Statistics
	errPeriod  map[string]error
	gate       chan struct{}
	histCalls  int
	subCount   int
	unsubCount int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		perPeriod: make(map[string]statistics.Statistics),
		errPeriod: make(map[string]error),
	}
}

func (f *fakeSource) StatisticsDuringPeriod(
	_ context.Context, _ time.Time, _ *time.Time,
	_ []string, period string, _ []statistics.StatType,
) (statistics.Statistics, error) {
	f.mu.Lock()
	f.statCalls = append(f.statCalls, period)
	gate := f.gate
	err := f.errPeriod[period]
	stats := f.perPeriod[period]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return statistics.Statistics{}, nil
	}
	return stats, nil
}

func (f *fakeSource) StatisticsMetadata(_ context.Context, _ []string) (map[string]statistics.Metadata, error) {
	return map[string]statistics.Metadata{}, nil
}

func (f *fakeSource) HistoryDuringPeriod(
	_ context.Context, _, _ time.Time, _ string, _ bool,
) ([]statistics.RawSample, error) {
	f.mu.Lock()
	f.histCalls++
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeSource) SubscribeHistory(
	_ context.Context, _ string, _ bool,
	_ func(entityID string, samples []statistics.RawSample),
) (func(), error) {
	f.mu.Lock()
	f.subCount++
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubCount++
		f.mu.Unlock()
	}, nil
}

func (f *fakeSource) calls(period string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.statCalls {
		if p == period {
			n++
		}
	}
	return n
}

func (f *fakeSource) subs() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subCount, f.unsubCount
}

type fakeCache struct{}

func (fakeCache) GetRange(_, _ string, _, _ int64) ([]statistics.Value, error) { return nil, nil }
func (fakeCache) UpsertValues(_, _ string, _ []statistics.Value) error         { return nil }

func newTestEngine(t *testing.T, source *fakeSource) *Engine {
	t.Helper()
	card := &config.CardConfig{
		ID:       "test",
		Timespan: timespan.Config{Mode: timespan.ModeRelative, Period: timespan.PeriodDay},
		Series: []series.Config{
			{StatisticID: "sensor.grid"},
			{Calculation: &calc.Config{Terms: []calc.Term{
				{StatisticID: "sensor.solar", StatType: statistics.StatTypeMean},
			}}},
		},
	}
	e := NewEngine(card, source, nil, func(payload *chart.Payload) {})
	e.cache = fakeCache{}
	t.Cleanup(e.Stop)
	return e
}

func hourBucket(start int64, v float64) statistics.Value {
	return statistics.Value{
		Start: start, End: start + 3_600_000,
		Change: &v, Sum: &v, Mean: &v, Min: &v, Max: &v, State: &v,
	}
}

func TestNextRefreshTime5Minute(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 7, 30, 0, time.Local)
	next, ok := nextRefreshTime(now, aggregation.Target5Minute)
	require.True(t, ok)
	// Next 5 minute mark is 9:10, plus the 2 minute recorder slack.
	assert.Equal(t, time.Date(2026, 3, 14, 9, 12, 0, 0, time.Local), next)
}

func TestNextRefreshTimeHour(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 45, 0, 0, time.Local)
	next, ok := nextRefreshTime(now, aggregation.TargetHour)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 20, 0, 0, time.Local), next)
}

func TestNextRefreshTimeDay(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 45, 0, 0, time.Local)
	next, ok := nextRefreshTime(now, aggregation.TargetDay)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 30, 0, 0, time.Local), next)
}

func TestNextRefreshTimeDisabled(t *testing.T) {
	_, ok := nextRefreshTime(time.Now(), aggregation.TargetDisabled)
	assert.False(t, ok)
}

func TestStatTargetsGathersSeriesAndTerms(t *testing.T) {
	e := newTestEngine(t, newFakeSource())
	ids, types := e.statTargets()
	assert.Equal(t, []string{"sensor.grid", "sensor.solar"}, ids)
	assert.Contains(t, types, statistics.StatTypeChange)
	assert.Contains(t, types, statistics.StatTypeMean)
}

func TestTransitionForSameWindowRefines(t *testing.T) {
	e := newTestEngine(t, newFakeSource())
	start := time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local)
	end := start.AddDate(0, 0, 1)
	win := window{main: timespan.Period{Start: start, End: &end}}

	e.mu.Lock()
	e.loadedOnce = true
	e.period = aggregation.TargetHour
	e.window = &win

	same := window{main: timespan.Period{Start: start, End: &end}}
	assert.Equal(t, chart.TransitionRefine, e.transitionFor(&same, aggregation.TargetHour))

	shifted := window{main: timespan.Period{Start: start.AddDate(0, 0, -1), End: &start}}
	assert.Equal(t, chart.TransitionWindow, e.transitionFor(&shifted, aggregation.TargetHour))
	e.mu.Unlock()
}

func TestHiddenParksScheduledLoads(t *testing.T) {
	source := newFakeSource()
	e := newTestEngine(t, source)

	e.SetVisible(false)
	e.ScheduleLoad(fetchMain)

	e.mu.Lock()
	assert.True(t, e.hiddenPending[fetchMain])
	assert.Nil(t, e.fetches[fetchMain])
	e.mu.Unlock()
	assert.Equal(t, 0, source.calls("hour"))
}

func TestHiddenBlocksRunningFetches(t *testing.T) {
	source := newFakeSource()
	e := newTestEngine(t, source)

	e.SetVisible(false)
	e.runFetch(fetchMain)

	assert.Equal(t, 0, source.calls("hour"))
	e.mu.Lock()
	assert.True(t, e.hiddenPending[fetchMain])
	e.mu.Unlock()
}

func TestResumeReplaysParkedLoadOnce(t *testing.T) {
	source := newFakeSource()
	source.perPeriod["hour"] = statistics.Statistics{"sensor.grid": {hourBucket(0, 1)}}
	e := newTestEngine(t, source)

	e.SetVisible(false)
	e.ScheduleLoad(fetchMain)
	e.SetVisible(true)

	require.Eventually(t, func() bool { return source.calls("hour") >= 1 },
		3*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, source.calls("hour"))
}

func TestPlanFallsBackPastFailedLevel(t *testing.T) {
	source := newFakeSource()
	source.errPeriod["hour"] = errors.New("recorder busy")
	source.perPeriod["day"] = statistics.Statistics{"sensor.grid": {hourBucket(0, 2)}}
	e := newTestEngine(t, source)
	e.card.Aggregation.Manual = aggregation.TargetHour
	e.card.Aggregation.Fallback = aggregation.TargetDay

	e.loadStatistics(0)

	assert.Equal(t, []string{"hour", "day"}, source.statCalls)
	e.mu.Lock()
	assert.Equal(t, aggregation.TargetDay, e.period)
	assert.True(t, e.loadedOnce)
	require.NotNil(t, e.data)
	assert.Len(t, e.data["sensor.grid"], 1)
	e.mu.Unlock()
}

func TestPlanExhaustedClearsWithWarning(t *testing.T) {
	source := newFakeSource()
	source.errPeriod["hour"] = errors.New("recorder busy")
	source.errPeriod["day"] = errors.New("recorder busy")
	e := newTestEngine(t, source)
	e.card.Aggregation.Manual = aggregation.TargetHour
	e.card.Aggregation.Fallback = aggregation.TargetDay

	e.loadStatistics(0)

	e.mu.Lock()
	assert.Nil(t, e.data)
	assert.True(t, e.loadedOnce)
	assert.True(t, e.warned["plan-exhausted"])
	e.mu.Unlock()
}

func TestFetchCoalescesQueuedRuns(t *testing.T) {
	source := newFakeSource()
	source.perPeriod["hour"] = statistics.Statistics{"sensor.grid": {hourBucket(0, 1)}}
	gate := make(chan struct{})
	source.gate = gate
	e := newTestEngine(t, source)
	e.card.Aggregation.Manual = aggregation.TargetHour

	go e.runFetch(fetchMain)
	require.Eventually(t, func() bool { return source.calls("hour") == 1 },
		time.Second, 5*time.Millisecond)

	// Two more requests while in flight coalesce into one rerun.
	e.runFetch(fetchMain)
	e.runFetch(fetchMain)
	close(gate)

	require.Eventually(t, func() bool { return source.calls("hour") == 2 },
		time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, source.calls("hour"))
}

func TestRawStreamsSurviveRefetchAndReopenAfterHide(t *testing.T) {
	source := newFakeSource()
	e := newTestEngine(t, source)
	e.card.Aggregation.Manual = aggregation.TargetRaw

	e.loadStatistics(0)
	subs, _ := source.subs()
	assert.Equal(t, 2, subs)

	// An incremental refetch keeps the existing streams.
	e.loadStatistics(0)
	subs, _ = source.subs()
	assert.Equal(t, 2, subs)

	e.SetVisible(false)
	subs, unsubs := source.subs()
	assert.Equal(t, 2, subs)
	assert.Equal(t, 2, unsubs)
	e.mu.Lock()
	assert.True(t, e.hiddenPending[fetchMain])
	e.mu.Unlock()

	e.mu.Lock()
	e.visible = true
	e.mu.Unlock()
	e.loadStatistics(0)
	subs, _ = source.subs()
	assert.Equal(t, 4, subs)
}

func TestLoadCompareCommitsUnderOwnKey(t *testing.T) {
	source := newFakeSource()
	source.perPeriod["day"] = statistics.Statistics{"sensor.grid": {hourBucket(0, 3)}}
	e := newTestEngine(t, source)

	start := time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local)
	end := start.AddDate(0, 0, 1)
	compareStart := start.AddDate(0, 0, -1)
	e.mu.Lock()
	e.loadedOnce = true
	e.period = aggregation.TargetDay
	e.window = &window{
		main:    timespan.Period{Start: start, End: &end},
		compare: &timespan.Period{Start: compareStart, End: &start},
	}
	e.data = statistics.Statistics{"sensor.grid": {hourBucket(100, 1)}}
	e.mu.Unlock()

	e.runFetch(fetchCompare)

	e.mu.Lock()
	require.NotNil(t, e.compareData)
	assert.Len(t, e.compareData["sensor.grid"], 1)
	// The main buffer stays untouched.
	assert.Equal(t, int64(100), e.data["sensor.grid"][0].Start)
	e.mu.Unlock()
}

func fiveMinBucket(start int64, change, mean float64) statistics.Value {
	end := start + 300_000
	return statistics.Value{
		Start: start, End: end,
		Change: &change, Mean: &mean, Min: &mean, Max: &mean, State: &mean,
	}
}

func TestAggregateFiveMinuteSumsAndWeighs(t *testing.T) {
	values := []statistics.Value{
		fiveMinBucket(0, 1.5, 2),
		fiveMinBucket(300_000, 2.5, 4),
	}

	bucket := aggregateFiveMinute(values, 0, 3_600_000)
	require.NotNil(t, bucket)
	assert.Equal(t, 4.0, *bucket.Change)
	assert.InDelta(t, 3.0, *bucket.Mean, 1e-9)
	assert.Equal(t, 2.0, *bucket.Min)
	assert.Equal(t, 4.0, *bucket.Max)
	assert.Equal(t, 4.0, *bucket.State)
}

func TestAggregateFiveMinuteRangeFilter(t *testing.T) {
	values := []statistics.Value{
		fiveMinBucket(-300_000, 9, 9),
		fiveMinBucket(0, 1, 1),
		fiveMinBucket(3_600_000, 9, 9),
	}

	bucket := aggregateFiveMinute(values, 0, 3_600_000)
	require.NotNil(t, bucket)
	assert.Equal(t, 1.0, *bucket.Change)
	assert.Equal(t, 1.0, *bucket.Mean)
}

func TestAggregateFiveMinuteStateFallbackMean(t *testing.T) {
	// A zero-length bucket contributes no weight, the last state
	// stands in as the mean.
	v := 7.0
	values := []statistics.Value{{Start: 0, End: 0, State: &v}}

	bucket := aggregateFiveMinute(values, 0, 3_600_000)
	require.NotNil(t, bucket)
	assert.Equal(t, 7.0, *bucket.Mean)
	assert.Nil(t, bucket.Change)
}

func TestAggregateFiveMinuteNoData(t *testing.T) {
	assert.Nil(t, aggregateFiveMinute(nil, 0, 3_600_000))
	assert.Nil(t, aggregateFiveMinute([]statistics.Value{fiveMinBucket(3_600_000, 1, 1)}, 0, 3_600_000))
}

func TestPatchBucketReplacesPartialHourByCopy(t *testing.T) {
	hourStart := int64(3_600_000)
	partial := statistics.Value{Start: hourStart, End: hourStart + 600_000, Mean: statistics.Float(1)}
	original := []statistics.Value{partial}

	estimate := hourBucket(hourStart, 5)
	estimate.End = hourStart + 1_800_000
	next, ok := patchBucket(original, &estimate, true)
	require.True(t, ok)
	assert.Equal(t, 5.0, *next[0].Mean)
	// The slice handed in stays as it was.
	assert.Equal(t, 1.0, *original[0].Mean)
}

func TestPatchBucketKeepsFullHour(t *testing.T) {
	hourStart := int64(3_600_000)
	full := statistics.Value{Start: hourStart, End: hourStart + 3_600_000, Mean: statistics.Float(1)}
	values := []statistics.Value{full}

	estimate := hourBucket(hourStart, 5)
	_, ok := patchBucket(values, &estimate, true)
	assert.False(t, ok)
	assert.Equal(t, 1.0, *values[0].Mean)
}

func TestPatchBucketInsertsMissingPreviousHour(t *testing.T) {
	hourStart := int64(7_200_000)
	existing := statistics.Value{Start: hourStart, End: hourStart + 3_600_000, Mean: statistics.Float(1)}
	values := []statistics.Value{existing}

	previous := hourBucket(hourStart-3_600_000, 9)
	next, ok := patchBucket(values, &previous, false)
	require.True(t, ok)
	require.Len(t, next, 2)
	assert.Equal(t, 9.0, *next[0].Mean)

	// A second patch of the same closed hour is a no-op.
	again := hourBucket(hourStart-3_600_000, 11)
	_, ok = patchBucket(next, &again, false)
	assert.False(t, ok)
}

func TestApplyPatchesLeavesSnapshotsIntact(t *testing.T) {
	hourStart := int64(3_600_000)
	partial := statistics.Value{Start: hourStart, End: hourStart + 600_000, Mean: statistics.Float(1)}
	data := statistics.Statistics{"s": {partial}}
	snapshot := data["s"]

	estimate := hourBucket(hourStart, 5)
	estimate.End = hourStart + 1_800_000
	patched, changed := applyPatches(data, map[string][2]*statistics.Value{
		"s": {nil, &estimate},
	})
	require.True(t, changed)
	assert.Equal(t, 5.0, *patched["s"][0].Mean)
	// Readers holding the earlier buffer never see the patch.
	assert.Equal(t, 1.0, *snapshot[0].Mean)
	assert.Equal(t, 1.0, *data["s"][0].Mean)
}
