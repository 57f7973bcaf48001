package chart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esgraph/energy_graph_server/pkg/aggregation"
	"github.com/esgraph/energy_graph_server/pkg/series"
	"github.com/esgraph/energy_graph_server/pkg/statistics"
)

func point(ts int64, v float64) series.DataPoint {
	return series.DataPoint{Timestamp: ts, Value: statistics.Float(v)}
}

func buildResult(built ...*series.Built) *series.BuildResult {
	res := &series.BuildResult{
		UnitBySeries: make(map[string]*string),
		ConfigByID:   make(map[string]*series.Config),
	}
	res.Series = append(res.Series, built...)
	return res
}

func TestCalendarShiftWholeDays(t *testing.T) {
	compareStart := time.Date(2026, 3, 13, 0, 0, 0, 0, time.Local)
	mainStart := time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local)
	shift := calendarShift(compareStart, mainStart)

	ts := time.Date(2026, 3, 13, 9, 30, 0, 0, time.Local).UnixMilli()
	assert.Equal(t, time.Date(2026, 3, 14, 9, 30, 0, 0, time.Local).UnixMilli(), shift(ts))
}

func TestCalendarShiftWholeMonths(t *testing.T) {
	compareStart := time.Date(2026, 2, 1, 0, 0, 0, 0, time.Local)
	mainStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.Local)
	shift := calendarShift(compareStart, mainStart)

	// Feb 15 lands on Mar 15 even though the months differ in length.
	ts := time.Date(2026, 2, 15, 12, 0, 0, 0, time.Local).UnixMilli()
	assert.Equal(t, time.Date(2026, 3, 15, 12, 0, 0, 0, time.Local).UnixMilli(), shift(ts))
}

func TestCalendarShiftRawOffset(t *testing.T) {
	compareStart := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)
	mainStart := time.Date(2026, 3, 14, 13, 30, 0, 0, time.Local)
	shift := calendarShift(compareStart, mainStart)

	delta := mainStart.UnixMilli() - compareStart.UnixMilli()
	assert.Equal(t, compareStart.UnixMilli()+delta, shift(compareStart.UnixMilli()))
}

func TestAssembleCompareSeries(t *testing.T) {
	mainStart := time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local)
	compareStart := mainStart.AddDate(0, 0, -1)
	bucket := time.Date(2026, 3, 13, 9, 0, 0, 0, time.Local).UnixMilli()

	compare := buildResult(&series.Built{
		ID:    "sensor.power:mean:line:0",
		Name:  "Power",
		Type:  series.ChartTypeLine,
		Color: "#ff0000",
		Stack: "grid",
		Data:  []series.DataPoint{point(bucket, 5)},
	})

	payload := Assemble(AssembleParams{
		CardID:       "card1",
		WindowStart:  mainStart.UnixMilli(),
		WindowEnd:    -1,
		Period:       aggregation.TargetRaw,
		NowMs:        mainStart.Add(10 * time.Hour).UnixMilli(),
		Main:         buildResult(),
		Compare:      compare,
		MainStart:    mainStart,
		CompareStart: compareStart,
	})

	require.Len(t, payload.Series, 1)
	s := payload.Series[0]
	assert.Equal(t, "compare:sensor.power:mean:line:0", s.ID)
	assert.Equal(t, "compare_grid", s.Stack)
	assert.Equal(t, "dashed", s.LineStyle)
	// Shifted one day forward onto the main window, original kept.
	shifted := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local).UnixMilli()
	assert.Equal(t, shifted, s.Data[0].Timestamp)
	require.NotNil(t, s.Data[0].OriginalTimestamp)
	assert.Equal(t, bucket, *s.Data[0].OriginalTimestamp)
	// Dimmed to read as context.
	assert.Equal(t, "rgba(255, 0, 0, 0.6)", s.Color)
}

func TestAssembleNormalizesLinesOntoBuckets(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)
	end := time.Date(2026, 3, 14, 12, 0, 0, 0, time.Local)
	// Only two of the four hourly buckets have data.
	main := buildResult(&series.Built{
		ID:   "s1",
		Type: series.ChartTypeLine,
		Data: []series.DataPoint{
			point(start.UnixMilli(), 1),
			point(start.Add(2*time.Hour).UnixMilli(), 3),
		},
	})

	payload := Assemble(AssembleParams{
		WindowStart: start.UnixMilli(),
		WindowEnd:   end.UnixMilli(),
		Period:      aggregation.TargetHour,
		NowMs:       end.UnixMilli(),
		Main:        main,
	})

	require.Len(t, payload.Series, 1)
	data := payload.Series[0].Data
	require.Len(t, data, 4)
	assert.Nil(t, data[1].Value)
	assert.Equal(t, 3.0, *data[2].Value)
}

func TestAssembleExtendsRawStepToNow(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)
	now := start.Add(30 * time.Minute)
	main := buildResult(&series.Built{
		ID:   "s1",
		Type: series.ChartTypeLine,
		Step: true,
		Data: []series.DataPoint{point(start.UnixMilli(), 2)},
	})

	payload := Assemble(AssembleParams{
		WindowStart: start.UnixMilli(),
		WindowEnd:   -1,
		Period:      aggregation.TargetRaw,
		NowMs:       now.UnixMilli(),
		Main:        main,
	})

	data := payload.Series[0].Data
	require.Len(t, data, 2)
	assert.Equal(t, now.UnixMilli(), data[1].Timestamp)
	assert.Equal(t, 2.0, *data[1].Value)
}

func TestNiceBound(t *testing.T) {
	assert.Equal(t, 1.0, niceBound(0))
	assert.Equal(t, 1.2, niceBound(1.1))
	assert.Equal(t, 5.0, niceBound(4.2))
	assert.Equal(t, 80.0, niceBound(61))
	assert.Equal(t, 1000.0, niceBound(900))
}

func TestBuildAxesCenterZero(t *testing.T) {
	main := buildResult(&series.Built{
		ID:   "s1",
		Type: series.ChartTypeLine,
		Data: []series.DataPoint{point(1000, -3), point(2000, 7)},
	})
	payload := Assemble(AssembleParams{
		WindowStart: 1000,
		WindowEnd:   2000,
		Period:      aggregation.TargetRaw,
		NowMs:       2000,
		Main:        main,
		Options:     Options{YAxes: []AxisConfig{{Position: "left", CenterZero: true}}},
	})

	require.Len(t, payload.Axes, 1)
	axis := payload.Axes[0]
	require.NotNil(t, axis.Min)
	require.NotNil(t, axis.Max)
	assert.Equal(t, -8.0, *axis.Min)
	assert.Equal(t, 8.0, *axis.Max)
}

func TestBuildAxesFitToDataStackAware(t *testing.T) {
	main := buildResult(
		&series.Built{
			ID: "a", Type: series.ChartTypeBar, Stack: "grid",
			Data: []series.DataPoint{point(1000, 2)},
		},
		&series.Built{
			ID: "b", Type: series.ChartTypeBar, Stack: "grid",
			Data: []series.DataPoint{point(1000, 3)},
		},
	)
	payload := Assemble(AssembleParams{
		WindowStart: 1000,
		WindowEnd:   1000,
		Period:      aggregation.TargetRaw,
		NowMs:       1000,
		Main:        main,
		Options:     Options{YAxes: []AxisConfig{{FitToData: true}}},
	})

	axis := payload.Axes[0]
	require.NotNil(t, axis.Max)
	// Stacked series contribute their sum, not their individual max.
	assert.Equal(t, 5.0, *axis.Max)
	assert.Equal(t, 0.0, *axis.Min)
}

func TestTooltipAt(t *testing.T) {
	unit := "kWh"
	main := buildResult(
		&series.Built{
			ID: "a", Name: "Grid", Type: series.ChartTypeBar, Stack: "grid", ShowTooltip: true,
			Data: []series.DataPoint{point(1000, 1.234)},
		},
		&series.Built{
			ID: "b", Name: "Solar", Type: series.ChartTypeBar, Stack: "grid", ShowTooltip: true,
			Data: []series.DataPoint{point(1000, 2)},
		},
		&series.Built{
			ID: "hidden", Name: "Hidden", Type: series.ChartTypeBar, ShowTooltip: false,
			Data: []series.DataPoint{point(1000, 9)},
		},
	)
	main.UnitBySeries["a"] = &unit
	main.UnitBySeries["b"] = &unit

	payload := Assemble(AssembleParams{
		WindowStart: 1000,
		WindowEnd:   1000,
		Period:      aggregation.TargetRaw,
		NowMs:       1000,
		Main:        main,
		Options:     Options{ShowStackSums: true},
	})

	tip := TooltipAt(payload, 1000)
	require.Len(t, tip.Rows, 2)
	assert.Equal(t, "1.23 kWh", tip.Rows[0].Value)
	require.Len(t, tip.StackSums, 1)
	assert.Equal(t, "3.23 kWh", tip.StackSums[0].Value)
}

func TestTooltipSkipsSingleSeriesStackSum(t *testing.T) {
	main := buildResult(&series.Built{
		ID: "a", Name: "Grid", Type: series.ChartTypeBar, Stack: "grid", ShowTooltip: true,
		Data: []series.DataPoint{point(1000, 1)},
	})
	payload := Assemble(AssembleParams{
		WindowStart: 1000,
		WindowEnd:   1000,
		Period:      aggregation.TargetRaw,
		NowMs:       1000,
		Main:        main,
		Options:     Options{ShowStackSums: true},
	})
	tip := TooltipAt(payload, 1000)
	assert.Empty(t, tip.StackSums)
}
