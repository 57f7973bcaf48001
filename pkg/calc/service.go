// Calc evaluates user-defined arithmetic over statistic streams into
// synthetic series. Missing data before a term's first observation is
// zero-filled; after an observation the last known value is carried
// forward. This asymmetry is intentional and matched by tests.
package calc

import (
	"log"
	"math"
	"sort"

	"github.com/esgraph/energy_graph_server/pkg/aggregation"
	"github.com/esgraph/energy_graph_server/pkg/statistics"
)

type termPoint struct {
	timestamp int64
	value     *float64
	start     int64
	end       int64
}

type preparedTerm struct {
	term        Term
	data        map[int64]termPoint
	timeline    []termPoint
	constant    *float64
	unit        *string
	cursor      int
	lastNonNull *termPoint
}

// Evaluate computes the calculation over the held statistics for one
// target. seriesName is only used in warnings. A nil result means the
// calculation produced nothing to render.
func Evaluate(seriesName string, cfg *Config, defaultStatType statistics.StatType,
	stats statistics.Statistics, metadata map[string]statistics.Metadata,
	timeCtx TimeContext) *Result {
	if cfg == nil || len(cfg.Terms) == 0 {
		return nil
	}

	timestampSet := make(map[int64]bool)
	terms := make([]*preparedTerm, 0, len(cfg.Terms))
	warnedMissing := make(map[string]bool)

	for _, term := range cfg.Terms {
		multiply := 1.0
		if term.Multiply != nil {
			multiply = *term.Multiply
		}
		add := 0.0
		if term.Add != nil {
			add = *term.Add
		}

		if term.IsStatistic() {
			statType := term.StatType
			if statType == "" {
				statType = defaultStatType
			}
			if statType == "" {
				statType = statistics.DefaultStatType
			}
			prepared := &preparedTerm{
				term: term,
				data: make(map[int64]termPoint),
			}
			values := stats[term.StatisticID]
			if len(values) == 0 {
				if !warnedMissing[term.StatisticID] {
					log.Printf("calculation series %q references statistic %q but no data was loaded, missing values treated as zero",
						seriesName, term.StatisticID)
					warnedMissing[term.StatisticID] = true
				}
			}
			for i := range values {
				v := &values[i]
				ts := v.SortKey()
				if ts == 0 {
					continue
				}
				var clamped *float64
				if raw := v.Field(statType); raw != nil && !math.IsNaN(*raw) && !math.IsInf(*raw, 0) {
					value := clampValue(*raw*multiply+add, term.ClipMin, term.ClipMax)
					clamped = &value
				}
				point := termPoint{timestamp: ts, value: clamped, start: v.Start, end: v.End}
				prepared.data[ts] = point
				prepared.timeline = append(prepared.timeline, point)
				timestampSet[ts] = true
			}
			sort.Slice(prepared.timeline, func(i, j int) bool {
				return prepared.timeline[i].timestamp < prepared.timeline[j].timestamp
			})
			if meta, ok := metadata[term.StatisticID]; ok {
				prepared.unit = meta.Unit
			}
			terms = append(terms, prepared)
		} else {
			constant := 0.0
			if term.Constant != nil {
				constant = *term.Constant
			}
			value := clampValue(constant*multiply+add, term.ClipMin, term.ClipMax)
			terms = append(terms, &preparedTerm{term: term, constant: &value})
		}
	}

	timestamps := make([]int64, 0, len(timestampSet))
	for ts := range timestampSet {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	constantOnly := len(timestamps) == 0 && allConstants(terms)
	if len(timestamps) == 0 && !constantOnly {
		return nil
	}

	initial := 0.0
	if cfg.InitialValue != nil {
		initial = *cfg.InitialValue
	}

	var out []statistics.Value
	warnedZero := make(map[string]bool)
	warnedDivide := false

	evaluate := func(ts int64) {
		acc := initial
		valid := true
		var bucketStart, bucketEnd *int64
		for _, prepared := range terms {
			if !valid {
				continue
			}
			var operand float64
			if prepared.constant != nil {
				operand = *prepared.constant
			} else {
				point := resolveTermValue(prepared, ts)
				if point != nil {
					if bucketStart == nil {
						bucketStart = &point.start
					}
					if bucketEnd == nil {
						bucketEnd = &point.end
					}
					operand = *point.value
				} else {
					operand = 0
					id := prepared.term.StatisticID
					if !warnedZero[id] {
						log.Printf("missing value for statistic %q in calculation series %q, using 0 for this timestamp",
							id, seriesName)
						warnedZero[id] = true
					}
				}
			}
			switch prepared.term.Operation {
			case OpSubtract:
				acc -= operand
			case OpMultiply:
				acc *= operand
			case OpDivide:
				if operand == 0 {
					valid = false
					if !warnedDivide {
						log.Printf("division by zero in calculation series %q, the affected timestamp renders as empty",
							seriesName)
						warnedDivide = true
					}
				} else {
					acc /= operand
				}
			default:
				acc += operand
			}
		}

		var combined *float64
		if valid && !math.IsNaN(acc) && !math.IsInf(acc, 0) {
			combined = &acc
		}
		start, end := ts, ts
		if bucketStart != nil {
			start = *bucketStart
		}
		if bucketEnd != nil {
			end = *bucketEnd
		}
		out = append(out, statistics.Value{
			Start:  start,
			End:    end,
			Change: combined,
			Sum:    combined,
			Mean:   combined,
			Min:    combined,
			Max:    combined,
			State:  combined,
		})
	}

	if len(timestamps) > 0 {
		for _, ts := range timestamps {
			evaluate(ts)
		}
	} else {
		for _, ts := range constantTimeline(timeCtx, stats) {
			evaluate(ts)
		}
	}

	if len(out) == 0 {
		return nil
	}

	unit := cfg.Unit
	if unit == nil {
		for _, prepared := range terms {
			if prepared.unit != nil {
				unit = prepared.unit
				break
			}
		}
	}
	return &Result{Values: out, Unit: unit}
}

// constantTimeline synthesizes evaluation timestamps for calculations
// built entirely from constants, so they still span the visible window
// instead of collapsing to a single point.
func constantTimeline(ctx TimeContext, stats statistics.Statistics) []int64 {
	if ctx.StartMs == 0 {
		return nil
	}
	seen := make(map[int64]bool)
	var ordered []int64
	push := func(ts int64) {
		if ts <= 0 || seen[ts] {
			return
		}
		seen[ts] = true
		ordered = append(ordered, ts)
	}
	push(ctx.StartMs)
	if ctx.EndMs >= 0 {
		push(ctx.EndMs)
		if ctx.Period.IsBucketed() {
			for _, ts := range sequenceFor(ctx) {
				push(ts)
			}
		}
	}
	for _, values := range stats {
		for i := range values {
			push(values[i].Start)
			push(values[i].End)
		}
	}
	if len(ordered) == 1 && ctx.EndMs < 0 {
		push(ctx.StartMs + 1)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	return ordered
}

func sequenceFor(ctx TimeContext) []int64 {
	return aggregation.Sequence(ctx.StartMs, ctx.EndMs, ctx.Period)
}

func allConstants(terms []*preparedTerm) bool {
	if len(terms) == 0 {
		return false
	}
	for _, t := range terms {
		if t.constant == nil {
			return false
		}
	}
	return true
}

// resolveTermValue returns the exact bucket value at ts when present,
// otherwise the most recent prior non-null value. Advancing is
// cursor-based so repeated lookups over an ascending timestamp
// sequence stay linear.
func resolveTermValue(prepared *preparedTerm, ts int64) *termPoint {
	if point, ok := prepared.data[ts]; ok && point.value != nil {
		prepared.lastNonNull = &point
		return &point
	}
	timeline := prepared.timeline
	if len(timeline) == 0 {
		return nil
	}
	for prepared.cursor < len(timeline) && timeline[prepared.cursor].timestamp <= ts {
		point := timeline[prepared.cursor]
		if point.value != nil {
			prepared.lastNonNull = &point
		}
		prepared.cursor++
	}
	return prepared.lastNonNull
}

func clampValue(v float64, clipMin, clipMax *float64) float64 {
	if clipMin != nil && v < *clipMin {
		v = *clipMin
	}
	if clipMax != nil && v > *clipMax {
		v = *clipMax
	}
	return v
}
