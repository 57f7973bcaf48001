package grapher

import (
	"context"
	"log"
	"time"

	"github.com/esgraph/energy_graph_server/pkg/aggregation"
	"github.com/esgraph/energy_graph_server/pkg/chart"
	"github.com/esgraph/energy_graph_server/pkg/statistics"
	"github.com/esgraph/energy_graph_server/pkg/timespan"
)

// liveHourEligible reports whether the current hour should be
// estimated from 5-minute statistics for the given window.
func (e *Engine) liveHourEligible(win *timespan.Period, target aggregation.Target) bool {
	if win == nil || target != aggregation.TargetHour || !e.card.Aggregation.ComputeCurrentHour {
		return false
	}
	if win.End == nil {
		return true
	}
	return win.End.After(timespan.StartOfHour(e.now()))
}

// scheduleLiveHour triggers an estimate for each eligible side now and
// arms the next one at a 5 minute boundary, never sooner than 30
// seconds out.
func (e *Engine) scheduleLiveHour() {
	e.mu.Lock()
	var mainEligible, compareEligible bool
	if e.window != nil {
		mainEligible = e.liveHourEligible(&e.window.main, e.period)
		compareEligible = e.liveHourEligible(e.window.compare, e.period)
	}
	e.mu.Unlock()
	if mainEligible {
		e.ScheduleLoad(fetchMainLive)
	}
	if compareEligible {
		e.ScheduleLoad(fetchCompareLive)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || !e.visible {
		return
	}
	now := e.now()
	next := aggregation.BucketStart(now, aggregation.Target5Minute).Add(5 * time.Minute)
	if next.Sub(now) < 30*time.Second {
		next = next.Add(5 * time.Minute)
	}
	stopTimer(e.liveTimer)
	e.liveTimer = time.AfterFunc(time.Until(next), func() {
		e.mu.Lock()
		eligible := !e.stopped && e.window != nil &&
			(e.liveHourEligible(&e.window.main, e.period) ||
				e.liveHourEligible(e.window.compare, e.period))
		e.mu.Unlock()
		if eligible {
			e.scheduleLiveHour()
		}
	})
}

// refreshLiveHour patches the open hour bucket of one side with an
// estimate aggregated from 5-minute statistics. For raw charts this
// key only repaints, the history stream already merged the data.
func (e *Engine) refreshLiveHour(gen int64, compareSide bool) {
	e.mu.Lock()
	if e.stopped || e.window == nil {
		e.mu.Unlock()
		return
	}
	period := e.period
	var win *timespan.Period
	if compareSide {
		if e.window.compare != nil {
			w := *e.window.compare
			win = &w
		}
	} else {
		w := e.window.main
		win = &w
	}
	e.mu.Unlock()

	if !compareSide && period == aggregation.TargetRaw {
		e.rebuildAndPush(chart.TransitionRefine)
		return
	}
	if !e.liveHourEligible(win, period) {
		return
	}

	now := e.now()
	hourStart := timespan.StartOfHour(now)
	prevHourStart := hourStart.Add(-time.Hour)
	fetchStart := prevHourStart
	if win.Start.After(fetchStart) {
		fetchStart = win.Start
	}
	if !now.After(fetchStart) {
		return
	}

	ids, types := e.statTargets()
	stats, err := e.client.StatisticsDuringPeriod(
		context.Background(), fetchStart, &now, ids, "5minute", types)
	if err != nil {
		log.Printf("card %s: live hour fetch failed: %v", e.card.ID, err)
		return
	}

	currentEnd := hourStart.Add(time.Hour).UnixMilli()
	if nowMs := now.UnixMilli(); nowMs < currentEnd {
		currentEnd = nowMs
	}
	if win.End != nil {
		if endMs := win.End.UnixMilli(); endMs < currentEnd {
			currentEnd = endMs
		}
	}

	patches := make(map[string][2]*statistics.Value, len(ids))
	for _, id := range ids {
		current := aggregateFiveMinute(stats[id], hourStart.UnixMilli(), currentEnd)
		var previous *statistics.Value
		if !fetchStart.After(prevHourStart) {
			previous = aggregateFiveMinute(stats[id], prevHourStart.UnixMilli(), hourStart.UnixMilli())
		}
		if current == nil && previous == nil {
			continue
		}
		patches[id] = [2]*statistics.Value{previous, current}
	}
	if len(patches) == 0 {
		return
	}

	e.mu.Lock()
	if e.stopped || gen != e.generation || e.period != aggregation.TargetHour {
		e.mu.Unlock()
		return
	}
	buf := e.data
	if compareSide {
		buf = e.compareData
	}
	if buf == nil {
		e.mu.Unlock()
		return
	}
	patched, changed := applyPatches(buf, patches)
	if changed {
		if compareSide {
			e.compareData = patched
		} else {
			e.data = patched
		}
	}
	e.mu.Unlock()

	if changed {
		e.rebuildAndPush(chart.TransitionRefine)
	}
}

// applyPatches commits estimated buckets by replacement: the buffer
// map and any touched slice are rebuilt so snapshots taken by a
// concurrent rebuild stay intact.
func applyPatches(data statistics.Statistics, patches map[string][2]*statistics.Value) (statistics.Statistics, bool) {
	changed := false
	out := make(statistics.Statistics, len(data))
	for id, values := range data {
		out[id] = values
	}
	for id, pair := range patches {
		values := out[id]
		if pair[0] != nil {
			if next, ok := patchBucket(values, pair[0], false); ok {
				values = next
				changed = true
			}
		}
		if pair[1] != nil {
			if next, ok := patchBucket(values, pair[1], true); ok {
				values = next
				changed = true
			}
		}
		out[id] = values
	}
	if !changed {
		return data, false
	}
	return out, true
}

// patchBucket installs an estimated bucket into a copy of the slice.
// The open hour replaces an existing bucket only while that bucket is
// still partial, a closed previous hour is only filled in when the
// recorder left a hole.
func patchBucket(values []statistics.Value, bucket *statistics.Value, replacePartial bool) ([]statistics.Value, bool) {
	for i := range values {
		if values[i].Start != bucket.Start {
			continue
		}
		if !replacePartial {
			return values, false
		}
		if values[i].End >= values[i].Start+fullHourBucketMs {
			return values, false
		}
		next := make([]statistics.Value, len(values))
		copy(next, values)
		next[i] = *bucket
		return next, true
	}
	pos := len(values)
	for i := range values {
		if values[i].Start > bucket.Start {
			pos = i
			break
		}
	}
	next := make([]statistics.Value, 0, len(values)+1)
	next = append(next, values[:pos]...)
	next = append(next, *bucket)
	next = append(next, values[pos:]...)
	return next, true
}

// aggregateFiveMinute folds the 5-minute buckets starting inside
// [startMs, endMs) into one bucket: change and sum add up, means are
// weighted by bucket duration with state as the stand-in, min and max
// run across buckets and the last state wins. Returns nil when no
// bucket falls inside the range.
func aggregateFiveMinute(values []statistics.Value, startMs, endMs int64) *statistics.Value {
	const defaultBucketMs = 5 * 60 * 1000

	var (
		changeSum, sumSum   float64
		haveChange, haveSum bool
		weighted, weight    float64
		min, max, state     *float64
	)
	matched := false
	for i := range values {
		v := &values[i]
		if v.Start < startMs || v.Start >= endMs {
			continue
		}
		matched = true
		end := v.End
		if end == 0 {
			end = v.Start + defaultBucketMs
		}
		w := float64(end - v.Start)
		if w < 0 {
			w = 0
		}
		if v.Change != nil {
			changeSum += *v.Change
			haveChange = true
		}
		if v.Sum != nil {
			sumSum += *v.Sum
			haveSum = true
		}
		if v.Min != nil && (min == nil || *v.Min < *min) {
			m := *v.Min
			min = &m
		}
		if v.Max != nil && (max == nil || *v.Max > *max) {
			m := *v.Max
			max = &m
		}
		sample := v.Mean
		if sample == nil {
			sample = v.State
		}
		if sample != nil && w > 0 {
			weighted += *sample * w
			weight += w
		}
		if v.State != nil {
			s := *v.State
			state = &s
		}
	}
	if !matched {
		return nil
	}

	bucket := &statistics.Value{Start: startMs, End: endMs}
	if haveChange {
		c := changeSum
		bucket.Change = &c
	}
	if haveSum {
		s := sumSum
		bucket.Sum = &s
	}
	bucket.Min = min
	bucket.Max = max
	if weight > 0 {
		m := weighted / weight
		bucket.Mean = &m
	} else if state != nil {
		m := *state
		bucket.Mean = &m
	}
	bucket.State = state
	return bucket
}
