package grapher

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/esgraph/energy_graph_server/pkg/aggregation"
	"github.com/esgraph/energy_graph_server/pkg/calc"
	"github.com/esgraph/energy_graph_server/pkg/chart"
	"github.com/esgraph/energy_graph_server/pkg/series"
	"github.com/esgraph/energy_graph_server/pkg/statcache"
	"github.com/esgraph/energy_graph_server/pkg/statistics"
	"github.com/esgraph/energy_graph_server/pkg/timespan"
)

const disabledMessage = "Chart is disabled at this zoom level"

// statTargets collects every statistic id the card reads, with the
// union of stat types requested across series and calculation terms.
func (e *Engine) statTargets() ([]string, []statistics.StatType) {
	ids := make(map[string]bool)
	types := make(map[statistics.StatType]bool)
	addType := func(t statistics.StatType) {
		if t == "" {
			t = statistics.DefaultStatType
		}
		types[t] = true
	}
	for i := range e.card.Series {
		s := &e.card.Series[i]
		if s.Calculation != nil {
			for _, term := range s.Calculation.Terms {
				if term.IsStatistic() {
					ids[term.StatisticID] = true
					if term.StatType != "" {
						addType(term.StatType)
					} else {
						addType(s.StatType)
					}
				}
			}
			continue
		}
		if s.StatisticID != "" {
			ids[s.StatisticID] = true
			addType(s.StatType)
		}
	}
	idList := make([]string, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}
	sort.Strings(idList)
	typeList := make([]statistics.StatType, 0, len(types))
	for t := range types {
		typeList = append(typeList, t)
	}
	sort.Slice(typeList, func(i, j int) bool { return typeList[i] < typeList[j] })
	return idList, typeList
}

// loadStatistics runs one full fetch cycle: resolve the window, walk
// the aggregation plan until a level yields data, commit and push.
// A level that errors or comes back empty advances to the next one;
// only when the whole plan is exhausted is the chart cleared.
func (e *Engine) loadStatistics(gen int64) {
	win, err := e.resolveWindow()
	if err != nil {
		e.warnOnce("timespan", "card %s: %v", e.card.ID, err)
		return
	}
	ids, types := e.statTargets()
	if len(ids) == 0 {
		e.warnOnce("no-ids", "card %s references no statistics", e.card.ID)
		return
	}

	energyMode := e.card.Timespan.Mode == timespan.ModeEnergy
	plan := aggregation.ResolvePlan(&e.card.Aggregation, win.main.Start, win.main.End, energyMode)

	e.ensureMetadata(ids)

	for levelIdx, target := range plan {
		if target == aggregation.TargetDisabled {
			e.commitDisabled(gen, win, target)
			return
		}
		if target == aggregation.TargetRaw {
			if e.loadRaw(gen, win, ids) {
				return
			}
			continue
		}

		stats, err := e.fetchBucketed(win.main, ids, target, types)
		if err != nil {
			if transient(err) {
				log.Printf("card %s: statistics fetch timed out at %s, trying next level", e.card.ID, target)
			} else {
				log.Printf("card %s: statistics fetch failed at %s: %v", e.card.ID, target, err)
			}
			continue
		}
		if !statistics.HaveData(stats, ids) && levelIdx < len(plan)-1 {
			e.warnOnce(fmt.Sprintf("empty-%s", target),
				"card %s: no data at %s aggregation, falling back", e.card.ID, target)
			continue
		}

		e.commitBucketed(gen, win, target, stats)
		go e.writeCache(ids, target, stats)
		if win.compare != nil {
			e.ScheduleLoad(fetchCompare)
		}
		return
	}

	e.warnOnce("plan-exhausted",
		"card %s: every aggregation level failed, clearing chart", e.card.ID)
	e.commitBucketed(gen, win, plan[len(plan)-1], nil)
}

// loadCompare fetches the compare range at the committed granularity.
// It runs under its own debounce key so a slow compare fetch never
// delays the main chart.
func (e *Engine) loadCompare(gen int64) {
	e.mu.Lock()
	if e.stopped || gen != e.generation || e.window == nil ||
		e.window.compare == nil || !e.period.IsBucketed() {
		e.mu.Unlock()
		return
	}
	win := *e.window.compare
	target := e.period
	e.mu.Unlock()

	ids, types := e.statTargets()
	stats, err := e.fetchBucketed(win, ids, target, types)
	if err != nil {
		log.Printf("card %s: compare fetch failed: %v", e.card.ID, err)
		return
	}

	e.mu.Lock()
	if e.stopped || gen != e.generation || e.period != target {
		e.mu.Unlock()
		return
	}
	e.compareData = stats
	liveEligible := e.window != nil && e.liveHourEligible(e.window.compare, target)
	e.mu.Unlock()

	e.rebuildAndPush(chart.TransitionRefine)
	if liveEligible {
		e.ScheduleLoad(fetchCompareLive)
	}
}

func (e *Engine) fetchBucketed(
	win timespan.Period,
	ids []string,
	target aggregation.Target,
	types []statistics.StatType,
) (statistics.Statistics, error) {
	ctx := context.Background()
	return e.client.StatisticsDuringPeriod(ctx, win.Start, win.End, ids, string(target), types)
}

func (e *Engine) ensureMetadata(ids []string) {
	e.mu.Lock()
	missing := false
	for _, id := range ids {
		if _, ok := e.metadata[id]; !ok {
			missing = true
			break
		}
	}
	e.mu.Unlock()
	if !missing {
		return
	}
	meta, err := e.client.StatisticsMetadata(context.Background(), ids)
	if err != nil {
		log.Printf("card %s: metadata fetch failed: %v", e.card.ID, err)
		return
	}
	e.mu.Lock()
	for id, m := range meta {
		e.metadata[id] = m
	}
	e.mu.Unlock()
}

// commitBucketed installs a bucketed fetch result unless the window
// generation moved on while the fetch was in flight. Compare data is
// cleared and refilled by the compare fetch key.
func (e *Engine) commitBucketed(
	gen int64,
	win *window,
	target aggregation.Target,
	stats statistics.Statistics,
) {
	e.mu.Lock()
	if e.stopped || gen != e.generation {
		e.mu.Unlock()
		return
	}
	transition := e.transitionFor(win, target)
	e.window = win
	e.period = target
	e.data = stats
	e.compareData = nil
	e.lastRawEnd = make(map[string]int64)
	e.loadedOnce = true
	liveEligible := e.liveHourEligible(&win.main, target) ||
		e.liveHourEligible(win.compare, target)
	e.mu.Unlock()

	e.teardownRawStreams()
	e.rebuildAndPush(transition)
	e.scheduleAutoRefresh()
	if liveEligible {
		e.scheduleLiveHour()
	} else {
		e.mu.Lock()
		stopTimer(e.liveTimer)
		e.mu.Unlock()
	}
}

func (e *Engine) commitDisabled(gen int64, win *window, target aggregation.Target) {
	e.mu.Lock()
	if e.stopped || gen != e.generation {
		e.mu.Unlock()
		return
	}
	e.window = win
	e.period = target
	e.data = nil
	e.compareData = nil
	e.loadedOnce = true
	stopTimer(e.refreshTimer)
	stopTimer(e.liveTimer)
	e.mu.Unlock()

	e.teardownRawStreams()
	e.pushMessage(disabledMessage, win, target)
}

// transitionFor decides how the widget should animate the commit.
// Callers hold e.mu.
func (e *Engine) transitionFor(win *window, target aggregation.Target) chart.TransitionMode {
	if !e.loadedOnce {
		return chart.TransitionInitial
	}
	if e.window == nil || e.period != target ||
		!e.window.main.Equal(&win.main) || (e.window.compare == nil) != (win.compare == nil) {
		return chart.TransitionWindow
	}
	return chart.TransitionRefine
}

// loadRaw fetches state history for every id: a padded full fetch on
// window changes, an overlapping incremental fetch otherwise. Live
// updates then arrive over a history stream per entity.
func (e *Engine) loadRaw(gen int64, win *window, ids []string) bool {
	now := e.now()
	endTime := now
	if win.main.End != nil && win.main.End.Before(now) {
		endTime = *win.main.End
	}
	span := endTime.Sub(win.main.Start)
	padding := span / 10
	if padding < rawOverlap {
		padding = rawOverlap
	}

	e.mu.Lock()
	incremental := e.loadedOnce && e.period == aggregation.TargetRaw &&
		e.window != nil && e.window.main.Equal(&win.main) && gen == e.generation
	lastEnds := make(map[string]int64, len(e.lastRawEnd))
	for id, end := range e.lastRawEnd {
		lastEnds[id] = end
	}
	e.mu.Unlock()

	significant := false
	if opts := e.card.Aggregation.RawOptions; opts != nil && opts.SignificantChangesOnly != nil {
		significant = *opts.SignificantChangesOnly
	}

	fetched := make(statistics.Statistics, len(ids))
	newEnds := make(map[string]int64, len(ids))
	for _, id := range ids {
		fetchStart := win.main.Start.Add(-padding)
		if incremental {
			if lastEnd, ok := lastEnds[id]; ok {
				fetchStart = time.UnixMilli(lastEnd - rawOverlap.Milliseconds())
			}
		}
		samples, err := e.client.HistoryDuringPeriod(context.Background(), fetchStart, endTime, id, significant)
		if err != nil {
			log.Printf("card %s: history fetch failed for %s: %v", e.card.ID, id, err)
			return false
		}
		coerced := statistics.CoerceHistoryStates(map[string][]statistics.RawSample{id: samples})
		fetched[id] = coerced[id]
		if end := statistics.MaxEnd(coerced); end > 0 {
			newEnds[id] = end
		}
	}

	e.mu.Lock()
	if e.stopped || gen != e.generation {
		e.mu.Unlock()
		return true
	}
	transition := e.transitionFor(win, aggregation.TargetRaw)
	if incremental {
		e.data = statistics.Merge(e.data, fetched)
	} else {
		e.data = fetched
	}
	trimStart := win.main.Start.Add(-padding).UnixMilli()
	trimEnd := int64(-1)
	if win.main.End != nil {
		trimEnd = win.main.End.Add(padding).UnixMilli()
	}
	e.data = statistics.TrimToRange(e.data, trimStart, trimEnd)
	for id, end := range newEnds {
		if end > e.lastRawEnd[id] {
			e.lastRawEnd[id] = end
		}
	}
	e.window = win
	e.period = aggregation.TargetRaw
	e.compareData = nil
	e.loadedOnce = true
	e.mu.Unlock()

	e.ensureRawStreams(ids, significant)
	e.rebuildAndPush(transition)
	e.scheduleAutoRefresh()
	return true
}

// ensureRawStreams opens a history stream per entity that lacks one
// and closes streams for entities no longer charted.
func (e *Engine) ensureRawStreams(ids []string, significant bool) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	e.mu.Lock()
	var stale []func()
	for id, unsub := range e.unsubscribes {
		if !wanted[id] {
			stale = append(stale, unsub)
			delete(e.unsubscribes, id)
		}
	}
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := e.unsubscribes[id]; !ok {
			missing = append(missing, id)
		}
	}
	e.mu.Unlock()

	for _, unsub := range stale {
		unsub()
	}
	for _, id := range missing {
		unsub, err := e.client.SubscribeHistory(context.Background(), id, significant, e.onRawSamples)
		if err != nil {
			log.Printf("card %s: history stream failed for %s: %v", e.card.ID, id, err)
			continue
		}
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			unsub()
			return
		}
		e.unsubscribes[id] = unsub
		e.mu.Unlock()
	}
}

func (e *Engine) teardownRawStreams() {
	e.mu.Lock()
	unsubs := make([]func(), 0, len(e.unsubscribes))
	for _, unsub := range e.unsubscribes {
		unsubs = append(unsubs, unsub)
	}
	e.unsubscribes = make(map[string]func())
	e.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// onRawSamples merges streamed state changes into the raw buffer and
// debounces a repaint.
func (e *Engine) onRawSamples(entityID string, samples []statistics.RawSample) {
	coerced := statistics.CoerceHistoryStates(map[string][]statistics.RawSample{entityID: samples})
	e.mu.Lock()
	if e.stopped || e.period != aggregation.TargetRaw {
		e.mu.Unlock()
		return
	}
	e.data = statistics.Merge(e.data, coerced)
	if end := statistics.MaxEnd(coerced); end > e.lastRawEnd[entityID] {
		e.lastRawEnd[entityID] = end
	}
	e.mu.Unlock()
	e.ScheduleLoad(fetchMainLive)
}

// seedFromCache renders persisted buckets immediately on startup so a
// restart does not leave cards blank until Home Assistant answers.
func (e *Engine) seedFromCache() {
	if e.card.Timespan.Mode == timespan.ModeEnergy {
		return
	}
	win, err := e.resolveWindow()
	if err != nil {
		return
	}
	ids, _ := e.statTargets()
	if len(ids) == 0 {
		return
	}
	plan := aggregation.ResolvePlan(&e.card.Aggregation, win.main.Start, win.main.End, false)
	target := plan[0]
	if !target.IsBucketed() {
		return
	}

	stats := make(statistics.Statistics)
	for _, id := range ids {
		values, err := e.cache.GetRange(id, string(target), win.main.StartMs(), win.main.EndMs())
		if err != nil || len(values) == 0 {
			continue
		}
		stats[id] = values
	}
	if !statistics.HaveData(stats, ids) {
		return
	}

	e.mu.Lock()
	if e.loadedOnce {
		e.mu.Unlock()
		return
	}
	e.window = win
	e.period = target
	e.data = stats
	e.seeded = true
	e.mu.Unlock()
	e.rebuildAndPush(chart.TransitionInitial)
}

func (e *Engine) writeCache(ids []string, target aggregation.Target, stats statistics.Statistics) {
	for _, id := range ids {
		values := stats[id]
		if len(values) == 0 {
			continue
		}
		if err := e.cache.UpsertValues(id, string(target), values); err != nil {
			log.Printf("Failed to cache statistics for %s: %v", id, err)
			return
		}
	}
}

// sqliteCache backs the engine with the shared statistics database.
type sqliteCache struct{}

func (sqliteCache) GetRange(statisticID, period string, startMs, endMs int64) ([]statistics.Value, error) {
	return statcache.GetRange(statisticID, period, startMs, endMs)
}

func (sqliteCache) UpsertValues(statisticID, period string, values []statistics.Value) error {
	return statcache.UpsertValues(statisticID, period, values)
}

func calcContext(win timespan.Period, period aggregation.Target) calc.TimeContext {
	return calc.TimeContext{StartMs: win.StartMs(), EndMs: win.EndMs(), Period: period}
}

func (e *Engine) evaluateCalc(
	index int,
	s *series.Config,
	statType statistics.StatType,
	data statistics.Statistics,
	metadata map[string]statistics.Metadata,
	timeCtx calc.TimeContext,
) *calc.Result {
	name := s.Name
	if name == "" {
		name = fmt.Sprintf("Series %d", index+1)
	}
	return calc.Evaluate(name, s.Calculation, statType, data, metadata, timeCtx)
}
