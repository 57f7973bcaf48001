package grapher

import (
	"log"
	"sort"
	"time"

	"github.com/esgraph/energy_graph_server/pkg/aggregation"
	"github.com/esgraph/energy_graph_server/pkg/chart"
	"github.com/esgraph/energy_graph_server/pkg/config"
	"github.com/esgraph/energy_graph_server/pkg/hastats"
	"github.com/esgraph/energy_graph_server/pkg/series"
	"github.com/esgraph/energy_graph_server/pkg/statistics"
	"github.com/esgraph/energy_graph_server/pkg/timespan"
)

func NewEngine(card *config.CardConfig, client StatisticsSource, theme map[string]string, push PushFunc) *Engine {
	return &Engine{
		card:          card,
		client:        client,
		cache:         sqliteCache{},
		theme:         theme,
		push:          push,
		resolver:      timespan.NewResolver(),
		builder:       series.NewBuilder(),
		visible:       true,
		metadata:      make(map[string]statistics.Metadata),
		lastRawEnd:    make(map[string]int64),
		fetches:       make(map[string]*fetchState),
		hiddenPending: make(map[string]bool),
		unsubscribes:  make(map[string]func()),
		warned:        make(map[string]bool),
		now:           time.Now,
	}
}

// Start kicks off the first load. Energy-mode cards wait for a date
// selection from their widget before fetching, falling back to today
// when none arrives.
func (e *Engine) Start() {
	e.seedFromCache()
	if e.card.Timespan.Mode == timespan.ModeEnergy {
		go e.pollEnergyPeriod()
		return
	}
	e.ScheduleLoad(fetchMain)
}

// Stop tears the engine down: timers cancelled, streams closed.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	stopTimer(e.refreshTimer)
	stopTimer(e.liveTimer)
	stopTimer(e.settleTimer)
	for _, state := range e.fetches {
		stopTimer(state.timer)
	}
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

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (e *Engine) warnOnce(key, format string, args ...any) {
	e.mu.Lock()
	seen := e.warned[key]
	e.warned[key] = true
	e.mu.Unlock()
	if seen {
		return
	}
	log.Printf("WARNING: "+format, args...)
}

// SetVisible pauses fetch work while the card is off screen: every
// armed timer is cancelled, raw streams are closed and their keys
// parked. Resuming waits a short settle delay, then replays the
// parked loads (or a full reload when the data went stale).
func (e *Engine) SetVisible(visible bool) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if !visible {
		e.visible = false
		stopTimer(e.settleTimer)
		stopTimer(e.refreshTimer)
		stopTimer(e.liveTimer)
		for key, state := range e.fetches {
			if state.timer != nil {
				state.timer.Stop()
				state.timer = nil
				e.hiddenPending[key] = true
			}
			if state.queued {
				state.queued = false
				e.hiddenPending[key] = true
			}
		}
		unsubs := make([]func(), 0, len(e.unsubscribes))
		for _, unsub := range e.unsubscribes {
			unsubs = append(unsubs, unsub)
		}
		e.unsubscribes = make(map[string]func())
		if len(unsubs) > 0 {
			// The reload re-opens the streams on resume.
			e.hiddenPending[fetchMain] = true
		}
		e.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		return
	}
	stopTimer(e.settleTimer)
	e.settleTimer = time.AfterFunc(visibilitySettle, func() { e.resume() })
	e.mu.Unlock()
}

func (e *Engine) resume() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.visible = true
	pending := make([]string, 0, len(e.hiddenPending))
	for key := range e.hiddenPending {
		pending = append(pending, key)
	}
	e.hiddenPending = make(map[string]bool)
	sort.Strings(pending)
	stale := !e.loadedOnce ||
		(!e.nextRefreshAt.IsZero() && !e.now().Before(e.nextRefreshAt))
	e.mu.Unlock()

	if stale {
		e.ScheduleLoad(fetchMain)
	}
	for _, key := range pending {
		if stale && key == fetchMain {
			continue
		}
		e.ScheduleLoad(key)
	}
	if !stale && len(pending) == 0 {
		e.scheduleAutoRefresh()
	}
}

// SetEnergyPeriod feeds the energy dashboard's date selection into an
// energy-mode card. Compare ranges are optional.
func (e *Engine) SetEnergyPeriod(start, end time.Time, compareStart, compareEnd *time.Time) {
	e.mu.Lock()
	endCopy := end
	e.energyPeriod = &timespan.Period{Start: start, End: &endCopy}
	if compareStart != nil && compareEnd != nil && e.card.AllowCompare {
		e.comparePeriod = &timespan.Period{Start: *compareStart, End: compareEnd}
	} else {
		e.comparePeriod = nil
	}
	e.generation++
	e.mu.Unlock()
	e.ScheduleLoad(fetchMain)
}

// pollEnergyPeriod waits for the widget to report a date selection.
// After the poll budget runs out the card renders today's data and
// keeps checking at a slower cadence.
func (e *Engine) pollEnergyPeriod() {
	for attempt := 0; attempt < energyPollAttempts; attempt++ {
		e.mu.Lock()
		done := e.stopped || e.energyPeriod != nil
		e.mu.Unlock()
		if done {
			return
		}
		time.Sleep(energyPollInterval)
	}

	e.mu.Lock()
	if e.stopped || e.energyPeriod != nil {
		e.mu.Unlock()
		return
	}
	if !e.energyWarned {
		e.energyWarned = true
		log.Printf("WARNING: card %s received no energy date selection, defaulting to today", e.card.ID)
	}
	e.mu.Unlock()
	e.ScheduleLoad(fetchMain)

	for {
		e.mu.Lock()
		done := e.stopped || e.energyPeriod != nil
		e.mu.Unlock()
		if done {
			return
		}
		time.Sleep(energyRepollDelay)
	}
}

// ScheduleLoad debounces a fetch on the given stream key. A fetch
// arriving while one is in flight queues exactly one follow-up run.
func (e *Engine) ScheduleLoad(key string) {
	debounce := fetchDebounce
	if key == fetchMainLive || key == fetchCompareLive {
		debounce = liveDebounce
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if !e.visible {
		e.hiddenPending[key] = true
		e.mu.Unlock()
		return
	}
	state, ok := e.fetches[key]
	if !ok {
		state = &fetchState{}
		e.fetches[key] = state
	}
	stopTimer(state.timer)
	state.timer = time.AfterFunc(debounce, func() { e.runFetch(key) })
	e.mu.Unlock()
}

func (e *Engine) runFetch(key string) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if !e.visible {
		e.hiddenPending[key] = true
		e.mu.Unlock()
		return
	}
	state, ok := e.fetches[key]
	if !ok {
		state = &fetchState{}
		e.fetches[key] = state
	}
	if state.inFlight {
		state.queued = true
		e.mu.Unlock()
		return
	}
	state.inFlight = true
	gen := e.generation
	e.mu.Unlock()

	switch key {
	case fetchMain:
		e.loadStatistics(gen)
	case fetchCompare:
		e.loadCompare(gen)
	case fetchMainLive, fetchCompareLive:
		e.refreshLiveHour(gen, key == fetchCompareLive)
	}

	e.mu.Lock()
	state.inFlight = false
	rerun := state.queued
	state.queued = false
	if rerun && !e.visible {
		e.hiddenPending[key] = true
		rerun = false
	}
	stopped := e.stopped
	e.mu.Unlock()
	if rerun && !stopped {
		e.runFetch(key)
	}
}

// resolveWindow computes the current fetch range from the card's
// timespan mode and, in energy mode, the latest picker selection.
func (e *Engine) resolveWindow() (*window, error) {
	e.mu.Lock()
	energy := e.energyPeriod
	compare := e.comparePeriod
	e.mu.Unlock()

	if e.card.Timespan.Mode == timespan.ModeEnergy {
		main := e.resolver.DefaultEnergyRange()
		if energy != nil {
			main = *energy
		}
		return &window{main: main, compare: compare}, nil
	}
	main, err := e.resolver.Resolve(e.card.Timespan)
	if err != nil {
		return nil, err
	}
	return &window{main: main}, nil
}

// rebuildAndPush turns the committed data into a widget payload.
// Callers hold no locks.
func (e *Engine) rebuildAndPush(transition chart.TransitionMode) {
	e.mu.Lock()
	if e.stopped || e.window == nil {
		e.mu.Unlock()
		return
	}
	win := *e.window
	period := e.period
	data := e.data
	compareData := e.compareData
	metadata := make(map[string]statistics.Metadata, len(e.metadata))
	for id, m := range e.metadata {
		metadata[id] = m
	}
	e.mu.Unlock()

	nowMs := e.now().UnixMilli()
	main := e.buildSide(data, metadata, win.main, period)
	var compare *series.BuildResult
	var compareStart time.Time
	if win.compare != nil && compareData != nil {
		compare = e.buildSide(compareData, metadata, *win.compare, period)
		compareStart = win.compare.Start
	}

	payload := chart.Assemble(chart.AssembleParams{
		CardID:       e.card.ID,
		Title:        e.card.Title,
		Options:      e.card.Chart,
		Theme:        e.theme,
		WindowStart:  win.main.StartMs(),
		WindowEnd:    win.main.EndMs(),
		Period:       period,
		NowMs:        nowMs,
		Transition:   transition,
		Main:         main,
		Compare:      compare,
		MainStart:    win.main.Start,
		CompareStart: compareStart,
	})
	e.push(payload)
}

// buildSide evaluates calculations and builds series for one window.
func (e *Engine) buildSide(
	data statistics.Statistics,
	metadata map[string]statistics.Metadata,
	win timespan.Period,
	period aggregation.Target,
) *series.BuildResult {
	timeCtx := calcContext(win, period)
	calcData := make(map[string][]statistics.Value)
	calcUnits := make(map[string]*string)
	for i := range e.card.Series {
		s := &e.card.Series[i]
		if s.Calculation == nil {
			continue
		}
		statType := s.StatType
		if statType == "" {
			statType = statistics.DefaultStatType
		}
		result := e.evaluateCalc(i, s, statType, data, metadata, timeCtx)
		if result == nil {
			continue
		}
		key := series.CalculationKey(i)
		calcData[key] = result.Values
		calcUnits[key] = result.Unit
	}

	return e.builder.Build(series.BuildParams{
		Statistics:      data,
		Metadata:        metadata,
		ConfigSeries:    e.card.Series,
		ColorPalette:    e.card.Chart.ColorCycle,
		Theme:           e.theme,
		CalculatedData:  calcData,
		CalculatedUnits: calcUnits,
	})
}

// pushMessage replaces the chart with a notice, used when the plan
// lands on a disabled level.
func (e *Engine) pushMessage(msg string, win *window, period aggregation.Target) {
	e.push(&chart.Payload{
		CardID:      e.card.ID,
		Title:       e.card.Title,
		GeneratedAt: e.now().UnixMilli(),
		WindowStart: win.main.StartMs(),
		WindowEnd:   win.main.EndMs(),
		Period:      period,
		Transition:  chart.TransitionWindow,
		Message:     msg,
	})
}

// scheduleAutoRefresh arms the next reload at a boundary aligned to
// the active aggregation, offset past the recorder's own write so the
// new bucket is there when we ask.
func (e *Engine) scheduleAutoRefresh() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || !e.visible {
		return
	}
	next, ok := nextRefreshTime(e.now(), e.period)
	if !ok {
		return
	}
	e.nextRefreshAt = next
	stopTimer(e.refreshTimer)
	e.refreshTimer = time.AfterFunc(time.Until(next), func() {
		e.ScheduleLoad(fetchMain)
	})
}

func nextRefreshTime(now time.Time, period aggregation.Target) (time.Time, bool) {
	switch period {
	case aggregation.Target5Minute:
		// Next 5 minute mark, plus slack for the recorder to commit.
		minute := now.Minute()
		mark := ((minute+1+4)/5)*5 - minute
		return now.Truncate(time.Minute).
			Add(time.Duration(mark)*time.Minute + 2*time.Minute), true
	case aggregation.TargetHour:
		return timespan.StartOfHour(now).Add(time.Hour + 20*time.Minute), true
	case aggregation.TargetDay:
		return timespan.StartOfDay(now).AddDate(0, 0, 1).Add(30 * time.Minute), true
	case aggregation.TargetWeek, aggregation.TargetMonth:
		return now.Add(7*24*time.Hour + time.Hour), true
	case aggregation.TargetRaw:
		return now.Add(rawRefreshInterval), true
	}
	return time.Time{}, false
}

// transient reports whether an error should be retried quietly.
func transient(err error) bool {
	_, ok := err.(*hastats.TimeoutError)
	return ok
}
