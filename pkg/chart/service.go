package chart

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/esgraph/energy_graph_server/pkg/aggregation"
	"github.com/esgraph/energy_graph_server/pkg/series"
)

const (
	defaultTooltipPrecision = 2
	compareIDPrefix         = "compare:"
	compareStackPrefix      = "compare_"
	compareDimFactor        = 0.6
)

// AssembleParams carries one full chart assembly request.
type AssembleParams struct {
	CardID      string
	Title       string
	Options     Options
	Theme       map[string]string
	WindowStart int64
	WindowEnd   int64 // -1 when the window is open-ended
	Period      aggregation.Target
	NowMs       int64
	Transition  TransitionMode

	Main *series.BuildResult
	// Compare is nil when comparison is off. MainStart and
	// CompareStart anchor the calendar shift of compare data onto
	// the main window.
	Compare      *series.BuildResult
	MainStart    time.Time
	CompareStart time.Time
}

// Assemble produces the widget payload for one card refresh: series
// normalization, compare overlay, axes and tooltip configuration.
func Assemble(p AssembleParams) *Payload {
	payload := &Payload{
		CardID:       p.CardID,
		Title:        p.Title,
		GeneratedAt:  p.NowMs,
		WindowStart:  p.WindowStart,
		WindowEnd:    p.WindowEnd,
		Period:       p.Period,
		Transition:   p.Transition,
		HideLegend:   p.Options.HideLegend,
		ChartHeight:  p.Options.ChartHeight,
		unitBySeries: make(map[string]*string),
	}
	if payload.Transition == "" {
		payload.Transition = TransitionInitial
	}

	seqEnd := p.WindowEnd
	if seqEnd < 0 {
		seqEnd = p.NowMs
	}
	var sequence []int64
	if p.Period.IsBucketed() {
		sequence = aggregation.Sequence(p.WindowStart, seqEnd, p.Period)
	}

	if p.Main != nil {
		for _, s := range p.Main.Series {
			appendSeries(payload, s, sequence, p)
		}
		payload.Legend = p.Main.Legend
		payload.Forecast = p.Main.Forecast
		for id, unit := range p.Main.UnitBySeries {
			payload.unitBySeries[id] = unit
		}
	}

	if p.Compare != nil {
		for _, s := range p.Compare.Series {
			shifted := shiftSeries(s, p)
			styleCompare(shifted, p.Compare.ConfigByID[s.ID], p.Theme)
			appendSeries(payload, shifted, sequence, p)
			payload.unitBySeries[shifted.ID] = p.Compare.UnitBySeries[s.ID]
		}
	}

	payload.Axes = buildAxes(p.Options.YAxes, payload)
	payload.Tooltip = tooltipOptions(p.Options)
	if len(p.Options.ColorCycle) == 0 && p.Options.LegendSort == "name" {
		sort.Slice(payload.Legend, func(i, j int) bool {
			return payload.Legend[i].Name < payload.Legend[j].Name
		})
	}
	return payload
}

func appendSeries(payload *Payload, s *series.Built, sequence []int64, p AssembleParams) {
	if s.Type != series.ChartTypeBar && len(sequence) > 0 {
		s = normalizeOnto(s, sequence)
	}
	if p.Period == aggregation.TargetRaw && s.Type != series.ChartTypeBar {
		extendToNow(s, p.NowMs)
	}
	payload.Series = append(payload.Series, s)
}

// normalizeOnto reindexes a line series onto the shared bucket
// timeline so mixed bar and line charts agree on x positions.
func normalizeOnto(s *series.Built, sequence []int64) *series.Built {
	byTs := make(map[int64]series.DataPoint, len(s.Data))
	for _, pt := range s.Data {
		byTs[pt.Timestamp] = pt
	}
	out := *s
	out.Data = make([]series.DataPoint, 0, len(sequence))
	for _, ts := range sequence {
		if pt, ok := byTs[ts]; ok {
			out.Data = append(out.Data, pt)
		} else {
			out.Data = append(out.Data, series.DataPoint{Timestamp: ts})
		}
	}
	return &out
}

// extendToNow repeats the last known value at the current time so raw
// step charts reach the right edge instead of stopping at the last
// state change.
func extendToNow(s *series.Built, nowMs int64) {
	if len(s.Data) == 0 {
		return
	}
	last := s.Data[len(s.Data)-1]
	if last.Timestamp >= nowMs || last.Value == nil {
		return
	}
	v := *last.Value
	s.Data = append(s.Data, series.DataPoint{Timestamp: nowMs, Value: &v})
}

// shiftSeries maps compare-window points onto the main window. Whole
// calendar offsets shift by calendar so months of unequal length line
// up, anything else shifts by the raw millisecond difference. The
// original timestamp is kept for tooltip resolution.
func shiftSeries(s *series.Built, p AssembleParams) *series.Built {
	shift := calendarShift(p.CompareStart, p.MainStart)
	out := *s
	out.ID = compareIDPrefix + s.ID
	out.Data = make([]series.DataPoint, len(s.Data))
	for i, pt := range s.Data {
		orig := pt.Timestamp
		out.Data[i] = series.DataPoint{
			Timestamp:         shift(orig),
			Value:             pt.Value,
			OriginalTimestamp: &orig,
		}
	}
	return &out
}

func calendarShift(from, to time.Time) func(int64) int64 {
	if y := to.Year() - from.Year(); y != 0 && from.AddDate(y, 0, 0).Equal(to) {
		return func(ms int64) int64 {
			return time.UnixMilli(ms).In(to.Location()).AddDate(y, 0, 0).UnixMilli()
		}
	}
	if m := (to.Year()-from.Year())*12 + int(to.Month()-from.Month()); m != 0 && from.AddDate(0, m, 0).Equal(to) {
		return func(ms int64) int64 {
			return time.UnixMilli(ms).In(to.Location()).AddDate(0, m, 0).UnixMilli()
		}
	}
	if d := int(math.Round(to.Sub(from).Hours() / 24)); d != 0 && from.AddDate(0, 0, d).Equal(to) {
		return func(ms int64) int64 {
			return time.UnixMilli(ms).In(to.Location()).AddDate(0, 0, d).UnixMilli()
		}
	}
	delta := to.UnixMilli() - from.UnixMilli()
	return func(ms int64) int64 { return ms + delta }
}

// styleCompare dims a shifted series so it reads as context rather
// than data, unless the card names an explicit compare color.
func styleCompare(s *series.Built, cfg *series.Config, theme map[string]string) {
	color := ""
	if cfg != nil && cfg.CompareColor != "" {
		if c, ok := series.ResolveColor(cfg.CompareColor, theme); ok {
			color = c
		}
	}
	if color == "" && s.Color != "" {
		color = series.ApplyAlpha(s.Color, compareDimFactor*series.ExtractAlpha(s.Color))
	}
	if color != "" {
		s.Color = color
		if s.FillColor != "" {
			s.FillColor = series.ApplyAlpha(color, series.ExtractAlpha(s.FillColor))
		}
		if s.LineColor != "" {
			s.LineColor = series.ApplyAlpha(color, series.ExtractAlpha(s.LineColor))
		}
		if s.AreaColor != "" {
			s.AreaColor = series.ApplyAlpha(color, series.ExtractAlpha(s.AreaColor))
		}
		s.BorderColor = color
	}
	if s.Stack != "" {
		s.Stack = compareStackPrefix + s.Stack
	}
	if s.Type == series.ChartTypeLine && s.LineStyle == "" {
		s.LineStyle = "dashed"
	}
	s.Z -= 1
}

func tooltipOptions(opts Options) TooltipOptions {
	precision := defaultTooltipPrecision
	if opts.TooltipPrecision != nil {
		precision = *opts.TooltipPrecision
	}
	showUnit := opts.ShowUnit == nil || *opts.ShowUnit
	return TooltipOptions{
		Precision:     precision,
		ShowUnit:      showUnit,
		ShowStackSums: opts.ShowStackSums,
	}
}

// buildAxes resolves the configured y axes, defaulting to a single
// left axis. Fit-to-data bounds are stack-aware: series sharing a
// stack contribute their per-bucket positive and negative sums rather
// than individual values.
func buildAxes(configs []AxisConfig, payload *Payload) []BuiltAxis {
	if len(configs) == 0 {
		configs = []AxisConfig{{Position: "left"}}
	}
	axes := make([]BuiltAxis, 0, len(configs))
	for i, cfg := range configs {
		axis := BuiltAxis{
			Position:    cfg.Position,
			Name:        cfg.Name,
			Logarithmic: cfg.Logarithmic,
			Min:         cfg.Min,
			Max:         cfg.Max,
		}
		if axis.Position == "" {
			if i == 0 {
				axis.Position = "left"
			} else {
				axis.Position = "right"
			}
		}
		dataMin, dataMax, unit := axisExtent(payload, i)
		axis.Unit = unit
		if cfg.FitToData {
			if axis.Min == nil {
				m := dataMin
				axis.Min = &m
			}
			if axis.Max == nil {
				m := dataMax
				axis.Max = &m
			}
		}
		if cfg.CenterZero {
			bound := niceBound(math.Max(math.Abs(dataMin), math.Abs(dataMax)))
			lo, hi := -bound, bound
			axis.Min, axis.Max = &lo, &hi
		}
		axes = append(axes, axis)
	}
	return axes
}

func axisExtent(payload *Payload, axisIndex int) (float64, float64, *string) {
	min, max := 0.0, 0.0
	var unit *string
	type key struct {
		stack string
		ts    int64
	}
	posSums := make(map[key]float64)
	negSums := make(map[key]float64)
	for _, s := range payload.Series {
		if s.YAxisIndex != axisIndex {
			continue
		}
		if unit == nil {
			unit = payload.unitBySeries[strings.TrimPrefix(s.ID, compareIDPrefix)]
		}
		for _, pt := range s.Data {
			if pt.Value == nil {
				continue
			}
			v := *pt.Value
			if s.Stack != "" {
				k := key{s.Stack, pt.Timestamp}
				if v >= 0 {
					posSums[k] += v
				} else {
					negSums[k] += v
				}
				continue
			}
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	}
	for _, v := range posSums {
		if v > max {
			max = v
		}
	}
	for _, v := range negSums {
		if v < min {
			min = v
		}
	}
	return min, max, unit
}

var niceSteps = []float64{1, 1.2, 1.5, 2, 2.5, 3, 4, 5, 6, 8, 10}

// niceBound returns the smallest "round" value at or above v.
func niceBound(v float64) float64 {
	if v <= 0 {
		return 1
	}
	exp := math.Floor(math.Log10(v))
	base := math.Pow(10, exp)
	for _, step := range niceSteps {
		if step*base >= v-1e-9 {
			return step * base
		}
	}
	return 10 * base
}

// TooltipAt resolves tooltip content for a hovered timestamp: one row
// per visible series with data there, compare rows labeled with their
// own calendar, and per-stack sums when enabled.
func TooltipAt(payload *Payload, ts int64) *Tooltip {
	tip := &Tooltip{Timestamp: ts}
	type stackAgg struct {
		sum   float64
		count int
		color string
	}
	stacks := make(map[string]*stackAgg)
	stackOrder := []string{}

	for _, s := range payload.Series {
		if !s.ShowTooltip {
			continue
		}
		pt, ok := pointAt(s.Data, ts)
		if !ok || pt.Value == nil {
			continue
		}
		compare := strings.HasPrefix(s.ID, compareIDPrefix)
		if compare && tip.CompareTimestamp == nil && pt.OriginalTimestamp != nil {
			tip.CompareTimestamp = pt.OriginalTimestamp
		}
		unit := payload.unitBySeries[strings.TrimPrefix(s.ID, compareIDPrefix)]
		row := TooltipRow{
			SeriesID:  s.ID,
			Name:      s.Name,
			Color:     s.Color,
			Value:     formatValue(*pt.Value, unit, payload.Tooltip),
			Compare:   compare,
			StackName: s.Stack,
			Raw:       *pt.Value,
		}
		tip.Rows = append(tip.Rows, row)

		if payload.Tooltip.ShowStackSums && s.Stack != "" && !series.IsFillHelperStack(s.Stack) {
			agg, ok := stacks[s.Stack]
			if !ok {
				agg = &stackAgg{color: s.Color}
				stacks[s.Stack] = agg
				stackOrder = append(stackOrder, s.Stack)
			}
			agg.sum += *pt.Value
			agg.count++
		}
	}

	// Main rows first, compare rows after, declaration order kept.
	sort.SliceStable(tip.Rows, func(i, j int) bool {
		return !tip.Rows[i].Compare && tip.Rows[j].Compare
	})

	for _, name := range stackOrder {
		agg := stacks[name]
		if agg.count < 2 {
			continue
		}
		unit := stackUnit(payload, name)
		tip.StackSums = append(tip.StackSums, TooltipRow{
			Name:      name,
			StackName: name,
			Value:     formatValue(agg.sum, unit, payload.Tooltip),
			Raw:       agg.sum,
		})
	}
	return tip
}

func stackUnit(payload *Payload, stack string) *string {
	for _, s := range payload.Series {
		if s.Stack == stack {
			return payload.unitBySeries[strings.TrimPrefix(s.ID, compareIDPrefix)]
		}
	}
	return nil
}

func pointAt(data []series.DataPoint, ts int64) (series.DataPoint, bool) {
	for _, pt := range data {
		if pt.Timestamp == ts {
			return pt, true
		}
	}
	return series.DataPoint{}, false
}

func formatValue(v float64, unit *string, opts TooltipOptions) string {
	out := strconv.FormatFloat(v, 'f', opts.Precision, 64)
	if opts.ShowUnit && unit != nil && *unit != "" {
		out += " " + *unit
	}
	return out
}
