package series

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/esgraph/energy_graph_server/pkg/statistics"
)

const (
	barMaxWidth        = 50
	barFillAlpha       = 0.5
	lineAreaAlpha      = 0.15
	defaultLineOpacity = 0.85

	fillBaseSuffix  = "__fill_base"
	fillAreaSuffix  = "__fill_area"
	fillStackPrefix = "__energy_fill_"
)

// Builder turns resolved statistics into chart-ready series.
// Configuration problems are logged once per builder, not per refresh.
type Builder struct {
	mu     sync.Mutex
	warned map[string]bool
}

func NewBuilder() *Builder {
	return &Builder{warned: make(map[string]bool)}
}

func (b *Builder) warnOnce(key, format string, args ...any) {
	b.mu.Lock()
	seen := b.warned[key]
	b.warned[key] = true
	b.mu.Unlock()
	if seen {
		return
	}
	log.Printf("WARNING: "+format, args...)
}

// IsFillHelperStack reports whether a stack name belongs to a
// synthesized fill pair rather than a user-configured stack.
func IsFillHelperStack(stack string) bool {
	return strings.HasPrefix(stack, fillStackPrefix)
}

// CalculationKey is the data key under which the evaluator output for
// the series at the given config index is stored.
func CalculationKey(index int) string {
	return fmt.Sprintf("calculation_%d", index)
}

// SeriesID derives the stable chart id for a series configuration.
func SeriesID(baseKey string, statType statistics.StatType, chartType ChartType, index int) string {
	return fmt.Sprintf("%s:%s:%s:%d", baseKey, statType, chartType, index)
}

// Build assembles the full series batch for one chart target: data
// resolution, per-point transform, styling, fill-to-series synthesis
// and legend entries.
func (b *Builder) Build(p BuildParams) *BuildResult {
	res := &BuildResult{
		UnitBySeries: make(map[string]*string),
		ConfigByID:   make(map[string]*Config),
	}
	byName := make(map[string]*builtRef)

	for i := range p.ConfigSeries {
		cfg := &p.ConfigSeries[i]

		if cfg.Entity != "" && cfg.StatisticID == "" && cfg.Calculation == nil {
			b.buildForecast(res, p, cfg, i)
			continue
		}

		var (
			data    []statistics.Value
			unit    *string
			baseKey string
		)
		switch {
		case cfg.Calculation != nil:
			baseKey = CalculationKey(i)
			data = p.CalculatedData[baseKey]
			unit = p.CalculatedUnits[baseKey]
		case cfg.StatisticID != "":
			baseKey = cfg.StatisticID
			data = p.Statistics[cfg.StatisticID]
			if meta, ok := p.Metadata[cfg.StatisticID]; ok {
				unit = meta.Unit
			}
		default:
			b.warnOnce(fmt.Sprintf("series-%d-source", i),
				"series %d has neither statistic_id nor calculation, skipping", i+1)
			continue
		}

		statType := cfg.StatType
		if statType == "" {
			statType = statistics.DefaultStatType
		}
		chartType := cfg.ChartType
		if chartType == "" {
			chartType = ChartTypeBar
		}

		id := SeriesID(baseKey, statType, chartType, i)
		name := seriesName(cfg, p.Metadata, i)
		color := b.resolveSeriesColor(cfg, p, i)

		built := &Built{
			ID:          id,
			Name:        name,
			Data:        transformPoints(data, statType, cfg),
			YAxisIndex:  yAxisIndex(cfg.YAxis),
			Z:           float64(i + 2),
			Color:       color,
			ShowTooltip: cfg.ShowInTooltip == nil || *cfg.ShowInTooltip,
		}
		switch chartType {
		case ChartTypeBar:
			built.Type = ChartTypeBar
			fillAlpha := barFillAlpha
			if cfg.FillOpacity != nil {
				fillAlpha = *cfg.FillOpacity
			}
			built.FillColor = ApplyAlpha(color, fillAlpha)
			built.BorderColor = color
			built.Stack = cfg.Stack
			built.BarMaxWidth = barMaxWidth
		default:
			built.Type = ChartTypeLine
			built.Step = chartType == ChartTypeStep
			lineOpacity := defaultLineOpacity
			if cfg.LineOpacity != nil {
				lineOpacity = *cfg.LineOpacity
			}
			built.LineColor = ApplyAlpha(color, lineOpacity)
			built.LineWidth = 2
			if cfg.LineWidth != nil {
				built.LineWidth = *cfg.LineWidth
			}
			built.LineStyle = cfg.LineStyle
			if !built.Step {
				built.Smooth = cfg.Smooth == nil || *cfg.Smooth > 0
				if cfg.Smooth != nil && *cfg.Smooth > 0 && *cfg.Smooth <= 1 {
					f := *cfg.Smooth
					built.SmoothFactor = &f
				}
			}
			if cfg.Fill && cfg.FillToSeries == "" {
				built.HasArea = true
				areaAlpha := lineAreaAlpha
				if cfg.FillOpacity != nil {
					areaAlpha = *cfg.FillOpacity
				}
				built.AreaColor = ApplyAlpha(color, areaAlpha)
			}
		}

		res.Series = append(res.Series, built)
		res.UnitBySeries[id] = unit
		res.ConfigByID[id] = cfg
		if _, dup := byName[name]; dup {
			b.warnOnce("dup-name-"+name,
				"multiple series named %q, fill_to_series references resolve to the first", name)
		} else {
			byName[name] = &builtRef{built: built, cfg: cfg, index: i}
		}

		if cfg.ShowInLegend == nil || *cfg.ShowInLegend {
			entry := LegendEntry{
				ID:     id,
				Name:   name,
				Color:  color,
				Hidden: cfg.HiddenByDefault,
			}
			if built.Type == ChartTypeBar {
				entry.FillColor = built.FillColor
				entry.BorderColor = built.BorderColor
				entry.BorderWidth = 1
			}
			res.Legend = append(res.Legend, entry)
		}
	}

	// fill_to_series pairs are appended after all primaries exist so
	// targets can be referenced regardless of declaration order.
	for i := range p.ConfigSeries {
		cfg := &p.ConfigSeries[i]
		if cfg.FillToSeries == "" {
			continue
		}
		self, ok := byName[seriesName(cfg, p.Metadata, i)]
		if !ok || self.index != i {
			continue
		}
		b.buildFillPair(res, self, byName, cfg.FillToSeries)
	}

	return res
}

func (b *Builder) resolveSeriesColor(cfg *Config, p BuildParams, index int) string {
	if cfg.Color != "" {
		if c, ok := ResolveColor(cfg.Color, p.Theme); ok {
			return c
		}
		b.warnOnce("color-"+cfg.Color, "could not resolve color %q, using palette", cfg.Color)
	}
	return PaletteColor(p.ColorPalette, p.Theme, index)
}

func seriesName(cfg *Config, metadata map[string]statistics.Metadata, index int) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	if cfg.StatisticID != "" {
		if meta, ok := metadata[cfg.StatisticID]; ok && meta.Name != nil && *meta.Name != "" {
			return *meta.Name
		}
		return cfg.StatisticID
	}
	return fmt.Sprintf("Series %d", index+1)
}

func yAxisIndex(axis string) int {
	if axis == "right" {
		return 1
	}
	return 0
}

// transformPoints maps statistic buckets onto chart points, applying
// the per-series multiply, add and clip settings.
func transformPoints(data []statistics.Value, statType statistics.StatType, cfg *Config) []DataPoint {
	points := make([]DataPoint, 0, len(data))
	for _, bucket := range data {
		ts := bucket.Start
		if ts == 0 && bucket.End != 0 {
			ts = bucket.End
		}
		point := DataPoint{Timestamp: ts}
		if raw := bucket.Field(statType); raw != nil {
			v := *raw
			if cfg.Multiply != nil {
				v *= *cfg.Multiply
			}
			if cfg.Add != nil {
				v += *cfg.Add
			}
			if cfg.ClipMin != nil && v < *cfg.ClipMin {
				v = *cfg.ClipMin
			}
			if cfg.ClipMax != nil && v > *cfg.ClipMax {
				v = *cfg.ClipMax
			}
			point.Value = &v
		}
		points = append(points, point)
	}
	return points
}

// buildFillPair synthesizes the invisible base plus stacked area pair
// that shades the band between one series and another.
func (b *Builder) buildFillPair(res *BuildResult, self *builtRef, byName map[string]*builtRef, targetName string) {
	target, ok := byName[targetName]
	if !ok {
		b.warnOnce("fill-target-"+targetName,
			"fill_to_series target %q not found for series %q", targetName, self.built.Name)
		return
	}
	if target.built.ID == self.built.ID {
		b.warnOnce("fill-self-"+self.built.ID,
			"series %q cannot fill to itself", self.built.Name)
		return
	}
	if self.built.Type == ChartTypeBar || target.built.Type == ChartTypeBar {
		b.warnOnce("fill-bar-"+self.built.ID,
			"fill_to_series requires line or step series on both ends (series %q)", self.built.Name)
		return
	}
	if self.cfg.Stack != "" {
		b.warnOnce("fill-source-stack-"+self.built.ID,
			"series %q is stacked and cannot fill to another series", self.built.Name)
		return
	}
	if target.cfg.Stack != "" {
		b.warnOnce("fill-target-stack-"+self.built.ID,
			"fill_to_series target %q is stacked, skipping fill for %q", targetName, self.built.Name)
		return
	}

	selfVals := pointMap(self.built.Data)
	targetVals := pointMap(target.built.Data)
	timestamps := unionTimestamps(self.built.Data, target.built.Data)

	base := make([]DataPoint, 0, len(timestamps))
	area := make([]DataPoint, 0, len(timestamps))
	anyPositive := false
	clamped := false
	for _, ts := range timestamps {
		sv, sok := selfVals[ts]
		tv, tok := targetVals[ts]
		basePoint := DataPoint{Timestamp: ts}
		areaPoint := DataPoint{Timestamp: ts}
		// The baseline follows the target wherever it has data so
		// the band resumes without a gap after one-sided holes.
		if tok && tv != nil {
			bv := *tv
			basePoint.Value = &bv
		}
		if sok && tok && sv != nil && tv != nil {
			diff := *sv - *tv
			if diff < 0 {
				diff = 0
				clamped = true
			}
			if diff > 0 {
				anyPositive = true
			}
			av := diff
			areaPoint.Value = &av
		}
		base = append(base, basePoint)
		area = append(area, areaPoint)
	}
	if clamped {
		b.warnOnce("fill-clamp-"+self.built.ID,
			"series %q dips below fill target %q, negative band clamped to zero", self.built.Name, targetName)
	}
	if !anyPositive {
		return
	}

	stack := fillStackPrefix + self.built.ID
	areaColor := self.built.AreaColor
	if areaColor == "" {
		alpha := lineAreaAlpha
		if self.cfg.FillOpacity != nil {
			alpha = *self.cfg.FillOpacity
		}
		areaColor = ApplyAlpha(self.built.Color, alpha)
	}

	baseSeries := &Built{
		ID:            self.built.ID + fillBaseSuffix,
		Name:          self.built.Name,
		Type:          ChartTypeLine,
		Step:          self.built.Step,
		Data:          base,
		Stack:         stack,
		StackStrategy: "all",
		YAxisIndex:    self.built.YAxisIndex,
		Z:             self.built.Z - 1,
		LineWidth:     0,
		Silent:        true,
		ShowTooltip:   false,
	}
	areaSeries := &Built{
		ID:            self.built.ID + fillAreaSuffix,
		Name:          self.built.Name,
		Type:          ChartTypeLine,
		Step:          self.built.Step,
		Data:          area,
		Stack:         stack,
		StackStrategy: "all",
		YAxisIndex:    self.built.YAxisIndex,
		Z:             self.built.Z - 1,
		LineWidth:     0,
		HasArea:       true,
		AreaColor:     areaColor,
		Silent:        true,
		ShowTooltip:   false,
	}
	res.Series = append(res.Series, baseSeries, areaSeries)
}

type builtRef struct {
	built *Built
	cfg   *Config
	index int
}

func pointMap(points []DataPoint) map[int64]*float64 {
	m := make(map[int64]*float64, len(points))
	for _, p := range points {
		m[p.Timestamp] = p.Value
	}
	return m
}

func unionTimestamps(a, b []DataPoint) []int64 {
	seen := make(map[int64]bool, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, p := range a {
		if !seen[p.Timestamp] {
			seen[p.Timestamp] = true
			out = append(out, p.Timestamp)
		}
	}
	for _, p := range b {
		if !seen[p.Timestamp] {
			seen[p.Timestamp] = true
			out = append(out, p.Timestamp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// buildForecast surfaces a weather entity's forecast as a symbol row.
func (b *Builder) buildForecast(res *BuildResult, p BuildParams, cfg *Config, index int) {
	points, ok := p.Forecast[cfg.Entity]
	if !ok || len(points) == 0 {
		b.warnOnce("forecast-"+cfg.Entity,
			"no forecast data available for entity %q", cfg.Entity)
		return
	}
	if res.Forecast == nil {
		res.Forecast = make(map[string][]ForecastPoint)
	}
	id := fmt.Sprintf("%s:forecast:%d", cfg.Entity, index)
	res.Forecast[id] = points
}
