package series

import (
	"github.com/esgraph/energy_graph_server/pkg/calc"
	"github.com/esgraph/energy_graph_server/pkg/statistics"
)

type ChartType string

const (
	ChartTypeBar  ChartType = "bar"
	ChartTypeLine ChartType = "line"
	ChartTypeStep ChartType = "step"
)

// Config is one user-authored series descriptor. Read-only by the core.
type Config struct {
	StatisticID     string              `yaml:"statistic_id,omitempty" json:"statistic_id,omitempty"`
	Entity          string              `yaml:"entity,omitempty" json:"entity,omitempty"`
	Name            string              `yaml:"name,omitempty" json:"name,omitempty"`
	StatType        statistics.StatType `yaml:"stat_type,omitempty" json:"stat_type,omitempty"`
	ChartType       ChartType           `yaml:"chart_type,omitempty" json:"chart_type,omitempty"`
	Fill            bool                `yaml:"fill,omitempty" json:"fill,omitempty"`
	Stack           string              `yaml:"stack,omitempty" json:"stack,omitempty"`
	Color           string              `yaml:"color,omitempty" json:"color,omitempty"`
	CompareColor    string              `yaml:"compare_color,omitempty" json:"compare_color,omitempty"`
	YAxis           string              `yaml:"y_axis,omitempty" json:"y_axis,omitempty"`
	ShowInLegend    *bool               `yaml:"show_in_legend,omitempty" json:"show_in_legend,omitempty"`
	ShowInTooltip   *bool               `yaml:"show_in_tooltip,omitempty" json:"show_in_tooltip,omitempty"`
	HiddenByDefault bool                `yaml:"hidden_by_default,omitempty" json:"hidden_by_default,omitempty"`
	Multiply        *float64            `yaml:"multiply,omitempty" json:"multiply,omitempty"`
	Add             *float64            `yaml:"add,omitempty" json:"add,omitempty"`
	Smooth          *float64            `yaml:"smooth,omitempty" json:"smooth,omitempty"`
	LineOpacity     *float64            `yaml:"line_opacity,omitempty" json:"line_opacity,omitempty"`
	LineWidth       *float64            `yaml:"line_width,omitempty" json:"line_width,omitempty"`
	LineStyle       string              `yaml:"line_style,omitempty" json:"line_style,omitempty"`
	FillOpacity     *float64            `yaml:"fill_opacity,omitempty" json:"fill_opacity,omitempty"`
	FillToSeries    string              `yaml:"fill_to_series,omitempty" json:"fill_to_series,omitempty"`
	Calculation     *calc.Config        `yaml:"calculation,omitempty" json:"calculation,omitempty"`
	ClipMin         *float64            `yaml:"clip_min,omitempty" json:"clip_min,omitempty"`
	ClipMax         *float64            `yaml:"clip_max,omitempty" json:"clip_max,omitempty"`
}

// DataPoint is one chart sample. A nil value renders as a gap.
// OriginalTimestamp survives compare time-shifting so tooltips can
// resolve the point back to its own calendar.
type DataPoint struct {
	Timestamp         int64    `json:"timestamp"`
	Value             *float64 `json:"value"`
	OriginalTimestamp *int64   `json:"original_timestamp,omitempty"`
}

// Built is one chart-ready series descriptor.
type Built struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Type          ChartType   `json:"type"`
	Step          bool        `json:"step,omitempty"`
	Smooth        bool        `json:"smooth,omitempty"`
	SmoothFactor  *float64    `json:"smooth_factor,omitempty"`
	Data          []DataPoint `json:"data"`
	Stack         string      `json:"stack,omitempty"`
	StackStrategy string      `json:"stack_strategy,omitempty"`
	YAxisIndex    int         `json:"y_axis_index"`
	Z             float64     `json:"z"`
	Color         string      `json:"color,omitempty"`
	LineColor     string      `json:"line_color,omitempty"`
	FillColor     string      `json:"fill_color,omitempty"`
	BorderColor   string      `json:"border_color,omitempty"`
	AreaColor     string      `json:"area_color,omitempty"`
	HasArea       bool        `json:"has_area,omitempty"`
	LineWidth     float64     `json:"line_width,omitempty"`
	LineStyle     string      `json:"line_style,omitempty"`
	Opacity       *float64    `json:"opacity,omitempty"`
	AreaOpacity   *float64    `json:"area_opacity,omitempty"`
	ShowTooltip   bool        `json:"show_tooltip"`
	Silent        bool        `json:"silent,omitempty"`
	ConnectNulls  bool        `json:"connect_nulls,omitempty"`
	BarMaxWidth   int         `json:"bar_max_width,omitempty"`
	SymbolURL     string      `json:"symbol_url,omitempty"`
	SymbolSize    int         `json:"symbol_size,omitempty"`
}

// LegendEntry is one legend row for series not hidden from the legend.
type LegendEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	FillColor   string `json:"fill_color,omitempty"`
	BorderColor string `json:"border_color,omitempty"`
	BorderWidth int    `json:"border_width,omitempty"`
	Hidden      bool   `json:"hidden,omitempty"`
}

// ForecastPoint is one entry of a weather entity's forecast attribute,
// rendered as a symbol row along the top of the chart.
type ForecastPoint struct {
	Timestamp int64  `json:"timestamp"`
	Condition string `json:"condition"`
}

// BuildParams carries everything the builder reads.
type BuildParams struct {
	Statistics      statistics.Statistics
	Metadata        map[string]statistics.Metadata
	ConfigSeries    []Config
	ColorPalette    []string
	Theme           map[string]string
	CalculatedData  map[string][]statistics.Value
	CalculatedUnits map[string]*string
	Forecast        map[string][]ForecastPoint
}

// BuildResult is the chart-series batch for one target.
type BuildResult struct {
	Series       []*Built
	Legend       []LegendEntry
	UnitBySeries map[string]*string
	ConfigByID   map[string]*Config
	Forecast     map[string][]ForecastPoint
}
