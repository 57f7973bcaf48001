package chart

import (
	"github.com/esgraph/energy_graph_server/pkg/aggregation"
	"github.com/esgraph/energy_graph_server/pkg/series"
)

// AxisConfig is one user-authored y axis.
type AxisConfig struct {
	Position    string   `yaml:"position,omitempty" json:"position,omitempty"`
	Name        string   `yaml:"name,omitempty" json:"name,omitempty"`
	Min         *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	FitToData   bool     `yaml:"fit_to_data,omitempty" json:"fit_to_data,omitempty"`
	CenterZero  bool     `yaml:"center_zero,omitempty" json:"center_zero,omitempty"`
	Logarithmic bool     `yaml:"logarithmic,omitempty" json:"logarithmic,omitempty"`
}

// Options is the chart section of a card configuration.
type Options struct {
	ChartHeight      string       `yaml:"chart_height,omitempty" json:"chart_height,omitempty"`
	HideLegend       bool         `yaml:"hide_legend,omitempty" json:"hide_legend,omitempty"`
	ExpandLegend     bool         `yaml:"expand_legend,omitempty" json:"expand_legend,omitempty"`
	ColorCycle       []string     `yaml:"color_cycle,omitempty" json:"color_cycle,omitempty"`
	LegendSort       string       `yaml:"legend_sort,omitempty" json:"legend_sort,omitempty"`
	YAxes            []AxisConfig `yaml:"y_axes,omitempty" json:"y_axes,omitempty"`
	TooltipPrecision *int         `yaml:"tooltip_precision,omitempty" json:"tooltip_precision,omitempty"`
	ShowUnit         *bool        `yaml:"show_unit,omitempty" json:"show_unit,omitempty"`
	ShowStackSums    bool         `yaml:"show_stack_sums,omitempty" json:"show_stack_sums,omitempty"`
}

// BuiltAxis is one resolved y axis in the payload.
type BuiltAxis struct {
	Position    string   `json:"position"`
	Name        string   `json:"name,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Logarithmic bool     `json:"logarithmic,omitempty"`
	Unit        *string  `json:"unit,omitempty"`
}

// TooltipOptions is carried in the payload for the widget renderer.
type TooltipOptions struct {
	Precision     int  `json:"precision"`
	ShowUnit      bool `json:"show_unit"`
	ShowStackSums bool `json:"show_stack_sums"`
}

// TransitionMode tells the widget how to animate a payload in.
type TransitionMode string

const (
	// TransitionWindow replaces the chart after a window change: the
	// widget snapshots a zero baseline first, then commits the data.
	TransitionWindow TransitionMode = "window"
	// TransitionRefine swaps data in place without animation, used
	// for raw refinements and live-hour patches.
	TransitionRefine TransitionMode = "refine"
	// TransitionInitial is the first payload for a fresh widget.
	TransitionInitial TransitionMode = "initial"
)

// Payload is one complete chart update for a card widget.
type Payload struct {
	CardID      string                            `json:"card_id"`
	Title       string                            `json:"title,omitempty"`
	GeneratedAt int64                             `json:"generated_at"`
	WindowStart int64                             `json:"window_start"`
	WindowEnd   int64                             `json:"window_end"`
	Period      aggregation.Target                `json:"period"`
	Transition  TransitionMode                    `json:"transition"`
	Series      []*series.Built                   `json:"series"`
	Legend      []series.LegendEntry              `json:"legend,omitempty"`
	HideLegend  bool                              `json:"hide_legend,omitempty"`
	Axes        []BuiltAxis                       `json:"axes"`
	Tooltip     TooltipOptions                    `json:"tooltip"`
	ChartHeight string                            `json:"chart_height,omitempty"`
	Forecast    map[string][]series.ForecastPoint `json:"forecast,omitempty"`
	Message     string                            `json:"message,omitempty"`

	unitBySeries map[string]*string
}

// TooltipRow is one resolved series line at a hovered timestamp.
type TooltipRow struct {
	SeriesID  string  `json:"series_id"`
	Name      string  `json:"name"`
	Color     string  `json:"color,omitempty"`
	Value     string  `json:"value"`
	Compare   bool    `json:"compare,omitempty"`
	StackName string  `json:"stack,omitempty"`
	Raw       float64 `json:"-"`
}

// Tooltip is the resolved tooltip content at one timestamp.
type Tooltip struct {
	Timestamp        int64        `json:"timestamp"`
	CompareTimestamp *int64       `json:"compare_timestamp,omitempty"`
	Rows             []TooltipRow `json:"rows"`
	StackSums        []TooltipRow `json:"stack_sums,omitempty"`
}
