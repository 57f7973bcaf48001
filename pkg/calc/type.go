package calc

import (
	"github.com/esgraph/energy_graph_server/pkg/aggregation"
	"github.com/esgraph/energy_graph_server/pkg/statistics"
)

type Operation string

const (
	OpAdd      Operation = "add"
	OpSubtract Operation = "subtract"
	OpMultiply Operation = "multiply"
	OpDivide   Operation = "divide"
)

// Term is one step of a calculation: either a statistic reference or a
// constant, combined into the running value via Operation.
type Term struct {
	StatisticID string              `yaml:"statistic_id,omitempty" json:"statistic_id,omitempty"`
	Name        string              `yaml:"name,omitempty" json:"name,omitempty"`
	StatType    statistics.StatType `yaml:"stat_type,omitempty" json:"stat_type,omitempty"`
	Multiply    *float64            `yaml:"multiply,omitempty" json:"multiply,omitempty"`
	Add         *float64            `yaml:"add,omitempty" json:"add,omitempty"`
	Operation   Operation           `yaml:"operation,omitempty" json:"operation,omitempty"`
	Constant    *float64            `yaml:"constant,omitempty" json:"constant,omitempty"`
	ClipMin     *float64            `yaml:"clip_min,omitempty" json:"clip_min,omitempty"`
	ClipMax     *float64            `yaml:"clip_max,omitempty" json:"clip_max,omitempty"`
}

// IsStatistic reports whether the term reads a statistic stream.
func (t *Term) IsStatistic() bool {
	return t.StatisticID != ""
}

// Config is a user-authored calculation: terms folded left-to-right
// starting from InitialValue.
type Config struct {
	Terms        []Term   `yaml:"terms" json:"terms"`
	InitialValue *float64 `yaml:"initial_value,omitempty" json:"initial_value,omitempty"`
	Unit         *string  `yaml:"unit,omitempty" json:"unit,omitempty"`
}

// TimeContext describes the window a calculation is evaluated against,
// for synthesizing timelines of constant-only calculations.
// EndMs is -1 for open-ended windows.
type TimeContext struct {
	StartMs int64
	EndMs   int64
	Period  aggregation.Target
}

// Result is an evaluated calculation: a synthetic bucket sequence with
// every stat field mirroring the combined value, plus the resolved unit.
type Result struct {
	Values []statistics.Value
	Unit   *string
}
