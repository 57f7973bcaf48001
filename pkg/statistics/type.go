package statistics

// StatType selects which aggregate field of a bucket to read.
type StatType string

const (
	StatTypeChange StatType = "change"
	StatTypeSum    StatType = "sum"
	StatTypeMean   StatType = "mean"
	StatTypeMin    StatType = "min"
	StatTypeMax    StatType = "max"
	StatTypeState  StatType = "state"
)

// DefaultStatType is used when a series or term does not specify one.
const DefaultStatType = StatTypeChange

// KnownStatTypes lists every stat type the statistics service understands.
var KnownStatTypes = []StatType{
	StatTypeChange, StatTypeSum, StatTypeMean, StatTypeMin, StatTypeMax, StatTypeState,
}

func (t StatType) IsValid() bool {
	switch t {
	case StatTypeChange, StatTypeSum, StatTypeMean, StatTypeMin, StatTypeMax, StatTypeState:
		return true
	}
	return false
}

// Value is one time-ranged bucket of a single statistic.
// Start/End are unix milliseconds. Nil numeric fields mean "no data in
// bucket", which is distinct from zero.
type Value struct {
	Start  int64    `json:"start"`
	End    int64    `json:"end"`
	Change *float64 `json:"change,omitempty"`
	Sum    *float64 `json:"sum,omitempty"`
	Mean   *float64 `json:"mean,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	State  *float64 `json:"state,omitempty"`
}

// Field returns the aggregate selected by statType, or nil when absent.
func (v *Value) Field(statType StatType) *float64 {
	switch statType {
	case StatTypeChange:
		return v.Change
	case StatTypeSum:
		return v.Sum
	case StatTypeMean:
		return v.Mean
	case StatTypeMin:
		return v.Min
	case StatTypeMax:
		return v.Max
	case StatTypeState:
		return v.State
	}
	return nil
}

// SortKey orders buckets by end, falling back to start for open buckets.
func (v *Value) SortKey() int64 {
	if v.End != 0 {
		return v.End
	}
	return v.Start
}

// Statistics maps a statistic id to its ascending bucket sequence.
type Statistics map[string][]Value

// Metadata describes one statistic as reported by the recorder.
type Metadata struct {
	StatisticID string  `json:"statistic_id"`
	Name        *string `json:"name"`
	Unit        *string `json:"statistics_unit_of_measurement"`
}

// RawSample is one minimal-response history state as pushed by the
// history stream or returned by history queries.
type RawSample struct {
	State       string  `json:"s"`
	LastUpdated float64 `json:"lu"`
	LastChanged float64 `json:"lc"`
}
