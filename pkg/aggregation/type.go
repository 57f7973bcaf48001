package aggregation

// Target is a statistics granularity to request, raw history, or an
// explicit opt-out of fetching.
type Target string

const (
	Target5Minute  Target = "5minute"
	TargetHour     Target = "hour"
	TargetDay      Target = "day"
	TargetWeek     Target = "week"
	TargetMonth    Target = "month"
	TargetRaw      Target = "raw"
	TargetDisabled Target = "disabled"
)

func (t Target) IsValid() bool {
	switch t {
	case Target5Minute, TargetHour, TargetDay, TargetWeek, TargetMonth, TargetRaw, TargetDisabled:
		return true
	}
	return false
}

// IsBucketed reports whether the target maps to a recorder statistics
// period (as opposed to raw history or disabled).
func (t Target) IsBucketed() bool {
	switch t {
	case Target5Minute, TargetHour, TargetDay, TargetWeek, TargetMonth:
		return true
	}
	return false
}

// RawOptions tune raw history queries and stream subscriptions.
type RawOptions struct {
	SignificantChangesOnly *bool `yaml:"significant_changes_only,omitempty" json:"significant_changes_only,omitempty"`
}

// Config is the aggregation part of a card configuration.
// EnergyPicker overrides are keyed by the coarse range key of the
// energy dashboard's period picker (hour/day/week/month/year).
type Config struct {
	Manual             Target            `yaml:"manual,omitempty" json:"manual,omitempty"`
	Fallback           Target            `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	EnergyPicker       map[string]Target `yaml:"energy_picker,omitempty" json:"energy_picker,omitempty"`
	RawOptions         *RawOptions       `yaml:"raw_options,omitempty" json:"raw_options,omitempty"`
	ComputeCurrentHour bool              `yaml:"compute_current_hour,omitempty" json:"compute_current_hour,omitempty"`
}
