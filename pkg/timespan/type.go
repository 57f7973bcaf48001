package timespan

import "time"

type Mode string

const (
	ModeEnergy   Mode = "energy"
	ModeRelative Mode = "relative"
	ModeFixed    Mode = "fixed"
)

type RelativePeriod string

const (
	PeriodHour          RelativePeriod = "hour"
	PeriodDay           RelativePeriod = "day"
	PeriodWeek          RelativePeriod = "week"
	PeriodMonth         RelativePeriod = "month"
	PeriodYear          RelativePeriod = "year"
	PeriodLast60Minutes RelativePeriod = "last_60_minutes"
	PeriodLast24Hours   RelativePeriod = "last_24_hours"
	PeriodLast7Days     RelativePeriod = "last_7_days"
	PeriodLast30Days    RelativePeriod = "last_30_days"
	PeriodLast12Months  RelativePeriod = "last_12_months"
)

func (p RelativePeriod) IsValid() bool {
	switch p {
	case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth, PeriodYear,
		PeriodLast60Minutes, PeriodLast24Hours, PeriodLast7Days,
		PeriodLast30Days, PeriodLast12Months:
		return true
	}
	return false
}

// Config is the timespan part of a card configuration.
type Config struct {
	Mode   Mode           `yaml:"mode" json:"mode"`
	Period RelativePeriod `yaml:"period,omitempty" json:"period,omitempty"`
	Offset int            `yaml:"offset,omitempty" json:"offset,omitempty"`
	Start  string         `yaml:"start,omitempty" json:"start,omitempty"`
	End    string         `yaml:"end,omitempty" json:"end,omitempty"`
}

// Period is a resolved display window. End is nil for open-ended
// windows that follow "now".
type Period struct {
	Start time.Time
	End   *time.Time
}

// Equal compares two resolved windows by instant.
func (p *Period) Equal(other *Period) bool {
	if p == nil || other == nil {
		return p == other
	}
	if !p.Start.Equal(other.Start) {
		return false
	}
	if (p.End == nil) != (other.End == nil) {
		return false
	}
	return p.End == nil || p.End.Equal(*other.End)
}

// StartMs and EndMs expose the window as unix milliseconds, the unit
// the statistics buffers use. EndMs returns -1 for open windows.
func (p *Period) StartMs() int64 {
	return p.Start.UnixMilli()
}

func (p *Period) EndMs() int64 {
	if p.End == nil {
		return -1
	}
	return p.End.UnixMilli()
}
