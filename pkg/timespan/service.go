// Timespan resolves the card's display window from its timespan
// configuration. Energy mode is resolved by the engine from the
// external period selector; everything else resolves here.
package timespan

import (
	"fmt"
	"time"
)

// WeekStart anchors week-aligned windows. Sunday matches the upstream
// energy dashboard behavior.
const WeekStart = time.Sunday

// Resolver computes concrete windows. Now is injectable for tests and
// defaults to time.Now.
type Resolver struct {
	Now func() time.Time
}

func NewResolver() *Resolver {
	return &Resolver{Now: time.Now}
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Resolve turns a relative or fixed timespan config into a concrete
// window. Energy mode returns an error so callers don't silently skip
// the selector handshake.
func (r *Resolver) Resolve(cfg Config) (Period, error) {
	switch cfg.Mode {
	case ModeRelative:
		return r.resolveRelative(cfg.Period, cfg.Offset)
	case ModeFixed:
		return r.resolveFixed(cfg.Start, cfg.End)
	case ModeEnergy:
		return Period{}, fmt.Errorf("energy mode windows come from the period selector")
	default:
		return Period{}, fmt.Errorf("unknown timespan mode %q", cfg.Mode)
	}
}

// DefaultEnergyRange is today, used as the fallback when the energy
// period selector never reports.
func (r *Resolver) DefaultEnergyRange() Period {
	now := r.now()
	end := EndOfDay(now)
	return Period{Start: StartOfDay(now), End: &end}
}

func (r *Resolver) resolveRelative(period RelativePeriod, offset int) (Period, error) {
	now := r.now()
	switch period {
	case PeriodHour:
		start := StartOfHour(now).Add(time.Duration(offset) * time.Hour)
		end := EndOfHour(now).Add(time.Duration(offset) * time.Hour)
		return Period{Start: start, End: &end}, nil
	case PeriodDay:
		start := StartOfDay(now).AddDate(0, 0, offset)
		end := EndOfDay(now).AddDate(0, 0, offset)
		return Period{Start: start, End: &end}, nil
	case PeriodWeek:
		start := StartOfWeek(now).AddDate(0, 0, 7*offset)
		end := EndOfWeek(now).AddDate(0, 0, 7*offset)
		return Period{Start: start, End: &end}, nil
	case PeriodMonth:
		start := AddMonths(StartOfMonth(now), offset)
		end := EndOfMonth(AddMonths(StartOfMonth(now), offset))
		return Period{Start: start, End: &end}, nil
	case PeriodYear:
		start := StartOfYear(now).AddDate(offset, 0, 0)
		end := EndOfYear(StartOfYear(now).AddDate(offset, 0, 0))
		return Period{Start: start, End: &end}, nil
	case PeriodLast60Minutes:
		end := r.roundNowFor(period).Add(time.Duration(offset) * time.Hour)
		return Period{Start: end.Add(-60 * time.Minute), End: &end}, nil
	case PeriodLast24Hours:
		end := r.roundNowFor(period).AddDate(0, 0, offset)
		return Period{Start: end.Add(-24 * time.Hour), End: &end}, nil
	case PeriodLast7Days:
		end := r.roundNowFor(period).AddDate(0, 0, offset)
		return Period{Start: end.AddDate(0, 0, -7), End: &end}, nil
	case PeriodLast30Days:
		end := r.roundNowFor(period).AddDate(0, 0, offset)
		return Period{Start: end.AddDate(0, 0, -30), End: &end}, nil
	case PeriodLast12Months:
		end := AddMonths(r.roundNowFor(period), offset)
		return Period{Start: AddMonths(end, -12), End: &end}, nil
	default:
		return Period{}, fmt.Errorf("unknown relative period %q", period)
	}
}

// roundNowFor rounds "now" to a stable boundary per rolling unit so the
// window doesn't churn on every tick. The minute-20 threshold for
// day-scale windows is a deliberate tie-break policy, not an alignment
// rule.
func (r *Resolver) roundNowFor(period RelativePeriod) time.Time {
	now := r.now()
	switch period {
	case PeriodLast60Minutes, PeriodLast24Hours:
		return now.Truncate(time.Minute)
	case PeriodLast7Days, PeriodLast30Days:
		if now.Minute() >= 20 {
			now = now.Add(time.Hour)
		}
		return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 20, 0, 0, now.Location())
	case PeriodLast12Months:
		return StartOfDay(now)
	default:
		return now
	}
}

// Layouts accepted for fixed timespan boundaries.
var fixedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (r *Resolver) resolveFixed(startStr, endStr string) (Period, error) {
	var start time.Time
	if startStr == "" {
		start = StartOfDay(r.now())
	} else {
		parsed, err := parseFixedDate(startStr)
		if err != nil {
			return Period{}, fmt.Errorf("invalid start date in fixed timespan configuration: %w", err)
		}
		start = parsed
	}

	var end time.Time
	if endStr == "" {
		end = EndOfDay(start)
	} else {
		parsed, err := parseFixedDate(endStr)
		if err != nil {
			return Period{}, fmt.Errorf("invalid end date in fixed timespan configuration: %w", err)
		}
		end = parsed
	}
	return Period{Start: start, End: &end}, nil
}

func parseFixedDate(value string) (time.Time, error) {
	for _, layout := range fixedLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable date %q", value)
}

// Calendar alignment helpers. End-of helpers return the last
// millisecond of the bucket.

func StartOfHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

func EndOfHour(t time.Time) time.Time {
	return StartOfHour(t).Add(time.Hour - time.Millisecond)
}

func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Millisecond)
}

func StartOfWeek(t time.Time) time.Time {
	day := StartOfDay(t)
	back := (int(day.Weekday()) - int(WeekStart) + 7) % 7
	return day.AddDate(0, 0, -back)
}

func EndOfWeek(t time.Time) time.Time {
	return StartOfWeek(t).AddDate(0, 0, 7).Add(-time.Millisecond)
}

func StartOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func EndOfMonth(t time.Time) time.Time {
	return StartOfMonth(t).AddDate(0, 1, 0).Add(-time.Millisecond)
}

func StartOfYear(t time.Time) time.Time {
	return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
}

func EndOfYear(t time.Time) time.Time {
	return StartOfYear(t).AddDate(1, 0, 0).Add(-time.Millisecond)
}

// AddMonths shifts by whole months, clamping to the last day of the
// target month instead of letting Jan 31 + 1 month spill into March.
func AddMonths(t time.Time, months int) time.Time {
	if months == 0 {
		return t
	}
	year, month, day := t.Date()
	first := time.Date(year, month, 1, 0, 0, 0, 0, t.Location()).AddDate(0, months, 0)
	lastDay := first.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// Whole-unit differences, truncated toward zero.

func DiffHours(later, earlier time.Time) int {
	return int(later.Sub(earlier).Hours())
}

func DiffDays(later, earlier time.Time) int {
	return int(later.Sub(earlier).Hours() / 24)
}

// Calendar-unit differences used to detect aligned compare offsets.

func CalendarYearsBetween(later, earlier time.Time) int {
	return later.Year() - earlier.Year()
}

func CalendarMonthsBetween(later, earlier time.Time) int {
	return (later.Year()-earlier.Year())*12 + int(later.Month()) - int(earlier.Month())
}

func CalendarDaysBetween(later, earlier time.Time) int {
	return int(StartOfDay(later).Sub(StartOfDay(earlier)).Hours() / 24)
}
