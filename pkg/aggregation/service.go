// Aggregation decides which statistics granularity to request for a
// display window and in which order to fall back.
package aggregation

import (
	"time"

	"github.com/esgraph/energy_graph_server/pkg/timespan"
)

// DerivePeriod picks the default granularity from the window span:
// up to ~2 hours of data gets 5-minute buckets, up to ~2 days hourly,
// up to ~35 days daily, anything longer monthly.
func DerivePeriod(start time.Time, end *time.Time) Target {
	reference := time.Now()
	if end != nil {
		reference = *end
	}
	hours := timespan.DiffHours(reference, start)
	if hours < 0 {
		hours = 0
	}
	if hours <= 2 {
		return Target5Minute
	}
	days := timespan.DiffDays(reference, start)
	if days < 0 {
		days = 0
	}
	switch {
	case days > 35:
		return TargetMonth
	case days > 2:
		return TargetDay
	default:
		return TargetHour
	}
}

// EnergyPickerRangeKey maps a window onto the energy dashboard's picker
// buckets, used to select per-picker aggregation overrides.
func EnergyPickerRangeKey(start time.Time, end *time.Time) string {
	reference := time.Now()
	if end != nil {
		reference = *end
	}
	hours := timespan.DiffHours(reference, start)
	if hours < 0 {
		hours = 0
	}
	days := timespan.DiffDays(reference, start)
	if days < 0 {
		days = 0
	}
	switch {
	case hours <= 6:
		return "hour"
	case days <= 1:
		return "day"
	case days <= 7:
		return "week"
	case days <= 35:
		return "month"
	default:
		return "year"
	}
}

// ResolvePlan builds the ordered fallback plan: the user override first
// (energy-picker override in energy mode, manual otherwise), then the
// derived default, then the configured fallback. Duplicates are
// dropped and the plan stops at the first disabled entry.
func ResolvePlan(cfg *Config, start time.Time, end *time.Time, energyMode bool) []Target {
	derived := DerivePeriod(start, end)

	plan := make([]Target, 0, 3)
	terminated := false
	push := func(t Target) {
		if terminated || t == "" || !t.IsValid() {
			return
		}
		for _, existing := range plan {
			if existing == t {
				return
			}
		}
		plan = append(plan, t)
		if t == TargetDisabled {
			terminated = true
		}
	}

	if cfg != nil {
		if energyMode {
			push(cfg.EnergyPicker[EnergyPickerRangeKey(start, end)])
		} else {
			push(cfg.Manual)
		}
		push(derived)
		push(cfg.Fallback)
	} else {
		push(derived)
	}

	if len(plan) == 0 {
		return []Target{derived}
	}
	return plan
}

// BucketStart aligns an instant down to the start of its bucket.
func BucketStart(t time.Time, target Target) time.Time {
	switch target {
	case Target5Minute:
		minute := t.Minute() / 5 * 5
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, t.Location())
	case TargetDay:
		return timespan.StartOfDay(t)
	case TargetWeek:
		return timespan.StartOfWeek(t)
	case TargetMonth:
		return timespan.StartOfMonth(t)
	default:
		return timespan.StartOfHour(t)
	}
}

// NextBucket advances an aligned instant by one bucket.
func NextBucket(t time.Time, target Target) time.Time {
	switch target {
	case Target5Minute:
		return t.Add(5 * time.Minute)
	case TargetDay:
		return t.AddDate(0, 0, 1)
	case TargetWeek:
		return t.AddDate(0, 0, 7)
	case TargetMonth:
		return timespan.AddMonths(t, 1)
	default:
		return t.Add(time.Hour)
	}
}

// Bucket count guard against runaway sequences.
const maxSequenceLength = 200000

// Sequence enumerates the aligned bucket starts covering
// [startMs, endMs] in unix milliseconds. Raw and disabled targets have
// no bucket grid and return nil; a window that ends before it starts
// collapses to its start.
func Sequence(startMs, endMs int64, target Target) []int64 {
	if target == TargetRaw || target == TargetDisabled || target == "" {
		return nil
	}
	if endMs < startMs {
		return []int64{startMs}
	}
	var out []int64
	cursor := BucketStart(time.UnixMilli(startMs), target)
	for cursor.UnixMilli() <= endMs && len(out) < maxSequenceLength {
		out = append(out, cursor.UnixMilli())
		next := NextBucket(cursor, target)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	return out
}
