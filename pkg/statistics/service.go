// Statistics holds the in-memory bucket model shared by the whole
// pipeline. Buffers are treated as immutable snapshots: every operation
// returns a new map so readers never observe a half-merged buffer.
package statistics

import (
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Merge overlays incoming buckets onto existing ones per statistic id.
// A bucket with the same end-or-start timestamp replaces the old one,
// anything else is appended, then the sequence is re-sorted ascending.
// Merging a buffer into itself yields the same bucket set.
func Merge(existing, incoming Statistics) Statistics {
	if existing == nil {
		return incoming
	}
	merged := make(Statistics, len(existing))
	for id, values := range existing {
		merged[id] = values
	}
	for id, incomingValues := range incoming {
		current := merged[id]
		if len(current) == 0 {
			merged[id] = incomingValues
			continue
		}
		combined := make([]Value, len(current))
		copy(combined, current)
		indexByKey := make(map[int64]int, len(combined))
		for i := range combined {
			indexByKey[combined[i].SortKey()] = i
		}
		for _, v := range incomingValues {
			if i, ok := indexByKey[v.SortKey()]; ok {
				combined[i] = v
			} else {
				combined = append(combined, v)
				indexByKey[v.SortKey()] = len(combined) - 1
			}
		}
		sort.SliceStable(combined, func(i, j int) bool {
			return combined[i].SortKey() < combined[j].SortKey()
		})
		merged[id] = combined
	}
	return merged
}

// TrimToRange drops buckets outside [start, end], keeping the single
// closest bucket on each side so boundary values can still interpolate.
// end < 0 means the range is open-ended.
func TrimToRange(stats Statistics, start, end int64) Statistics {
	trimmed := make(Statistics, len(stats))
	for id, values := range stats {
		if len(values) == 0 {
			trimmed[id] = []Value{}
			continue
		}
		var before, after *Value
		kept := make([]Value, 0, len(values))
		for i := range values {
			v := values[i]
			if end >= 0 && v.Start > end {
				if after == nil {
					after = &values[i]
				}
				continue
			}
			if v.End < start {
				before = &values[i]
				continue
			}
			kept = append(kept, v)
		}
		if before != nil {
			kept = append([]Value{*before}, kept...)
		}
		if after != nil {
			kept = append(kept, *after)
		}
		trimmed[id] = kept
	}
	return trimmed
}

// MaxEnd returns the largest bucket end across all statistics,
// or 0 when the buffer holds no buckets.
func MaxEnd(stats Statistics) int64 {
	var maxEnd int64
	for _, values := range stats {
		for i := range values {
			if key := values[i].SortKey(); key > maxEnd {
				maxEnd = key
			}
		}
	}
	return maxEnd
}

// HaveData reports whether at least one of the requested ids has buckets.
// An empty id list counts as having data.
func HaveData(stats Statistics, ids []string) bool {
	if len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		if len(stats[id]) > 0 {
			return true
		}
	}
	return false
}

// Boolean-ish entity states mapped onto numeric samples.
var stateCoercions = map[string]float64{
	"on":      1,
	"open":    1,
	"opening": 1,
	"true":    1,
	"off":     0,
	"closed":  0,
	"closing": 0,
	"false":   0,
}

// CoerceHistoryStates converts raw history samples into point buckets
// with start == end == the sample timestamp. Boolean-like states map to
// 0/1, empty/unknown/unavailable become null buckets, and any other
// non-numeric state is warned about once per distinct state string.
func CoerceHistoryStates(states map[string][]RawSample) Statistics {
	out := make(Statistics, len(states))
	for id, samples := range states {
		if len(samples) == 0 {
			out[id] = []Value{}
			continue
		}
		ordered := make([]RawSample, len(samples))
		copy(ordered, samples)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].timestamp() < ordered[j].timestamp()
		})
		warned := make(map[string]bool)
		values := make([]Value, 0, len(ordered))
		for _, sample := range ordered {
			ts := sample.timestampMs()
			numeric := coerceState(sample.State)
			normalized := strings.ToLower(strings.TrimSpace(sample.State))
			if numeric == nil && normalized != "" && normalized != "unknown" && normalized != "unavailable" && !warned[normalized] {
				log.Printf("RAW history for %q contains non-numeric state %q, rendering as empty", id, sample.State)
				warned[normalized] = true
			}
			values = append(values, Value{
				Start:  ts,
				End:    ts,
				Change: numeric,
				Sum:    numeric,
				Mean:   numeric,
				Min:    numeric,
				Max:    numeric,
				State:  numeric,
			})
		}
		out[id] = values
	}
	return out
}

func coerceState(state string) *float64 {
	normalized := strings.ToLower(strings.TrimSpace(state))
	if v, ok := stateCoercions[normalized]; ok {
		value := v
		return &value
	}
	if normalized == "" || normalized == "unknown" || normalized == "unavailable" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(state), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func (s *RawSample) timestamp() float64 {
	if s.LastChanged != 0 {
		return s.LastChanged
	}
	return s.LastUpdated
}

func (s *RawSample) timestampMs() int64 {
	if ts := s.timestamp(); ts != 0 {
		return int64(math.Round(ts * 1000))
	}
	return time.Now().UnixMilli()
}

// Float is a convenience for building optional bucket fields.
func Float(v float64) *float64 {
	return &v
}
