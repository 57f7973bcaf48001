package grapher

import (
	"context"
	"sync"
	"time"

	"github.com/esgraph/energy_graph_server/pkg/aggregation"
	"github.com/esgraph/energy_graph_server/pkg/chart"
	"github.com/esgraph/energy_graph_server/pkg/config"
	"github.com/esgraph/energy_graph_server/pkg/series"
	"github.com/esgraph/energy_graph_server/pkg/statistics"
	"github.com/esgraph/energy_graph_server/pkg/timespan"
)

// PushFunc delivers an assembled payload to the card's widgets.
type PushFunc func(payload *chart.Payload)

// StatisticsSource is the slice of the Home Assistant client the
// engine reads through. *hastats.Client implements it.
type StatisticsSource interface {
	StatisticsDuringPeriod(ctx context.Context, start time.Time, end *time.Time,
		statisticIDs []string, period string, types []statistics.StatType) (statistics.Statistics, error)
	StatisticsMetadata(ctx context.Context, statisticIDs []string) (map[string]statistics.Metadata, error)
	HistoryDuringPeriod(ctx context.Context, start, end time.Time,
		entityID string, significantChangesOnly bool) ([]statistics.RawSample, error)
	SubscribeHistory(ctx context.Context, entityID string, significantChangesOnly bool,
		handler func(entityID string, samples []statistics.RawSample)) (func(), error)
}

// bucketCache persists closed statistics buckets between restarts.
type bucketCache interface {
	GetRange(statisticID, period string, startMs, endMs int64) ([]statistics.Value, error)
	UpsertValues(statisticID, period string, values []statistics.Value) error
}

// Fetch stream keys. Each key debounces and queues independently so a
// slow compare fetch never delays a live-hour patch.
const (
	fetchMain        = "main"
	fetchCompare     = "compare"
	fetchMainLive    = "main_live"
	fetchCompareLive = "compare_live"
)

const (
	fetchDebounce      = 500 * time.Millisecond
	liveDebounce       = 250 * time.Millisecond
	visibilitySettle   = 200 * time.Millisecond
	rawRefreshInterval = 60 * time.Second
	rawOverlap         = 60 * time.Second

	// A recorder hour bucket shorter than this is a partial bucket
	// the live estimator may replace.
	fullHourBucketMs = 3_540_000

	energyPollAttempts = 50
	energyPollInterval = 200 * time.Millisecond
	energyRepollDelay  = time.Second
)

type fetchState struct {
	inFlight bool
	queued   bool
	timer    *time.Timer
}

// window is one resolved fetch range plus the compare range mapped
// onto it.
type window struct {
	main    timespan.Period
	compare *timespan.Period
}

// Engine drives one card: it resolves the time window, fetches and
// merges statistics, and pushes assembled chart payloads.
type Engine struct {
	card   *config.CardConfig
	client StatisticsSource
	cache  bucketCache
	theme  map[string]string
	push   PushFunc

	resolver *timespan.Resolver
	builder  *series.Builder

	mu         sync.Mutex
	stopped    bool
	visible    bool
	generation int64

	// energy mode state, set by widget messages
	energyPeriod  *timespan.Period
	comparePeriod *timespan.Period
	energyWarned  bool

	// committed fetch results
	window      *window
	period      aggregation.Target
	data        statistics.Statistics
	compareData statistics.Statistics
	metadata    map[string]statistics.Metadata
	lastRawEnd  map[string]int64
	seeded      bool
	loadedOnce  bool

	fetches       map[string]*fetchState
	hiddenPending map[string]bool
	nextRefreshAt time.Time
	refreshTimer  *time.Timer
	liveTimer     *time.Timer
	settleTimer   *time.Timer
	unsubscribes  map[string]func()

	warned map[string]bool

	now func() time.Time
}
