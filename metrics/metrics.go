package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	fetchedEventsCount     prometheus.Counter
	aggregatedTransfers    prometheus.Counter
	historyCacheHits       prometheus.Counter
	historyCacheMisses     prometheus.Counter
	unresolvedTimestamps   prometheus.Counter
	publishErrorsCount     prometheus.Counter
	observedEventsCount    prometheus.Counter
	refreshActionsCount    *prometheus.CounterVec
	lastSyncedBlockGauge   prometheus.Gauge
	sourceBlockGauge       prometheus.Gauge
	historyRequestDuration prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	m := Metrics{
		// metrics for fetching and aggregation
		fetchedEventsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_fetched_events_count", namespace),
			Help: "The total number of fetched transfer events",
		}),
		aggregatedTransfers: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_aggregated_transfers_count", namespace),
			Help: "The total number of aggregated transfer records",
		}),
		historyCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_history_cache_hits", namespace),
			Help: "The number of history requests served from cache",
		}),
		historyCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_history_cache_misses", namespace),
			Help: "The number of history requests fetched from the chain",
		}),
		unresolvedTimestamps: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_unresolved_timestamps_count", namespace),
			Help: "The number of block timestamps that could not be resolved",
		}),
		publishErrorsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_publish_errors_count", namespace),
			Help: "The number of failed publish attempts",
		}),
		observedEventsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_observed_events_count", namespace),
			Help: "The number of live transfer events received",
		}),
		refreshActionsCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_refresh_actions_count", namespace),
			Help: "The number of executed refresh actions",
		}, []string{"action"}),
		// metrics for comparison to event source
		lastSyncedBlockGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_last_synced_block", namespace),
			Help: "The latest block included in a fetched history",
		}),
		sourceBlockGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_source_block", namespace),
			Help: "The latest known block of the node",
		}),
		historyRequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_history_fetch_duration_seconds", namespace),
			Help:    "Duration of fetching a history from the chain",
			Buckets: prometheus.DefBuckets,
		}),
	}
	return &m
}

func (m *Metrics) AddFetchedEvents(count int) {
	m.fetchedEventsCount.Add(float64(count))
}

func (m *Metrics) AddAggregatedTransfers(count int) {
	m.aggregatedTransfers.Add(float64(count))
}

func (m *Metrics) IncCacheHit() {
	m.historyCacheHits.Inc()
}

func (m *Metrics) IncCacheMiss() {
	m.historyCacheMisses.Inc()
}

func (m *Metrics) IncUnresolvedTimestamps() {
	m.unresolvedTimestamps.Inc()
}

func (m *Metrics) IncPublishErrors() {
	m.publishErrorsCount.Inc()
}

func (m *Metrics) IncObservedEvents() {
	m.observedEventsCount.Inc()
}

func (m *Metrics) IncRefreshAction(action string) {
	m.refreshActionsCount.WithLabelValues(action).Inc()
}

func (m *Metrics) SetLastSyncedBlock(block uint64) {
	m.lastSyncedBlockGauge.Set(float64(block))
}

func (m *Metrics) SetSourceBlock(block uint64) {
	m.sourceBlockGauge.Set(float64(block))
}

func (m *Metrics) ObserveFetchDuration(seconds float64) {
	m.historyRequestDuration.Observe(seconds)
}
