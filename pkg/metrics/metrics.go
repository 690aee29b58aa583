package metrics

import "github.com/prometheus/client_golang/prometheus"

// Key constants are exported primarily for documentation reasons. Typically,
// they will not be used programmatically outside of defining the collectors.

// Keys for cache metrics.
const (
	CacheOperationsTotalKey = "voxqueue_cache_operations_total"
	CacheReloadsTotalKey    = "voxqueue_cache_reloads_total"
	CacheEvictionsTotalKey  = "voxqueue_cache_evictions_total"
	CacheEntriesKey         = "voxqueue_cache_entries"
)

// Collectors for cache metrics.
var (
	CacheOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: CacheOperationsTotalKey,
		Help: "Cumulative number of recorded store operations, by content kind and operation.",
	}, []string{"kind", "op"})
	CacheReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: CacheReloadsTotalKey,
		Help: "Cumulative number of full cache reloads from the store.",
	}, []string{"kind"})
	CacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: CacheEvictionsTotalKey,
		Help: "Cumulative number of caches purged after the inactivity TTL.",
	}, []string{"kind"})
	CacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: CacheEntriesKey,
		Help: "Number of records held by the in-memory cache.",
	}, []string{"kind"})
)

// Keys for queue and generation metrics.
const (
	QueueDepthKey      = "voxqueue_queue_depth"
	GenerationTotalKey = "voxqueue_generation_total"
)

// Collectors for queue and generation metrics.
var (
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: QueueDepthKey,
		Help: "Number of items pending audio generation.",
	}, []string{"kind"})
	GenerationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: GenerationTotalKey,
		Help: "Cumulative number of generation attempts, by outcome (ok, retry, dropped, unsaved).",
	}, []string{"kind", "outcome"})
)

// Keys for batch writer metrics.
const (
	BatchTransactionsTotalKey = "voxqueue_batch_transactions_total"
	BatchItemsTotalKey        = "voxqueue_batch_items_total"
)

// Collectors for batch writer metrics.
var (
	BatchTransactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: BatchTransactionsTotalKey,
		Help: "Cumulative number of chunk transactions, by operation and outcome.",
	}, []string{"op", "outcome"})
	BatchItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: BatchItemsTotalKey,
		Help: "Cumulative number of batch items, by operation and outcome.",
	}, []string{"op", "outcome"})
)

// Collectors returns every voxqueue collector, for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		CacheOperationsTotal,
		CacheReloadsTotal,
		CacheEvictionsTotal,
		CacheEntries,
		QueueDepth,
		GenerationTotal,
		BatchTransactionsTotal,
		BatchItemsTotal,
	}
}
