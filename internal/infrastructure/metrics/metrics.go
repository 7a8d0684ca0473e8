package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "forecastcache_lookups_total",
	Help: "Artifact lookups by result (hit, miss, degraded)",
}, []string{"result"})

var Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "forecastcache_uploads_total",
	Help: "Artifact uploads by result (stored, skipped, failed)",
}, []string{"result"})

var Sweeps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "forecastcache_sweeps_total",
	Help: "Retention sweeps by outcome (completed, partial, skipped, reset)",
}, []string{"outcome"})

var RecordsRemoved = promauto.NewCounter(prometheus.CounterOpts{
	Name: "forecastcache_records_removed_total",
	Help: "Expired artifact records deleted by the sweeper",
})

var StagedFilesRemoved = promauto.NewCounter(prometheus.CounterOpts{
	Name: "forecastcache_staged_files_removed_total",
	Help: "Aged staging files deleted by the sweeper",
})

var LookupCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "forecastcache_lookup_cache_requests_total",
	Help: "Volatile lookup cache reads by result (hit, miss)",
}, []string{"result"})

var SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "forecastcache_sweep_duration_seconds",
	Help:    "Wall time of completed retention sweeps",
	Buckets: prometheus.DefBuckets,
})

// LookupCacheHit and LookupCacheMiss fit cache.WithHitMissHooks.
func LookupCacheHit()  { LookupCacheRequests.WithLabelValues("hit").Inc() }
func LookupCacheMiss() { LookupCacheRequests.WithLabelValues("miss").Inc() }
