package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheHits counts requests answered from the disk cache, labelled by content
// kind ("manifest" or "segment").
var CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hlscache_cache_hits_total",
	Help: "Requests served from the disk cache",
}, []string{"kind"})

// CacheMisses counts requests that had to reach the origin, labelled by
// content kind.
var CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hlscache_cache_misses_total",
	Help: "Requests that required an origin fetch",
}, []string{"kind"})

// BytesServed counts body bytes written to player sockets. The "via" label
// distinguishes disk reads from origin streaming.
var BytesServed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hlscache_bytes_served_total",
	Help: "Body bytes written to clients",
}, []string{"via"})

// ActiveConnections tracks currently open player connections.
var ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "hlscache_active_connections",
	Help: "Open player connections",
})

// BulkInFlight tracks bulk downloads currently holding a permit.
var BulkInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "hlscache_bulk_downloads_in_flight",
	Help: "Bulk downloads holding a concurrency permit",
})

// DownloadErrors counts failed origin fetches by reason ("network",
// "status", "cancelled").
var DownloadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hlscache_download_errors_total",
	Help: "Failed origin fetches",
}, []string{"reason"})

// PruneRuns counts completed prune passes.
var PruneRuns = promauto.NewCounter(prometheus.CounterOpts{
	Name: "hlscache_prune_runs_total",
	Help: "Completed cache prune passes",
})

// PrunedBytes counts bytes reclaimed by prune passes.
var PrunedBytes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "hlscache_pruned_bytes_total",
	Help: "Bytes deleted by cache prune passes",
})
