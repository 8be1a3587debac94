// Package metrics provides Prometheus metrics for dramcache masters and nodes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all dramcache metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves Registry in the Prometheus text or OpenMetrics format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// MasterMetrics holds the metrics of the master service.
type MasterMetrics struct {
	// Operation counters, labeled by result ("ok" or an error code)
	PutStarts  *prometheus.CounterVec
	PutEnds    *prometheus.CounterVec
	PutRevokes *prometheus.CounterVec
	Gets       *prometheus.CounterVec
	Removes    *prometheus.CounterVec

	// Cache effectiveness
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Reclamation
	EvictedKeys        prometheus.Counter
	EvictedBytes       prometheus.Counter
	EvictionRuns       prometheus.Counter
	LeaseExpiredKeys   prometheus.Counter
	PendingExpiredKeys prometheus.Counter

	// State gauges
	Keys            prometheus.Gauge
	CommittedKeys   prometheus.Gauge
	CapacityBytes   prometheus.Gauge
	AllocatedBytes  prometheus.Gauge
	MountedSegments prometheus.Gauge
	LiveNodes       prometheus.Gauge
}

// InitMasterMetrics initializes master metrics with the given master name as a constant label.
func InitMasterMetrics(name string) *MasterMetrics {
	constLabels := prometheus.Labels{
		"master": name,
	}
	opCounter := func(op string) *prometheus.CounterVec {
		return promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "dramcache_master_" + op + "_total",
			Help:        "Total " + op + " requests by result",
			ConstLabels: constLabels,
		}, []string{"result"})
	}

	return &MasterMetrics{
		PutStarts:  opCounter("put_start"),
		PutEnds:    opCounter("put_end"),
		PutRevokes: opCounter("put_revoke"),
		Gets:       opCounter("get_replica_list"),
		Removes:    opCounter("remove"),

		CacheHits: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dramcache_cache_hits_total",
			Help:        "Replica list lookups that found a committed object",
			ConstLabels: constLabels,
		}),
		CacheMisses: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dramcache_cache_misses_total",
			Help:        "Replica list lookups that found no committed object",
			ConstLabels: constLabels,
		}),

		EvictedKeys: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dramcache_evicted_keys_total",
			Help:        "Objects evicted under memory pressure",
			ConstLabels: constLabels,
		}),
		EvictedBytes: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dramcache_evicted_bytes_total",
			Help:        "Segment bytes released by eviction",
			ConstLabels: constLabels,
		}),
		EvictionRuns: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dramcache_eviction_runs_total",
			Help:        "Eviction passes started",
			ConstLabels: constLabels,
		}),
		LeaseExpiredKeys: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dramcache_lease_expired_keys_total",
			Help:        "Committed objects reclaimed after their lease ran out",
			ConstLabels: constLabels,
		}),
		PendingExpiredKeys: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dramcache_pending_expired_keys_total",
			Help:        "Abandoned pending writes reclaimed by the sweeper",
			ConstLabels: constLabels,
		}),

		Keys: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dramcache_keys",
			Help:        "Number of metadata entries, pending writes included",
			ConstLabels: constLabels,
		}),
		CommittedKeys: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dramcache_committed_keys",
			Help:        "Number of committed objects",
			ConstLabels: constLabels,
		}),
		CapacityBytes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dramcache_capacity_bytes",
			Help:        "Total capacity of mounted segments",
			ConstLabels: constLabels,
		}),
		AllocatedBytes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dramcache_allocated_bytes",
			Help:        "Bytes allocated to replicas across mounted segments",
			ConstLabels: constLabels,
		}),
		MountedSegments: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dramcache_mounted_segments",
			Help:        "Number of mounted segments",
			ConstLabels: constLabels,
		}),
		LiveNodes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dramcache_live_nodes",
			Help:        "Number of storage nodes with a recent keepalive",
			ConstLabels: constLabels,
		}),
	}
}

// TransferMetrics holds the metrics of a transfer engine.
type TransferMetrics struct {
	BatchesSubmitted prometheus.Counter
	BatchesCompleted prometheus.Counter
	BatchesFailed    prometheus.Counter
	BatchesTimedOut  prometheus.Counter
	BatchesInFlight  prometheus.Gauge

	// Labeled by backend
	BytesTransferred *prometheus.CounterVec
	TasksFailed      *prometheus.CounterVec

	RouteFallbacks      prometheus.Counter
	RegisteredRegions   prometheus.Gauge
	RegistrationsFailed prometheus.Counter
}

// InitTransferMetrics initializes transfer metrics with the given node name as a constant label.
func InitTransferMetrics(node string) *TransferMetrics {
	constLabels := prometheus.Labels{
		"node": node,
	}

	return &TransferMetrics{
		BatchesSubmitted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dramcache_transfer_batches_submitted_total",
			Help:        "Transfer batches submitted",
			ConstLabels: constLabels,
		}),
		BatchesCompleted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dramcache_transfer_batches_completed_total",
			Help:        "Transfer batches that completed successfully",
			ConstLabels: constLabels,
		}),
		BatchesFailed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dramcache_transfer_batches_failed_total",
			Help:        "Transfer batches with at least one failed request",
			ConstLabels: constLabels,
		}),
		BatchesTimedOut: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dramcache_transfer_batches_timed_out_total",
			Help:        "Transfer batches aborted by a caller timeout",
			ConstLabels: constLabels,
		}),
		BatchesInFlight: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dramcache_transfer_batches_in_flight",
			Help:        "Transfer batches not yet resolved",
			ConstLabels: constLabels,
		}),
		BytesTransferred: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "dramcache_transfer_bytes_total",
			Help:        "Bytes moved by successful transfer requests",
			ConstLabels: constLabels,
		}, []string{"backend"}),
		TasksFailed: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "dramcache_transfer_tasks_failed_total",
			Help:        "Transfer requests reported failed by a backend",
			ConstLabels: constLabels,
		}, []string{"backend"}),
		RouteFallbacks: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dramcache_transfer_route_fallbacks_total",
			Help:        "Requests routed to a lower-ranked interface or backend",
			ConstLabels: constLabels,
		}),
		RegisteredRegions: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dramcache_transfer_registered_regions",
			Help:        "Memory regions registered with the engine",
			ConstLabels: constLabels,
		}),
		RegistrationsFailed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dramcache_transfer_registrations_failed_total",
			Help:        "Memory registrations rejected by a backend",
			ConstLabels: constLabels,
		}),
	}
}
