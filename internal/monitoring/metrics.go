package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_client_cache_lookups_total",
			Help: "Instance cache lookups by result (hit, miss, joined)",
		},
		[]string{"result"},
	)
	Initializations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_client_initializations_total",
			Help: "Instance initializations by status",
		},
		[]string{"status"},
	)
	Evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_client_evictions_total",
			Help: "Instance evictions by reason (lru, idle, explicit, stop)",
		},
		[]string{"reason"},
	)
	ActiveInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenant_client_active_instances",
			Help: "Number of cached tenant client instances",
		},
	)
	AdminAccesses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_client_admin_accesses_total",
			Help: "Privileged tenant accesses by outcome",
		},
		[]string{"outcome"},
	)
	ExecuteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenant_client_execute_duration_seconds",
			Help:    "Duration of platform calls including admission wait",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"target", "status"},
	)
	ThrottleWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenant_client_throttle_wait_seconds",
			Help:    "Time spent waiting for the per-tenant request interval",
			Buckets: prometheus.LinearBuckets(0, 0.25, 10),
		},
	)
	StatusChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_credentials_status_changes_total",
			Help: "Credential status transitions by new status",
		},
		[]string{"status"},
	)
)

func InitMetrics() {
	collectors := map[string]prometheus.Collector{
		"CacheLookups":    CacheLookups,
		"Initializations": Initializations,
		"Evictions":       Evictions,
		"ActiveInstances": ActiveInstances,
		"AdminAccesses":   AdminAccesses,
		"ExecuteDuration": ExecuteDuration,
		"ThrottleWait":    ThrottleWait,
		"StatusChanges":   StatusChanges,
	}
	for name, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Msgf("Failed to register %s metric", name)
		}
	}
}
