package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "skywarden"

// Metrics holds the Prometheus collectors for alerting and safety detection
type Metrics struct {
	// Alert engine
	AlertsTriggered     *prometheus.CounterVec
	CooldownBlocks      prometheus.Counter
	CooldownErrors      *prometheus.CounterVec
	RuleEvaluations     prometheus.Counter
	AlertCheckDuration  prometheus.Histogram
	SinkFailures        *prometheus.CounterVec
	RuleCacheHits       prometheus.Counter
	RuleCacheMisses     prometheus.Counter
	RuleCacheFallbacks  prometheus.Counter
	RuleCacheRules      prometheus.Gauge
	RuleCompileFailures prometheus.Counter

	// Safety monitor
	SafetyEvents        *prometheus.CounterVec
	SafetyCheckFailures *prometheus.CounterVec
	SafetyCycleDuration prometheus.Histogram
	TrackedAircraft     prometheus.Gauge
	BroadcastFailures   prometheus.Counter

	// Notification delivery
	Notifications *prometheus.CounterVec
}

// New registers every collector on reg. Use prometheus.DefaultRegisterer in
// the server and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		AlertsTriggered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_triggered_total",
			Help:      "Alerts that matched and passed cooldown",
		}, []string{"priority"}),
		CooldownBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_cooldown_blocks_total",
			Help:      "Rule matches suppressed by an active cooldown",
		}),
		CooldownErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldown_errors_total",
			Help:      "Cooldown backend failures by component",
		}, []string{"component"}),
		RuleEvaluations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluations_total",
			Help:      "Rule/aircraft pairs fully evaluated",
		}),
		AlertCheckDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "alert_check_duration_seconds",
			Help:      "Duration of one alert evaluation cycle",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		SinkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Failed persistence writes by record kind",
		}, []string{"kind"}),
		RuleCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_cache_hits_total",
			Help:      "Active rule lookups served from the compiled snapshot",
		}),
		RuleCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_cache_misses_total",
			Help:      "Active rule lookups that recompiled from the source",
		}),
		RuleCacheFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_cache_fallbacks_total",
			Help:      "Lookups that bypassed the cache because its backend failed",
		}),
		RuleCacheRules: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rule_cache_rules",
			Help:      "Compiled rules in the current snapshot",
		}),
		RuleCompileFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_compile_failures_total",
			Help:      "Stored rules skipped because they failed to compile",
		}),

		SafetyEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_events_total",
			Help:      "Safety events emitted",
		}, []string{"event_type", "severity"}),
		SafetyCheckFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_check_failures_total",
			Help:      "Safety checks aborted by malformed input",
		}, []string{"check"}),
		SafetyCycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "safety_cycle_duration_seconds",
			Help:      "Duration of one safety monitor cycle",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		TrackedAircraft: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "safety_tracked_aircraft",
			Help:      "Aircraft with retained track state",
		}),
		BroadcastFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Events that could not be handed to the broadcast transport",
		}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification and webhook deliveries by outcome",
		}, []string{"kind", "status"}),
	}
}
