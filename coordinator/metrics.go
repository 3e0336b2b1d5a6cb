package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BaSui01/omnidb/types"
)

// Metrics exports the coordination layer's Prometheus collectors. A nil
// Registerer creates working but unregistered collectors, which keeps
// tests free of global registry collisions.
type Metrics struct {
	queriesTotal  *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	cacheHits     prometheus.Counter
	txCommitted   prometheus.Counter
	txRolledBack  *prometheus.CounterVec
	deadlocks     prometheus.Counter
	engines       prometheus.Gauge
	pools         prometheus.Gauge
	alertsTotal   *prometheus.CounterVec
}

// NewMetrics builds the collector set under the omnidb namespace.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnidb",
			Name:      "queries_total",
			Help:      "Executed queries by engine and outcome.",
		}, []string{"engine", "status"}),
		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "omnidb",
			Name:      "query_duration_seconds",
			Help:      "Query latency by engine.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"engine"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "omnidb",
			Name:      "cache_hits_total",
			Help:      "Queries short-circuited by the result cache.",
		}),
		txCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "omnidb",
			Name:      "transactions_committed_total",
			Help:      "Committed transactions.",
		}),
		txRolledBack: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnidb",
			Name:      "transactions_rolled_back_total",
			Help:      "Rolled-back transactions by reason.",
		}, []string{"reason"}),
		deadlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "omnidb",
			Name:      "deadlock_victims_total",
			Help:      "Transactions force-rolled-back by the deadlock sweep.",
		}),
		engines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "omnidb",
			Name:      "engines_registered",
			Help:      "Currently registered engines.",
		}),
		pools: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "omnidb",
			Name:      "pools_active",
			Help:      "Currently registered connection pools.",
		}),
		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnidb",
			Name:      "alerts_total",
			Help:      "Threshold alerts by severity.",
		}, []string{"severity"}),
	}
}

// ObserveQuery records one executed (non-cached) query.
func (m *Metrics) ObserveQuery(engineID string, seconds float64, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	m.queriesTotal.WithLabelValues(engineID, status).Inc()
	m.queryDuration.WithLabelValues(engineID).Observe(seconds)
}

// ObserveCacheHit records a query answered from the cache.
func (m *Metrics) ObserveCacheHit() {
	m.cacheHits.Inc()
}

// OnEvent implements types.Observer, mapping lifecycle events onto
// counters and gauges.
func (m *Metrics) OnEvent(e types.Event) {
	switch ev := e.(type) {
	case types.PoolCreated:
		m.pools.Inc()
	case types.PoolRemoved:
		m.pools.Dec()
	case types.TransactionCommitted:
		m.txCommitted.Inc()
	case types.TransactionRolledBack:
		m.txRolledBack.WithLabelValues(ev.Reason).Inc()
	case types.DeadlockVictim:
		m.deadlocks.Inc()
	case types.AlertRaised:
		m.alertsTotal.WithLabelValues(ev.Severity).Inc()
	}
}
