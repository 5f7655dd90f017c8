package pgserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics aggregates the gateway's counters. One instance is shared by all
// sessions of a Server.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	AuthFailures      prometheus.Counter
	QueriesTotal      *prometheus.CounterVec
	QueryErrors       *prometheus.CounterVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	BindFallbacks     prometheus.Counter
	CopyRowsIn        prometheus.Counter
	CopyRowsOut       prometheus.Counter
	Canceled          prometheus.Counter

	registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pggateway_connections_active",
			Help: "Client connections currently open.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pggateway_connections_total",
			Help: "Client connections accepted since start.",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pggateway_auth_failures_total",
			Help: "Failed authentication attempts.",
		}),
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pggateway_queries_total",
			Help: "Statements executed, by command tag.",
		}, []string{"tag"}),
		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pggateway_query_errors_total",
			Help: "Statement failures, by SQLSTATE.",
		}, []string{"sqlstate"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "pggateway_translation_cache_hits_total",
			Help: "Translation cache hits.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "pggateway_translation_cache_misses_total",
			Help: "Translation cache misses.",
		}),
		BindFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "pggateway_bind_fallbacks_total",
			Help: "Statements whose parameters were inlined as literals.",
		}),
		CopyRowsIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "pggateway_copy_rows_in_total",
			Help: "Rows loaded through COPY FROM STDIN.",
		}),
		CopyRowsOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "pggateway_copy_rows_out_total",
			Help: "Rows streamed through COPY TO STDOUT.",
		}),
		Canceled: factory.NewCounter(prometheus.CounterOpts{
			Name: "pggateway_queries_canceled_total",
			Help: "Statements interrupted by CancelRequest or timeout.",
		}),
		registry: reg,
	}
}

// RegisterPoolGauges exports pool occupancy through a stats callback.
func (m *Metrics) RegisterPoolGauges(stats func() (open, idle int)) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pggateway_pool_open_connections",
		Help: "Backend connections currently open in the shared pool.",
	}, func() float64 {
		open, _ := stats()
		return float64(open)
	})
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pggateway_pool_idle_connections",
		Help: "Backend connections currently idle in the shared pool.",
	}, func() float64 {
		_, idle := stats()
		return float64(idle)
	})
}

// Serve exposes /metrics on addr. It blocks, so callers run it in a
// goroutine.
func (m *Metrics) Serve(addr string, logger *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	logger.WithField("addr", addr).Info("serving metrics")
	return http.ListenAndServe(addr, mux)
}
