// Package metrics exposes gateway counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway counters. It satisfies services.SpendMetrics and
// services.GrantMetrics, and OnKeyRefresh fits keyring.Config.OnRefresh.
type Metrics struct {
	registry       *prometheus.Registry
	spends         *prometheus.CounterVec
	refundFailures prometheus.Counter
	commitFailures prometheus.Counter
	grants         prometheus.Counter
	keyRefreshes   *prometheus.CounterVec
}

// New registers the counters on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		spends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokengate_spend_total",
			Help: "Paid requests by final outcome.",
		}, []string{"outcome"}),
		refundFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokengate_refund_failures_total",
			Help: "Refunds that could not be recorded and were left for reconciliation.",
		}),
		commitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokengate_commit_failures_total",
			Help: "Successful work whose commit could not be recorded; the charge is later refunded by reconciliation.",
		}),
		grants: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokengate_grants_total",
			Help: "Accounts credited by the periodic grant run.",
		}),
		keyRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokengate_keyring_refresh_total",
			Help: "Signing key fetches by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.spends, m.refundFailures, m.commitFailures, m.grants, m.keyRefreshes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveSpend(outcome string) {
	m.spends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRefundFailure() {
	m.refundFailures.Inc()
}

func (m *Metrics) ObserveCommitFailure() {
	m.commitFailures.Inc()
}

func (m *Metrics) ObserveGrant() {
	m.grants.Inc()
}

// OnKeyRefresh counts one signing key fetch; result is "ok" or "error".
func (m *Metrics) OnKeyRefresh(result string) {
	m.keyRefreshes.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
