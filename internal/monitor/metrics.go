package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/t77yq/taskfabric/internal/model"
)

// Metrics holds the node's Prometheus instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	submissions *prometheus.CounterVec
	selections  *prometheus.CounterVec
	rpcRequests *prometheus.CounterVec
	probes      *prometheus.CounterVec
	peers       *prometheus.GaugeVec
	localLoad   prometheus.Gauge
}

// NewMetrics creates the instruments on a private registry
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Executor submissions by placement and outcome",
		}, []string{"placement", "outcome"}),
		selections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balancer_selections_total",
			Help:      "Load balancer decisions by reason",
		}, []string{"reason"}),
		rpcRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Inbound RPC requests by function and outcome",
		}, []string{"function", "outcome"}),
		probes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wan_probes_total",
			Help:      "WAN discovery probes by result",
		}, []string{"result"}),
		peers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Known peers by origin",
		}, []string{"origin"}),
		localLoad: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_load",
			Help:      "Most recent local CPU load fraction",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordSubmission counts a finished submission by placement (inline, local, remote) and outcome
func (m *Metrics) RecordSubmission(placement, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(placement, outcome).Inc()
}

// RecordSelection counts a load balancer decision
func (m *Metrics) RecordSelection(reason string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(reason).Inc()
}

// RecordRPC counts a /run request served to a peer
func (m *Metrics) RecordRPC(function, outcome string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(function, outcome).Inc()
}

// RecordProbe counts a WAN candidate probe by result
func (m *Metrics) RecordProbe(result string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(result).Inc()
}

// SetPeers sets the per-origin peer gauges from a registry snapshot
func (m *Metrics) SetPeers(peers []model.PeerNode) {
	if m == nil {
		return
	}
	counts := map[model.Origin]int{
		model.OriginLAN:    0,
		model.OriginWAN:    0,
		model.OriginStatic: 0,
	}
	for _, p := range peers {
		counts[p.Origin]++
	}
	for origin, n := range counts {
		m.peers.WithLabelValues(string(origin)).Set(float64(n))
	}
}

// SetLocalLoad publishes the latest local load sample
func (m *Metrics) SetLocalLoad(load float64) {
	if m == nil {
		return
	}
	m.localLoad.Set(load)
}
