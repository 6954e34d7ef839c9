// Package metrics implements C11's Prometheus surface: one isolated
// registry holding every counter and gauge the connectivity core exposes,
// and an HTTP handler to serve it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every meshconnect Prometheus collector. It is built on an
// isolated prometheus.Registry rather than the global default registry so
// multiple Nodes (as in tests) never collide over collector names.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionCount  prometheus.Gauge
	DuplicateConnTotal *prometheus.CounterVec

	HandshakeTotal *prometheus.CounterVec

	ReachabilityState *prometheus.GaugeVec

	RelayClientCount  prometheus.Gauge
	RelayNetworkCount prometheus.Gauge

	BeaconSentTotal     *prometheus.CounterVec
	BeaconReceivedTotal *prometheus.CounterVec

	DHTFindTotal *prometheus.CounterVec

	BuildInfo *prometheus.GaugeVec
}

// New builds a Metrics instance with every collector registered, and sets
// the build-info gauge once.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshconnect_connections",
			Help: "Current number of live entries in the connection registry.",
		}),
		DuplicateConnTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshconnect_duplicate_connections_total",
			Help: "Total duplicate-connection arbitrations by outcome.",
		}, []string{"outcome"}),

		HandshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshconnect_handshakes_total",
			Help: "Total handshake attempts by role and result.",
		}, []string{"role", "result"}),

		ReachabilityState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshconnect_reachability_state",
			Help: "Current reachability state machine state (1 for the active state, 0 otherwise).",
		}, []string{"family", "state"}),

		RelayClientCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshconnect_relay_client_connections",
			Help: "Current number of relay connections held by the relay-client pool.",
		}),
		RelayNetworkCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshconnect_relay_server_networks",
			Help: "Current number of distinct networks registered with the relay-server registry.",
		}),

		BeaconSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshconnect_beacon_sent_total",
			Help: "Total local-network discovery beacons sent, by IP family.",
		}, []string{"family"}),
		BeaconReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshconnect_beacon_received_total",
			Help: "Total local-network discovery beacons received, by IP family and outcome.",
		}, []string{"family", "outcome"}),

		DHTFindTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshconnect_dht_find_total",
			Help: "Total DHT find/announce fan-out results by transport kind.",
		}, []string{"kind", "op"}),

		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshconnect_build_info",
			Help: "Build information for the running meshconnect instance.",
		}, []string{"version", "go_version"}),
	}

	reg.MustRegister(
		m.ConnectionCount,
		m.DuplicateConnTotal,
		m.HandshakeTotal,
		m.ReachabilityState,
		m.RelayClientCount,
		m.RelayNetworkCount,
		m.BeaconSentTotal,
		m.BeaconReceivedTotal,
		m.DHTFindTotal,
		m.BuildInfo,
	)
	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SetReachability records family's active state, zeroing every other known
// state label for that family so a dashboard's state gauge reads like a
// one-hot vector.
func (m *Metrics) SetReachability(family string, allStates []string, active string) {
	for _, s := range allStates {
		v := 0.0
		if s == active {
			v = 1.0
		}
		m.ReachabilityState.WithLabelValues(family, s).Set(v)
	}
}
