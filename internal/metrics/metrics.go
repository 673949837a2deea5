// Package metrics holds the Prometheus collectors for the wallet core. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors
type Metrics struct {
	probes          *prometheus.CounterVec
	selections      *prometheus.CounterVec
	selectionSource *prometheus.GaugeVec
	connects        *prometheus.CounterVec
	publishes       prometheus.Counter
	connected       prometheus.Gauge
	statsRefreshes  *prometheus.CounterVec
	breakerState    prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presale_rpc_probes_total",
				Help: "RPC endpoint probes by outcome",
			},
			[]string{"outcome"},
		),
		selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presale_rpc_selections_total",
				Help: "Endpoint selections by result (cached, probed, failed)",
			},
			[]string{"result"},
		),
		selectionSource: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "presale_rpc_selection_source",
				Help: "1 for the source kind of the current selection",
			},
			[]string{"source"},
		),
		connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presale_wallet_connects_total",
				Help: "Wallet connect attempts by outcome",
			},
			[]string{"outcome"},
		),
		publishes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "presale_state_publishes_total",
				Help: "Connection state publishes",
			},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "presale_wallet_connected",
				Help: "1 while an account is connected",
			},
		),
		statsRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presale_stats_refreshes_total",
				Help: "Token statistics refreshes by result",
			},
			[]string{"result"},
		),
		breakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "presale_price_breaker_state",
				Help: "Price circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
	}

	reg.MustRegister(
		m.probes,
		m.selections,
		m.selectionSource,
		m.connects,
		m.publishes,
		m.connected,
		m.statsRefreshes,
		m.breakerState,
	)
	return m
}

func (m *Metrics) ObserveProbe(outcome string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSelection(result string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(result).Inc()
}

// SetSelectionSource marks source as the active one.
func (m *Metrics) SetSelectionSource(source string) {
	if m == nil {
		return
	}
	m.selectionSource.Reset()
	m.selectionSource.WithLabelValues(source).Set(1)
}

func (m *Metrics) ObserveConnect(outcome string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(outcome).Inc()
}

// ObservePublish counts a publish and tracks whether it carries an account.
func (m *Metrics) ObservePublish(connected bool) {
	if m == nil {
		return
	}
	m.publishes.Inc()
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) ObserveStatsRefresh(result string) {
	if m == nil {
		return
	}
	m.statsRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}
