package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	// ModesSent counts MODE commands sent, by issuer
	ModesSent *prometheus.CounterVec
	// Corrections counts mode lock corrections, by kind
	Corrections *prometheus.CounterVec
	// Bounces counts reverted status grants, by status letter
	Bounces *prometheus.CounterVec
	// Reops counts own-identity deop recoveries
	Reops prometheus.Counter
	// DesyncWarnings counts mode letters or parameters that could not be applied
	DesyncWarnings prometheus.Counter
	// LedgerChanges counts access entry mutations, by action
	LedgerChanges *prometheus.CounterVec
	// Channels tracks the number of live channels
	Channels prometheus.Gauge
	// Users tracks the number of known users
	Users prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ModesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "services_modes_sent_total",
			Help: "MODE commands sent by service identities",
		}, []string{"issuer"}),
		Corrections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "services_mlock_corrections_total",
			Help: "Mode lock corrections applied to live channels",
		}, []string{"kind"}),
		Bounces: f.NewCounterVec(prometheus.CounterOpts{
			Name: "services_secure_bounces_total",
			Help: "Unauthorised status grants reverted on secure channels",
		}, []string{"mode"}),
		Reops: f.NewCounter(prometheus.CounterOpts{
			Name: "services_reops_total",
			Help: "Recoveries after a service identity was deopped",
		}),
		DesyncWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: "services_mode_desync_total",
			Help: "Incoming mode letters or parameters that could not be applied",
		}),
		LedgerChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "services_ledger_changes_total",
			Help: "Access entry mutations",
		}, []string{"action"}),
		Channels: f.NewGauge(prometheus.GaugeOpts{
			Name: "services_channels",
			Help: "Live channels currently tracked",
		}),
		Users: f.NewGauge(prometheus.GaugeOpts{
			Name: "services_users",
			Help: "Users currently tracked",
		}),
	}
}

func (m *Metrics) modeSent(issuer string) {
	if m != nil {
		m.ModesSent.WithLabelValues(issuer).Inc()
	}
}

func (m *Metrics) correction(kind string) {
	if m != nil {
		m.Corrections.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) bounce(letter byte) {
	if m != nil {
		m.Bounces.WithLabelValues(string(letter)).Inc()
	}
}

func (m *Metrics) reop() {
	if m != nil {
		m.Reops.Inc()
	}
}

func (m *Metrics) desync() {
	if m != nil {
		m.DesyncWarnings.Inc()
	}
}

func (m *Metrics) ledgerChange(e AccessEntry) {
	if m == nil {
		return
	}
	action := "set"
	if e.Level == 0 {
		action = "delete"
	}
	m.LedgerChanges.WithLabelValues(action).Inc()
}

func (m *Metrics) setCounts(channels, users int) {
	if m != nil {
		m.Channels.Set(float64(channels))
		m.Users.Set(float64(users))
	}
}
