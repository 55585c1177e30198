// Package metrics provides Prometheus metrics for the vault agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	ClaimsTotal      *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	SyncCyclesTotal  *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	EscalationsTotal *prometheus.CounterVec
	ExecutionsTotal  *prometheus.CounterVec
	IngestedTotal    prometheus.Counter
	TaskSkipsTotal   *prometheus.CounterVec
	ItemsByState     *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_claims_total",
				Help: "Claim attempts by result.",
			},
			[]string{"result"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_transitions_total",
				Help: "Item relocations by source and destination state.",
			},
			[]string{"from", "to"},
		),
		SyncCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_sync_cycles_total",
				Help: "Sync cycles by result.",
			},
			[]string{"result"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_retries_total",
				Help: "Retries by failure class.",
			},
			[]string{"class"},
		),
		EscalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_escalations_total",
				Help: "Escalations by failure class.",
			},
			[]string{"class"},
		),
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_executions_total",
				Help: "Adapter executions by action and result.",
			},
			[]string{"action", "result"},
		),
		IngestedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vault_inbox_ingested_total",
				Help: "Inbox files turned into items.",
			},
		),
		TaskSkipsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_task_skips_total",
				Help: "Scheduled ticks skipped because the previous run was still going.",
			},
			[]string{"task"},
		),
		ItemsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vault_items",
				Help: "Items currently in each state.",
			},
			[]string{"state"},
		),
		registry: reg,
	}

	reg.MustRegister(m.ClaimsTotal)
	reg.MustRegister(m.TransitionsTotal)
	reg.MustRegister(m.SyncCyclesTotal)
	reg.MustRegister(m.RetriesTotal)
	reg.MustRegister(m.EscalationsTotal)
	reg.MustRegister(m.ExecutionsTotal)
	reg.MustRegister(m.IngestedTotal)
	reg.MustRegister(m.TaskSkipsTotal)
	reg.MustRegister(m.ItemsByState)

	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordClaim increments the claim counter.
func (m *Metrics) RecordClaim(result string) {
	m.ClaimsTotal.WithLabelValues(result).Inc()
}

// RecordTransition increments the transition counter.
func (m *Metrics) RecordTransition(from, to string) {
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordSync increments the sync cycle counter.
func (m *Metrics) RecordSync(result string) {
	m.SyncCyclesTotal.WithLabelValues(result).Inc()
}

// RecordRetry increments the retry counter.
func (m *Metrics) RecordRetry(class string) {
	m.RetriesTotal.WithLabelValues(class).Inc()
}

// RecordEscalation increments the escalation counter.
func (m *Metrics) RecordEscalation(class string) {
	m.EscalationsTotal.WithLabelValues(class).Inc()
}

// RecordExecution increments the execution counter.
func (m *Metrics) RecordExecution(action, result string) {
	m.ExecutionsTotal.WithLabelValues(action, result).Inc()
}

// RecordIngest increments the inbox counter.
func (m *Metrics) RecordIngest() {
	m.IngestedTotal.Inc()
}

// RecordSkip increments the skipped tick counter.
func (m *Metrics) RecordSkip(task string) {
	m.TaskSkipsTotal.WithLabelValues(task).Inc()
}

// SetItems sets the gauge for one state.
func (m *Metrics) SetItems(state string, count int) {
	m.ItemsByState.WithLabelValues(state).Set(float64(count))
}
