package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service counters. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested   *prometheus.CounterVec
	AlertsCreated    *prometheus.CounterVec
	EDRActions       *prometheus.CounterVec
	StageErrors      *prometheus.CounterVec
	NotifyDeliveries *prometheus.CounterVec
	TelemetrySkipped prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		EventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "siem_events_ingested_total",
			Help: "Events written to the event store",
		}, []string{"source"}),
		AlertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "siem_alerts_created_total",
			Help: "Alerts written by rules, correlation and threat intel",
		}, []string{"rule_id", "severity"}),
		EDRActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "siem_edr_actions_total",
			Help: "EDR action transitions",
		}, []string{"action_type", "status"}),
		StageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "siem_pipeline_stage_errors_total",
			Help: "Swallowed failures in best-effort pipeline stages",
		}, []string{"stage"}),
		NotifyDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "siem_notify_deliveries_total",
			Help: "Alert sink deliveries",
		}, []string{"sink", "result"}),
		TelemetrySkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "siem_telemetry_items_skipped_total",
			Help: "Telemetry items rejected by validation",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventIngested(source string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(source).Inc()
}

func (m *Metrics) AlertCreated(ruleID, severity string) {
	if m == nil {
		return
	}
	m.AlertsCreated.WithLabelValues(ruleID, severity).Inc()
}

func (m *Metrics) EDRAction(actionType, status string) {
	if m == nil {
		return
	}
	m.EDRActions.WithLabelValues(actionType, status).Inc()
}

func (m *Metrics) StageError(stage string) {
	if m == nil {
		return
	}
	m.StageErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) NotifyDelivery(sink string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.NotifyDeliveries.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) TelemetryItemSkipped() {
	if m == nil {
		return
	}
	m.TelemetrySkipped.Inc()
}
