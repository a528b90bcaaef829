package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersExposed(t *testing.T) {
	m := New()
	m.EventIngested("syslog")
	m.EventIngested("syslog")
	m.AlertCreated("corr_bruteforce", "high")
	m.StageError("rules")

	if got := testutil.ToFloat64(m.EventsIngested.WithLabelValues("syslog")); got != 2 {
		t.Fatalf("events counter = %v", got)
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`siem_events_ingested_total{source="syslog"} 2`,
		`siem_alerts_created_total{rule_id="corr_bruteforce",severity="high"} 1`,
		`siem_pipeline_stage_errors_total{stage="rules"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in metrics output", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventIngested("x")
	m.AlertCreated("r", "low")
	m.EDRAction("kill_process", "pending")
	m.StageError("ti")
	m.NotifyDelivery("webhook", false)
	m.TelemetryItemSkipped()
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have no registry")
	}
}
