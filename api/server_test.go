package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"berkut-siem/api/handlers"
	"berkut-siem/config"
	"berkut-siem/core/correlate"
	"berkut-siem/core/edr"
	"berkut-siem/core/mdr"
	"berkut-siem/core/metrics"
	"berkut-siem/core/pipeline"
	"berkut-siem/core/rules"
	"berkut-siem/core/store"
	"berkut-siem/core/threatintel"
	"berkut-siem/core/utils"

	"github.com/klauspost/compress/gzip"
)

const serverTestRules = `
rules:
  - id: root_fail
    title: Root login failed
    severity: high
    when:
      all:
        - equals: {field: user, value: root}
        - equals: {field: event_outcome, value: failure}
`

type testEnv struct {
	srv    *Server
	stores *store.Stores
}

func newTestEnv(t *testing.T, mutate func(cfg *config.AppConfig)) *testEnv {
	t.Helper()
	cfg := &config.AppConfig{DBPath: filepath.Join(t.TempDir(), "api.db")}
	if mutate != nil {
		mutate(cfg)
	}
	logger := utils.NewLogger()
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	stores := store.NewStores(db)
	parsed, err := rules.ParseRules([]byte(serverTestRules))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	engine := rules.NewEngine(parsed, logger)
	m := metrics.New()
	p := pipeline.New(pipeline.Deps{
		Events:    stores.Events,
		Alerts:    stores.Alerts,
		Rules:     engine,
		Correlate: correlate.NewEngine(stores.Correlation, stores.Alerts, correlate.DefaultConfig(), logger),
		TI:        threatintel.NewMatcher(stores.IOCs, stores.Alerts, logger),
		Metrics:   m,
		Logger:    logger,
	})
	gate, err := edr.NewGate(cfg.EDR.DangerousAllowlist)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	edrSvc := edr.NewService(edr.Deps{
		EDR:      stores.EDR,
		Events:   stores.Events,
		Audits:   stores.Audit,
		Pipeline: p,
		Gate:     gate,
		Metrics:  m,
		Logger:   logger,
	}, cfg.EDR)
	srv, err := NewServer(cfg, Deps{
		Stores:   stores,
		Pipeline: p,
		EDR:      edrSvc,
		MDR:      mdr.NewService(stores.Incidents, stores.Alerts, stores.Audit, cfg.MDR, logger),
		Rules:    engine,
		Metrics:  m,
		Info:     handlers.Info{Name: "berkut-siem", Version: "test"},
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return &testEnv{srv: srv, stores: stores}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:4000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d: %s", rr.Code, want, rr.Body.String())
	}
}

func TestIngestStoresNormalizedEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodPost, "/ingest", []map[string]any{
		{"source": "app", "host": "web-1", "message": "order placed", "fields": map[string]any{"order": map[string]any{"id": 7, "items": []any{"a", "b"}}}},
		{"source": "syslog", "message": "sshd[22]: Failed password for root from 10.0.0.1 port 22 ssh2"},
	})
	expectStatus(t, rr, http.StatusOK)
	var events []store.Event
	decodeBody(t, rr, &events)
	if len(events) != 2 || events[0].ID == 0 {
		t.Fatalf("unexpected events: %+v", events)
	}
	order, ok := events[0].Fields["order"].(map[string]any)
	if !ok || order["id"] != float64(7) {
		t.Fatalf("nested fields lost: %+v", events[0].Fields)
	}
	if events[1].Fields["src_ip"] != "10.0.0.1" || events[1].Fields["user"] != "root" {
		t.Fatalf("sshd not normalized: %+v", events[1].Fields)
	}

	rr = env.do(t, http.MethodGet, "/alerts?rule_id=root_fail", nil)
	expectStatus(t, rr, http.StatusOK)
	var alerts struct {
		Alerts []store.Alert `json:"alerts"`
	}
	decodeBody(t, rr, &alerts)
	if len(alerts.Alerts) != 1 || alerts.Alerts[0].EventID != events[1].ID {
		t.Fatalf("expected one root_fail alert, got %+v", alerts.Alerts)
	}

	rr = env.do(t, http.MethodGet, "/events?limit=10", nil)
	expectStatus(t, rr, http.StatusOK)
	var listed struct {
		Events []store.Event `json:"events"`
	}
	decodeBody(t, rr, &listed)
	if len(listed.Events) != 2 {
		t.Fatalf("expected 2 listed events, got %d", len(listed.Events))
	}
}

func TestIngestRejectsInvalidBatch(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodPost, "/ingest", `[{"message":"ok"},{"fields":{}}]`)
	expectStatus(t, rr, http.StatusBadRequest)
	if kind := errorKind(t, rr); kind != utils.KindValidation {
		t.Fatalf("kind = %s", kind)
	}
	rr = env.do(t, http.MethodGet, "/events", nil)
	var listed struct {
		Events []store.Event `json:"events"`
	}
	decodeBody(t, rr, &listed)
	if len(listed.Events) != 0 {
		t.Fatalf("rejected batch must not store events, got %d", len(listed.Events))
	}
}

func TestIngestWindowsLogonFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodPost, "/ingest", `{"source":"windows","message":"logon failure","fields":{"EventID":4625,"TargetUserName":"bob","IpAddress":"1.2.3.4"}}`)
	expectStatus(t, rr, http.StatusOK)
	var events []store.Event
	decodeBody(t, rr, &events)
	f := events[0].Fields
	if f["event_category"] != "authentication" || f["event_outcome"] != "failure" || f["user"] != "bob" || f["src_ip"] != "1.2.3.4" {
		t.Fatalf("unexpected fields: %+v", f)
	}
}

func TestIngestBruteForceRaisesOneCorrelationAlert(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 12; i++ {
		msg := fmt.Sprintf("sshd[%d]: Failed password for admin from 10.0.0.5 port 22 ssh2", 100+i)
		rr := env.do(t, http.MethodPost, "/ingest", map[string]any{"source": "syslog", "message": msg})
		expectStatus(t, rr, http.StatusOK)
	}
	rr := env.do(t, http.MethodGet, "/alerts?rule_id=corr_bruteforce", nil)
	expectStatus(t, rr, http.StatusOK)
	var alerts struct {
		Alerts []store.Alert `json:"alerts"`
	}
	decodeBody(t, rr, &alerts)
	if len(alerts.Alerts) != 1 {
		t.Fatalf("expected exactly one brute force alert, got %d", len(alerts.Alerts))
	}
	if alerts.Alerts[0].Details["src_ip"] != "10.0.0.5" {
		t.Fatalf("unexpected details: %+v", alerts.Alerts[0].Details)
	}
}

func TestIngestConcurrentBruteForceDedups(t *testing.T) {
	env := newTestEnv(t, nil)
	const workers = 30
	codes := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"source":"syslog","message":"sshd[%d]: Failed password for admin from 10.0.0.7 port 22 ssh2"}`, 200+i)
			codes <- env.do(t, http.MethodPost, "/ingest", body).Code
		}(i)
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		if code != http.StatusOK {
			t.Fatalf("concurrent ingest status %d", code)
		}
	}
	rr := env.do(t, http.MethodGet, "/alerts?rule_id=corr_bruteforce", nil)
	var alerts struct {
		Alerts []store.Alert `json:"alerts"`
	}
	decodeBody(t, rr, &alerts)
	if len(alerts.Alerts) != 1 {
		t.Fatalf("expected one brute force alert under concurrency, got %d", len(alerts.Alerts))
	}
}

func TestIngestKeepsExactMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodPost, "/ingest", `{"source":"app","message":"line one\r\n"}`)
	expectStatus(t, rr, http.StatusOK)
	rr = env.do(t, http.MethodGet, "/events", nil)
	var listed struct {
		Events []store.Event `json:"events"`
	}
	decodeBody(t, rr, &listed)
	if len(listed.Events) != 1 || listed.Events[0].Message != "line one\r\n" {
		t.Fatalf("message altered: %+v", listed.Events)
	}
}

func TestIngestAcceptsNumericSyslogCodes(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodPost, "/ingest", `[{"source":"syslog","message":"x","facility":4,"severity":3},{"message":"y","facility":"auth","severity":"warning"}]`)
	expectStatus(t, rr, http.StatusOK)
	var events []store.Event
	decodeBody(t, rr, &events)
	if len(events) != 2 || events[0].Facility != "4" || events[0].Severity != "3" || events[1].Facility != "auth" {
		t.Fatalf("unexpected facility/severity: %+v", events)
	}
	rr = env.do(t, http.MethodPost, "/ingest", `{"message":"z","facility":1.5}`)
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestEDRActionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodPost, "/edr/register", map[string]any{"agent_id": "a1", "host": "ws-1", "os": "linux"})
	expectStatus(t, rr, http.StatusOK)

	rr = env.do(t, http.MethodPost, "/edr/actions", map[string]any{"agent_id": "a1", "action_type": "list_processes"})
	expectStatus(t, rr, http.StatusCreated)
	var created struct {
		ActionID int64  `json:"action_id"`
		Status   string `json:"status"`
	}
	decodeBody(t, rr, &created)
	if created.ActionID == 0 || created.Status != store.ActionPending {
		t.Fatalf("unexpected create response: %+v", created)
	}

	var polled struct {
		Actions []store.Action `json:"actions"`
	}
	rr = env.do(t, http.MethodGet, "/edr/actions/poll?agent_id=a1", nil)
	expectStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &polled)
	if len(polled.Actions) != 1 || polled.Actions[0].ID != created.ActionID || polled.Actions[0].Status != store.ActionPending {
		t.Fatalf("expected pending action in poll, got %+v", polled.Actions)
	}

	ackPath := fmt.Sprintf("/edr/actions/%d/ack", created.ActionID)
	var ack struct {
		OK bool `json:"ok"`
	}
	rr = env.do(t, http.MethodPost, ackPath, map[string]any{"agent_id": "a1"})
	expectStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &ack)
	if !ack.OK {
		t.Fatalf("first ack should succeed")
	}
	rr = env.do(t, http.MethodPost, ackPath, map[string]any{"agent_id": "a1"})
	expectStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &ack)
	if ack.OK {
		t.Fatalf("second ack should report ok=false")
	}

	polled.Actions = nil
	rr = env.do(t, http.MethodGet, "/edr/actions/poll?agent_id=a1", nil)
	decodeBody(t, rr, &polled)
	if len(polled.Actions) != 0 {
		t.Fatalf("acknowledged action must leave the pending list, got %+v", polled.Actions)
	}

	resultPath := fmt.Sprintf("/edr/actions/%d/result", created.ActionID)
	var result struct {
		OK     bool   `json:"ok"`
		Status string `json:"status"`
	}
	rr = env.do(t, http.MethodPost, resultPath, map[string]any{"agent_id": "a1", "ok": true, "result": map[string]any{}})
	expectStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &result)
	if !result.OK || result.Status != store.ActionCompleted {
		t.Fatalf("unexpected result response: %+v", result)
	}
	rr = env.do(t, http.MethodPost, resultPath, map[string]any{"agent_id": "a1", "ok": false})
	decodeBody(t, rr, &result)
	if result.OK {
		t.Fatalf("terminal action must not accept a second result")
	}

	var history struct {
		Actions []store.Action `json:"actions"`
	}
	rr = env.do(t, http.MethodGet, "/edr/actions/history?agent_id=a1", nil)
	expectStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &history)
	if len(history.Actions) != 1 || history.Actions[0].Status != store.ActionCompleted {
		t.Fatalf("unexpected history: %+v", history.Actions)
	}
}

func TestEDRConcurrentAckAndResultHaveOneWinner(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, env.do(t, http.MethodPost, "/edr/register", `{"agent_id":"a2","host":"ws-2"}`), http.StatusOK)
	rr := env.do(t, http.MethodPost, "/edr/actions", `{"agent_id":"a2","action_type":"list_processes"}`)
	expectStatus(t, rr, http.StatusCreated)
	var created struct {
		ActionID int64 `json:"action_id"`
	}
	decodeBody(t, rr, &created)

	race := func(path, body string) int {
		const workers = 20
		wins := make(chan bool, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rr := env.do(t, http.MethodPost, path, body)
				var out struct {
					OK bool `json:"ok"`
				}
				_ = json.Unmarshal(rr.Body.Bytes(), &out)
				wins <- rr.Code == http.StatusOK && out.OK
			}()
		}
		wg.Wait()
		close(wins)
		n := 0
		for w := range wins {
			if w {
				n++
			}
		}
		return n
	}
	if n := race(fmt.Sprintf("/edr/actions/%d/ack", created.ActionID), `{"agent_id":"a2"}`); n != 1 {
		t.Fatalf("expected one winning ack, got %d", n)
	}
	if n := race(fmt.Sprintf("/edr/actions/%d/result", created.ActionID), `{"agent_id":"a2","ok":true,"result":{}}`); n != 1 {
		t.Fatalf("expected one winning result, got %d", n)
	}
}

func TestEDRRegisterKeepsTypedTags(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodPost, "/edr/register", `{"agent_id":"a3","host":"ws-3","tags":{"n":1,"env":"prod","pci":true}}`)
	expectStatus(t, rr, http.StatusOK)
	rr = env.do(t, http.MethodGet, "/edr/endpoints", nil)
	expectStatus(t, rr, http.StatusOK)
	var listed struct {
		Endpoints []store.Endpoint `json:"endpoints"`
	}
	decodeBody(t, rr, &listed)
	if len(listed.Endpoints) != 1 {
		t.Fatalf("expected one endpoint, got %+v", listed.Endpoints)
	}
	tags := listed.Endpoints[0].Tags
	if tags["n"] != float64(1) || tags["env"] != "prod" || tags["pci"] != true {
		t.Fatalf("tags did not round-trip: %+v", tags)
	}
}

func TestEDRActionUnknownAgent(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodPost, "/edr/actions/999/ack", map[string]any{"agent_id": "ghost"})
	expectStatus(t, rr, http.StatusNotFound)
	rr = env.do(t, http.MethodPost, "/edr/actions", map[string]any{"agent_id": "ghost", "action_type": "list_processes"})
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestEDRDangerousActionDeniedWithoutAllowlist(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, env.do(t, http.MethodPost, "/edr/register", map[string]any{"agent_id": "a1"}), http.StatusOK)
	rr := env.do(t, http.MethodPost, "/edr/actions", map[string]any{
		"agent_id": "a1", "action_type": "block_ip", "requested_by": "alice", "params": map[string]any{"ip": "203.0.113.5"},
	})
	expectStatus(t, rr, http.StatusForbidden)
	if kind := errorKind(t, rr); kind != utils.KindForbidden {
		t.Fatalf("kind = %s", kind)
	}
	actions, err := env.stores.EDR.ListActions(context.Background(), store.ActionFilter{AgentID: "a1"})
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("denied action must not be stored, got %d", len(actions))
	}
}

func TestEDRDangerousActionAllowlisted(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.AppConfig) {
		cfg.EDR.DangerousAllowlist = []string{"alice"}
	})
	expectStatus(t, env.do(t, http.MethodPost, "/edr/register", map[string]any{"agent_id": "a1"}), http.StatusOK)
	rr := env.do(t, http.MethodPost, "/edr/actions", map[string]any{"agent_id": "a1", "action_type": "isolate_endpoint", "requested_by": "alice"})
	expectStatus(t, rr, http.StatusCreated)
	rr = env.do(t, http.MethodPost, "/edr/actions", map[string]any{"agent_id": "a1", "action_type": "isolate_endpoint", "requested_by": "bob"})
	expectStatus(t, rr, http.StatusForbidden)
}

func TestEDRTelemetrySkipsInvalidItems(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, env.do(t, http.MethodPost, "/edr/register", map[string]any{"agent_id": "a1", "host": "ws-1"}), http.StatusOK)
	rr := env.do(t, http.MethodPost, "/edr/telemetry", `{"agent_id":"a1","events":[{"message":"proc start"},{"ts":"yesterday","message":"bad"},{"message":"proc stop"}]}`)
	expectStatus(t, rr, http.StatusOK)
	var res edr.TelemetryResult
	decodeBody(t, rr, &res)
	if res.Inserted != 2 || res.Skipped != 1 {
		t.Fatalf("unexpected telemetry result: %+v", res)
	}
}

func TestThreatIntelUpsertIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	var first, second struct {
		ID      int64 `json:"id"`
		Created bool  `json:"created"`
	}
	rr := env.do(t, http.MethodPost, "/ti/iocs", map[string]any{"type": "ip", "value": "9.9.9.9"})
	expectStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &first)
	rr = env.do(t, http.MethodPost, "/ti/iocs", map[string]any{"type": "ip", "value": "9.9.9.9"})
	expectStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &second)
	if first.ID == 0 || first.ID != second.ID || !first.Created || second.Created {
		t.Fatalf("expected same id on re-insert: %+v %+v", first, second)
	}

	rr = env.do(t, http.MethodPost, "/ti/iocs", map[string]any{"type": "ip", "value": "not-an-ip"})
	expectStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, http.MethodPost, "/ingest", map[string]any{"source": "fw", "message": "conn", "fields": map[string]any{"src_ip": "9.9.9.9"}})
	expectStatus(t, rr, http.StatusOK)
	rr = env.do(t, http.MethodGet, "/alerts?rule_id=ti_ip", nil)
	var alerts struct {
		Alerts []store.Alert `json:"alerts"`
	}
	decodeBody(t, rr, &alerts)
	if len(alerts.Alerts) != 1 {
		t.Fatalf("expected ti_ip alert, got %+v", alerts.Alerts)
	}

	rr = env.do(t, http.MethodDelete, fmt.Sprintf("/ti/iocs/%d", first.ID), nil)
	expectStatus(t, rr, http.StatusOK)
	rr = env.do(t, http.MethodDelete, fmt.Sprintf("/ti/iocs/%d", first.ID), nil)
	expectStatus(t, rr, http.StatusNotFound)
}

func TestMDRIncidentFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodPost, "/mdr/incidents", map[string]any{"title": "Suspicious login", "severity": "high", "actor": "alice"})
	expectStatus(t, rr, http.StatusCreated)
	var inc store.Incident
	decodeBody(t, rr, &inc)
	if inc.ID == 0 || inc.Status != mdr.StatusOpen || inc.Source != mdr.SourceManual {
		t.Fatalf("unexpected incident: %+v", inc)
	}

	path := fmt.Sprintf("/mdr/incidents/%d", inc.ID)
	rr = env.do(t, http.MethodPost, path, map[string]any{"status": "closed", "actor": "alice"})
	expectStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &inc)
	if inc.Status != mdr.StatusClosed || inc.ClosedAt == nil {
		t.Fatalf("expected closed incident with closed_at: %+v", inc)
	}

	rr = env.do(t, http.MethodPost, path+"/notes", map[string]any{"author": "alice", "text": "false positive"})
	expectStatus(t, rr, http.StatusCreated)

	rr = env.do(t, http.MethodGet, path, nil)
	expectStatus(t, rr, http.StatusOK)
	var got struct {
		Incident store.Incident       `json:"incident"`
		Notes    []store.IncidentNote `json:"notes"`
	}
	decodeBody(t, rr, &got)
	if len(got.Notes) != 1 || got.Notes[0].Text != "false positive" {
		t.Fatalf("unexpected notes: %+v", got.Notes)
	}

	rr = env.do(t, http.MethodGet, "/mdr/incidents/424242", nil)
	expectStatus(t, rr, http.StatusNotFound)
	rr = env.do(t, http.MethodPost, "/mdr/incidents", map[string]any{"severity": "low"})
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestMDRIncidentFromAlertIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodPost, "/ingest", map[string]any{"source": "syslog", "message": "sshd[22]: Failed password for root from 10.0.0.1 port 22 ssh2"})
	expectStatus(t, rr, http.StatusOK)
	alerts, err := env.stores.Alerts.ListAlerts(context.Background(), store.AlertFilter{RuleID: "root_fail"})
	if err != nil || len(alerts) != 1 {
		t.Fatalf("alerts: %v %+v", err, alerts)
	}
	body := map[string]any{"alert_id": alerts[0].ID}
	expectStatus(t, env.do(t, http.MethodPost, "/mdr/incidents", body), http.StatusCreated)
	expectStatus(t, env.do(t, http.MethodPost, "/mdr/incidents", body), http.StatusOK)
}

func TestAuthRequiredExceptExemptPaths(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.AppConfig) {
		cfg.Security.APIKey = "k3y"
		cfg.Security.ExemptPaths = []string{"/health"}
	})
	rr := env.do(t, http.MethodGet, "/events", nil)
	expectStatus(t, rr, http.StatusUnauthorized)
	if kind := errorKind(t, rr); kind != utils.KindUnauthorized {
		t.Fatalf("kind = %s", kind)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/events", nil, "X-API-Key", "k3y"), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodGet, "/health", nil), http.StatusOK)
}

func TestRateLimitedIngest(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.AppConfig) {
		cfg.Security.RateLimits = map[string]int{"/ingest": 2}
	})
	for i := 0; i < 2; i++ {
		expectStatus(t, env.do(t, http.MethodPost, "/ingest", map[string]any{"message": "x"}), http.StatusOK)
	}
	rr := env.do(t, http.MethodPost, "/ingest", map[string]any{"message": "x"})
	expectStatus(t, rr, http.StatusTooManyRequests)
	expectStatus(t, env.do(t, http.MethodGet, "/events", nil), http.StatusOK)
}

func TestBodyCapAndCompressedIngest(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.AppConfig) {
		cfg.Security.MaxBodyBytes = 256
	})
	big := fmt.Sprintf(`{"message":%q}`, strings.Repeat("a", 512))
	rr := env.do(t, http.MethodPost, "/ingest", big)
	expectStatus(t, rr, http.StatusRequestEntityTooLarge)
	if kind := errorKind(t, rr); kind != utils.KindPayloadTooLarge {
		t.Fatalf("kind = %s", kind)
	}

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write([]byte(`{"source":"app","message":"compressed hello"}`))
	_ = zw.Close()
	rr = env.do(t, http.MethodPost, "/ingest", gz.Bytes(), "Content-Encoding", "gzip")
	expectStatus(t, rr, http.StatusOK)
	var events []store.Event
	decodeBody(t, rr, &events)
	if len(events) != 1 || events[0].Message != "compressed hello" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestAuditExportCSV(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, env.do(t, http.MethodPost, "/ti/iocs", map[string]any{"type": "domain", "value": "evil.example"}), http.StatusOK)
	rr := env.do(t, http.MethodGet, "/audit/export", nil)
	expectStatus(t, rr, http.StatusOK)
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type = %s", ct)
	}
	body := rr.Body.String()
	if !strings.HasPrefix(body, "time,username,section,action,details") || !strings.Contains(body, "ti.ioc.create") {
		t.Fatalf("unexpected csv: %s", body)
	}
}

func TestSystemEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/health", nil)
	expectStatus(t, rr, http.StatusOK)
	var health struct {
		OK bool `json:"ok"`
	}
	decodeBody(t, rr, &health)
	if !health.OK {
		t.Fatalf("health not ok: %s", rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/metrics", nil)
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatalf("metrics output missing go collector")
	}

	rr = env.do(t, http.MethodGet, "/rules", nil)
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "root_fail") {
		t.Fatalf("rules listing missing root_fail: %s", rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/nope", nil)
	expectStatus(t, rr, http.StatusNotFound)
	if kind := errorKind(t, rr); kind != utils.KindNotFound {
		t.Fatalf("kind = %s", kind)
	}
}
