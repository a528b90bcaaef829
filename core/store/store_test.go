package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"berkut-siem/config"
	"berkut-siem/core/utils"
)

func setupStores(t *testing.T) *Stores {
	t.Helper()
	cfg := &config.AppConfig{DBPath: filepath.Join(t.TempDir(), "store.db")}
	logger := utils.NewLogger()
	db, err := NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStores(db)
}

func TestMigrationsAreRepeatable(t *testing.T) {
	s := setupStores(t)
	if err := ApplyMigrations(context.Background(), s.DB, nil); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	counts, err := s.Stats.TableCounts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	for _, table := range countedTables {
		if n, ok := counts[table]; !ok || n != 0 {
			t.Fatalf("table %s: %d %v", table, n, ok)
		}
	}
}

func TestEventRoundTripDerivesPivots(t *testing.T) {
	s := setupStores(t)
	ctx := context.Background()
	ev := &Event{
		TS:      1700000000.25,
		Source:  "syslog",
		Host:    "gw",
		Message: "connection",
		Fields: map[string]any{
			"src_ip":        "10.0.0.1",
			"dst_port":      443,
			"event_outcome": "success",
			"nested":        map[string]any{"peer": "8.8.8.8"},
		},
	}
	id, err := s.Events.InsertEvent(ctx, ev)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.Events.GetEvent(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("get: %+v %v", got, err)
	}
	if got.TS != ev.TS || got.Host != "gw" || got.SrcIP != "10.0.0.1" || got.EventOutcome != "success" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.DstPort == nil || *got.DstPort != 443 {
		t.Fatalf("dst_port not derived: %+v", got.DstPort)
	}
	if v, ok := got.Lookup("dst_port"); !ok || v != "443" {
		t.Fatalf("lookup dst_port: %q %v", v, ok)
	}
	if missing, err := s.Events.GetEvent(ctx, id+100); err != nil || missing != nil {
		t.Fatalf("missing event must be nil,nil: %+v %v", missing, err)
	}
	byIP, err := s.Events.ListEvents(ctx, EventFilter{IP: "8.8.8.8"})
	if err != nil || len(byIP) != 1 {
		t.Fatalf("ip filter must see nested ips: %d %v", len(byIP), err)
	}
}

func TestSearchEventsMatchesText(t *testing.T) {
	s := setupStores(t)
	ctx := context.Background()
	for _, msg := range []string{"Failed password for root", "Accepted publickey for alice", "disk 100% full"} {
		if _, err := s.Events.InsertEvent(ctx, &Event{TS: 1, Source: "syslog", Message: msg}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	hits, err := s.Events.SearchEvents(ctx, "alice", EventFilter{})
	if err != nil || len(hits) != 1 || hits[0].Message != "Accepted publickey for alice" {
		t.Fatalf("search alice: %+v %v", hits, err)
	}
	hits, err = s.Events.SearchEvents(ctx, "100%", EventFilter{})
	if err != nil || len(hits) != 1 {
		t.Fatalf("search with wildcard char: %+v %v", hits, err)
	}
	all, err := s.Events.SearchEvents(ctx, "  ", EventFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("blank search lists everything: %d %v", len(all), err)
	}
}

func TestTimelinePivots(t *testing.T) {
	s := setupStores(t)
	ctx := context.Background()
	insert := func(ts float64, host, ip string) int64 {
		fields := map[string]any{}
		if ip != "" {
			fields["src_ip"] = ip
		}
		id, err := s.Events.InsertEvent(ctx, &Event{TS: ts, Source: "syslog", Host: host, Message: "m", Fields: fields})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		return id
	}
	anchor := insert(1000, "h1", "10.0.0.1")
	insert(990, "h1", "")
	insert(1005, "h2", "10.0.0.1")
	insert(2000, "h1", "")

	tl, err := s.Events.Timeline(ctx, anchor, 60, 60, "", 0)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if tl.Pivot != "host" || tl.PivotValue != "h1" || len(tl.Events) != 2 || tl.Events[0].TS != 990 {
		t.Fatalf("host timeline: %+v", tl)
	}
	tl, err = s.Events.Timeline(ctx, anchor, 60, 60, "ip", 0)
	if err != nil || len(tl.Events) != 2 || tl.Events[1].TS != 1005 {
		t.Fatalf("ip timeline: %+v %v", tl, err)
	}
	if _, err := s.Events.Timeline(ctx, 999, 1, 1, "", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown anchor: %v", err)
	}
}

func TestInsertAlertDedup(t *testing.T) {
	s := setupStores(t)
	ctx := context.Background()
	first, _ := s.Events.InsertEvent(ctx, &Event{TS: 1000, Source: "syslog", Message: "a"})
	second, _ := s.Events.InsertEvent(ctx, &Event{TS: 1100, Source: "syslog", Message: "b"})
	late, _ := s.Events.InsertEvent(ctx, &Event{TS: 5000, Source: "syslog", Message: "c"})

	insert := func(eventID int64, anchor float64) bool {
		ok, err := s.Alerts.InsertAlertDedup(ctx, &Alert{TS: anchor, RuleID: "corr_x", Title: "x", Severity: "high", EventID: eventID, DedupKey: "ip:10.0.0.1"}, anchor, 600)
		if err != nil {
			t.Fatalf("dedup insert: %v", err)
		}
		return ok
	}
	if !insert(first, 1000) {
		t.Fatalf("first alert must insert")
	}
	if insert(first, 1000) {
		t.Fatalf("same event must dedup")
	}
	if insert(second, 1100) {
		t.Fatalf("same key inside window must dedup")
	}
	if !insert(late, 5000) {
		t.Fatalf("same key outside window must insert")
	}
	alerts, err := s.Alerts.ListAlerts(ctx, AlertFilter{RuleID: "corr_x"})
	if err != nil || len(alerts) != 2 {
		t.Fatalf("expected 2 alerts: %d %v", len(alerts), err)
	}
	if missing, err := s.Alerts.GetAlert(ctx, 12345); missing != nil || err != nil {
		t.Fatalf("missing alert must be nil,nil: %v", err)
	}
}

func TestIOCUpsertKeepsIdentity(t *testing.T) {
	s := setupStores(t)
	ctx := context.Background()
	a := IOC{Type: "domain", Value: "evil.example", Source: "feed"}
	id, created, err := s.IOCs.UpsertIOC(ctx, &a)
	if err != nil || !created {
		t.Fatalf("first upsert: %v %v", created, err)
	}
	b := IOC{Type: "domain", Value: "evil.example", Source: "other"}
	id2, created, err := s.IOCs.UpsertIOC(ctx, &b)
	if err != nil || created || id2 != id || b.Source != "feed" {
		t.Fatalf("second upsert: %d %v %+v %v", id2, created, b, err)
	}
	found, err := s.IOCs.FindIOCs(ctx, "domain", []string{"evil.example", "good.example"})
	if err != nil || len(found) != 1 {
		t.Fatalf("find: %+v %v", found, err)
	}
	if err := s.IOCs.DeleteIOC(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.IOCs.DeleteIOC(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestActionStateMachine(t *testing.T) {
	s := setupStores(t)
	ctx := context.Background()
	if _, err := s.EDR.UpsertEndpoint(ctx, &Endpoint{AgentID: "a1", Host: "h"}); err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	a := &Action{AgentID: "a1", ActionType: "list_processes"}
	id, err := s.EDR.CreateAction(ctx, a)
	if err != nil || a.Status != ActionPending {
		t.Fatalf("create: %+v %v", a, err)
	}
	if err := s.EDR.AckAction(ctx, id, "a2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign agent ack: %v", err)
	}
	if err := s.EDR.AckAction(ctx, id, "a1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := s.EDR.AckAction(ctx, id, "a1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second ack: %v", err)
	}
	status, err := s.EDR.CompleteAction(ctx, id, "a1", true, map[string]any{"count": 3})
	if err != nil || status != ActionCompleted {
		t.Fatalf("complete: %q %v", status, err)
	}
	if _, err := s.EDR.CompleteAction(ctx, id, "a1", false, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("second complete: %v", err)
	}
	got, err := s.EDR.GetAction(ctx, id)
	if err != nil || got.AcknowledgedAt == nil || got.CompletedAt == nil {
		t.Fatalf("timestamps: %+v %v", got, err)
	}
	if res, ok := got.Result.(map[string]any); !ok || res["count"] == nil {
		t.Fatalf("result not stored: %#v", got.Result)
	}
}

func TestMarkOfflineFlipsOnce(t *testing.T) {
	s := setupStores(t)
	ctx := context.Background()
	if _, err := s.EDR.UpsertEndpoint(ctx, &Endpoint{AgentID: "a1"}); err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	cutoff := time.Now().Add(time.Minute)
	flipped, err := s.EDR.MarkOffline(ctx, cutoff)
	if err != nil || len(flipped) != 1 || !flipped[0].OfflineReported {
		t.Fatalf("first sweep: %+v %v", flipped, err)
	}
	if flipped, _ := s.EDR.MarkOffline(ctx, cutoff); len(flipped) != 0 {
		t.Fatalf("second sweep: %+v", flipped)
	}
	if err := s.EDR.TouchEndpoint(ctx, "a1", ""); err != nil {
		t.Fatalf("touch: %v", err)
	}
	ep, _ := s.EDR.GetEndpoint(ctx, "a1")
	if ep.OfflineReported {
		t.Fatalf("touch must clear offline flag")
	}
}

func TestIncidentClosedAtAndNotes(t *testing.T) {
	s := setupStores(t)
	ctx := context.Background()
	inc := &Incident{Status: "open", Severity: "high", Title: "Brute force", Source: "manual"}
	created, err := s.Incidents.CreateIncident(ctx, inc)
	if err != nil || !created || inc.ID == 0 {
		t.Fatalf("create: %v %v", created, err)
	}
	closed := true
	status := "resolved"
	updated, err := s.Incidents.UpdateIncident(ctx, inc.ID, IncidentPatch{Status: &status, Closed: &closed})
	if err != nil || updated.ClosedAt == nil || updated.Status != "resolved" {
		t.Fatalf("resolve: %+v %v", updated, err)
	}
	reopen := false
	status = "open"
	updated, err = s.Incidents.UpdateIncident(ctx, inc.ID, IncidentPatch{Status: &status, Closed: &reopen})
	if err != nil || updated.ClosedAt != nil {
		t.Fatalf("reopen: %+v %v", updated, err)
	}
	if _, err := s.Incidents.UpdateIncident(ctx, inc.ID+1, IncidentPatch{Status: &status}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
	if err := s.Incidents.AddNote(ctx, &IncidentNote{IncidentID: inc.ID, Author: "bob", Text: "blocked at edge"}); err != nil {
		t.Fatalf("note: %v", err)
	}
	if err := s.Incidents.AddNote(ctx, &IncidentNote{IncidentID: inc.ID + 1, Author: "bob", Text: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("note on missing incident: %v", err)
	}
	notes, err := s.Incidents.ListNotes(ctx, inc.ID)
	if err != nil || len(notes) != 1 || notes[0].Text != "blocked at edge" {
		t.Fatalf("notes: %+v %v", notes, err)
	}
}

func TestIncidentPerAlertIsUnique(t *testing.T) {
	s := setupStores(t)
	ctx := context.Background()
	evID, _ := s.Events.InsertEvent(ctx, &Event{TS: 1, Source: "syslog", Message: "m"})
	alert := &Alert{TS: 1, RuleID: "r", Title: "t", Severity: "high", EventID: evID}
	alertID, err := s.Alerts.InsertAlert(ctx, alert)
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	first := &Incident{Status: "open", Severity: "high", Title: "t", Source: "alert", AlertID: &alertID}
	if created, err := s.Incidents.CreateIncident(ctx, first); err != nil || !created {
		t.Fatalf("first: %v %v", created, err)
	}
	second := &Incident{Status: "open", Severity: "low", Title: "other", Source: "auto", AlertID: &alertID}
	created, err := s.Incidents.CreateIncident(ctx, second)
	if err != nil || created || second.ID != first.ID || second.Title != "t" {
		t.Fatalf("second: %+v %v %v", second, created, err)
	}
}

func TestAuditFilters(t *testing.T) {
	s := setupStores(t)
	ctx := context.Background()
	_ = s.Audit.Log(ctx, "alice", "edr.action.create", "id=1 agent_id=a1")
	_ = s.Audit.Log(ctx, "bob", "mdr.incident.create", "id=2")
	_ = s.Audit.Log(ctx, "alice", "edr.action.deny", "agent_id=a2")

	edr, err := s.Audit.List(ctx, AuditFilter{Action: "edr."})
	if err != nil || len(edr) != 2 {
		t.Fatalf("action prefix: %d %v", len(edr), err)
	}
	bob, _ := s.Audit.List(ctx, AuditFilter{User: "bob"})
	if len(bob) != 1 {
		t.Fatalf("user filter: %+v", bob)
	}
	q, _ := s.Audit.List(ctx, AuditFilter{Query: "a2"})
	if len(q) != 1 || q[0].Action != "edr.action.deny" {
		t.Fatalf("query filter: %+v", q)
	}
}

func TestStatsCountsRecentActivity(t *testing.T) {
	s := setupStores(t)
	ctx := context.Background()
	now := float64(time.Now().Unix())
	evID, _ := s.Events.InsertEvent(ctx, &Event{TS: now, Source: "syslog", Message: "m", Fields: map[string]any{"src_ip": "10.0.0.1"}})
	_, _ = s.Events.InsertEvent(ctx, &Event{TS: now - 10*24*3600, Source: "syslog", Message: "old"})
	_, _ = s.Alerts.InsertAlert(ctx, &Alert{TS: now, RuleID: "r1", Title: "t", Severity: "high", EventID: evID})

	st, err := s.Stats.Stats(ctx, 24)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Events != 1 || st.Alerts != 1 {
		t.Fatalf("counts: %+v", st)
	}
	if len(st.TopRules) != 1 || st.TopRules[0].Key != "r1" || len(st.TopSourceIPs) != 1 {
		t.Fatalf("top lists: %+v", st)
	}
	if len(st.Hourly) != 1 || st.Hourly[0].Events != 1 || st.Hourly[0].Alerts != 1 {
		t.Fatalf("hourly: %+v", st.Hourly)
	}
}
