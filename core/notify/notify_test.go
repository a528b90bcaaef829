package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"berkut-siem/core/metrics"
	"berkut-siem/core/store"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []Payload
	fail bool
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Send(_ context.Context, p Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, p)
	if r.fail {
		return errors.New("down")
	}
	return nil
}

func TestWebhookPostsJSON(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second)
	err := sink.Send(context.Background(), Payload{Service: "berkut-siem", Alert: store.Alert{ID: 3, RuleID: "ti_ip", Severity: "high"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var decoded Payload
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Alert.RuleID != "ti_ip" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestWebhookStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewWebhookSink(srv.URL, time.Second).Send(context.Background(), Payload{}); err == nil {
		t.Fatalf("expected error on 502")
	}
	if err := NewWebhookSink("", time.Second).Send(context.Background(), Payload{}); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestDispatcherFiltersBySeverity(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher("high", time.Second, nil, nil, sink)
	d.Dispatch(context.Background(), store.Alert{ID: 1, Severity: "medium"}, nil)
	d.Dispatch(context.Background(), store.Alert{ID: 2, Severity: "critical"}, nil)
	if len(sink.got) != 1 || sink.got[0].Alert.ID != 2 {
		t.Fatalf("unexpected deliveries %+v", sink.got)
	}
}

func TestDispatcherSwallowsFailures(t *testing.T) {
	failing := &recordingSink{fail: true}
	ok := &recordingSink{}
	m := metrics.New()
	d := NewDispatcher("", time.Second, nil, m, failing, ok)
	d.Dispatch(context.Background(), store.Alert{ID: 5, Severity: "low"}, &store.Event{ID: 9})
	if len(failing.got) != 1 || len(ok.got) != 1 {
		t.Fatalf("every sink should be attempted: %d %d", len(failing.got), len(ok.got))
	}
	if ok.got[0].Event == nil || ok.got[0].Event.ID != 9 {
		t.Fatalf("event not attached")
	}
	if names := d.Sinks(); len(names) != 2 {
		t.Fatalf("unexpected sinks %v", names)
	}
}

func TestNilDispatcherIsDisabled(t *testing.T) {
	var d *Dispatcher
	if d.Enabled() {
		t.Fatalf("nil dispatcher should be disabled")
	}
	d.Dispatch(context.Background(), store.Alert{}, nil)
	d.Close()
}

func TestNATSSinkWithoutConnection(t *testing.T) {
	s := NewNATSSink(nil, "")
	if s.Subject() != "siem.alerts" {
		t.Fatalf("unexpected default subject %q", s.Subject())
	}
	if err := s.Send(context.Background(), Payload{}); err == nil {
		t.Fatalf("expected error without connection")
	}
}

func TestTelegramSinkPostsSummary(t *testing.T) {
	var path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	thread := int64(12)
	sink := NewTelegramSink("tok", "-100", &thread, time.Second)
	sink.baseURL = srv.URL
	err := sink.Send(context.Background(), Payload{
		Service: "berkut-siem",
		Alert:   store.Alert{ID: 9, RuleID: "corr_bruteforce", Title: "SSH brute force", Severity: "high"},
		Event:   &store.Event{Host: "bastion", SrcIP: "10.0.0.5"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/bottok/sendMessage" {
		t.Fatalf("unexpected path %s", path)
	}
	text, _ := body["text"].(string)
	for _, want := range []string{"[HIGH] SSH brute force", "rule: corr_bruteforce", "src_ip: 10.0.0.5", "host: bastion"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message %q missing %q", text, want)
		}
	}
	if body["chat_id"] != "-100" || body["message_thread_id"] != float64(12) || body["disable_notification"] != false {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestTelegramSinkQuietForLowSeverity(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	sink := NewTelegramSink("tok", "1", nil, time.Second)
	sink.baseURL = srv.URL
	if err := sink.Send(context.Background(), Payload{Alert: store.Alert{Severity: "low"}}); err == nil {
		t.Fatalf("expected error on 403")
	}
	if body["disable_notification"] != true {
		t.Fatalf("low severity should be silent: %+v", body)
	}
	if err := NewTelegramSink("", "1", nil, time.Second).Send(context.Background(), Payload{}); err == nil {
		t.Fatalf("expected error for missing token")
	}
}
