package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"berkut-siem/config"
	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
	out   []store.Endpoint
	err   error
}

func (f *fakeSweeper) MarkOffline(_ context.Context, _ time.Time) ([]store.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := f.out
	f.out = nil
	return out, f.err
}

func (f *fakeSweeper) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memAudit struct {
	mu      sync.Mutex
	records []store.AuditRecord
}

func (m *memAudit) Log(_ context.Context, username, action, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, store.AuditRecord{Username: username, Action: action, Details: details})
	return nil
}

func (m *memAudit) List(_ context.Context, _ store.AuditFilter) ([]store.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.AuditRecord(nil), m.records...), nil
}

func TestNewRejectsBadSpec(t *testing.T) {
	if _, err := New(config.SchedulerConfig{OfflineSweepSpec: "every now and then"}, &fakeSweeper{}, nil, utils.NewLogger()); err == nil {
		t.Fatalf("expected schedule parse error")
	}
}

func TestSweepNowAuditsFlippedEndpoints(t *testing.T) {
	sweeper := &fakeSweeper{out: []store.Endpoint{
		{AgentID: "a1", Host: "h1", LastSeenAt: time.Unix(1700000000, 0)},
		{AgentID: "a2", Host: "h2", LastSeenAt: time.Unix(1700000100, 0)},
	}}
	audits := &memAudit{}
	s, err := New(config.SchedulerConfig{}, sweeper, audits, utils.NewLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	n, err := s.SweepNow(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("sweep: %d %v", n, err)
	}
	records, _ := audits.List(context.Background(), store.AuditFilter{})
	if len(records) != 2 || records[0].Action != "edr.endpoint.offline" || records[0].Username != "system" {
		t.Fatalf("unexpected audit: %+v", records)
	}
	if n, _ := s.SweepNow(context.Background()); n != 0 {
		t.Fatalf("second sweep must be empty, got %d", n)
	}
}

func TestSweepNowReturnsError(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db locked")}
	s, _ := New(config.SchedulerConfig{}, sweeper, nil, utils.NewLogger())
	if _, err := s.SweepNow(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStartStopRunsSchedule(t *testing.T) {
	sweeper := &fakeSweeper{}
	s, err := New(config.SchedulerConfig{OfflineSweepSpec: "@every 1s"}, sweeper, nil, utils.NewLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start()
	s.Start()
	deadline := time.Now().Add(5 * time.Second)
	for sweeper.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.StopWithContext(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sweeper.Calls() == 0 {
		t.Fatalf("scheduled sweep never ran")
	}
	s.Stop()
}

type countingBackup struct {
	mu    sync.Mutex
	calls int
}

func (c *countingBackup) RunScheduled(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return errors.New("disk full")
}

func (c *countingBackup) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestAddBackupJob(t *testing.T) {
	s, err := New(config.SchedulerConfig{OfflineSweepSpec: "@every 1h"}, &fakeSweeper{}, nil, utils.NewLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.AddBackupJob("not a spec", &countingBackup{}); err == nil {
		t.Fatalf("expected schedule parse error")
	}
	if err := s.AddBackupJob("", &countingBackup{}); err != nil {
		t.Fatalf("empty spec should be a no-op: %v", err)
	}
	b := &countingBackup{}
	if err := s.AddBackupJob("@every 1s", b); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start()
	defer s.Stop()
	deadline := time.Now().Add(3 * time.Second)
	for b.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if b.Calls() == 0 {
		t.Fatalf("backup job never ran")
	}
}
