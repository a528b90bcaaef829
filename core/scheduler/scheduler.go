package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"berkut-siem/config"
	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

const defaultSweepSpec = "@every 1m"

// OfflineSweeper flags endpoints that stopped reporting and returns the ones
// that changed state during this call.
type OfflineSweeper interface {
	MarkOffline(ctx context.Context, now time.Time) ([]store.Endpoint, error)
}

// BackupRunner takes one scheduled database snapshot.
type BackupRunner interface {
	RunScheduled(ctx context.Context) error
}

type Scheduler struct {
	cron    *cron.Cron
	sweeper OfflineSweeper
	audits  store.AuditStore
	logger  *utils.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(cfg config.SchedulerConfig, sweeper OfflineSweeper, audits store.AuditStore, logger *utils.Logger) (*Scheduler, error) {
	s := &Scheduler{
		sweeper: sweeper,
		audits:  audits,
		logger:  logger,
		now:     time.Now,
		ctx:     context.Background(),
	}
	cronLogger := cron.PrintfLogger(logger)
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	spec := strings.TrimSpace(cfg.OfflineSweepSpec)
	if spec == "" {
		spec = defaultSweepSpec
	}
	if _, err := s.cron.AddFunc(spec, s.runSweep); err != nil {
		return nil, fmt.Errorf("offline sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.StartWithContext(context.Background())
}

func (s *Scheduler) StartWithContext(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	_ = s.StopWithContext(context.Background())
}

// StopWithContext stops scheduling and waits for a running sweep to return.
func (s *Scheduler) StopWithContext(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()
	cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepNow runs one offline sweep and returns how many endpoints went offline.
func (s *Scheduler) SweepNow(ctx context.Context) (int, error) {
	flipped, err := s.sweeper.MarkOffline(ctx, s.now())
	for _, ep := range flipped {
		s.logger.Printf("scheduler: endpoint %s (%s) offline, last seen %s", ep.AgentID, ep.Host, ep.LastSeenAt.UTC().Format(time.RFC3339))
		if s.audits != nil {
			details := fmt.Sprintf("agent_id=%s host=%s last_seen_at=%s", ep.AgentID, ep.Host, ep.LastSeenAt.UTC().Format(time.RFC3339))
			if aerr := s.audits.Log(ctx, "system", "edr.endpoint.offline", details); aerr != nil {
				s.logger.Errorf("scheduler: audit offline %s: %v", ep.AgentID, aerr)
			}
		}
	}
	return len(flipped), err
}

func (s *Scheduler) runSweep() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.SweepNow(sweepCtx); err != nil {
		s.logger.Errorf("scheduler: offline sweep: %v", err)
	}
}

// AddBackupJob schedules runner on spec. An empty spec adds nothing.
func (s *Scheduler) AddBackupJob(spec string, runner BackupRunner) error {
	spec = strings.TrimSpace(spec)
	if spec == "" || runner == nil {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if err := runner.RunScheduled(runCtx); err != nil {
			s.logger.Errorf("scheduler: backup: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("backup schedule %q: %w", spec, err)
	}
	return nil
}
