package agent

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"berkut-siem/config"
	"berkut-siem/core/utils"
)

const Version = "0.3.0"

// ActionClient is the server surface the agent loop needs.
type ActionClient interface {
	Register(ctx context.Context, reg Registration) (*RegisterResponse, error)
	Telemetry(ctx context.Context, agentID, host string, events []TelemetryEvent) (*TelemetryResponse, error)
	Poll(ctx context.Context, agentID string, limit int) ([]Action, error)
	Ack(ctx context.Context, agentID string, actionID int64) (bool, error)
	Result(ctx context.Context, agentID string, actionID int64, ok bool, result any) error
}

type Agent struct {
	cfg      config.AgentConfig
	client   ActionClient
	executor *Executor
	snapshot *Snapshotter
	state    *State
	host     string
	logger   *utils.Logger
}

func New(cfg config.AgentConfig, client ActionClient, executor *Executor, snapshot *Snapshotter, state *State, logger *utils.Logger) *Agent {
	host, _ := os.Hostname()
	return &Agent{cfg: cfg, client: client, executor: executor, snapshot: snapshot, state: state, host: host, logger: logger}
}

func (a *Agent) AgentID() string {
	return a.state.AgentID
}

// Register announces the endpoint and persists the identity the server echoes.
func (a *Agent) Register(ctx context.Context) error {
	resp, err := a.client.Register(ctx, Registration{
		AgentID: a.state.AgentID,
		Host:    a.host,
		OS:      runtime.GOOS + "/" + runtime.GOARCH,
		Version: Version,
		Tags:    parseTags(a.cfg.Tags),
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if resp.AgentID != "" {
		a.state.AgentID = resp.AgentID
	}
	a.state.EndpointID = resp.EndpointID
	if a.state.RegisteredAt == 0 {
		a.state.RegisteredAt = float64(time.Now().Unix())
	}
	if a.cfg.StatePath != "" {
		if err := SaveState(a.cfg.StatePath, a.state); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
	}
	a.logger.Printf("agent: registered %s endpoint=%d", a.state.AgentID, a.state.EndpointID)
	return nil
}

// Run registers and then loops until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Register(ctx); err != nil {
		return err
	}
	interval := a.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one telemetry + action round. Errors are logged.
func (a *Agent) Tick(ctx context.Context) {
	if events := a.snapshot.Collect(); len(events) > 0 {
		if res, err := a.client.Telemetry(ctx, a.state.AgentID, a.host, events); err != nil {
			a.logger.Errorf("agent: telemetry: %v", err)
		} else {
			a.logger.Debugf("agent: telemetry inserted=%d alerts=%d skipped=%d", res.Inserted, res.AlertsCreated, res.Skipped)
		}
	}
	actions, err := a.client.Poll(ctx, a.state.AgentID, 10)
	if err != nil {
		a.logger.Errorf("agent: poll: %v", err)
		return
	}
	for _, act := range actions {
		a.handle(ctx, act)
	}
}

func (a *Agent) handle(ctx context.Context, act Action) {
	won, err := a.client.Ack(ctx, a.state.AgentID, act.ID)
	if err != nil {
		a.logger.Errorf("agent: ack %d: %v", act.ID, err)
		return
	}
	if !won {
		return
	}
	ok, result := false, map[string]any{"error": "local response execution is disabled"}
	if a.cfg.ExecuteActions {
		ok, result = a.executor.Execute(ctx, act)
	}
	a.logger.Printf("agent: action %d %s ok=%v", act.ID, act.ActionType, ok)
	if err := a.client.Result(ctx, a.state.AgentID, act.ID, ok, result); err != nil {
		a.logger.Errorf("agent: result %d: %v", act.ID, err)
	}
}

// parseTags turns "k=v" entries into a map; bare entries map to "true".
func parseTags(tags []string) map[string]string {
	out := map[string]string{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		k, v, found := strings.Cut(t, "=")
		if !found {
			v = "true"
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
