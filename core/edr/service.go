package edr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"berkut-siem/config"
	"berkut-siem/core/metrics"
	"berkut-siem/core/pipeline"
	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

const (
	ActionCollectFileHash   = "collect_file_hash"
	ActionKillProcess       = "kill_process"
	ActionListProcesses     = "list_processes"
	ActionIsolateEndpoint   = "isolate_endpoint"
	ActionUnisolateEndpoint = "unisolate_endpoint"
	ActionBlockIP           = "block_ip"
	ActionUnblockIP         = "unblock_ip"

	SourceEDR   = "edr"
	SourceAudit = "audit"
)

var actionTypes = map[string]bool{
	ActionCollectFileHash:   false,
	ActionKillProcess:       false,
	ActionListProcesses:     false,
	ActionIsolateEndpoint:   true,
	ActionUnisolateEndpoint: true,
	ActionBlockIP:           true,
	ActionUnblockIP:         true,
}

func ValidActionType(t string) bool {
	_, ok := actionTypes[t]
	return ok
}

func IsDangerous(t string) bool {
	return actionTypes[t]
}

type Service struct {
	edr      store.EDRStore
	events   store.EventsStore
	audits   store.AuditStore
	pipeline *pipeline.Pipeline
	gate     *Gate
	cfg      config.EDRConfig
	metrics  *metrics.Metrics
	logger   *utils.Logger
}

type Deps struct {
	EDR      store.EDRStore
	Events   store.EventsStore
	Audits   store.AuditStore
	Pipeline *pipeline.Pipeline
	Gate     *Gate
	Metrics  *metrics.Metrics
	Logger   *utils.Logger
}

func NewService(deps Deps, cfg config.EDRConfig) *Service {
	return &Service{
		edr:      deps.EDR,
		events:   deps.Events,
		audits:   deps.Audits,
		pipeline: deps.Pipeline,
		gate:     deps.Gate,
		cfg:      cfg,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
}

type RegisterInput struct {
	AgentID string         `json:"agent_id"`
	Host    string         `json:"host"`
	OS      string         `json:"os"`
	IP      string         `json:"ip"`
	Version string         `json:"version"`
	Tags    map[string]any `json:"tags"`
}

// Register upserts the endpoint. A missing agent_id is assigned by the server.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*store.Endpoint, error) {
	agentID := strings.TrimSpace(in.AgentID)
	if agentID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("agent id: %w", err)
		}
		agentID = id.String()
	}
	ep := &store.Endpoint{
		AgentID: agentID,
		Host:    strings.TrimSpace(in.Host),
		OS:      strings.TrimSpace(in.OS),
		IP:      strings.TrimSpace(in.IP),
		Version: strings.TrimSpace(in.Version),
		Tags:    in.Tags,
	}
	if _, err := s.edr.UpsertEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	s.logger.Debugf("edr: register %s host=%s", ep.AgentID, ep.Host)
	return ep, nil
}

type TelemetryEvent struct {
	TS       *float64       `json:"ts,omitempty"`
	Facility pipeline.Code  `json:"facility,omitempty"`
	Severity pipeline.Code  `json:"severity,omitempty"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type TelemetryInput struct {
	AgentID string           `json:"agent_id"`
	Host    string           `json:"host"`
	Events  []TelemetryEvent `json:"events"`
}

type TelemetryResult struct {
	Inserted      int `json:"inserted"`
	AlertsCreated int `json:"alerts_created"`
	Skipped       int `json:"skipped"`
}

// Telemetry pushes each event through the ingest pipeline tagged as edr. A
// failing item is counted and skipped.
func (s *Service) Telemetry(ctx context.Context, in TelemetryInput) (*TelemetryResult, error) {
	agentID := strings.TrimSpace(in.AgentID)
	if agentID == "" {
		return nil, utils.Validation("agent_id is required")
	}
	if err := s.edr.TouchEndpoint(ctx, agentID, in.Host); err != nil {
		return nil, err
	}
	host := strings.TrimSpace(in.Host)
	if host == "" {
		if ep, err := s.edr.GetEndpoint(ctx, agentID); err == nil && ep != nil {
			host = ep.Host
		}
	}
	items := make([]pipeline.Input, 0, len(in.Events))
	for _, ev := range in.Events {
		fields := make(map[string]any, len(ev.Fields)+1)
		for k, v := range ev.Fields {
			fields[k] = v
		}
		fields["agent_id"] = agentID
		items = append(items, pipeline.Input{
			TS:       ev.TS,
			Source:   SourceEDR,
			Host:     host,
			Facility: ev.Facility,
			Severity: ev.Severity,
			Message:  ev.Message,
			Fields:   fields,
		})
	}
	res := &TelemetryResult{}
	results, errs := s.pipeline.ProcessBatch(ctx, items)
	for i := range results {
		if errs[i] != nil || results[i] == nil {
			res.Skipped++
			s.metrics.TelemetryItemSkipped()
			continue
		}
		res.Inserted++
		res.AlertsCreated += len(results[i].Alerts)
	}
	return res, nil
}

type CreateActionInput struct {
	AgentID     string         `json:"agent_id"`
	ActionType  string         `json:"action_type"`
	Params      map[string]any `json:"params"`
	RequestedBy string         `json:"requested_by"`
}

func (s *Service) CreateAction(ctx context.Context, in CreateActionInput) (*store.Action, error) {
	agentID := strings.TrimSpace(in.AgentID)
	actionType := strings.TrimSpace(in.ActionType)
	requestedBy := strings.TrimSpace(in.RequestedBy)
	if agentID == "" {
		return nil, utils.Validation("agent_id is required")
	}
	if !ValidActionType(actionType) {
		return nil, utils.Validation("unknown action_type %q", in.ActionType)
	}
	ep, err := s.edr.GetEndpoint(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, utils.Validation("unknown agent_id %q", agentID)
	}
	if IsDangerous(actionType) && !s.gate.Allowed(requestedBy) {
		s.auditDenial(ctx, agentID, actionType, requestedBy)
		s.metrics.EDRAction(actionType, "denied")
		return nil, utils.Forbidden("%s requires an allowlisted requested_by", actionType)
	}
	a := &store.Action{AgentID: agentID, ActionType: actionType, Params: in.Params, RequestedBy: requestedBy}
	if _, err := s.edr.CreateAction(ctx, a); err != nil {
		return nil, err
	}
	s.metrics.EDRAction(actionType, store.ActionPending)
	s.audit(ctx, requestedBy, "edr.action.create", fmt.Sprintf("id=%d agent_id=%s type=%s", a.ID, agentID, actionType))
	return a, nil
}

// PollActions returns pending actions oldest first without changing their status.
func (s *Service) PollActions(ctx context.Context, agentID string, limit int) ([]store.Action, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, utils.Validation("agent_id is required")
	}
	if err := s.edr.TouchEndpoint(ctx, agentID, ""); err != nil {
		return nil, err
	}
	max := s.cfg.PollLimitMax
	if max <= 0 {
		max = 100
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > max {
		limit = max
	}
	return s.edr.PendingActions(ctx, agentID, limit)
}

// Ack reports false when the action already left pending.
func (s *Service) Ack(ctx context.Context, id int64, agentID string) (bool, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return false, utils.Validation("agent_id is required")
	}
	err := s.edr.AckAction(ctx, id, agentID)
	switch {
	case err == nil:
		s.metrics.EDRAction("", store.ActionAcknowledged)
		return true, nil
	case errors.Is(err, store.ErrConflict):
		return false, nil
	case errors.Is(err, store.ErrNotFound):
		return false, utils.NotFound("action %d for agent %s", id, agentID)
	}
	return false, err
}

// Result finishes an action and records the outcome as an edr event. It
// reports false when the action is already terminal.
func (s *Service) Result(ctx context.Context, id int64, agentID string, ok bool, result any) (string, bool, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return "", false, utils.Validation("agent_id is required")
	}
	status, err := s.edr.CompleteAction(ctx, id, agentID, ok, result)
	switch {
	case errors.Is(err, store.ErrConflict):
		return "", false, nil
	case errors.Is(err, store.ErrNotFound):
		return "", false, utils.NotFound("action %d for agent %s", id, agentID)
	case err != nil:
		return "", false, err
	}
	s.metrics.EDRAction("", status)
	s.recordOutcome(ctx, id, agentID, status, result)
	return status, true, nil
}

func (s *Service) ListEndpoints(ctx context.Context, limit int) ([]store.Endpoint, error) {
	return s.edr.ListEndpoints(ctx, limit)
}

func (s *Service) GetAction(ctx context.Context, id int64) (*store.Action, error) {
	a, err := s.edr.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, utils.NotFound("action %d", id)
	}
	return a, nil
}

func (s *Service) ActionHistory(ctx context.Context, agentID string, limit int) ([]store.Action, error) {
	return s.edr.ListActions(ctx, store.ActionFilter{AgentID: strings.TrimSpace(agentID), Limit: limit})
}

// MarkOffline flags endpoints silent for longer than the configured threshold.
func (s *Service) MarkOffline(ctx context.Context, now time.Time) ([]store.Endpoint, error) {
	after := s.cfg.OfflineAfter
	if after <= 0 {
		after = 10 * time.Minute
	}
	flipped, err := s.edr.MarkOffline(ctx, now.Add(-after))
	if err != nil {
		return flipped, err
	}
	for _, ep := range flipped {
		s.recordEvent(ctx, &store.Event{
			TS:      float64(now.Unix()),
			Source:  SourceEDR,
			Host:    ep.Host,
			Message: fmt.Sprintf("edr endpoint %s offline since %s", ep.AgentID, ep.LastSeenAt.UTC().Format(time.RFC3339)),
			Fields: map[string]any{
				"agent_id":     ep.AgentID,
				"event_action": "endpoint_offline",
				"last_seen_at": ep.LastSeenAt.UTC().Format(time.RFC3339),
			},
		})
	}
	return flipped, nil
}

func (s *Service) recordOutcome(ctx context.Context, id int64, agentID, status string, result any) {
	actionType := ""
	if a, err := s.edr.GetAction(ctx, id); err == nil && a != nil {
		actionType = a.ActionType
	}
	fields := map[string]any{
		"agent_id":      agentID,
		"action_id":     id,
		"action_type":   actionType,
		"action_status": status,
		"event_action":  "edr_action_result",
		"event_outcome": outcomeFor(status),
	}
	if result != nil {
		fields["result"] = result
	}
	s.recordEvent(ctx, &store.Event{
		TS:      float64(time.Now().UnixNano()) / 1e9,
		Source:  SourceEDR,
		Message: fmt.Sprintf("edr action %d %s %s", id, actionType, status),
		Fields:  fields,
	})
}

func (s *Service) auditDenial(ctx context.Context, agentID, actionType, requestedBy string) {
	who := requestedBy
	if who == "" {
		who = anonymous
	}
	s.recordEvent(ctx, &store.Event{
		TS:      float64(time.Now().UnixNano()) / 1e9,
		Source:  SourceAudit,
		Message: fmt.Sprintf("denied dangerous edr action %s on %s requested by %s", actionType, agentID, who),
		Fields: map[string]any{
			"agent_id":      agentID,
			"action_type":   actionType,
			"requested_by":  requestedBy,
			"event_action":  "edr_action_denied",
			"event_outcome": "failure",
		},
	})
	s.audit(ctx, who, "edr.action.deny", fmt.Sprintf("agent_id=%s type=%s", agentID, actionType))
}

func (s *Service) recordEvent(ctx context.Context, ev *store.Event) {
	if s.events == nil {
		return
	}
	if _, err := s.events.InsertEvent(ctx, ev); err != nil {
		s.metrics.StageError("edr_event")
		s.logger.Errorf("edr: record event: %v", err)
	}
}

func (s *Service) audit(ctx context.Context, actor, action, details string) {
	if s.audits == nil {
		return
	}
	if err := s.audits.Log(ctx, actor, action, details); err != nil {
		s.logger.Errorf("edr: audit %s: %v", action, err)
	}
}

func outcomeFor(status string) string {
	if status == store.ActionCompleted {
		return "success"
	}
	return "failure"
}
