package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ActionPending      = "pending"
	ActionAcknowledged = "acknowledged"
	ActionCompleted    = "completed"
	ActionFailed       = "failed"
)

type Endpoint struct {
	ID              int64          `json:"id"`
	AgentID         string         `json:"agent_id"`
	Host            string         `json:"host"`
	OS              string         `json:"os"`
	IP              string         `json:"ip"`
	Version         string         `json:"version"`
	Tags            map[string]any `json:"tags"`
	RegisteredAt    time.Time      `json:"registered_at"`
	LastSeenAt      time.Time      `json:"last_seen_at"`
	OfflineReported bool           `json:"offline_reported"`
}

type Action struct {
	ID             int64          `json:"id"`
	AgentID        string         `json:"agent_id"`
	CreatedAt      time.Time      `json:"created_at"`
	ActionType     string         `json:"action_type"`
	Params         map[string]any `json:"params"`
	Status         string         `json:"status"`
	RequestedBy    string         `json:"requested_by,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Result         any            `json:"result,omitempty"`
}

type ActionFilter struct {
	AgentID string
	Status  string
	Limit   int
}

type EDRStore interface {
	UpsertEndpoint(ctx context.Context, ep *Endpoint) (int64, error)
	TouchEndpoint(ctx context.Context, agentID, host string) error
	GetEndpoint(ctx context.Context, agentID string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, limit int) ([]Endpoint, error)
	MarkOffline(ctx context.Context, seenBefore time.Time) ([]Endpoint, error)

	CreateAction(ctx context.Context, a *Action) (int64, error)
	GetAction(ctx context.Context, id int64) (*Action, error)
	PendingActions(ctx context.Context, agentID string, limit int) ([]Action, error)
	ListActions(ctx context.Context, filter ActionFilter) ([]Action, error)
	AckAction(ctx context.Context, id int64, agentID string) error
	CompleteAction(ctx context.Context, id int64, agentID string, ok bool, result any) (string, error)
}

type edrStore struct {
	db *sql.DB
}

func NewEDRStore(db *sql.DB) EDRStore {
	return &edrStore{db: db}
}

const endpointColumns = `id, agent_id, host, os, ip, version, tags, registered_at, last_seen_at, offline_reported`
const actionColumns = `id, agent_id, created_at, action_type, params, status, requested_by, acknowledged_at, completed_at, result`

func (s *edrStore) UpsertEndpoint(ctx context.Context, ep *Endpoint) (int64, error) {
	now := time.Now().UTC()
	if ep.Tags == nil {
		ep.Tags = map[string]any{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edr_endpoints(agent_id, host, os, ip, version, tags, registered_at, last_seen_at, offline_reported)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(agent_id) DO UPDATE SET host=excluded.host, os=excluded.os, ip=excluded.ip, version=excluded.version,
			tags=excluded.tags, last_seen_at=excluded.last_seen_at, offline_reported=0`,
		ep.AgentID, ep.Host, ep.OS, ep.IP, ep.Version, jsonText(ep.Tags, "{}"), now, now)
	if err != nil {
		return 0, fmt.Errorf("upsert endpoint: %w", err)
	}
	stored, err := s.GetEndpoint(ctx, ep.AgentID)
	if err != nil {
		return 0, err
	}
	if stored == nil {
		return 0, ErrNotFound
	}
	*ep = *stored
	return ep.ID, nil
}

// TouchEndpoint bumps last_seen_at, creating a minimal endpoint row for agents
// that never registered.
func (s *edrStore) TouchEndpoint(ctx context.Context, agentID, host string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edr_endpoints(agent_id, host, os, ip, version, tags, registered_at, last_seen_at, offline_reported)
		VALUES(?, ?, '', '', '', '{}', ?, ?, 0)
		ON CONFLICT(agent_id) DO UPDATE SET last_seen_at=excluded.last_seen_at, offline_reported=0,
			host=CASE WHEN excluded.host <> '' THEN excluded.host ELSE edr_endpoints.host END`,
		agentID, strings.TrimSpace(host), now, now)
	if err != nil {
		return fmt.Errorf("touch endpoint: %w", err)
	}
	return nil
}

func (s *edrStore) GetEndpoint(ctx context.Context, agentID string) (*Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM edr_endpoints WHERE agent_id=?`, agentID)
	ep, err := scanEndpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ep, nil
}

func (s *edrStore) ListEndpoints(ctx context.Context, limit int) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM edr_endpoints ORDER BY last_seen_at DESC LIMIT ?`, clampLimit(limit, 500, 5000))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEndpoints(rows)
}

// MarkOffline flags endpoints unseen since seenBefore and returns only the ones
// it flipped, so each silence is reported once even with several sweepers.
func (s *edrStore) MarkOffline(ctx context.Context, seenBefore time.Time) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM edr_endpoints WHERE offline_reported=0 AND last_seen_at < ?`, seenBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale endpoints: %w", err)
	}
	candidates, err := collectEndpoints(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	res := make([]Endpoint, 0, len(candidates))
	for _, ep := range candidates {
		upd, err := s.db.ExecContext(ctx, `UPDATE edr_endpoints SET offline_reported=1 WHERE id=? AND offline_reported=0 AND last_seen_at < ?`, ep.ID, seenBefore.UTC())
		if err != nil {
			return res, fmt.Errorf("mark offline: %w", err)
		}
		if affected, _ := upd.RowsAffected(); affected == 1 {
			ep.OfflineReported = true
			res = append(res, ep)
		}
	}
	return res, nil
}

func collectEndpoints(rows *sql.Rows) ([]Endpoint, error) {
	res := make([]Endpoint, 0)
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ep)
	}
	return res, rows.Err()
}

func scanEndpoint(row rowScanner) (Endpoint, error) {
	var ep Endpoint
	var tags string
	var offline int
	if err := row.Scan(&ep.ID, &ep.AgentID, &ep.Host, &ep.OS, &ep.IP, &ep.Version, &tags, &ep.RegisteredAt, &ep.LastSeenAt, &offline); err != nil {
		return ep, err
	}
	ep.Tags = parseJSONMap(tags)
	ep.OfflineReported = offline != 0
	return ep, nil
}

func (s *edrStore) CreateAction(ctx context.Context, a *Action) (int64, error) {
	a.CreatedAt = time.Now().UTC()
	a.Status = ActionPending
	if a.Params == nil {
		a.Params = map[string]any{}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO edr_actions(agent_id, created_at, action_type, params, status, requested_by)
		VALUES(?, ?, ?, ?, ?, ?)`,
		a.AgentID, a.CreatedAt, a.ActionType, jsonText(a.Params, "{}"), a.Status, a.RequestedBy)
	if err != nil {
		return 0, fmt.Errorf("insert action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

func (s *edrStore) GetAction(ctx context.Context, id int64) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM edr_actions WHERE id=?`, id)
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (s *edrStore) PendingActions(ctx context.Context, agentID string, limit int) ([]Action, error) {
	return s.queryActions(ctx, `SELECT `+actionColumns+` FROM edr_actions WHERE agent_id=? AND status=? ORDER BY id ASC LIMIT ?`,
		agentID, ActionPending, clampLimit(limit, 10, 1000))
}

func (s *edrStore) ListActions(ctx context.Context, filter ActionFilter) ([]Action, error) {
	var clauses []string
	var args []any
	if v := strings.TrimSpace(filter.AgentID); v != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.Status); v != "" {
		clauses = append(clauses, "status=?")
		args = append(args, v)
	}
	query := `SELECT ` + actionColumns + ` FROM edr_actions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", clampLimit(filter.Limit, 100, 5000))
	return s.queryActions(ctx, query, args...)
}

// AckAction moves pending -> acknowledged for the owning agent. ErrNotFound
// means the action does not exist for that agent; ErrConflict means it already
// left pending.
func (s *edrStore) AckAction(ctx context.Context, id int64, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE edr_actions SET status=?, acknowledged_at=?
		WHERE id=? AND agent_id=? AND status=?`,
		ActionAcknowledged, time.Now().UTC(), id, agentID, ActionPending)
	if err != nil {
		return fmt.Errorf("ack action: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return s.transitionMiss(ctx, id, agentID)
	}
	return nil
}

// CompleteAction moves pending|acknowledged -> completed|failed and returns the
// new status.
func (s *edrStore) CompleteAction(ctx context.Context, id int64, agentID string, ok bool, result any) (string, error) {
	status := ActionFailed
	if ok {
		status = ActionCompleted
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE edr_actions SET status=?, completed_at=?, result=?
		WHERE id=? AND agent_id=? AND status IN (?, ?)`,
		status, time.Now().UTC(), jsonText(result, "null"), id, agentID, ActionPending, ActionAcknowledged)
	if err != nil {
		return "", fmt.Errorf("complete action: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return "", s.transitionMiss(ctx, id, agentID)
	}
	return status, nil
}

func (s *edrStore) transitionMiss(ctx context.Context, id int64, agentID string) error {
	a, err := s.GetAction(ctx, id)
	if err != nil {
		return err
	}
	if a == nil || a.AgentID != agentID {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *edrStore) queryActions(ctx context.Context, query string, args ...any) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func scanAction(row rowScanner) (Action, error) {
	var a Action
	var params string
	var acked, completed sql.NullTime
	var result sql.NullString
	if err := row.Scan(&a.ID, &a.AgentID, &a.CreatedAt, &a.ActionType, &params, &a.Status, &a.RequestedBy, &acked, &completed, &result); err != nil {
		return a, err
	}
	a.Params = parseJSONMap(params)
	if acked.Valid {
		a.AcknowledgedAt = &acked.Time
	}
	if completed.Valid {
		a.CompletedAt = &completed.Time
	}
	a.Result = parseJSONValue(result)
	return a, nil
}
