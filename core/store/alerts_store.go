package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type Alert struct {
	ID       int64          `json:"id"`
	TS       float64        `json:"ts"`
	RuleID   string         `json:"rule_id"`
	Title    string         `json:"title"`
	Severity string         `json:"severity"`
	EventID  int64          `json:"event_id"`
	Details  map[string]any `json:"details"`
	DedupKey string         `json:"dedup_key,omitempty"`
}

type AlertFilter struct {
	AgentID string
	IP      string
	RuleID  string
	Limit   int
}

type AlertsStore interface {
	InsertAlert(ctx context.Context, a *Alert) (int64, error)
	// InsertAlertDedup inserts a unless an alert with the same rule_id already
	// anchors on the same event, or (when DedupKey is set) shares the key with an
	// alert whose anchor event lies within window seconds of anchorTS.
	InsertAlertDedup(ctx context.Context, a *Alert, anchorTS, window float64) (bool, error)
	GetAlert(ctx context.Context, id int64) (*Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)
}

type alertsStore struct {
	db *sql.DB
}

func NewAlertsStore(db *sql.DB) AlertsStore {
	return &alertsStore{db: db}
}

const alertColumns = `id, ts, rule_id, title, severity, event_id, details, dedup_key`

func (s *alertsStore) InsertAlert(ctx context.Context, a *Alert) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts(ts, rule_id, title, severity, event_id, details, dedup_key)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		a.TS, a.RuleID, a.Title, a.Severity, a.EventID, jsonText(a.Details, "{}"), nullString(a.DedupKey))
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

func (s *alertsStore) InsertAlertDedup(ctx context.Context, a *Alert, anchorTS, window float64) (bool, error) {
	guard := `a.event_id = ?`
	args := []any{a.TS, a.RuleID, a.Title, a.Severity, a.EventID, jsonText(a.Details, "{}"), nullString(a.DedupKey), a.RuleID, a.EventID}
	if a.DedupKey != "" {
		guard = `(a.event_id = ? OR (a.dedup_key = ? AND EXISTS (
			SELECT 1 FROM events e WHERE e.id = a.event_id AND e.ts >= ? AND e.ts <= ?)))`
		args = append(args, a.DedupKey, anchorTS-window, anchorTS+window)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts(ts, rule_id, title, severity, event_id, details, dedup_key)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM alerts a WHERE a.rule_id = ? AND `+guard+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("insert alert %s: %w", a.RuleID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, err
	}
	a.ID = id
	return true, nil
}

func (s *alertsStore) GetAlert(ctx context.Context, id int64) (*Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=?`, id)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (s *alertsStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	clauses, args := eventFilterClauses(EventFilter{AgentID: filter.AgentID, IP: filter.IP}, "e.")
	if v := strings.TrimSpace(filter.RuleID); v != "" {
		clauses = append(clauses, "a.rule_id=?")
		args = append(args, v)
	}
	query := `SELECT a.id, a.ts, a.rule_id, a.title, a.severity, a.event_id, a.details, a.dedup_key
		FROM alerts a LEFT JOIN events e ON e.id = a.event_id`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY a.id DESC LIMIT %d", clampLimit(filter.Limit, 100, 5000))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func scanAlert(row rowScanner) (Alert, error) {
	var a Alert
	var details string
	var dedup sql.NullString
	if err := row.Scan(&a.ID, &a.TS, &a.RuleID, &a.Title, &a.Severity, &a.EventID, &details, &dedup); err != nil {
		return a, err
	}
	a.Details = parseJSONMap(details)
	a.DedupKey = dedup.String
	return a, nil
}
