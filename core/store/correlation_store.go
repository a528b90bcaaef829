package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// WindowQuery counts events inside [From, To]. Empty string fields are not
// filtered on. Distinct selects COUNT(DISTINCT col) instead of COUNT(*).
type WindowQuery struct {
	From, To       float64
	Distinct       string
	SrcIP          string
	ExcludeSrcIP   string
	DstIP          string
	Host           string
	User           string
	Category       string
	Outcome        string
	Action         string
	HTTPStatus     int64
	RequireDstPort bool
}

type CorrelationStore interface {
	CountWindow(ctx context.Context, q WindowQuery) (int, error)
}

type correlationStore struct {
	db *sql.DB
}

func NewCorrelationStore(db *sql.DB) CorrelationStore {
	return &correlationStore{db: db}
}

var distinctColumns = map[string]struct{}{
	"user":     {},
	"src_ip":   {},
	"dst_port": {},
	"dst_ip":   {},
}

func (s *correlationStore) CountWindow(ctx context.Context, q WindowQuery) (int, error) {
	sel := "COUNT(*)"
	if q.Distinct != "" {
		if _, ok := distinctColumns[q.Distinct]; !ok {
			return 0, fmt.Errorf("unsupported distinct column %q", q.Distinct)
		}
		sel = "COUNT(DISTINCT " + q.Distinct + ")"
	}
	clauses := []string{"ts >= ?", "ts <= ?"}
	args := []any{q.From, q.To}
	if q.SrcIP != "" {
		clauses = append(clauses, "(src_ip = ? OR (src_ip IS NULL AND ','||COALESCE(ips,'')||',' LIKE ?))")
		args = append(args, q.SrcIP, "%,"+q.SrcIP+",%")
	}
	if q.ExcludeSrcIP != "" {
		clauses = append(clauses, "src_ip <> ?")
		args = append(args, q.ExcludeSrcIP)
	}
	add := func(col, val string) {
		if val != "" {
			clauses = append(clauses, col+" = ?")
			args = append(args, val)
		}
	}
	add("dst_ip", q.DstIP)
	add("host", q.Host)
	add("user", q.User)
	add("event_category", q.Category)
	add("event_outcome", q.Outcome)
	add("event_action", q.Action)
	if q.HTTPStatus != 0 {
		clauses = append(clauses, "http_status = ?")
		args = append(args, q.HTTPStatus)
	}
	if q.RequireDstPort {
		clauses = append(clauses, "dst_port IS NOT NULL")
	}
	if q.Distinct != "" {
		clauses = append(clauses, q.Distinct+" IS NOT NULL")
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT `+sel+` FROM events WHERE `+strings.Join(clauses, " AND "), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count window: %w", err)
	}
	return n, nil
}
