package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type AuditRecord struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditFilter struct {
	Action string
	User   string
	Query  string
	Since  time.Time
	To     *time.Time
	Limit  int
}

type AuditStore interface {
	Log(ctx context.Context, username, action, details string) error
	List(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
}

type auditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) AuditStore {
	return &auditStore{db: db}
}

func (s *auditStore) Log(ctx context.Context, username, action, details string) error {
	if strings.TrimSpace(username) == "" {
		username = "system"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log(username, action, details, created_at)
		VALUES(?, ?, ?, ?)`, username, action, details, time.Now().UTC())
	return err
}

func (s *auditStore) List(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	var clauses []string
	var args []any
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, filter.To.UTC())
	}
	if filter.Action != "" {
		clauses = append(clauses, "LOWER(action) LIKE ?")
		args = append(args, strings.ToLower(filter.Action)+"%")
	}
	if filter.User != "" {
		clauses = append(clauses, "LOWER(username)=?")
		args = append(args, strings.ToLower(filter.User))
	}
	if filter.Query != "" {
		clauses = append(clauses, "(LOWER(details) LIKE ? OR LOWER(action) LIKE ?)")
		q := "%" + strings.ToLower(filter.Query) + "%"
		args = append(args, q, q)
	}
	query := `SELECT id, username, action, COALESCE(details, ''), created_at FROM audit_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", clampLimit(filter.Limit, 1000, 5000))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]AuditRecord, 0)
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Username, &rec.Action, &rec.Details, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
