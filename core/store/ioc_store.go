package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type IOC struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	Source    string    `json:"source,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type IOCStore interface {
	// UpsertIOC returns the id of the (type, value) row, creating it when absent.
	UpsertIOC(ctx context.Context, ioc *IOC) (int64, bool, error)
	ListIOCs(ctx context.Context, iocType string, limit int) ([]IOC, error)
	DeleteIOC(ctx context.Context, id int64) error
	FindIOCs(ctx context.Context, iocType string, values []string) ([]IOC, error)
}

type iocStore struct {
	db *sql.DB
}

func NewIOCStore(db *sql.DB) IOCStore {
	return &iocStore{db: db}
}

func (s *iocStore) UpsertIOC(ctx context.Context, ioc *IOC) (int64, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO iocs(type, value, source, note, created_at) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(type, value) DO NOTHING`,
		ioc.Type, ioc.Value, ioc.Source, ioc.Note, now)
	if err != nil {
		return 0, false, fmt.Errorf("insert ioc: %w", err)
	}
	created := false
	if affected, _ := res.RowsAffected(); affected > 0 {
		created = true
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, type, value, source, note, created_at FROM iocs WHERE type=? AND value=?`, ioc.Type, ioc.Value)
	stored, err := scanIOC(row)
	if err != nil {
		return 0, false, err
	}
	*ioc = stored
	return stored.ID, created, nil
}

func (s *iocStore) ListIOCs(ctx context.Context, iocType string, limit int) ([]IOC, error) {
	query := `SELECT id, type, value, source, note, created_at FROM iocs`
	var args []any
	if t := strings.TrimSpace(iocType); t != "" {
		query += " WHERE type=?"
		args = append(args, t)
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", clampLimit(limit, 500, 10000))
	return s.queryIOCs(ctx, query, args...)
}

func (s *iocStore) DeleteIOC(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM iocs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

const iocLookupBatch = 200

func (s *iocStore) FindIOCs(ctx context.Context, iocType string, values []string) ([]IOC, error) {
	res := make([]IOC, 0)
	for start := 0; start < len(values); start += iocLookupBatch {
		end := start + iocLookupBatch
		if end > len(values) {
			end = len(values)
		}
		batch := values[start:end]
		args := make([]any, 0, len(batch)+1)
		args = append(args, iocType)
		for _, v := range batch {
			args = append(args, v)
		}
		items, err := s.queryIOCs(ctx,
			`SELECT id, type, value, source, note, created_at FROM iocs WHERE type=? AND value IN (`+placeholders(len(batch))+`) ORDER BY id`, args...)
		if err != nil {
			return nil, err
		}
		res = append(res, items...)
	}
	return res, nil
}

func (s *iocStore) queryIOCs(ctx context.Context, query string, args ...any) ([]IOC, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]IOC, 0)
	for rows.Next() {
		ioc, err := scanIOC(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ioc)
	}
	return res, rows.Err()
}

func scanIOC(row rowScanner) (IOC, error) {
	var ioc IOC
	err := row.Scan(&ioc.ID, &ioc.Type, &ioc.Value, &ioc.Source, &ioc.Note, &ioc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ioc, ErrNotFound
	}
	return ioc, err
}
