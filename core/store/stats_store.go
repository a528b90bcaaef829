package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"
)

type Counter struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

type HourBucket struct {
	Hour   int64 `json:"hour"`
	Events int64 `json:"events"`
	Alerts int64 `json:"alerts"`
}

type Stats struct {
	Hours            int          `json:"hours"`
	Since            float64      `json:"since"`
	Events           int64        `json:"events"`
	Alerts           int64        `json:"alerts"`
	AlertsBySeverity []Counter    `json:"alerts_by_severity"`
	TopRules         []Counter    `json:"top_rules"`
	TopSourceIPs     []Counter    `json:"top_src_ips"`
	EventsBySource   []Counter    `json:"events_by_source"`
	Hourly           []HourBucket `json:"hourly"`
}

type StatsStore interface {
	TableCounts(ctx context.Context) (map[string]int64, error)
	Stats(ctx context.Context, hours int) (*Stats, error)
}

type statsStore struct {
	db *sql.DB
}

func NewStatsStore(db *sql.DB) StatsStore {
	return &statsStore{db: db}
}

var countedTables = []string{"events", "alerts", "edr_endpoints", "edr_actions", "iocs", "mdr_incidents", "mdr_incident_notes"}

func (s *statsStore) TableCounts(ctx context.Context) (map[string]int64, error) {
	res := make(map[string]int64, len(countedTables))
	for _, t := range countedTables {
		var n int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", t)).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", t, err)
		}
		res[t] = n
	}
	return res, nil
}

func (s *statsStore) Stats(ctx context.Context, hours int) (*Stats, error) {
	if hours <= 0 {
		hours = 24
	}
	if hours > 24*30 {
		hours = 24 * 30
	}
	since := float64(time.Now().Add(-time.Duration(hours)*time.Hour).Unix())
	st := &Stats{Hours: hours, Since: since}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE ts >= ?`, since).Scan(&st.Events); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE ts >= ?`, since).Scan(&st.Alerts); err != nil {
		return nil, err
	}
	var err error
	if st.AlertsBySeverity, err = s.counters(ctx, `SELECT severity, COUNT(*) FROM alerts WHERE ts >= ? GROUP BY severity ORDER BY 2 DESC`, since); err != nil {
		return nil, err
	}
	if st.TopRules, err = s.counters(ctx, `SELECT rule_id, COUNT(*) FROM alerts WHERE ts >= ? GROUP BY rule_id ORDER BY 2 DESC LIMIT 10`, since); err != nil {
		return nil, err
	}
	if st.TopSourceIPs, err = s.counters(ctx, `SELECT src_ip, COUNT(*) FROM events WHERE ts >= ? AND src_ip IS NOT NULL GROUP BY src_ip ORDER BY 2 DESC LIMIT 10`, since); err != nil {
		return nil, err
	}
	if st.EventsBySource, err = s.counters(ctx, `SELECT source, COUNT(*) FROM events WHERE ts >= ? GROUP BY source ORDER BY 2 DESC LIMIT 20`, since); err != nil {
		return nil, err
	}
	if st.Hourly, err = s.hourly(ctx, since); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *statsStore) counters(ctx context.Context, query string, args ...any) ([]Counter, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]Counter, 0)
	for rows.Next() {
		var c Counter
		var key sql.NullString
		if err := rows.Scan(&key, &c.Count); err != nil {
			return nil, err
		}
		c.Key = key.String
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *statsStore) hourly(ctx context.Context, since float64) ([]HourBucket, error) {
	buckets := map[int64]*HourBucket{}
	var order []int64
	collect := func(query string, apply func(b *HourBucket, n int64)) error {
		rows, err := s.db.QueryContext(ctx, query, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var hour, n int64
			if err := rows.Scan(&hour, &n); err != nil {
				return err
			}
			b, ok := buckets[hour]
			if !ok {
				b = &HourBucket{Hour: hour}
				buckets[hour] = b
				order = append(order, hour)
			}
			apply(b, n)
		}
		return rows.Err()
	}
	if err := collect(`SELECT CAST(ts / 3600 AS INTEGER) * 3600, COUNT(*) FROM events WHERE ts >= ? GROUP BY 1 ORDER BY 1`,
		func(b *HourBucket, n int64) { b.Events = n }); err != nil {
		return nil, err
	}
	if err := collect(`SELECT CAST(ts / 3600 AS INTEGER) * 3600, COUNT(*) FROM alerts WHERE ts >= ? GROUP BY 1 ORDER BY 1`,
		func(b *HourBucket, n int64) { b.Alerts = n }); err != nil {
		return nil, err
	}
	slices.Sort(order)
	res := make([]HourBucket, 0, len(order))
	for _, h := range order {
		res = append(res, *buckets[h])
	}
	return res, nil
}
