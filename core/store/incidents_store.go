package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Incident struct {
	ID          int64      `json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	Status      string     `json:"status"`
	Severity    string     `json:"severity"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Source      string     `json:"source"`
	AlertID     *int64     `json:"alert_id,omitempty"`
	EventID     *int64     `json:"event_id,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	Tags        []string   `json:"tags"`
}

type IncidentNote struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incident_id"`
	CreatedAt  time.Time `json:"created_at"`
	Author     string    `json:"author"`
	Text       string    `json:"text"`
}

// IncidentPatch is a partial update; nil fields are left untouched. Closed set
// to true stamps closed_at, false clears it.
type IncidentPatch struct {
	Status      *string
	Severity    *string
	AssignedTo  *string
	Title       *string
	Description *string
	Tags        []string
	Closed      *bool
}

type IncidentFilter struct {
	Status   string
	Severity string
	Search   string
	Limit    int
}

type IncidentsStore interface {
	CreateIncident(ctx context.Context, inc *Incident) (bool, error)
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	GetIncidentByAlert(ctx context.Context, alertID int64) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)
	UpdateIncident(ctx context.Context, id int64, patch IncidentPatch) (*Incident, error)
	AddNote(ctx context.Context, note *IncidentNote) error
	ListNotes(ctx context.Context, incidentID int64) ([]IncidentNote, error)
}

type incidentsStore struct {
	db *sql.DB
}

func NewIncidentsStore(db *sql.DB) IncidentsStore {
	return &incidentsStore{db: db}
}

const incidentColumns = `id, created_at, updated_at, closed_at, status, severity, title, description, source, alert_id, event_id, assigned_to, tags`

// CreateIncident inserts inc. An incident already linked to the same alert is
// loaded into inc instead and false is returned.
func (s *incidentsStore) CreateIncident(ctx context.Context, inc *Incident) (bool, error) {
	now := time.Now().UTC()
	inc.CreatedAt = now
	inc.UpdatedAt = now
	if inc.Tags == nil {
		inc.Tags = []string{}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO mdr_incidents(created_at, updated_at, closed_at, status, severity, title, description, source, alert_id, event_id, assigned_to, tags)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		now, now, nullTime(inc.ClosedAt), inc.Status, inc.Severity, inc.Title, inc.Description, inc.Source,
		nullInt(inc.AlertID), nullInt(inc.EventID), inc.AssignedTo, jsonText(inc.Tags, "[]"))
	if err != nil {
		return false, fmt.Errorf("insert incident: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if inc.AlertID == nil {
			return false, ErrConflict
		}
		existing, err := s.GetIncidentByAlert(ctx, *inc.AlertID)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, ErrConflict
		}
		*inc = *existing
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, err
	}
	inc.ID = id
	return true, nil
}

func (s *incidentsStore) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	return s.scanIncident(s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM mdr_incidents WHERE id=?`, id))
}

func (s *incidentsStore) GetIncidentByAlert(ctx context.Context, alertID int64) (*Incident, error) {
	return s.scanIncident(s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM mdr_incidents WHERE alert_id=?`, alertID))
}

func (s *incidentsStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, filter.Status)
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, filter.Severity)
	}
	if filter.Search != "" {
		clauses = append(clauses, "(title LIKE ? OR description LIKE ?)")
		q := "%" + filter.Search + "%"
		args = append(args, q, q)
	}
	query := `SELECT ` + incidentColumns + ` FROM mdr_incidents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY updated_at DESC, id DESC LIMIT %d", clampLimit(filter.Limit, 100, 1000))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]Incident, 0)
	for rows.Next() {
		inc, err := scanIncidentRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

func (s *incidentsStore) UpdateIncident(ctx context.Context, id int64, patch IncidentPatch) (*Incident, error) {
	now := time.Now().UTC()
	sets := []string{"updated_at=?"}
	args := []any{now}
	if patch.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, *patch.Status)
	}
	if patch.Severity != nil {
		sets = append(sets, "severity=?")
		args = append(args, *patch.Severity)
	}
	if patch.AssignedTo != nil {
		sets = append(sets, "assigned_to=?")
		args = append(args, *patch.AssignedTo)
	}
	if patch.Title != nil {
		sets = append(sets, "title=?")
		args = append(args, *patch.Title)
	}
	if patch.Description != nil {
		sets = append(sets, "description=?")
		args = append(args, *patch.Description)
	}
	if patch.Tags != nil {
		sets = append(sets, "tags=?")
		args = append(args, jsonText(patch.Tags, "[]"))
	}
	if patch.Closed != nil {
		if *patch.Closed {
			sets = append(sets, "closed_at=?")
			args = append(args, now)
		} else {
			sets = append(sets, "closed_at=NULL")
		}
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE mdr_incidents SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update incident: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrNotFound
	}
	return s.GetIncident(ctx, id)
}

func (s *incidentsStore) AddNote(ctx context.Context, note *IncidentNote) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC()
	upd, err := tx.ExecContext(ctx, `UPDATE mdr_incidents SET updated_at=? WHERE id=?`, now, note.IncidentID)
	if err != nil {
		return err
	}
	if affected, _ := upd.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO mdr_incident_notes(incident_id, created_at, author, text) VALUES(?, ?, ?, ?)`,
		note.IncidentID, now, note.Author, note.Text)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	note.ID = id
	note.CreatedAt = now
	return nil
}

func (s *incidentsStore) ListNotes(ctx context.Context, incidentID int64) ([]IncidentNote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, incident_id, created_at, author, text FROM mdr_incident_notes WHERE incident_id=? ORDER BY id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]IncidentNote, 0)
	for rows.Next() {
		var n IncidentNote
		if err := rows.Scan(&n.ID, &n.IncidentID, &n.CreatedAt, &n.Author, &n.Text); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (s *incidentsStore) scanIncident(row *sql.Row) (*Incident, error) {
	inc, err := scanIncidentRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &inc, nil
}

func scanIncidentRow(row rowScanner) (Incident, error) {
	var inc Incident
	var closedAt sql.NullTime
	var alertID, eventID sql.NullInt64
	var tagsRaw string
	if err := row.Scan(&inc.ID, &inc.CreatedAt, &inc.UpdatedAt, &closedAt, &inc.Status, &inc.Severity, &inc.Title, &inc.Description,
		&inc.Source, &alertID, &eventID, &inc.AssignedTo, &tagsRaw); err != nil {
		return inc, err
	}
	if closedAt.Valid {
		inc.ClosedAt = &closedAt.Time
	}
	if alertID.Valid {
		inc.AlertID = &alertID.Int64
	}
	if eventID.Valid {
		inc.EventID = &eventID.Int64
	}
	inc.Tags = parseStringList(tagsRaw)
	if inc.Tags == nil {
		inc.Tags = []string{}
	}
	return inc, nil
}
