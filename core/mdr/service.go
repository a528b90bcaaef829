package mdr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"berkut-siem/config"
	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

const (
	StatusOpen         = "open"
	StatusAcknowledged = "acknowledged"
	StatusInProgress   = "in_progress"
	StatusClosed       = "closed"
	StatusResolved     = "resolved"

	SourceManual = "manual"
	SourceAlert  = "alert"
	SourceAuto   = "auto"
)

var validStatuses = map[string]struct{}{
	StatusOpen: {}, StatusAcknowledged: {}, StatusInProgress: {}, StatusClosed: {}, StatusResolved: {},
}

func IsClosedStatus(status string) bool {
	return status == StatusClosed || status == StatusResolved
}

type Service struct {
	incidents store.IncidentsStore
	alerts    store.AlertsStore
	audits    store.AuditStore
	cfg       config.MDRConfig
	logger    *utils.Logger
}

func NewService(incidents store.IncidentsStore, alerts store.AlertsStore, audits store.AuditStore, cfg config.MDRConfig, logger *utils.Logger) *Service {
	return &Service{incidents: incidents, alerts: alerts, audits: audits, cfg: cfg, logger: logger}
}

type CreateInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    string   `json:"severity"`
	Status      string   `json:"status"`
	AssignedTo  string   `json:"assigned_to"`
	Tags        []string `json:"tags"`
	AlertID     *int64   `json:"alert_id"`
	EventID     *int64   `json:"event_id"`
}

// UpdateInput is a partial update; nil fields are left untouched.
type UpdateInput struct {
	Status      *string  `json:"status"`
	Severity    *string  `json:"severity"`
	AssignedTo  *string  `json:"assigned_to"`
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Tags        []string `json:"tags"`
}

func (s *Service) Create(ctx context.Context, in CreateInput, actor string) (*store.Incident, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, utils.Validation("title is required")
	}
	severity, err := normalizeSeverity(in.Severity, "medium")
	if err != nil {
		return nil, err
	}
	status, err := normalizeStatus(in.Status)
	if err != nil {
		return nil, err
	}
	inc := &store.Incident{
		Status:      status,
		Severity:    severity,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Source:      SourceManual,
		AlertID:     in.AlertID,
		EventID:     in.EventID,
		AssignedTo:  strings.TrimSpace(in.AssignedTo),
		Tags:        cleanTags(in.Tags),
	}
	if IsClosedStatus(status) {
		closedAt := time.Now().UTC()
		inc.ClosedAt = &closedAt
	}
	if in.AlertID != nil {
		alert, err := s.alerts.GetAlert(ctx, *in.AlertID)
		if err != nil {
			return nil, err
		}
		if alert == nil {
			return nil, utils.Validation("alert %d does not exist", *in.AlertID)
		}
		inc.Source = SourceAlert
		if inc.EventID == nil {
			eventID := alert.EventID
			inc.EventID = &eventID
		}
	}
	created, err := s.incidents.CreateIncident(ctx, inc)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, utils.Conflict("incident already exists")
		}
		return nil, err
	}
	if created {
		s.audit(ctx, actor, "mdr.incident.create", fmt.Sprintf("id=%d title=%q", inc.ID, inc.Title))
	}
	return inc, nil
}

// CreateFromAlert opens an incident linked to alertID, copying its title and
// severity. An incident already linked to the alert is returned with false.
func (s *Service) CreateFromAlert(ctx context.Context, alertID int64, actor, source string) (*store.Incident, bool, error) {
	alert, err := s.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, false, err
	}
	if alert == nil {
		return nil, false, utils.NotFound("alert %d", alertID)
	}
	return s.openForAlert(ctx, *alert, actor, source)
}

func (s *Service) openForAlert(ctx context.Context, alert store.Alert, actor, source string) (*store.Incident, bool, error) {
	if source == "" {
		source = SourceAlert
	}
	severity, err := normalizeSeverity(alert.Severity, "medium")
	if err != nil {
		severity = "medium"
	}
	alertID, eventID := alert.ID, alert.EventID
	inc := &store.Incident{
		Status:      StatusOpen,
		Severity:    severity,
		Title:       alert.Title,
		Description: fmt.Sprintf("Opened from alert %d (%s)", alert.ID, alert.RuleID),
		Source:      source,
		AlertID:     &alertID,
		EventID:     &eventID,
		Tags:        []string{alert.RuleID},
	}
	created, err := s.incidents.CreateIncident(ctx, inc)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.audit(ctx, actor, "mdr.incident.create", fmt.Sprintf("id=%d alert_id=%d source=%s", inc.ID, alert.ID, source))
	}
	return inc, created, nil
}

// AutoOpen applies the configured auto-incident policy to a freshly inserted alert.
func (s *Service) AutoOpen(ctx context.Context, alert store.Alert) (*store.Incident, bool, error) {
	if !ShouldAutoOpen(s.cfg.AutoIncidentEnabled, s.cfg.AutoIncidentMinSeverity, alert.Severity) {
		return nil, false, nil
	}
	if alert.ID == 0 {
		return nil, false, errors.New("alert has no id")
	}
	return s.openForAlert(ctx, alert, "system", SourceAuto)
}

func (s *Service) Update(ctx context.Context, id int64, in UpdateInput, actor string) (*store.Incident, error) {
	patch := store.IncidentPatch{AssignedTo: trimPtr(in.AssignedTo), Title: trimPtr(in.Title), Description: trimPtr(in.Description)}
	if patch.Title != nil && *patch.Title == "" {
		return nil, utils.Validation("title cannot be empty")
	}
	if in.Status != nil {
		status, err := normalizeStatus(*in.Status)
		if err != nil {
			return nil, err
		}
		closed := IsClosedStatus(status)
		patch.Status = &status
		patch.Closed = &closed
	}
	if in.Severity != nil {
		severity, err := normalizeSeverity(*in.Severity, "")
		if err != nil {
			return nil, err
		}
		patch.Severity = &severity
	}
	if in.Tags != nil {
		patch.Tags = cleanTags(in.Tags)
	}
	inc, err := s.incidents.UpdateIncident(ctx, id, patch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, utils.NotFound("incident %d", id)
		}
		return nil, err
	}
	s.audit(ctx, actor, "mdr.incident.update", fmt.Sprintf("id=%d status=%s", inc.ID, inc.Status))
	return inc, nil
}

func (s *Service) AddNote(ctx context.Context, id int64, author, text string) (*store.IncidentNote, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, utils.Validation("note text is required")
	}
	author = strings.TrimSpace(author)
	if author == "" {
		author = "analyst"
	}
	note := &store.IncidentNote{IncidentID: id, Author: author, Text: text}
	if err := s.incidents.AddNote(ctx, note); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, utils.NotFound("incident %d", id)
		}
		return nil, err
	}
	s.audit(ctx, author, "mdr.incident.note", fmt.Sprintf("id=%d note_id=%d", id, note.ID))
	return note, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*store.Incident, []store.IncidentNote, error) {
	inc, err := s.incidents.GetIncident(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if inc == nil {
		return nil, nil, utils.NotFound("incident %d", id)
	}
	notes, err := s.incidents.ListNotes(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return inc, notes, nil
}

func (s *Service) List(ctx context.Context, filter store.IncidentFilter) ([]store.Incident, error) {
	if filter.Status != "" {
		if _, ok := validStatuses[filter.Status]; !ok {
			return nil, utils.Validation("unknown status %q", filter.Status)
		}
	}
	return s.incidents.ListIncidents(ctx, filter)
}

func (s *Service) audit(ctx context.Context, actor, action, details string) {
	if s.audits == nil {
		return
	}
	if err := s.audits.Log(ctx, actor, action, details); err != nil {
		s.logger.Errorf("mdr: audit %s: %v", action, err)
	}
}

func normalizeSeverity(raw, def string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" && def != "" {
		return def, nil
	}
	if !ValidSeverity(v) {
		return "", utils.Validation("unknown severity %q", raw)
	}
	return v, nil
}

func normalizeStatus(raw string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return StatusOpen, nil
	}
	if _, ok := validStatuses[v]; !ok {
		return "", utils.Validation("unknown status %q", raw)
	}
	return v, nil
}

func trimPtr(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]struct{}{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
