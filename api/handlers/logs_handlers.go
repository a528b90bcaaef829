package handlers

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

type LogsHandler struct {
	audits store.AuditStore
	logger *utils.Logger
}

func NewLogsHandler(audits store.AuditStore, logger *utils.Logger) *LogsHandler {
	return &LogsHandler{audits: audits, logger: logger}
}

func (h *LogsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.audits == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []store.AuditRecord{}})
		return
	}
	filter := parseLogFilter(r)
	items, err := h.audits.List(r.Context(), filter.storeFilter())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"filter": filter,
	})
}

func (h *LogsHandler) Export(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.audits == nil {
		WriteErrorKind(w, utils.KindInternal, "audit log unavailable")
		return
	}
	filter := parseLogFilter(r)
	if filter.Limit <= 0 || filter.Limit > 5000 {
		filter.Limit = 5000
	}
	items, err := h.audits.List(r.Context(), filter.storeFilter())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	filename := "audit_" + time.Now().UTC().Format("20060102_150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"time", "username", "section", "action", "details"})
	for i := range items {
		_ = writer.Write([]string{
			items[i].CreatedAt.UTC().Format(time.RFC3339),
			strings.TrimSpace(items[i].Username),
			logSection(items[i].Action),
			strings.TrimSpace(items[i].Action),
			strings.TrimSpace(items[i].Details),
		})
	}
	writer.Flush()
}

type logFilter struct {
	Section string     `json:"section,omitempty"`
	Action  string     `json:"action,omitempty"`
	User    string     `json:"user,omitempty"`
	Query   string     `json:"q,omitempty"`
	Since   time.Time  `json:"since"`
	To      *time.Time `json:"to,omitempty"`
	Limit   int        `json:"limit"`
}

// storeFilter folds section into an action prefix; an explicit action wins.
func (f logFilter) storeFilter() store.AuditFilter {
	action := f.Action
	if action == "" && f.Section != "" {
		action = f.Section + "."
	}
	return store.AuditFilter{Action: action, User: f.User, Query: f.Query, Since: f.Since, To: f.To, Limit: f.Limit}
}

// logSection is the leading dotted segment of an action, e.g. "edr" for "edr.action.create".
func logSection(action string) string {
	action = strings.TrimSpace(action)
	if i := strings.IndexByte(action, '.'); i > 0 {
		return action[:i]
	}
	return action
}

func parseLogFilter(r *http.Request) logFilter {
	q := r.URL.Query()
	since := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if rawSince := strings.TrimSpace(q.Get("since")); rawSince != "" {
		if parsed, err := parseDateTime(rawSince); err == nil && !parsed.IsZero() {
			since = parsed.UTC()
		}
	}
	var until *time.Time
	if rawTo := strings.TrimSpace(q.Get("to")); rawTo != "" {
		if parsed, err := parseDateTime(rawTo); err == nil && !parsed.IsZero() {
			t := parsed.UTC()
			until = &t
		}
	}
	limit := 1000
	if rawLimit := strings.TrimSpace(q.Get("limit")); rawLimit != "" {
		if parsed, err := strconv.Atoi(rawLimit); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 5000 {
		limit = 5000
	}
	return logFilter{
		Section: strings.ToLower(strings.TrimSpace(q.Get("section"))),
		Action:  strings.ToLower(strings.TrimSpace(q.Get("action"))),
		User:    strings.ToLower(strings.TrimSpace(q.Get("user"))),
		Query:   strings.ToLower(strings.TrimSpace(q.Get("q"))),
		Since:   since,
		To:      until,
		Limit:   limit,
	}
}

func parseDateTime(raw string) (time.Time, error) {
	val := strings.TrimSpace(raw)
	if val == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil && secs > 0 {
		return time.Unix(0, int64(secs*1e9)).UTC(), nil
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, val); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, strconv.ErrSyntax
}
