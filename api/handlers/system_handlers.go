package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"time"

	"berkut-siem/core/edr"
	"berkut-siem/core/rules"
	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

type SystemHandler struct {
	db        *sql.DB
	stats     store.StatsStore
	events    store.EventsStore
	alerts    store.AlertsStore
	edr       *edr.Service
	rules     *rules.Engine
	rulesPath string
	audits    store.AuditStore
	info      Info
	logger    *utils.Logger
	startedAt time.Time
}

// Info is the static part of /web/info.
type Info struct {
	Name               string   `json:"name"`
	Version            string   `json:"version"`
	AuthEnabled        bool     `json:"auth_enabled"`
	DangerousAllowlist []string `json:"dangerous_allowlist"`
	NotifySinks        []string `json:"notify_sinks"`
	AutoIncident       bool     `json:"auto_incident"`
	SchedulerEnabled   bool     `json:"scheduler_enabled"`
}

type SystemDeps struct {
	Stores    *store.Stores
	EDR       *edr.Service
	Rules     *rules.Engine
	RulesPath string
	Info      Info
	Logger    *utils.Logger
}

func NewSystemHandler(deps SystemDeps) *SystemHandler {
	h := &SystemHandler{
		edr:       deps.EDR,
		rules:     deps.Rules,
		rulesPath: deps.RulesPath,
		info:      deps.Info,
		logger:    deps.Logger,
		startedAt: time.Now().UTC(),
	}
	if deps.Stores != nil {
		h.db = deps.Stores.DB
		h.stats = deps.Stores.Stats
		h.events = deps.Stores.Events
		h.alerts = deps.Stores.Alerts
		h.audits = deps.Stores.Audit
	}
	return h
}

func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	counts, err := h.stats.TableCounts(r.Context())
	if err != nil {
		h.logger.Errorf("health: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"counts": counts,
		"fts":    store.FTSAvailable(r.Context(), h.db),
	})
}

func (h *SystemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.stats.Stats(r.Context(), queryInt(r, "hours", 24))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *SystemHandler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.infoBody(r))
}

func (h *SystemHandler) infoBody(r *http.Request) map[string]any {
	return map[string]any{
		"info":       h.info,
		"fts":        store.FTSAvailable(r.Context(), h.db),
		"rules":      len(h.rules.Rules()),
		"started_at": h.startedAt,
		"now":        float64(time.Now().UnixNano()) / 1e9,
	}
}

// Bootstrap bundles what a dashboard needs on first load.
func (h *SystemHandler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	ctx := r.Context()
	st, err := h.stats.Stats(ctx, queryInt(r, "hours", 24))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	events, err := h.events.ListEvents(ctx, store.EventFilter{Limit: limit})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	alerts, err := h.alerts.ListAlerts(ctx, store.AlertFilter{Limit: limit})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	endpoints, err := h.edr.ListEndpoints(ctx, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"info":      h.infoBody(r),
		"stats":     st,
		"events":    events,
		"alerts":    alerts,
		"endpoints": endpoints,
	})
}

type ruleSummary struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Severity   string   `json:"severity"`
	Tags       []string `json:"tags,omitempty"`
	SourceFile string   `json:"source_file,omitempty"`
}

func (h *SystemHandler) Rules(w http.ResponseWriter, r *http.Request) {
	loaded := h.rules.Rules()
	out := make([]ruleSummary, 0, len(loaded))
	for _, rl := range loaded {
		out = append(out, ruleSummary{ID: rl.ID, Title: rl.Title, Severity: rl.Severity, Tags: rl.Tags, SourceFile: rl.SourceFile})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out})
}

// ReloadRules reloads the rule directory. A broken file keeps the current set.
func (h *SystemHandler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.rulesPath) == "" {
		writeError(w, h.logger, utils.Validation("rules path is not configured"))
		return
	}
	n, err := h.rules.Reload(h.rulesPath)
	if err != nil {
		writeError(w, h.logger, utils.Validation("reload rules: %v", err))
		return
	}
	if h.audits != nil {
		if err := h.audits.Log(r.Context(), Principal(r), "rules.reload", "loaded="+strconv.Itoa(n)); err != nil {
			h.logger.Errorf("audit rules.reload: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "loaded": n})
}
