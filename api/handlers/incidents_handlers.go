package handlers

import (
	"net/http"
	"strings"

	"berkut-siem/core/mdr"
	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

type IncidentsHandler struct {
	svc    *mdr.Service
	logger *utils.Logger
}

func NewIncidentsHandler(svc *mdr.Service, logger *utils.Logger) *IncidentsHandler {
	return &IncidentsHandler{svc: svc, logger: logger}
}

type createIncidentPayload struct {
	mdr.CreateInput
	Actor string `json:"actor"`
}

func (h *IncidentsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := h.svc.List(r.Context(), store.IncidentFilter{
		Status:   strings.ToLower(strings.TrimSpace(q.Get("status"))),
		Severity: strings.ToLower(strings.TrimSpace(q.Get("severity"))),
		Search:   strings.TrimSpace(q.Get("q")),
		Limit:    queryInt(r, "limit", 100),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": items})
}

// Create opens a manual incident. A body carrying only alert_id opens the
// incident from that alert instead, returning the existing one when linked.
func (h *IncidentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in createIncidentPayload
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	who := actor(r, in.Actor)
	if in.AlertID != nil && strings.TrimSpace(in.Title) == "" {
		inc, created, err := h.svc.CreateFromAlert(r.Context(), *in.AlertID, who, mdr.SourceAlert)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, inc)
		return
	}
	inc, err := h.svc.Create(r.Context(), in.CreateInput, who)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (h *IncidentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	inc, notes, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incident": inc, "notes": notes})
}

type updateIncidentPayload struct {
	mdr.UpdateInput
	Actor string `json:"actor"`
}

func (h *IncidentsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var in updateIncidentPayload
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	inc, err := h.svc.Update(r.Context(), id, in.UpdateInput, actor(r, in.Actor))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

type notePayload struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

func (h *IncidentsHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var in notePayload
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	note, err := h.svc.AddNote(r.Context(), id, actor(r, in.Author), in.Text)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}
