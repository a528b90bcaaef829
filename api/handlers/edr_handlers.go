package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"berkut-siem/core/edr"
	"berkut-siem/core/metrics"
	"berkut-siem/core/utils"
)

type EDRHandler struct {
	svc       *edr.Service
	validator *Validator
	metrics   *metrics.Metrics
	logger    *utils.Logger
}

func NewEDRHandler(svc *edr.Service, v *Validator, m *metrics.Metrics, logger *utils.Logger) *EDRHandler {
	return &EDRHandler{svc: svc, validator: v, metrics: m, logger: logger}
}

func (h *EDRHandler) Register(w http.ResponseWriter, r *http.Request) {
	var in edr.RegisterInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ep, err := h.svc.Register(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": ep.AgentID, "endpoint_id": ep.ID})
}

type telemetryPayload struct {
	AgentID string            `json:"agent_id"`
	Host    string            `json:"host"`
	Events  []json.RawMessage `json:"events"`
}

// Telemetry drops items that fail schema validation and reports them as skipped.
func (h *EDRHandler) Telemetry(w http.ResponseWriter, r *http.Request) {
	var payload telemetryPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, h.logger, err)
		return
	}
	in := edr.TelemetryInput{AgentID: payload.AgentID, Host: payload.Host}
	invalid := 0
	for i, item := range payload.Events {
		doc, err := decodeAny(item)
		if err == nil {
			err = h.validator.Telemetry(doc)
		}
		var ev edr.TelemetryEvent
		if err == nil {
			err = decodeInto(item, &ev)
		}
		if err != nil {
			h.logger.Debugf("edr: telemetry item %d from %s skipped: %v", i, payload.AgentID, err)
			h.metrics.TelemetryItemSkipped()
			invalid++
			continue
		}
		in.Events = append(in.Events, ev)
	}
	res, err := h.svc.Telemetry(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	res.Skipped += invalid
	writeJSON(w, http.StatusOK, res)
}

func (h *EDRHandler) CreateAction(w http.ResponseWriter, r *http.Request) {
	var in edr.CreateActionInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	act, err := h.svc.CreateAction(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"action_id": act.ID, "status": act.Status})
}

func (h *EDRHandler) Poll(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	items, err := h.svc.PollActions(r.Context(), agentID, queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": items})
}

type ackPayload struct {
	AgentID string `json:"agent_id"`
}

// Ack returns ok=false when the action is no longer pending.
func (h *EDRHandler) Ack(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var in ackPayload
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ok, err := h.svc.Ack(r.Context(), id, in.AgentID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

type resultPayload struct {
	AgentID string `json:"agent_id"`
	OK      bool   `json:"ok"`
	Result  any    `json:"result"`
}

func (h *EDRHandler) Result(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var in resultPayload
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	status, done, err := h.svc.Result(r.Context(), id, in.AgentID, in.OK, in.Result)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := map[string]any{"ok": done}
	if done {
		out["status"] = status
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *EDRHandler) Endpoints(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListEndpoints(r.Context(), queryInt(r, "limit", 200))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": items})
}

func (h *EDRHandler) History(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	items, err := h.svc.ActionHistory(r.Context(), agentID, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": items})
}

func (h *EDRHandler) GetAction(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	act, err := h.svc.GetAction(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, act)
}
