package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"berkut-siem/core/pipeline"
	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

const (
	defaultTimelineWindow = 300.0
	defaultTimelineLimit  = 500
)

var timelinePivots = map[string]struct{}{"": {}, "auto": {}, "agent": {}, "host": {}, "ip": {}, "none": {}}

type EventsHandler struct {
	events    store.EventsStore
	alerts    store.AlertsStore
	pipeline  *pipeline.Pipeline
	validator *Validator
	logger    *utils.Logger
}

func NewEventsHandler(events store.EventsStore, alerts store.AlertsStore, p *pipeline.Pipeline, v *Validator, logger *utils.Logger) *EventsHandler {
	return &EventsHandler{events: events, alerts: alerts, pipeline: p, validator: v, logger: logger}
}

// Ingest accepts one event object or an array of them. Every item is validated
// before any is stored.
func (h *EventsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	items, err := splitItems(raw)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	inputs := make([]pipeline.Input, 0, len(items))
	for i, item := range items {
		doc, err := decodeAny(item)
		if err != nil {
			writeError(w, h.logger, utils.Validation("item %d: invalid json", i))
			return
		}
		if err := h.validator.Ingest(doc); err != nil {
			writeError(w, h.logger, utils.Validation("item %d: %s", i, reasonOf(err)))
			return
		}
		var in pipeline.Input
		if err := decodeInto(item, &in); err != nil {
			writeError(w, h.logger, utils.Validation("item %d: %v", i, err))
			return
		}
		inputs = append(inputs, in)
	}
	stored := make([]store.Event, 0, len(inputs))
	for _, in := range inputs {
		res, err := h.pipeline.Process(r.Context(), in)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		stored = append(stored, res.Event)
	}
	writeJSON(w, http.StatusOK, stored)
}

func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.events.ListEvents(r.Context(), eventFilter(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": items})
}

func (h *EventsHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	items, err := h.events.SearchEvents(r.Context(), q, eventFilter(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "events": items})
}

func (h *EventsHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	filter := eventFilter(r)
	items, err := h.alerts.ListAlerts(r.Context(), store.AlertFilter{
		AgentID: filter.AgentID,
		IP:      filter.IP,
		RuleID:  strings.TrimSpace(r.URL.Query().Get("rule_id")),
		Limit:   filter.Limit,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": items})
}

func (h *EventsHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	eventID := int64(queryInt(r, "event_id", 0))
	if eventID <= 0 {
		writeError(w, h.logger, utils.Validation("event_id is required"))
		return
	}
	pivot := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("pivot")))
	if _, ok := timelinePivots[pivot]; !ok {
		writeError(w, h.logger, utils.Validation("unknown pivot %q", pivot))
		return
	}
	tl, err := h.events.Timeline(r.Context(), eventID,
		queryFloat(r, "before_seconds", defaultTimelineWindow),
		queryFloat(r, "after_seconds", defaultTimelineWindow),
		pivot, queryInt(r, "limit", defaultTimelineLimit))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

// splitItems returns the elements of a JSON array, or the single object as a one-item slice.
func splitItems(raw []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, utils.Validation("request body is required")
	}
	if trimmed[0] != '[' {
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, utils.Validation("invalid json: %v", err)
	}
	if len(items) == 0 {
		return nil, utils.Validation("no events supplied")
	}
	return items, nil
}

func decodeAny(raw []byte) (any, error) {
	var doc any
	err := decodeInto(raw, &doc)
	return doc, err
}

func decodeInto(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(dst)
}

func reasonOf(err error) string {
	if de, ok := err.(*utils.DomainError); ok {
		return de.Reason
	}
	return err.Error()
}
