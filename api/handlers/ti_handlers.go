package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"berkut-siem/core/store"
	"berkut-siem/core/threatintel"
	"berkut-siem/core/utils"
)

type ThreatIntelHandler struct {
	iocs   store.IOCStore
	audits store.AuditStore
	logger *utils.Logger
}

func NewThreatIntelHandler(iocs store.IOCStore, audits store.AuditStore, logger *utils.Logger) *ThreatIntelHandler {
	return &ThreatIntelHandler{iocs: iocs, audits: audits, logger: logger}
}

type iocPayload struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Source string `json:"source"`
	Note   string `json:"note"`
}

type iocResult struct {
	ID      int64  `json:"id"`
	Created bool   `json:"created"`
	Type    string `json:"type"`
	Value   string `json:"value"`
}

func (h *ThreatIntelHandler) List(w http.ResponseWriter, r *http.Request) {
	iocType := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("type")))
	items, err := h.iocs.ListIOCs(r.Context(), iocType, queryInt(r, "limit", 500))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"iocs": items, "types": threatintel.SupportedTypes()})
}

// Create upserts one indicator, or a batch when the body is an array. Adding an
// existing (type, value) pair returns its id with created=false.
func (h *ThreatIntelHandler) Create(w http.ResponseWriter, r *http.Request) {
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
	batch := bytes.HasPrefix(bytes.TrimSpace(raw), []byte("["))
	iocs := make([]store.IOC, 0, len(items))
	for i, item := range items {
		var in iocPayload
		if err := decodeInto(item, &in); err != nil {
			writeError(w, h.logger, utils.Validation("item %d: invalid json", i))
			return
		}
		t, v, err := threatintel.NormalizeIOC(in.Type, in.Value)
		if err != nil {
			if errors.Is(err, threatintel.ErrInvalidIOC) {
				err = utils.Validation("%v", err)
			}
			writeError(w, h.logger, err)
			return
		}
		iocs = append(iocs, store.IOC{Type: t, Value: v, Source: strings.TrimSpace(in.Source), Note: strings.TrimSpace(in.Note)})
	}
	results := make([]iocResult, 0, len(iocs))
	for i := range iocs {
		id, created, err := h.iocs.UpsertIOC(r.Context(), &iocs[i])
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		results = append(results, iocResult{ID: id, Created: created, Type: iocs[i].Type, Value: iocs[i].Value})
		if created {
			h.audit(r, "ti.ioc.create", fmt.Sprintf("id=%d %s=%s", id, iocs[i].Type, iocs[i].Value))
		}
	}
	if batch {
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}
	writeJSON(w, http.StatusOK, results[0])
}

func (h *ThreatIntelHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.iocs.DeleteIOC(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.audit(r, "ti.ioc.delete", fmt.Sprintf("id=%d", id))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *ThreatIntelHandler) audit(r *http.Request, action, details string) {
	if h.audits == nil {
		return
	}
	if err := h.audits.Log(r.Context(), actor(r, ""), action, details); err != nil {
		h.logger.Errorf("audit %s: %v", action, err)
	}
}
