package backups

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"berkut-siem/api/handlers"
	corebackups "berkut-siem/core/backups"
	"berkut-siem/core/utils"

	"github.com/go-chi/chi/v5"
)

// ServicePort is the subset of the snapshot service the HTTP layer needs.
type ServicePort interface {
	ListArtifacts(ctx context.Context) ([]corebackups.Artifact, error)
	CreateBackup(ctx context.Context, label, actor string) (*corebackups.Artifact, error)
	DeleteBackup(ctx context.Context, filename, actor string) error
}

type Handler struct {
	svc    ServicePort
	logger *utils.Logger
}

func NewHandler(svc ServicePort, logger *utils.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListArtifacts(r.Context())
	if err != nil {
		handlers.WriteError(w, h.logger, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Label string `json:"label"`
	}{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			handlers.WriteErrorKind(w, utils.KindValidation, "invalid json")
			return
		}
	}
	art, err := h.svc.CreateBackup(r.Context(), payload.Label, currentActor(r))
	if err != nil {
		handlers.WriteError(w, h.logger, err)
		return
	}
	handlers.WriteJSON(w, http.StatusCreated, map[string]any{"item": art})
}

func (h *Handler) DeleteBackup(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if err := h.svc.DeleteBackup(r.Context(), name, currentActor(r)); err != nil {
		handlers.WriteError(w, h.logger, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func currentActor(r *http.Request) string {
	if p := handlers.Principal(r); p != "" {
		return p
	}
	return "anonymous"
}
