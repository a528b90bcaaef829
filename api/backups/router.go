package backups

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type RouteDeps struct {
	WithAuth func(http.HandlerFunc) http.HandlerFunc
	Handler  *Handler
}

func RegisterRoutes(r chi.Router, deps RouteDeps) {
	h := deps.Handler
	withAuth := deps.WithAuth

	r.MethodFunc(http.MethodGet, "/backups", withAuth(h.ListBackups))
	r.MethodFunc(http.MethodPost, "/backups", withAuth(h.CreateBackup))
	r.MethodFunc(http.MethodDelete, "/backups/{name}", withAuth(h.DeleteBackup))
}
