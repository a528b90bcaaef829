package backups

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"berkut-siem/api/handlers"
	corebackups "berkut-siem/core/backups"
	"berkut-siem/core/utils"

	"github.com/go-chi/chi/v5"
)

type routeMockService struct {
	created []string
	deleted []string
}

func (m *routeMockService) ListArtifacts(ctx context.Context) ([]corebackups.Artifact, error) {
	return []corebackups.Artifact{{Filename: "siem_a.db"}}, nil
}

func (m *routeMockService) CreateBackup(ctx context.Context, label, actor string) (*corebackups.Artifact, error) {
	m.created = append(m.created, label+"|"+actor)
	return &corebackups.Artifact{Filename: "siem_" + label + ".db", Label: label}, nil
}

func (m *routeMockService) DeleteBackup(ctx context.Context, filename, actor string) error {
	if filename == "missing" {
		return utils.NotFound("backup %s", filename)
	}
	m.deleted = append(m.deleted, filename)
	return nil
}

func newTestRouter(svc ServicePort) http.Handler {
	r := chi.NewRouter()
	RegisterRoutes(r, RouteDeps{
		WithAuth: func(next http.HandlerFunc) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-API-Key") != "k" {
					handlers.WriteErrorKind(w, utils.KindUnauthorized, "authentication required")
					return
				}
				next(w, r.WithContext(handlers.WithPrincipal(r.Context(), "alice")))
			}
		},
		Handler: NewHandler(svc, nil),
	})
	return r
}

func TestBackupRoutesRequireAuth(t *testing.T) {
	router := newTestRouter(&routeMockService{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/backups"},
		{http.MethodPost, "/backups"},
		{http.MethodDelete, "/backups/siem_a.db"},
	} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", tc.method, tc.path, rr.Code)
		}
	}
}

func TestBackupRoutesCreateListDelete(t *testing.T) {
	svc := &routeMockService{}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/backups", strings.NewReader(`{"label":"nightly"}`))
	req.Header.Set("X-API-Key", "k")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	if len(svc.created) != 1 || svc.created[0] != "nightly|alice" {
		t.Fatalf("unexpected create calls: %v", svc.created)
	}

	req = httptest.NewRequest(http.MethodGet, "/backups", nil)
	req.Header.Set("X-API-Key", "k")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	var list struct {
		Items []corebackups.Artifact `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil || len(list.Items) != 1 {
		t.Fatalf("list: %v %s", err, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodDelete, "/backups/siem_a.db", nil)
	req.Header.Set("X-API-Key", "k")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || len(svc.deleted) != 1 || svc.deleted[0] != "siem_a.db" {
		t.Fatalf("delete: %d %v", rr.Code, svc.deleted)
	}

	req = httptest.NewRequest(http.MethodDelete, "/backups/missing", nil)
	req.Header.Set("X-API-Key", "k")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing backup, got %d", rr.Code)
	}
}

func TestCreateBackupRejectsBadJSON(t *testing.T) {
	router := newTestRouter(&routeMockService{})
	req := httptest.NewRequest(http.MethodPost, "/backups", strings.NewReader(`{bad`))
	req.Header.Set("X-API-Key", "k")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
