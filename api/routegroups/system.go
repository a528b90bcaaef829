package routegroups

import (
	"net/http"

	"berkut-siem/api/handlers"
	"github.com/go-chi/chi/v5"
)

func RegisterSystem(r chi.Router, g Guards, sys *handlers.SystemHandler, logs *handlers.LogsHandler, metrics http.Handler) {
	r.MethodFunc("GET", "/health", g.Auth(sys.Health))
	r.MethodFunc("GET", "/stats", g.Auth(sys.Stats))
	r.MethodFunc("GET", "/web/info", g.Auth(sys.Info))
	r.MethodFunc("GET", "/web/bootstrap", g.Auth(sys.Bootstrap))
	r.MethodFunc("GET", "/rules", g.Auth(sys.Rules))
	r.MethodFunc("POST", "/rules/reload", g.Auth(sys.ReloadRules))
	r.MethodFunc("GET", "/audit", g.Auth(logs.List))
	r.MethodFunc("GET", "/audit/export", g.Auth(logs.Export))
	r.MethodFunc("GET", "/metrics", g.Auth(metrics.ServeHTTP))
}
