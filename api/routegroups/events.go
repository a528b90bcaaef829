package routegroups

import (
	"berkut-siem/api/handlers"
	"github.com/go-chi/chi/v5"
)

func RegisterEvents(r chi.Router, g Guards, events *handlers.EventsHandler) {
	r.MethodFunc("POST", "/ingest", g.Auth(events.Ingest))
	r.MethodFunc("GET", "/events", g.Auth(events.List))
	r.MethodFunc("GET", "/search", g.Auth(events.Search))
	r.MethodFunc("GET", "/alerts", g.Auth(events.Alerts))
	r.MethodFunc("GET", "/timeline", g.Auth(events.Timeline))
}

func RegisterThreatIntel(r chi.Router, g Guards, ti *handlers.ThreatIntelHandler) {
	r.Route("/ti", func(tiRouter chi.Router) {
		tiRouter.MethodFunc("GET", "/iocs", g.Auth(ti.List))
		tiRouter.MethodFunc("POST", "/iocs", g.Auth(ti.Create))
		tiRouter.MethodFunc("DELETE", "/iocs/{id:[0-9]+}", g.Auth(ti.Delete))
	})
}

func RegisterMDR(r chi.Router, g Guards, incidents *handlers.IncidentsHandler) {
	r.Route("/mdr", func(mdrRouter chi.Router) {
		mdrRouter.MethodFunc("GET", "/incidents", g.Auth(incidents.List))
		mdrRouter.MethodFunc("POST", "/incidents", g.Auth(incidents.Create))
		mdrRouter.MethodFunc("GET", "/incidents/{id:[0-9]+}", g.Auth(incidents.Get))
		mdrRouter.MethodFunc("POST", "/incidents/{id:[0-9]+}", g.Auth(incidents.Update))
		mdrRouter.MethodFunc("POST", "/incidents/{id:[0-9]+}/notes", g.Auth(incidents.AddNote))
	})
}
