package routegroups

import (
	"berkut-siem/api/handlers"
	"github.com/go-chi/chi/v5"
)

func RegisterEDR(r chi.Router, g Guards, edr *handlers.EDRHandler) {
	r.Route("/edr", func(edrRouter chi.Router) {
		edrRouter.MethodFunc("POST", "/register", g.Auth(edr.Register))
		edrRouter.MethodFunc("POST", "/telemetry", g.Auth(edr.Telemetry))
		edrRouter.MethodFunc("GET", "/endpoints", g.Auth(edr.Endpoints))
		edrRouter.MethodFunc("POST", "/actions", g.Auth(edr.CreateAction))
		edrRouter.MethodFunc("GET", "/actions/poll", g.Auth(edr.Poll))
		edrRouter.MethodFunc("GET", "/actions/history", g.Auth(edr.History))
		edrRouter.MethodFunc("GET", "/actions/{id:[0-9]+}", g.Auth(edr.GetAction))
		edrRouter.MethodFunc("POST", "/actions/{id:[0-9]+}/ack", g.Auth(edr.Ack))
		edrRouter.MethodFunc("POST", "/actions/{id:[0-9]+}/result", g.Auth(edr.Result))
	})
}
