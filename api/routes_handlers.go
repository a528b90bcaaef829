package api

import "berkut-siem/api/handlers"

type routeHandlers struct {
	system    *handlers.SystemHandler
	logs      *handlers.LogsHandler
	events    *handlers.EventsHandler
	edr       *handlers.EDRHandler
	ti        *handlers.ThreatIntelHandler
	incidents *handlers.IncidentsHandler
}

func (s *Server) newRouteHandlers() routeHandlers {
	return routeHandlers{
		system: handlers.NewSystemHandler(handlers.SystemDeps{
			Stores:    s.stores,
			EDR:       s.edrSvc,
			Rules:     s.rules,
			RulesPath: s.cfg.RulesPath,
			Info:      s.info,
			Logger:    s.logger,
		}),
		logs:      handlers.NewLogsHandler(s.stores.Audit, s.logger),
		events:    handlers.NewEventsHandler(s.stores.Events, s.stores.Alerts, s.pipeline, s.validator, s.logger),
		edr:       handlers.NewEDRHandler(s.edrSvc, s.validator, s.metrics, s.logger),
		ti:        handlers.NewThreatIntelHandler(s.stores.IOCs, s.stores.Audit, s.logger),
		incidents: handlers.NewIncidentsHandler(s.mdrSvc, s.logger),
	}
}
