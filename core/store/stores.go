package store

import "database/sql"

type Stores struct {
	DB          *sql.DB
	Events      EventsStore
	Alerts      AlertsStore
	Correlation CorrelationStore
	EDR         EDRStore
	IOCs        IOCStore
	Incidents   IncidentsStore
	Audit       AuditStore
	Stats       StatsStore
}

func NewStores(db *sql.DB) *Stores {
	return &Stores{
		DB:          db,
		Events:      NewEventsStore(db),
		Alerts:      NewAlertsStore(db),
		Correlation: NewCorrelationStore(db),
		EDR:         NewEDRStore(db),
		IOCs:        NewIOCStore(db),
		Incidents:   NewIncidentsStore(db),
		Audit:       NewAuditStore(db),
		Stats:       NewStatsStore(db),
	}
}
