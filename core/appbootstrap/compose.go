package appbootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"berkut-siem/api"
	"berkut-siem/api/handlers"
	"berkut-siem/config"
	"berkut-siem/core/backups"
	"berkut-siem/core/correlate"
	"berkut-siem/core/edr"
	"berkut-siem/core/mdr"
	"berkut-siem/core/metrics"
	"berkut-siem/core/notify"
	"berkut-siem/core/pipeline"
	"berkut-siem/core/rules"
	"berkut-siem/core/scheduler"
	"berkut-siem/core/store"
	"berkut-siem/core/threatintel"
	"berkut-siem/core/utils"
)

const AppName = "berkut-siem"

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

// BackgroundWorker is anything the app starts after the listener and stops on shutdown.
type BackgroundWorker interface {
	StartWithContext(ctx context.Context)
	StopWithContext(ctx context.Context) error
}

type runtimeComposition struct {
	server  *api.Server
	workers []BackgroundWorker
	closers []func()
}

func composeRuntime(cfg *config.AppConfig, db *sql.DB, logger *utils.Logger) (*runtimeComposition, error) {
	stores := store.NewStores(db)
	m := metrics.New()
	comp := &runtimeComposition{}

	loaded, err := rules.LoadRules(cfg.RulesPath, logger)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	ruleEngine := rules.NewEngine(loaded, logger)

	dispatcher, err := buildDispatcher(cfg.Notify, logger, m, comp)
	if err != nil {
		return nil, err
	}
	mdrSvc := mdr.NewService(stores.Incidents, stores.Alerts, stores.Audit, cfg.MDR, logger)

	hooks := []pipeline.AlertHook{}
	if dispatcher.Enabled() {
		hooks = append(hooks, dispatcher.Dispatch)
	}
	if cfg.MDR.AutoIncidentEnabled {
		hooks = append(hooks, func(ctx context.Context, alert store.Alert, _ *store.Event) {
			if inc, created, err := mdrSvc.AutoOpen(ctx, alert); err != nil {
				logger.Errorf("mdr: auto incident for alert %d: %v", alert.ID, err)
			} else if created {
				logger.Printf("mdr: opened incident %d for alert %d (%s)", inc.ID, alert.ID, alert.RuleID)
			}
		})
	}

	p := pipeline.New(pipeline.Deps{
		Events:    stores.Events,
		Alerts:    stores.Alerts,
		Rules:     ruleEngine,
		Correlate: correlate.NewEngine(stores.Correlation, stores.Alerts, correlate.FromConfig(cfg.Correlation), logger),
		TI:        threatintel.NewMatcher(stores.IOCs, stores.Alerts, logger),
		Metrics:   m,
		Logger:    logger,
	}, hooks...)

	gate, err := edr.NewGate(cfg.EDR.DangerousAllowlist)
	if err != nil {
		return nil, fmt.Errorf("edr allowlist: %w", err)
	}
	if len(cfg.EDR.DangerousAllowlist) == 0 {
		logger.Printf("edr: dangerous action allowlist is empty, isolate/block actions are denied")
	}
	edrSvc := edr.NewService(edr.Deps{
		EDR:      stores.EDR,
		Events:   stores.Events,
		Audits:   stores.Audit,
		Pipeline: p,
		Gate:     gate,
		Metrics:  m,
		Logger:   logger,
	}, cfg.EDR)

	backupsSvc := backups.NewService(cfg.Backups, db, stores.Stats, stores.Audit, logger)

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(cfg.Scheduler, edrSvc, stores.Audit, logger)
		if err != nil {
			return nil, err
		}
		if err := sched.AddBackupJob(cfg.Backups.Schedule, backupsSvc); err != nil {
			return nil, err
		}
		comp.workers = append(comp.workers, sched)
	}

	srv, err := api.NewServer(cfg, api.Deps{
		Stores:   stores,
		Pipeline: p,
		EDR:      edrSvc,
		MDR:      mdrSvc,
		Rules:    ruleEngine,
		Metrics:  m,
		Backups:  backupsSvc,
		Info: handlers.Info{
			Name:               AppName,
			Version:            Version,
			AuthEnabled:        cfg.Security.AuthEnabled(),
			DangerousAllowlist: cfg.EDR.DangerousAllowlist,
			NotifySinks:        dispatcher.Sinks(),
			AutoIncident:       cfg.MDR.AutoIncidentEnabled,
			SchedulerEnabled:   cfg.Scheduler.Enabled,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	comp.server = srv
	return comp, nil
}

func buildDispatcher(cfg config.NotifyConfig, logger *utils.Logger, m *metrics.Metrics, comp *runtimeComposition) (*notify.Dispatcher, error) {
	var sinks []notify.Sink
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookTimeout))
	}
	if cfg.NATSURL != "" {
		nc, err := notify.DialNATS(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("nats %s: %w", cfg.NATSURL, err)
		}
		sink := notify.NewNATSSink(nc, cfg.NATSSubject)
		comp.closers = append(comp.closers, sink.Close)
		sinks = append(sinks, sink)
		logger.Printf("notify: publishing alerts to nats subject %s.<severity>", sink.Subject())
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		var thread *int64
		if cfg.TelegramThreadID != 0 {
			id := cfg.TelegramThreadID
			thread = &id
		}
		sinks = append(sinks, notify.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID, thread, cfg.WebhookTimeout))
	}
	return notify.NewDispatcher(cfg.MinSeverity, cfg.WebhookTimeout, logger, m, sinks...), nil
}
