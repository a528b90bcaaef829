package appbootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"berkut-siem/config"
	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	cfg    *config.AppConfig
	logger *utils.Logger
	db     *sql.DB
	comp   *runtimeComposition
}

// New opens the database, applies migrations and wires every component.
func New(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) (*App, error) {
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if !store.FTSAvailable(ctx, db) {
		logger.Printf("store: fts5 unavailable, /search falls back to LIKE")
	}
	comp, err := composeRuntime(cfg, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &App{cfg: cfg, logger: logger, db: db, comp: comp}, nil
}

// Run serves until ctx is cancelled or the listener fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	for _, w := range a.comp.workers {
		w.StartWithContext(ctx)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.comp.server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Printf("%s: shutting down", AppName)
	case runErr = <-errCh:
		if runErr != nil {
			a.logger.Errorf("%s: listener stopped: %v", AppName, runErr)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.comp.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	for _, w := range a.comp.workers {
		if err := w.StopWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker stop: %w", err))
		}
	}
	for _, c := range a.comp.closers {
		c()
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("db close: %w", err))
	}
	return errors.Join(errs...)
}
