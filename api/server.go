package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	apibackups "berkut-siem/api/backups"
	"berkut-siem/api/handlers"
	"berkut-siem/api/routegroups"
	"berkut-siem/config"
	"berkut-siem/core/edr"
	"berkut-siem/core/mdr"
	"berkut-siem/core/metrics"
	"berkut-siem/core/pipeline"
	"berkut-siem/core/rules"
	"berkut-siem/core/store"
	"berkut-siem/core/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Deps struct {
	Stores    *store.Stores
	Pipeline  *pipeline.Pipeline
	EDR       *edr.Service
	MDR       *mdr.Service
	Rules     *rules.Engine
	Metrics   *metrics.Metrics
	Backups   apibackups.ServicePort
	Validator *handlers.Validator
	Info      handlers.Info
	Logger    *utils.Logger
}

type Server struct {
	cfg       *config.AppConfig
	logger    *utils.Logger
	stores    *store.Stores
	pipeline  *pipeline.Pipeline
	edrSvc    *edr.Service
	mdrSvc    *mdr.Service
	rules     *rules.Engine
	metrics   *metrics.Metrics
	backups   apibackups.ServicePort
	validator *handlers.Validator
	info      handlers.Info
	limiters  []prefixLimiter
	router    chi.Router
	httpSrv   *http.Server
}

func NewServer(cfg *config.AppConfig, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("api: nil config")
	}
	validator := deps.Validator
	if validator == nil {
		v, err := handlers.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("api: %w", err)
		}
		validator = v
	}
	s := &Server{
		cfg:       cfg,
		logger:    deps.Logger,
		stores:    deps.Stores,
		pipeline:  deps.Pipeline,
		edrSvc:    deps.EDR,
		mdrSvc:    deps.MDR,
		rules:     deps.Rules,
		metrics:   deps.Metrics,
		backups:   deps.Backups,
		validator: validator,
		info:      deps.Info,
		limiters:  buildLimiters(cfg.Security.RateLimits),
	}
	s.router = s.routes()
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. A graceful Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("api: listening on %s tls=%t", s.cfg.ListenAddr, s.cfg.TLSEnabled)
	var err error
	if s.cfg.TLSEnabled {
		err = s.httpSrv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.securityHeadersMiddleware)
	r.Use(s.rateLimitMiddleware)
	r.Use(s.bodyMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteErrorKind(w, utils.KindNotFound, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error": map[string]string{"kind": utils.KindValidation, "reason": "method " + r.Method + " not allowed"},
		})
	})

	h := s.newRouteHandlers()
	g := routegroups.Guards{WithAuth: s.requireAuth}
	routegroups.RegisterSystem(r, g, h.system, h.logs, s.metrics.Handler())
	routegroups.RegisterEvents(r, g, h.events)
	routegroups.RegisterEDR(r, g, h.edr)
	routegroups.RegisterThreatIntel(r, g, h.ti)
	routegroups.RegisterMDR(r, g, h.incidents)
	if s.backups != nil {
		apibackups.RegisterRoutes(r, apibackups.RouteDeps{
			WithAuth: s.requireAuth,
			Handler:  apibackups.NewHandler(s.backups, s.logger),
		})
	}
	return r
}
