package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kmirotor/rotor/pkg/clock"
	"github.com/kmirotor/rotor/pkg/config"
	"github.com/kmirotor/rotor/pkg/health"
	"github.com/kmirotor/rotor/pkg/keys"
	"github.com/kmirotor/rotor/pkg/log"
	"github.com/kmirotor/rotor/pkg/metrics"
	"github.com/kmirotor/rotor/pkg/ratelimit"
	"github.com/kmirotor/rotor/pkg/rotation"
	"github.com/kmirotor/rotor/pkg/state"
	"github.com/kmirotor/rotor/pkg/trace"
)

// Server is the gateway: one catch-all proxy route under the configured
// base path plus a Prometheus endpoint. It owns the full component stack
// and their lifespans.
type Server struct {
	cfg        *config.Config
	registry   *keys.Registry
	store      *state.Store
	engine     *rotation.Engine
	refresher  *health.Refresher
	globalLim  *ratelimit.Limiter
	keyLim     *ratelimit.Limiter
	dispatcher *Dispatcher
	classifier *Classifier
	sink       *trace.Sink
	tz         *time.Location

	httpServer *http.Server
}

// NewServer builds the full stack from a validated configuration: registry,
// persisted state, health refresher, limiters, dispatcher, and trace sink.
func NewServer(cfg *config.Config) (*Server, error) {
	registry := cfg.Registry()
	if registry.Len() == 0 {
		return nil, fmt.Errorf("no keys configured")
	}
	store, err := state.Load(cfg, registry)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		registry:   registry,
		store:      store,
		engine:     rotation.New(registry, cfg),
		refresher:  health.NewRefresher(cfg, registry, store),
		globalLim:  ratelimit.New(cfg.MaxRPS, cfg.MaxRPM),
		keyLim:     ratelimit.New(cfg.MaxRPSPerKey, cfg.MaxRPMPerKey),
		dispatcher: NewDispatcher(cfg.RetryMax, cfg.RetryBaseMS),
		classifier: NewClassifier(cfg),
		sink:       trace.NewSink(cfg.TracePath(), cfg.TraceMaxBytes, cfg.TraceMaxBackups, cfg.EnforcePermissions),
		tz:         clock.ResolveLocation(cfg.TimeZone),
	}

	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.PathPrefix(cfg.BasePath).HandlerFunc(s.handleProxy).Methods(
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, http.MethodHead,
	)
	s.httpServer = &http.Server{
		Addr:    cfg.Listen,
		Handler: router,
	}
	return s, nil
}

// Store exposes the state store for external inspectors.
func (s *Server) Store() *state.Store { return s.store }

// Refresher exposes the health refresher.
func (s *Server) Refresher() *health.Refresher { return s.refresher }

// Start brings the background tasks up in order and serves HTTP until
// Shutdown is called. It blocks.
func (s *Server) Start() error {
	s.store.Start()
	s.sink.Start()
	s.refresher.Start()

	logger := log.WithComponent("server")
	logger.Info().
		Str("listen", s.cfg.Listen).
		Str("base_path", s.cfg.BasePath).
		Str("upstream", s.cfg.UpstreamBaseURL).
		Bool("dry_run", s.cfg.DryRun).
		Int("keys", s.registry.Len()).
		Msg("gateway_started")

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, then unwinds the background tasks in
// reverse startup order: refresher, trace sink (drained), state store
// (final synchronous write).
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.refresher.Stop()
	s.sink.Stop()
	s.store.Stop()
	logger := log.WithComponent("server")
	logger.Info().Msg("gateway_stopped")
	return err
}
