// Package server hosts the hub behind an HTTP listener: the websocket
// endpoint plus the operational endpoints (/metrics, /healthz, /readyz).
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/HappyFarang/newways-hub/internal/config"
	"github.com/HappyFarang/newways-hub/internal/hub"
	"github.com/HappyFarang/newways-hub/internal/registry"
	"github.com/HappyFarang/newways-hub/internal/router"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HubServer wires dependencies and hosts the HTTP server.
type HubServer struct {
	cfg      config.Config
	log      *zap.Logger
	registry registry.Registry
	router   *router.Router
	hub      *hub.Hub
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	ready    atomic.Bool
}

// NewHubServer constructs a server with its dependencies. The router must
// already carry its handler registrations.
func NewHubServer(cfg config.Config, logger *zap.Logger, reg registry.Registry, rt *router.Router) *HubServer {
	if reg == nil {
		reg = registry.NewInMemory(0)
	}
	if rt == nil {
		rt = router.New(logger, cfg.Router.HandlerTimeout)
	}
	return &HubServer{
		cfg:      cfg,
		log:      logger,
		registry: reg,
		router:   rt,
	}
}

// Start boots the HTTP server and blocks until shutdown.
func (s *HubServer) Start(ctx context.Context) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	s.hub = hub.New(s.log, s.registry, s.router, hub.Options{
		Metrics:          hub.NewMetrics(promReg),
		SendBuffer:       s.cfg.Transport.SendBuffer,
		WriteTimeout:     s.cfg.Transport.WriteTimeout,
		PongTimeout:      s.cfg.Transport.PongTimeout,
		ReadLimit:        s.cfg.Transport.ReadLimit,
		SweepInterval:    s.cfg.Cleanup.SweepInterval,
		MaxConnectionAge: s.cfg.Cleanup.MaxConnectionAge,
	})
	s.hub.StartSweeper(ctx)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(s.cfg.Server.AllowedOrigins),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           r,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("hub listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	err := s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func (s *HubServer) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}
	s.hub.HandleConnection(r.Context(), ws, r.RemoteAddr, r.UserAgent())
}

// Shutdown closes live sessions, then stops the listener; the context bounds
// how long the HTTP drain may take before a forced close.
func (s *HubServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.hub != nil {
		s.hub.CloseAll("server shutdown")
	}
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("graceful shutdown timed out; forcing stop", zap.Error(err))
		_ = s.httpSrv.Close()
		return
	}
	s.log.Info("hub server stopped")
}

// originChecker allows every origin when the list is empty (non-browser
// clients send no Origin header at all); otherwise it requires an exact
// match against the configured list.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
