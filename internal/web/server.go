// Package web exposes the engine over HTTP: the triage feed and its
// transitions, the reconciliation protocol, batch run control and the
// tolerance administration surface.
package web

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/viasinal/cadmatch/internal/designcheck"
	"github.com/viasinal/cadmatch/internal/runner"
	"github.com/viasinal/cadmatch/internal/store"
	"github.com/viasinal/cadmatch/internal/tolerance"
	"github.com/viasinal/cadmatch/internal/triage"
	"github.com/viasinal/cadmatch/internal/web/handlers"
	"github.com/viasinal/cadmatch/internal/web/middleware"
)

// Server represents the web server
type Server struct {
	config     *Config
	log        *logrus.Logger
	httpServer *http.Server
	router     *mux.Router
}

// Deps are the engine components the HTTP surface drives.
type Deps struct {
	Store    store.Store
	Runner   *runner.Runner
	Detector *designcheck.Detector
	Machine  *triage.Machine
	Registry *tolerance.Registry
}

// NewServer creates a new web server instance
func NewServer(config *Config, deps Deps, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}

	server := &Server{
		config: config,
		log:    log,
	}
	server.setupRoutes(deps)

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler:      server.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(deps Deps) {
	s.router = mux.NewRouter()

	api := &handlers.API{
		Store:    deps.Store,
		Runner:   deps.Runner,
		Detector: deps.Detector,
		Machine:  deps.Machine,
		Registry: deps.Registry,
		Log:      s.log,
	}

	r := s.router.PathPrefix("/api").Subrouter()

	r.HandleFunc("/health", api.Health).Methods("GET")

	// Triage queue.
	r.HandleFunc("/triage", api.TriageFeed).Methods("GET")
	r.HandleFunc("/triage/{id:[0-9]+}/approve", api.ApproveTriage).Methods("POST")
	r.HandleFunc("/triage/{id:[0-9]+}/reject", api.RejectTriage).Methods("POST")
	r.HandleFunc("/triage/{id:[0-9]+}/revert", api.RevertTriage).Methods("POST")

	// Reconciliation protocol.
	r.HandleFunc("/necessities/{id:[0-9]+}", api.GetNecessity).Methods("GET")
	r.HandleFunc("/necessities/{id:[0-9]+}/submit", api.SubmitReconciliation).Methods("POST")
	r.HandleFunc("/necessities/{id:[0-9]+}/divergence", api.ResolveDivergence).Methods("POST")
	r.HandleFunc("/reconciliations/{id:[0-9]+}/approve", api.ApproveReconciliation).Methods("POST")
	r.HandleFunc("/reconciliations/{id:[0-9]+}/reject", api.RejectReconciliation).Methods("POST")

	// Batch control.
	r.HandleFunc("/match/run", api.StartRun).Methods("POST")
	r.HandleFunc("/match/stop", api.StopRun).Methods("POST")
	r.HandleFunc("/match/progress", api.RunProgress).Methods("GET")
	r.HandleFunc("/match/reset", api.ResetDecisions).Methods("POST")
	r.HandleFunc("/design-check/run", api.RunDesignCheck).Methods("POST")

	// Tolerance administration.
	r.HandleFunc("/tolerances", api.ListTolerances).Methods("GET")
	r.HandleFunc("/tolerances", api.SaveTolerance).Methods("PUT")

	s.router.Use(middleware.CORS())
	s.router.Use(middleware.RequestLogging(s.log))
}

// Start starts the web server and blocks until shutdown.
func (s *Server) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		s.log.WithField("addr", s.httpServer.Addr).Info("starting server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("server error")
		}
	}()

	<-stop
	s.log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

// Handler exposes the configured router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
