// Package api exposes the coordinator over HTTP: a JSON command API, a
// WebSocket state stream and a small status page.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/harmonyfast/internal/config"
	"github.com/markus-barta/harmonyfast/internal/coordinator"
	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/rs/zerolog"
)

// Controller is the part of the coordinator the API drives.
type Controller interface {
	Submit(ctx context.Context, cmd protocol.Command) (*coordinator.Ticket, error)
	Cancel(ctx context.Context, id string) error
	Snapshot() coordinator.State
	RecentLogs(limit int) []coordinator.LogEntry
	Subscribe(buffer int) (<-chan coordinator.State, func())
}

// Catalog supplies the current alias catalog.
type Catalog interface {
	Load() *config.Catalog
}

// Server is the HTTP control surface.
type Server struct {
	addr     string
	log      zerolog.Logger
	ctl      Controller
	catalog  Catalog
	auth     *Auth
	router   *chi.Mux
	upgrader websocket.Upgrader
	started  time.Time
	http     *http.Server
}

// New creates the API server.
func New(cfg *config.Config, ctl Controller, catalog Catalog, log zerolog.Logger) *Server {
	s := &Server{
		addr:    cfg.ListenAddr,
		log:     log.With().Str("component", "api").Logger(),
		ctl:     ctl,
		catalog: catalog,
		auth:    NewAuth(cfg.APITokenHash),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/", s.handleStatusPage)
		r.Get("/ws", s.handleWebSocket)

		r.Route("/api", func(r chi.Router) {
			r.Get("/state", s.handleState)
			r.Get("/logs", s.handleLogs)
			r.Get("/catalog", s.handleCatalog)
			r.Post("/commands", s.handleCommand)
			r.Post("/activities/{alias}", s.handleActivity)
			r.Post("/devices/{alias}/{action}", s.handleDevice)
			r.Post("/status", s.handleStatus)
			r.Delete("/commands/{id}", s.handleCancel)
		})
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if !s.auth.Enabled() {
		s.log.Warn().Msg("API token not configured, requests are not authenticated")
	}
	s.log.Info().Str("addr", s.addr).Msg("starting API server")

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
