// Package api exposes the controller's user-facing HTTP surface: auth,
// the student booking endpoints, and the admin plane.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stintlab/stint/pkg/log"
	"github.com/stintlab/stint/pkg/manager"
	"github.com/stintlab/stint/pkg/metrics"
	"github.com/stintlab/stint/pkg/types"
)

// Server is the controller HTTP API
type Server struct {
	manager *manager.Manager
	logger  zerolog.Logger
	router  chi.Router
}

// NewServer creates the API server over the manager
func NewServer(mgr *manager.Manager) *Server {
	s := &Server{
		manager: mgr,
		logger:  log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.requestMetrics)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
		})

		r.Route("/student", func(r chi.Router) {
			r.Use(s.requireRole(types.RoleStudent))
			r.Post("/book", s.handleCreateBooking)
			r.Get("/bookings", s.handleListOwnBookings)
			r.Post("/bookings/{id}/cancel", s.handleCancelBooking)
			r.Get("/profile", s.handleProfile)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireRole(types.RoleAdmin))
			r.Get("/bookings", s.handleListBookings)
			r.Post("/approve/{id}", s.handleApprove)
			r.Post("/reject/{id}", s.handleReject)
			r.Post("/extend/{id}", s.handleExtend)
			r.Get("/agents", s.handleListAgents)
			r.Post("/agents/{id}/status", s.handleAgentStatus)
			r.Get("/stats", s.handleStats)
		})
	})
	s.router = r

	return s
}

// Router returns the HTTP handler for tests and embedding
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves the API on addr
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API listening")
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}
