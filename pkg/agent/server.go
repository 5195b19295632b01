// Package agent implements the worker-side HTTP service. It is
// stateless beyond what the local container runtime holds: the
// controller owns all booking state, the agent only starts, stops and
// lists session containers.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/stintlab/stint/pkg/log"
	"github.com/stintlab/stint/pkg/runtime"
	"github.com/stintlab/stint/pkg/types"
)

// DefaultStopGrace is how long a container gets to exit on SIGTERM
// before it is killed
const DefaultStopGrace = 10 * time.Second

// Config holds agent server configuration
type Config struct {
	// AdvertiseHost is the host name used in session access URLs
	AdvertiseHost string

	// StopGrace overrides DefaultStopGrace when non-zero
	StopGrace time.Duration
}

// Server is the agent HTTP service over a container runtime
type Server struct {
	runtime runtime.Runtime
	cfg     Config
	logger  zerolog.Logger
	router  chi.Router
}

// NewServer creates an agent server
func NewServer(rt runtime.Runtime, cfg Config) *Server {
	if cfg.AdvertiseHost == "" {
		cfg.AdvertiseHost = "localhost"
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = DefaultStopGrace
	}

	s := &Server{
		runtime: rt,
		cfg:     cfg,
		logger:  log.WithComponent("agent"),
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Post("/start_container", s.handleStartContainer)
	r.Post("/stop_container/{name}", s.handleStopContainer)
	r.Get("/containers", s.handleListContainers)
	r.Post("/test_image/*", s.handleTestImage)
	s.router = r

	return s
}

// Router returns the HTTP handler for tests and embedding
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves the agent API on addr
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Agent API listening")
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	host, err := os.Hostname()
	if err != nil {
		host = s.cfg.AdvertiseHost
	}

	var cpuPercent float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}
	var memPercent float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"host":           host,
		"cpu_percent":    cpuPercent,
		"memory_percent": memPercent,
	})
}

// startContainerRequest mirrors the controller's start payload
type startContainerRequest struct {
	Image  string `json:"image"`
	CPU    int    `json:"cpu"`
	Memory string `json:"memory"`
	Port   int    `json:"port"`
	UserID int64  `json:"user_id"`
}

func (s *Server) handleStartContainer(w http.ResponseWriter, r *http.Request) {
	var req startContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "Missing image parameter")
		return
	}
	if req.CPU <= 0 {
		req.CPU = 1
	}
	if req.Memory == "" {
		req.Memory = "2g"
	}
	if req.Port == 0 {
		req.Port = 8888
	}

	memBytes, err := types.ParseMemoryBytes(req.Memory)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid memory value: %s", req.Memory))
		return
	}

	if err := s.runtime.EnsureImage(r.Context(), req.Image); err != nil {
		s.logger.Warn().Err(err).Str("image", req.Image).Msg("Image pull failed")
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Image not found: %s", req.Image))
		return
	}

	spec := runtime.SessionSpec{
		UserID:      req.UserID,
		Image:       req.Image,
		CPUCores:    req.CPU,
		MemoryBytes: memBytes,
		Port:        req.Port,
	}

	// A retry after a lost 200 may collide with the container it already
	// created; regenerating the name keeps retries from failing
	var name string
	for attempt := 0; attempt < 5; attempt++ {
		name = sessionName(req.UserID)
		err = s.runtime.StartSession(r.Context(), name, spec)
		if !errors.Is(err, runtime.ErrAlreadyExists) {
			break
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Str("image", req.Image).Msg("Failed to start container")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Container error: %v", err))
		return
	}

	s.logger.Info().
		Str("container", name).
		Int("port", req.Port).
		Msg("Container started")

	writeJSON(w, http.StatusOK, map[string]any{
		"container_name": name,
		"url":            fmt.Sprintf("http://%s:%d", s.cfg.AdvertiseHost, req.Port),
		"port":           req.Port,
	})
}

func (s *Server) handleStopContainer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := s.runtime.StopSession(r.Context(), name, s.cfg.StopGrace)
	if errors.Is(err, runtime.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Container not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("container", name).Msg("Failed to stop container")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info().Str("container", name).Msg("Container stopped")
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Container stopped", "name": name})
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.runtime.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(sessions))
	for _, c := range sessions {
		id := c.ID
		if len(id) > 12 {
			id = id[:12]
		}
		out = append(out, map[string]any{
			"id":     id,
			"name":   c.Name,
			"status": c.Status,
			"labels": c.Labels,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTestImage(w http.ResponseWriter, r *http.Request) {
	image := chi.URLParam(r, "*")
	if image == "" {
		writeError(w, http.StatusBadRequest, "Missing image parameter")
		return
	}

	if err := s.runtime.EnsureImage(r.Context(), image); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to pull image: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": fmt.Sprintf("Image %s available", image)})
}

// sessionName builds a container name from the user id and a 5-digit
// random suffix
func sessionName(userID int64) string {
	return fmt.Sprintf("compute_%d_%d", userID, 10000+rand.IntN(90000))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
