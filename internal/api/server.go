// Package api exposes a local diagnostics HTTP server for the monitor
// daemon: device and alarm snapshots plus connection health, readable
// with curl while the daemon runs.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"abodebridge/internal/abode"
	"abodebridge/internal/events"
)

// Server serves read-only diagnostics over HTTP.
type Server struct {
	client *abode.Client
	events *events.Controller
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a diagnostics server. events may be nil when the
// real-time connection is disabled.
func NewServer(client *abode.Client, controller *events.Controller, logger *zap.Logger, port int) *Server {
	s := &Server{
		client: client,
		events: controller,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/alarm", s.handleAlarm)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the route handler, used by tests to serve without a
// listening socket.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.logger, map[string]string{"status": "ok"})
}

// StatusResponse reports both the API session and the event connection.
type StatusResponse struct {
	API       string `json:"api"`
	APIError  string `json:"api_error,omitempty"`
	Events    string `json:"events"`
	Connected bool   `json:"connected"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, lastErr := s.client.ConnectionStatus()
	resp := StatusResponse{
		API:    status,
		Events: "disabled",
	}
	if lastErr != nil {
		resp.APIError = lastErr.Error()
	}
	if s.events != nil {
		resp.Events = string(s.events.Status())
		resp.Connected = s.events.Connected()
	}

	writeJSON(w, s.logger, resp)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	devices, err := s.client.GetDevices(r.Context())
	if err != nil {
		s.logger.Error("Device snapshot failed", zap.Error(err))
		http.Error(w, "Failed to fetch devices", http.StatusBadGateway)
		return
	}

	writeJSON(w, s.logger, devices)
}

// AlarmResponse is the panel snapshot served at /api/alarm.
type AlarmResponse struct {
	DeviceID string `json:"device_id"`
	Mode     string `json:"mode"`
	Armed    bool   `json:"armed"`
}

func (s *Server) handleAlarm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	alarm, err := s.client.GetAlarm(r.Context())
	if err != nil {
		s.logger.Error("Alarm snapshot failed", zap.Error(err))
		http.Error(w, "Failed to fetch alarm state", http.StatusBadGateway)
		return
	}

	writeJSON(w, s.logger, AlarmResponse{
		DeviceID: alarm.ID,
		Mode:     alarm.Mode,
		Armed:    alarm.Mode != abode.ModeStandby,
	})
}

// handleSitemap lists the endpoints. It returns 404 so probes hitting the
// root do not read as healthy.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "Abode bridge diagnostics\n")
	fmt.Fprintf(w, "========================\n\n")
	fmt.Fprintf(w, "  GET /health       liveness check\n")
	fmt.Fprintf(w, "  GET /api/status   API session and event connection state\n")
	fmt.Fprintf(w, "  GET /api/devices  current device registry\n")
	fmt.Fprintf(w, "  GET /api/alarm    panel arm state\n")
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.Info("Starting diagnostics server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Diagnostics server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("Stopping diagnostics server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown diagnostics server: %w", err)
	}
	return nil
}
