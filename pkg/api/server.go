// Package api serves the HTTP control surface: status, connect and
// disconnect, audio volume, and a snapshot of the latest frame.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/video-system/go-usb-capture/pkg/capture"
)

// Controller is the part of the capture pipeline the API drives.
type Controller interface {
	GetStatus() interface{}
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SetAudio(volume *int, mute *bool) error
	Snapshot() image.Image
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host       string
	Port       int
	Controller Controller
	Logger     *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	cfg    ServerConfig
	server *http.Server
	log    *slog.Logger
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, log: log.With("component", "api")}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/connect", s.handleConnect)
	mux.HandleFunc("/api/v1/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/v1/audio", s.handleAudio)
	mux.HandleFunc("/api/v1/frame.png", s.handleFrame)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the API server
func (s *Server) Start() error {
	s.log.Info("API server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// Stop stops the API server
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warn("API shutdown", "error", err)
	}
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		s.Stop()
		return <-errc
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrBusy),
		errors.Is(err, capture.ErrConnected),
		errors.Is(err, capture.ErrNotConnected),
		errors.Is(err, capture.ErrNoAudio):
		return http.StatusConflict
	case errors.Is(err, capture.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "go-usb-capture",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Controller.GetStatus())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.cfg.Controller.Connect(r.Context()); err != nil {
		s.log.Info("connect request failed", "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "connected",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.cfg.Controller.Disconnect(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "disconnected",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Volume *int  `json:"volume"`
		Mute   *bool `json:"mute"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Volume == nil && req.Mute == nil {
		http.Error(w, "volume or mute is required", http.StatusBadRequest)
		return
	}
	if req.Volume != nil && (*req.Volume < 0 || *req.Volume > 100) {
		http.Error(w, "volume must be between 0 and 100", http.StatusBadRequest)
		return
	}

	if err := s.cfg.Controller.SetAudio(req.Volume, req.Mute); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	img := s.cfg.Controller.Snapshot()
	if img == nil {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		s.log.Warn("encode frame", "error", err)
	}
}
