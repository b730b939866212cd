package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/breeze-rmm/frametiming/internal/health"
	"github.com/breeze-rmm/frametiming/internal/osd"
	"github.com/breeze-rmm/frametiming/internal/timing"
)

// Server serves /metrics, /ws and /healthz.
type Server struct {
	Collector *Collector
	Hub       *Hub

	health *health.Tracker
	srv    *http.Server
	ln     net.Listener
}

func NewServer(addr string, tracker *health.Tracker) *Server {
	s := &Server{
		Collector: NewCollector(),
		Hub:       NewHub(),
		health:    tracker,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.Collector.Registry(), promhttp.HandlerOpts{}))
	mux.Handle("/ws", s.Hub)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Publish pushes one round of snapshots to metrics and subscribers. The
// display loop calls it; nothing here reads engine state directly.
func (s *Server) Publish(snaps []timing.MonitorSnapshot) {
	s.Collector.Observe(snaps)
	s.Hub.PublishStats(snaps)
}

// Show implements osd.Sink: mode changes are counted and streamed.
func (s *Server) Show(ctx context.Context, n osd.Notification) error {
	s.Collector.ModeChanged(n.Monitor)
	return s.Hub.Show(ctx, n)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("diagnostics server stopped", "error", err)
		}
	}()
	log.Info("diagnostics server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

// Shutdown disconnects subscribers and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Hub.Close()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	summary := map[string]any{"status": string(health.Unknown)}
	status := http.StatusOK
	if s.health != nil {
		summary = s.health.Summary()
		if s.health.Overall() == health.Unhealthy {
			status = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(summary)
}
