// Package diagnostics exposes the supervision core over HTTP: health,
// Prometheus metrics, registry snapshots and a live log tail.
package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/overwatch/internal/supervision"
	"github.com/harun/overwatch/pkg/commandqueue"
	"github.com/rs/zerolog"
)

const writeTimeout = 5 * time.Second

// Config holds server configuration
type Config struct {
	Addr   string
	Core   *supervision.Core
	Queue  *commandqueue.CommandQueue
	Logger zerolog.Logger
}

// Server is the diagnostics HTTP server
type Server struct {
	addr     string
	core     *supervision.Core
	queue    *commandqueue.CommandQueue
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a diagnostics server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Core == nil {
		return nil, fmt.Errorf("supervision core is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9464"
	}

	return &Server{
		addr:   cfg.Addr,
		core:   cfg.Core,
		queue:  cfg.Queue,
		logger: cfg.Logger.With().Str("component", "diagnostics").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /diagnostics/logs", s.handleLogs)
	mux.HandleFunc("GET /diagnostics/logs/stream", s.handleLogStream)
	mux.HandleFunc("GET /diagnostics/costs", s.handleCosts)
	mux.HandleFunc("GET /diagnostics/sops", s.handleSOPs)
	mux.HandleFunc("GET /diagnostics/breakers", s.handleBreakers)
	mux.HandleFunc("GET /diagnostics/queue", s.handleQueue)
	if m := s.core.Metrics(); m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	return mux
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting diagnostics server")

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Diagnostics server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info().Msg("Shutting down diagnostics server")
	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := Check(s.core)
	status := http.StatusOK
	if health.Status != StatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// handleLogs returns buffered entries, optionally the newest ?limit=n
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries := s.core.Logs().Entries()

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		if limit < len(entries) {
			entries = entries[len(entries)-limit:]
		}
	}
	if traceID := r.URL.Query().Get("trace_id"); traceID != "" {
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.TraceID == traceID {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCosts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Costs().GetAllCosts())
}

func (s *Server) handleSOPs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.SOPs().GetAllStats())
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Breakers().Snapshot())
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	if s.queue == nil {
		writeJSON(w, http.StatusOK, map[string]commandqueue.LaneStats{})
		return
	}
	writeJSON(w, http.StatusOK, s.queue.GetStats())
}

// handleLogStream upgrades to a websocket and pushes every new log entry
// as a JSON message until the client goes away. ?replay=true sends the
// buffered entries first.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	entries, cancel := s.core.Logs().Subscribe(64)
	defer cancel()

	if r.URL.Query().Get("replay") == "true" {
		for _, e := range s.core.Logs().Entries() {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug().Err(err).Msg("Log stream client dropped")
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
