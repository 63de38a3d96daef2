// Package api serves the scoring session over HTTP: model and dataset management,
// background inference passes with a WebSocket progress stream, evaluation, export,
// the run archive and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ServerOptions configures the HTTP listener.
type ServerOptions struct {
	Port           int
	AllowedOrigins []string
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server owns the HTTP listener and every open progress stream.
type Server struct {
	handler   *Handler
	server    *http.Server
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	isRunning bool
	mu        sync.Mutex
}

// NewServer builds the router around h. The server is not listening until Start.
func NewServer(h *Handler, opts ServerOptions) *Server {
	s := &Server{
		handler:  h,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]bool),
	}

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", opts.Port),
		Handler:     s.Router(opts),
		ReadTimeout: 30 * time.Second,
		// no WriteTimeout: it would cut long-lived progress streams
	}
	return s
}

// Router returns the full route tree. Exposed for tests.
func (s *Server) Router(opts ServerOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.handler.RegisterRoutes(r)
	r.Get("/api/predict/stream", s.handleStream)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	return r
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return errors.New("server is already running")
	}

	go func() {
		log.Info().Str("address", s.server.Addr).Msg("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	s.isRunning = true
	return nil
}

// Stop closes every progress stream and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.clientsMu.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.clientsMu.Unlock()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down HTTP server")
		return err
	}

	s.isRunning = false
	log.Info().Msg("HTTP server stopped")
	return nil
}

// handleStream relays every pass's progress to one WebSocket client until it
// disconnects. The subscription is taken before the upgrade so no message sent after
// the handshake completes is missed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	updates, cancel := s.handler.session.Subscribe()
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, conn)
		s.clientsMu.Unlock()
	}()

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
		case <-closed:
			return
		case p, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(p)
			if err != nil {
				log.Error().Err(err).Msg("Failed to marshal progress")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("Progress stream client went away")
				return
			}
		}
	}
}
