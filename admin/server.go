// Package admin serves the operator HTTP endpoints: health, Prometheus
// metrics, live tailer state and stored checkpoints.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Server runs the admin router on its own listener
type Server struct {
	addr     string
	handler  http.Handler
	listener net.Listener
	server   *http.Server
}

// NewServer creates a server bound to address:port once started
func NewServer(address string, port int, handler http.Handler) *Server {
	return &Server{
		addr:    fmt.Sprintf("%s:%d", address, port),
		handler: handler,
	}
}

// Start listens and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("address", listener.Addr().String()).Msg("Starting admin HTTP server")
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin HTTP server failed")
		}
	}()
	return nil
}

// Addr returns the bound address, useful when port 0 was requested
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting up to timeout for open requests
func (s *Server) Stop(timeout time.Duration) {
	if s.server == nil {
		return
	}
	log.Info().Msg("Stopping admin HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin HTTP server did not shut down cleanly")
	}
}
