package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wraps the HTTP server of the environment API.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer creates the API server with logging and panic recovery.
func NewServer(cfg ServerConfig, handler *Handler, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "http-api").Logger()

	return &Server{
		httpServer: &http.Server{
			Addr: cfg.Address,
			Handler: Chain(
				handler.Routes(),
				Logging(logger),
				Recover(logger),
			),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		logger: logger,
	}
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info().Str("address", l.Addr().String()).Msg("HTTP API listening")
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP API server")
	return s.httpServer.Shutdown(ctx)
}
