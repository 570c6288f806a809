package smtp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/fenilsonani/mail-automation/internal/config"
	"github.com/fenilsonani/mail-automation/internal/logging"
)

// Server wraps the go-smtp server
type Server struct {
	srv      *smtp.Server
	listen   string
	listener net.Listener
	logger   *logging.Logger
}

// NewServer creates the ingest listener.
func NewServer(backend *Backend, cfg config.IngestConfig, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	srv := smtp.NewServer(backend)
	srv.Domain = cfg.Domain
	srv.ReadTimeout = 60 * time.Second
	srv.WriteTimeout = 60 * time.Second
	srv.MaxMessageBytes = int64(cfg.MaxMessageBytes)
	srv.MaxRecipients = 50

	return &Server{srv: srv, listen: cfg.Listen, logger: logger.Ingest()}
}

// ListenAndServe binds the listener and serves in the background.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	s.listener = listener

	s.logger.Info("SMTP ingest listening", "listen", listener.Addr().String())

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			s.logger.Error("SMTP ingest server error", "error", err.Error())
		}
	}()
	return nil
}

// Addr returns the bound address once listening.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the server
func (s *Server) Close() error {
	return s.srv.Close()
}
