package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/shineum/email2signal/internal/bridge"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// idleTimeout is the maximum time a connection may wait for a command.
const idleTimeout = 60 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":8025").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// Bridge makes the RCPT and DATA decisions.
	Bridge *bridge.Bridge

	// TLSConfig is the TLS configuration for STARTTLS support.
	// If nil, STARTTLS is not advertised and AUTH is allowed in the clear.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	MaxMessageBytes int64
	MaxRecipients   int
}

// Server accepts SMTP connections and hands transactions to the bridge.
type Server struct {
	config  ServerConfig
	auth    *Authenticator
	backend *backend
	smtp    *smtp.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	auth := NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword)
	be := &backend{bridge: cfg.Bridge, auth: auth, ctx: context.Background()}

	s := smtp.NewServer(be)
	s.Addr = cfg.ListenAddr
	s.Domain = cfg.Hostname
	s.ReadTimeout = idleTimeout
	s.WriteTimeout = idleTimeout
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = cfg.MaxRecipients
	s.TLSConfig = cfg.TLSConfig
	s.AllowInsecureAuth = cfg.TLSConfig == nil
	s.ErrorLog = slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn)

	return &Server{
		config:  cfg,
		auth:    auth,
		backend: be,
		smtp:    s,
	}
}

// ListenAndServe listens on the configured address and serves until the
// context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and blocks until the context is cancelled.
// On cancellation it stops accepting new connections and waits up to 30
// seconds for in-flight sessions; deliveries still running after that are
// cancelled and their connections closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	deliveryCtx, cancelDeliveries := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDeliveries()
	s.backend.ctx = deliveryCtx

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"hostname", s.config.Hostname,
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_bytes", s.config.MaxMessageBytes,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.smtp.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, smtp.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("SMTP server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down SMTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.smtp.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		cancelDeliveries()
		s.smtp.Close()
	} else {
		slog.Info("all sessions completed")
	}

	// Shutdown only closes listeners the library has registered; if Serve
	// has not started yet, ln would otherwise stay open and block forever.
	ln.Close()

	<-errCh
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
