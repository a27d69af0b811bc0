package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shineum/smtp-graph-relay/internal/relay"
	"github.com/shineum/smtp-graph-relay/internal/session"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

var (
	metricConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtprelay_smtp_connections_total",
			Help: "Accepted SMTP connections.",
		},
	)
	metricSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtprelay_smtp_sessions_active",
			Help: "SMTP sessions currently open.",
		},
	)
)

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO.
	Hostname string

	// Identity is the validated relay identity. The server refuses to
	// bind unless it can send mail.
	Identity relay.Identity

	// Dispatcher delivers completed transactions.
	Dispatcher session.Dispatcher

	// TLSConfig enables STARTTLS when set.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If either is empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	MaxMessageSize int64
	MaxRecipients  int

	Logger *slog.Logger
}

// Server accepts SMTP connections and runs one Session per connection.
type Server struct {
	config   ServerConfig
	auth     *Authenticator
	log      *slog.Logger
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		log:    log,
	}
}

// Listen binds the listener. It fails without binding when the server has
// no dispatcher or the relay identity was not validated.
func (s *Server) Listen() error {
	id := s.config.Identity
	if id.Address == "" || !id.CanSendMail {
		return relay.E(relay.KindIdentityNotFound, "smtp.Listen",
			"relay identity has not been validated", nil)
	}
	if s.config.Dispatcher == nil {
		return relay.E(relay.KindConfigInconsistency, "smtp.Listen", "no dispatcher configured", nil)
	}
	if s.listener != nil {
		return errors.New("smtp: server already listening")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return relay.E(relay.KindConfigInconsistency, "smtp.Listen", "failed to bind "+s.config.ListenAddr, err)
	}
	s.listener = ln

	s.log.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"identity", id.Address,
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)
	return nil
}

// Serve accepts connections on the bound listener until ctx is cancelled.
// It then stops accepting and waits up to 30 seconds for open sessions.
func (s *Server) Serve(ctx context.Context) error {
	ln := s.listener
	if ln == nil {
		return errors.New("smtp: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down SMTP server")
		ln.Close()
	}()

	limits := session.Options{
		MaxRecipients:  s.config.MaxRecipients,
		MaxMessageSize: s.config.MaxMessageSize,
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.waitForSessions()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Error("accept error", "error", err)
			continue
		}
		metricConnections.Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			metricSessions.Inc()
			defer metricSessions.Dec()

			sess := NewSession(uuid.NewString(), conn, SessionConfig{
				Hostname:   s.config.Hostname,
				Dispatcher: s.config.Dispatcher,
				Auth:       s.auth,
				TLSConfig:  s.config.TLSConfig,
				Limits:     limits,
				Logger:     s.log,
			})
			sess.Handle(ctx)
		}()
	}
}

// ListenAndServe binds and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		s.log.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
