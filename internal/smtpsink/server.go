package smtpsink

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for a capture server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// TLSConfig enables STARTTLS, or wraps every connection when ImplicitTLS
	// is set. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// ImplicitTLS starts TLS before the greeting is sent.
	ImplicitTLS bool

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, AUTH is not advertised.
	AuthUsername string
	AuthPassword string

	// Mailbox receives accepted messages. A new one is created when nil.
	Mailbox *Mailbox

	Logger zerolog.Logger
}

// Server is an SMTP server that records every message it accepts.
type Server struct {
	config   ServerConfig
	auth     *Authenticator
	mailbox  *Mailbox
	log      zerolog.Logger
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new capture Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Mailbox == nil {
		cfg.Mailbox = NewMailbox()
	}

	return &Server{
		config:  cfg,
		auth:    NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		mailbox: cfg.Mailbox,
		log:     cfg.Logger.With().Str("component", "smtpsink").Logger(),
	}
}

// Mailbox returns the mailbox the server records into.
func (s *Server) Mailbox() *Mailbox {
	return s.mailbox
}

// Listen binds the listener so Addr is known before Serve is called.
func (s *Server) Listen() error {
	if s.config.ImplicitTLS && s.config.TLSConfig == nil {
		return errors.New("implicit TLS requires a TLS configuration")
	}
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// ListenAndServe binds and serves until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until the context is cancelled. On cancellation
// it stops accepting new connections and waits up to 30 seconds for
// in-flight sessions to complete.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	ln := s.listener

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Bool("auth_enabled", s.auth.Enabled()).
		Bool("tls_enabled", s.config.TLSConfig != nil).
		Bool("implicit_tls", s.config.ImplicitTLS).
		Msg("capture server listening")

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down capture server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForSessions()
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return err
				}
				s.log.Error().Err(err).Msg("accept error")
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session := newSession(conn, s)
			session.handle(ctx)
		}()
	}
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
		s.log.Debug().Msg("all sessions completed")
	case <-time.After(shutdownTimeout):
		s.log.Warn().Msg("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Start binds the server and serves in the background until ctx is done.
func Start(ctx context.Context, cfg ServerConfig) (*Server, error) {
	s := New(cfg)
	if err := s.Listen(); err != nil {
		return nil, err
	}
	go func() { _ = s.Serve(ctx) }()
	return s, nil
}
