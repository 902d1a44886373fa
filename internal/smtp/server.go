package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/mailcoach-relay/internal/provider"
)

// shutdownTimeout bounds how long Serve waits for in-flight sessions.
const shutdownTimeout = 30 * time.Second

// DefaultMaxMessageSize applies when ServerConfig.MaxMessageSize is unset.
const DefaultMaxMessageSize = 25 * 1024 * 1024

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is announced in the greeting and used for generated
	// Message-IDs.
	Hostname string

	// Provider receives every accepted message.
	Provider provider.Provider

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If either is empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// MaxMessageSize is the SIZE limit in bytes.
	MaxMessageSize int64
}

// Server accepts SMTP connections and relays each message through its
// Provider. One goroutine serves each connection.
type Server struct {
	config ServerConfig
	auth   *Authenticator

	wg sync.WaitGroup
}

// New creates a Server, filling in defaults for Hostname and MaxMessageSize.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}
}

// ListenAndServe listens on ListenAddr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln and
// waits up to shutdownTimeout for open sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"hostname", s.config.Hostname,
		"provider", s.config.Provider.Name(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_size", s.config.MaxMessageSize,
	)

	stop := context.AfterFunc(ctx, func() {
		slog.Info("shutting down SMTP server")
		ln.Close()
	})
	defer stop()

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
			slog.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(conn, s).Handle(ctx)
		}()
	}
}

func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}
