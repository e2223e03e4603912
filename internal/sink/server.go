// Package sink is a local SMTP relay for development and tests. It accepts
// AUTH PLAIN submissions, parses each message and hands it to a Mailbox.
package sink

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

// shutdownTimeout bounds how long in-flight sessions may run after the
// serve context is cancelled.
const shutdownTimeout = 30 * time.Second

const defaultMaxMessageBytes = 10 << 20

// Config holds the configuration for a sink server.
type Config struct {
	// Addr is the address to listen on, e.g. "127.0.0.1:2525".
	Addr string

	// Domain is announced in the greeting and EHLO response.
	Domain string

	// Username and Password are the only accepted AUTH PLAIN credentials.
	// When both are empty any credentials are accepted and AUTH is optional.
	Username string
	Password string

	// TLSConfig enables STARTTLS when set.
	TLSConfig *tls.Config

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64

	// Mailbox receives every accepted message. Defaults to a Recorder.
	Mailbox Mailbox

	Logger *zap.SugaredLogger
}

// Server wraps a go-smtp server with context-driven shutdown.
type Server struct {
	cfg Config
	log *zap.SugaredLogger
	srv *smtp.Server

	mu       sync.Mutex
	listener net.Listener
	baseCtx  context.Context
	done     chan struct{}
	serveErr error
}

// New creates a sink server.
func New(cfg Config) *Server {
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.Mailbox == nil {
		cfg.Mailbox = NewRecorder()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.S()
	}

	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "sink"),
		baseCtx: context.Background(),
	}

	srv := smtp.NewServer(&backend{server: s})
	srv.Addr = cfg.Addr
	srv.Domain = cfg.Domain
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.TLSConfig = cfg.TLSConfig
	// AUTH is offered on plaintext connections too.
	srv.AllowInsecureAuth = true
	srv.ErrorLog = zap.NewStdLog(cfg.Logger.Desugar())
	s.srv = srv

	return s
}

// Mailbox returns the mailbox messages are delivered to.
func (s *Server) Mailbox() Mailbox {
	return s.cfg.Mailbox
}

// ListenAndServe listens on the configured address and blocks until ctx is
// cancelled. Cancellation stops accepting connections and waits up to 30
// seconds for in-flight sessions.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait()
}

// Start listens and serves in the background. Addr is valid once Start
// returns.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.baseCtx = ctx
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.log.Infow("sink listening",
		"addr", ln.Addr().String(),
		"auth_required", s.authRequired(),
		"tls_enabled", s.cfg.TLSConfig != nil,
	)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down sink")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warnw("shutdown timeout reached, forcing close", "error", err)
			_ = s.srv.Close()
		}
		_ = ln.Close()
	}()

	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, smtp.ErrServerClosed) || ctx.Err() != nil {
			err = nil
		}
		s.mu.Lock()
		s.serveErr = err
		s.mu.Unlock()
		close(s.done)
	}()

	return nil
}

// Wait blocks until the server started by Start has stopped.
func (s *Server) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return errors.New("sink not started")
	}

	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
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

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Server) authRequired() bool {
	return s.cfg.Username != "" || s.cfg.Password != ""
}

func (s *Server) checkCredentials(username, password string) bool {
	if !s.authRequired() {
		return true
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) == 1
	return userOK && passOK
}

type backend struct {
	server *Server
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if addr := c.Conn().RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &session{server: b.server, remote: remote}, nil
}
