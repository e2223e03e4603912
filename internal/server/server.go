// Package server hosts the request channel, health check and metrics on one
// HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shineum/socket-mail-relay/internal/metrics"
)

// shutdownTimeout bounds how long in-flight requests may take to settle.
const shutdownTimeout = 30 * time.Second

// DefaultSocketPath is where the channel is mounted when none is configured.
const DefaultSocketPath = "/socket"

// Channel is the request channel handler. *channel.Handler implements it.
type Channel interface {
	http.Handler
	Shutdown(ctx context.Context) error
}

// Config configures a Server.
type Config struct {
	Addr       string
	SocketPath string
	Channel    Channel
	Logger     *zap.Logger
	Debug      bool
}

// Server is the relay's HTTP front end.
type Server struct {
	cfg    Config
	log    *zap.SugaredLogger
	engine *gin.Engine
	srv    *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New builds the gin engine and registers the routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(cfg.Logger, time.RFC3339, true),
		ginzap.RecoveryWithZap(cfg.Logger, true),
	)

	s := &Server{
		cfg:    cfg,
		log:    cfg.Logger.Sugar().Named("server"),
		engine: engine,
	}

	engine.GET("/healthz", s.healthz)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	if cfg.Channel != nil {
		engine.GET(cfg.SocketPath, gin.WrapH(cfg.Channel))
	}

	s.srv = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(cfg.Logger),
	}
	return s
}

// Handler returns the routed engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx is cancelled, then stops accepting
// connections and waits for in-flight channel requests to settle.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Infow("relay listening",
		"addr", ln.Addr().String(),
		"socket_path", s.cfg.SocketPath,
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warnw("shutdown timeout reached, forcing close", "error", err)
		_ = s.srv.Close()
	}
	if s.cfg.Channel != nil {
		if err := s.cfg.Channel.Shutdown(shutdownCtx); err != nil {
			s.log.Warnw("in-flight requests did not settle before shutdown", "error", err)
		}
	}

	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("relay stopped")
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

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
