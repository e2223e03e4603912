// Package channel serves the WebSocket request channel. Each "request" event
// is dispatched on its own goroutine and answered with exactly one
// "response" event.
package channel

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shineum/socket-mail-relay/internal/dispatch"
	"github.com/shineum/socket-mail-relay/internal/metrics"
)

var (
	errMissingToken = errors.New("missing token")
	errShutdown     = errors.New("channel is shutting down")
)

// Sender dispatches one request. *dispatch.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error)
}

// Options configures a Handler.
type Options struct {
	Sender Sender
	Logger *zap.SugaredLogger

	// TokenSecret enables HS256 bearer tokens on upgrade when set.
	TokenSecret string

	// CheckOrigin overrides the upgrader's same-origin check.
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades HTTP requests to request channel connections.
type Handler struct {
	sender   Sender
	log      *zap.SugaredLogger
	secret   []byte
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New returns a Handler.
func New(opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &Handler{
		sender: opts.Sender,
		log:    log.Named("channel"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		conns: make(map[*conn]struct{}),
	}
	if opts.TokenSecret != "" {
		h.secret = []byte(opts.TokenSecret)
	}
	return h
}

// ServeHTTP upgrades the request and serves the connection until the peer
// goes away and every request it issued has settled.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r); err != nil {
		metrics.ChannelRejected.WithLabelValues("unauthorized").Inc()
		h.log.Warnw("rejected channel connection", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		metrics.ChannelRejected.WithLabelValues("upgrade").Inc()
		h.log.Debugw("channel upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	c := newConn(context.WithoutCancel(r.Context()), ws, h.sender, h.log.With("conn_id", id))
	if !h.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, errShutdown.Error()),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	defer h.untrack(c)

	metrics.ChannelConnections.Inc()
	defer metrics.ChannelConnections.Dec()

	c.log.Infow("channel connection opened", "remote", r.RemoteAddr)
	c.serve()
	c.log.Infow("channel connection closed", "remote", r.RemoteAddr)
}

// Shutdown asks every open connection to close and waits until their
// in-flight requests settled or ctx is done. New connections are refused.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.goAway()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) track(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.wg.Done()
}

// authorize checks the bearer token when a secret is configured. The token
// is read from the "token" query parameter or the Authorization header.
func (h *Handler) authorize(r *http.Request) error {
	if h.secret == nil {
		return nil
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if token == "" {
		return errMissingToken
	}

	_, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return h.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err
}
