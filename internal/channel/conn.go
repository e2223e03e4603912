package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shineum/socket-mail-relay/internal/dispatch"
	"github.com/shineum/socket-mail-relay/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufSize    = 256
)

// conn is one request channel connection. Only writePump writes data frames;
// request goroutines hand their responses over through send.
type conn struct {
	ws     *websocket.Conn
	sender Sender
	log    *zap.SugaredLogger
	ctx    context.Context
	send   chan []byte

	inflight sync.WaitGroup
}

func newConn(ctx context.Context, ws *websocket.Conn, sender Sender, log *zap.SugaredLogger) *conn {
	return &conn{
		ws:     ws,
		sender: sender,
		log:    log,
		ctx:    ctx,
		send:   make(chan []byte, sendBufSize),
	}
}

// serve runs both pumps and returns once the read side ended and every
// in-flight request settled.
func (c *conn) serve() {
	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writePump()
	}()

	c.readPump()

	c.inflight.Wait()
	close(c.send)
	<-written
}

// goAway sends a close frame and closes the socket, which ends readPump.
func (c *conn) goAway() {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, errShutdown.Error()),
		time.Now().Add(writeWait))
	_ = c.ws.Close()
}

func (c *conn) readPump() {
	defer c.ws.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				// The library already sent 1009 Message Too Big; the socket is done.
				metrics.ChannelRejected.WithLabelValues("oversize").Inc()
				c.log.Warnw("channel frame exceeds read limit", "limit", maxMessageSize)
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warnw("channel read failed", "error", err)
			}
			return
		}
		c.handle(message)
	}
}

// writePump writes responses and pings. After a write error it keeps
// draining send so request goroutines never block on a dead connection.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debugw("dropping responses for closed connection", "error", err)
				c.drain()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.drain()
				return
			}
		}
	}
}

func (c *conn) drain() {
	_ = c.ws.Close()
	for range c.send {
	}
}

func (c *conn) handle(message []byte) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		c.log.Warnw("malformed channel frame", "error", err)
		c.respond(nil, dispatch.Failed)
		return
	}

	switch f.Event {
	case eventRequest:
		req, err := decodeRequest(f.Data)
		if err != nil {
			c.log.Warnw("malformed request payload", "error", err)
			c.respond(f.ID, dispatch.Failed)
			return
		}
		c.inflight.Add(1)
		go c.dispatch(f.ID, req)
	default:
		c.log.Infow("ignoring unknown event", "event", f.Event)
	}
}

func (c *conn) dispatch(id json.RawMessage, req dispatch.Request) {
	defer c.inflight.Done()

	outcome := dispatch.Failed
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("request dispatch panicked", "panic", r)
		}
		c.respond(id, outcome)
	}()

	var err error
	outcome, err = c.sender.Send(c.ctx, req)
	if err != nil {
		c.log.Infow("request failed", "kind", dispatch.KindOf(err))
	}
}

func (c *conn) respond(id json.RawMessage, outcome dispatch.Outcome) {
	label := ResponseFailure
	if outcome == dispatch.Sent {
		label = ResponseSent
	}
	metrics.ChannelRequests.WithLabelValues(label).Inc()
	c.send <- encodeResponse(id, outcome)
}
