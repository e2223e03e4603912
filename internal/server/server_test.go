package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shineum/socket-mail-relay/internal/channel"
	"github.com/shineum/socket-mail-relay/internal/dispatch"
)

type sentSender struct{}

func (sentSender) Send(context.Context, dispatch.Request) (dispatch.Outcome, error) {
	return dispatch.Sent, nil
}

func newServer(addr string) *Server {
	return New(Config{
		Addr:    addr,
		Channel: channel.New(channel.Options{Sender: sentSender{}, Logger: zap.NewNop().Sugar()}),
		Logger:  zap.NewNop(),
	})
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(newServer("").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := httptest.NewServer(newServer("").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mailrelay_channel_connections")
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	srv := httptest.NewServer(newServer("").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSocketRoute(t *testing.T) {
	srv := httptest.NewServer(newServer("").Handler())
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+DefaultSocketPath, nil)
	require.NoError(t, err)
	defer ws.Close()

	req := `{"event":"request","id":"1","data":"{\"ToEmails\":\"b@example.com\",\"Subject\":\"hi\",\"Body\":\"hello\"}"}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(req)))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)

	var f struct {
		Event string `json:"event"`
		ID    string `json:"id"`
		Data  string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &f))
	assert.Equal(t, "response", f.Event)
	assert.Equal(t, "1", f.ID)
	assert.JSONEq(t, `{"response":"MAILSENT"}`, f.Data)
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	s := newServer("127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestListenAndServe_AddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = newServer(ln.Addr().String()).ListenAndServe(context.Background())
	assert.Error(t, err)
}

func TestAddrBeforeListen(t *testing.T) {
	assert.Empty(t, newServer("").Addr())
}
