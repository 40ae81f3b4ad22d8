package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsServer(t *testing.T, g *Gateway) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.ServeWS(w, r, strings.TrimPrefix(r.URL.Path, "/ws/tracking/"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tracking/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) Update {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var u Update
	require.NoError(t, json.Unmarshal(msg, &u), string(msg))
	return u
}

func TestServeWS_StreamsUntilArrivedThenCloses(t *testing.T) {
	g := startGateway(t, &countingRouter{}, GatewayOptions{Client: ClientConfig{FinalGrace: 50 * time.Millisecond}})
	ctx := context.Background()
	_, err := g.Open(ctx, "bk-1", wp, testAssigned())
	require.NoError(t, err)
	srv := wsServer(t, g)
	conn := dial(t, srv, "bk-1")

	first := readUpdate(t, conn)
	assert.Equal(t, "bk-1", first.ID)
	assert.Equal(t, StatusDispatched, first.Status)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg))

	_, err = g.Publish(ctx, "bk-1", Report{Lat: pickup.Lat, Lng: pickup.Lng, Status: StatusEnRoute, ETAMinutes: fp(4)})
	require.NoError(t, err)
	assert.Equal(t, StatusEnRoute, readUpdate(t, conn).Status)

	_, err = g.Publish(ctx, "bk-1", Report{Lat: pickup.Lat, Lng: pickup.Lng, Status: StatusArrived})
	require.NoError(t, err)
	assert.Equal(t, StatusArrived, readUpdate(t, conn).Status)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	_, ok := g.Get("bk-1")
	assert.True(t, ok, "closing the connection keeps the session")
}

func TestServeWS_DisconnectKeepsSession(t *testing.T) {
	g := startGateway(t, &countingRouter{}, GatewayOptions{})
	ctx := context.Background()
	_, err := g.Open(ctx, "bk-1", wp, testAssigned())
	require.NoError(t, err)
	srv := wsServer(t, g)

	conn := dial(t, srv, "bk-1")
	readUpdate(t, conn)
	require.Eventually(t, func() bool { return g.Observers("bk-1") == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return g.Observers("bk-1") == 0 }, 2*time.Second, 10*time.Millisecond)

	_, err = g.Publish(ctx, "bk-1", Report{Lat: pickup.Lat, Lng: pickup.Lng, Status: StatusNearby})
	require.NoError(t, err)

	again := dial(t, srv, "bk-1")
	assert.Equal(t, StatusNearby, readUpdate(t, again).Status)
}

func TestServeWS_MissingKeepaliveDropsConnection(t *testing.T) {
	g := startGateway(t, &countingRouter{}, GatewayOptions{Client: ClientConfig{PongWait: 100 * time.Millisecond}})
	ctx := context.Background()
	_, err := g.Open(ctx, "bk-1", wp, testAssigned())
	require.NoError(t, err)
	srv := wsServer(t, g)

	conn := dial(t, srv, "bk-1")
	// Swallow server pings so no pong is ever sent back.
	conn.SetPingHandler(func(string) error { return nil })
	readUpdate(t, conn)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "server closes a silent connection")
	require.Eventually(t, func() bool { return g.Observers("bk-1") == 0 }, time.Second, 10*time.Millisecond)
	_, ok := g.Get("bk-1")
	assert.True(t, ok)
}

func TestServeWS_UnknownSession(t *testing.T) {
	g := startGateway(t, &countingRouter{}, GatewayOptions{})
	srv := wsServer(t, g)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tracking/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
