package tracking

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxMessageSize = 512

// ClientConfig controls websocket keepalive. A connection that sends neither a
// pong nor a "ping" text frame within PongWait is closed; its session is not.
type ClientConfig struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
	// FinalGrace keeps the connection open after a terminal update.
	FinalGrace time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.FinalGrace <= 0 {
		c.FinalGrace = 3 * time.Second
	}
	return c
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS streams one tracking session to a websocket client.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := g.Get(id); !ok {
		http.Error(w, ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}
	updates, unsubscribe, err := g.Subscribe(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer unsubscribe()

	Stream(w, r, updates, func(u Update) bool { return u.Status.Terminal() }, g.opts.Client, g.logger.With(zap.String("tracking", id)))
}

// ClientConfig is the keepalive configuration used for tracking streams.
func (g *Gateway) ClientConfig() ClientConfig { return g.opts.Client }

// Stream upgrades the request and writes every value from updates as JSON
// until final reports true, the channel closes or the client goes away.
func Stream[T any](w http.ResponseWriter, r *http.Request, updates <-chan T, final func(T) bool, cfg ClientConfig, logger *zap.Logger) {
	cfg = cfg.withDefaults()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, cfg: cfg, logger: logger, pongs: make(chan struct{}, 1), gone: make(chan struct{})}
	go c.readPump()
	writePump(c, updates, final)
}

type client struct {
	conn   *websocket.Conn
	cfg    ClientConfig
	logger *zap.Logger
	pongs  chan struct{}
	gone   chan struct{}
}

// readPump only handles keepalive; clients send nothing else.
func (c *client) readPump() {
	defer close(c.gone)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("ws read ended", zap.Error(err))
			}
			return
		}
		if isPing(msg) {
			c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
			select {
			case c.pongs <- struct{}{}:
			default:
			}
		}
	}
}

func isPing(msg []byte) bool {
	msg = bytes.TrimSpace(msg)
	return bytes.Equal(msg, []byte("ping")) || bytes.Equal(msg, []byte(`{"type":"ping"}`))
}

func writePump[T any](c *client, updates <-chan T, final func(T) bool) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	var closing <-chan time.Time
	for {
		select {
		case <-c.gone:
			return
		case <-c.pongs:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
		case u, ok := <-updates:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"))
				return
			}
			if err := c.conn.WriteJSON(u); err != nil {
				return
			}
			if final(u) && closing == nil {
				closing = time.After(c.cfg.FinalGrace)
				updates = nil
			}
		case <-closing:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "final"))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
