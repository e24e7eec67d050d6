package client

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	ws "github.com/stemsi/examsync/internal/websocket"
)

// ErrNotConnected is returned by Send while the channel has no live
// connection. Senders treat it as best-effort loss; the next sync repairs
// the drift.
var ErrNotConnected = errors.New("channel not connected")

// ChannelConfig configures the WebSocket transport for one session.
type ChannelConfig struct {
	// URL is the full stream URL, e.g. "ws://host/ws/v1/sessions/<id>/stream".
	URL string
	// ReconnectDelay is a fixed (not exponential) delay before redialing
	// after an unexpected close. Session lifetimes are bounded by the exam
	// duration, so backoff buys nothing.
	ReconnectDelay time.Duration
	// HeartbeatInterval must be shorter than any idle timeout between
	// client and server.
	HeartbeatInterval time.Duration
	// PongTimeout is the extra grace after a ping before the connection is
	// declared stale.
	PongTimeout time.Duration
	Log         zerolog.Logger
}

// NewChannelFactory returns a TransportFactory producing WebSocket channels.
func NewChannelFactory(cfg ChannelConfig) TransportFactory {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = cfg.HeartbeatInterval
	}
	return func(cb TransportCallbacks) Transport {
		return &Channel{
			cfg:  cfg,
			cb:   cb,
			log:  cfg.Log.With().Str("component", "channel").Logger(),
			done: make(chan struct{}),
		}
	}
}

// Channel is the bidirectional message channel to the Session Store. It
// redials with a fixed delay after unexpected closes, never after an
// intentional one, and sends exactly one sync message per (re)connect.
// A missed heartbeat is treated the same as an unexpected close even if the
// connection has not formally reported closed.
type Channel struct {
	cfg ChannelConfig
	cb  TransportCallbacks
	log zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	lastPong time.Time

	done chan struct{}
}

// Start launches the connect/reconnect loop.
func (c *Channel) Start() {
	go c.run()
}

// Send writes one typed message. Best effort: a send while disconnected
// returns ErrNotConnected and is repaired by the sync on reconnect.
func (c *Channel) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return ErrNotConnected
	}
	return ws.WriteTyped(c.conn, v)
}

// Close closes intentionally: the close code tells the server this is a
// deliberate departure, and no reconnect is attempted.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
}

func (c *Channel) run() {
	for {
		if c.isClosed() {
			return
		}
		c.cb.OnStatus(StatusConnecting)

		conn, _, err := websocket.DefaultDialer.Dial(c.cfg.URL, nil)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dial failed")
			c.cb.OnStatus(StatusDisconnected)
			if !c.waitReconnect() {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.lastPong = time.Now()
		c.mu.Unlock()

		c.cb.OnStatus(StatusConnected)

		// One sync per (re)connect so the server can correct drift
		// accumulated while disconnected.
		if payload := c.cb.SyncPayload(); payload != nil {
			if err := c.Send(payload); err != nil {
				c.log.Warn().Err(err).Msg("Sync send failed")
			}
		}

		stopPing := make(chan struct{})
		go c.heartbeat(conn, stopPing)

		intentional := c.readLoop(conn)
		close(stopPing)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		c.cb.OnStatus(StatusDisconnected)

		if intentional || c.isClosed() {
			return
		}
		if !c.waitReconnect() {
			return
		}
	}
}

// readLoop consumes frames until the connection dies. It reports whether
// the closure was intentional (a proper close code from either side).
func (c *Channel) readLoop(conn *websocket.Conn) bool {
	for {
		data, err := ws.ReadFrame(conn)
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Msg("Connection closed intentionally")
				return true
			}
			if !c.isClosed() {
				c.log.Warn().Err(err).Msg("Unexpected close")
			}
			return c.isClosed()
		}

		msg, err := ws.Decode(data)
		if err != nil {
			// Protocol anomaly: logged and ignored, never a state change.
			c.log.Warn().Err(err).Msg("Ignoring malformed message")
			continue
		}

		if _, ok := msg.(*ws.PongMessage); ok {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		}
		c.cb.OnMessage(msg)
	}
}

// heartbeat pings periodically and declares the connection stale when pongs
// stop arriving, forcing the read loop to fail and the reconnect path to
// take over.
func (c *Channel) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastPong) > c.cfg.HeartbeatInterval+c.cfg.PongTimeout
			c.mu.Unlock()
			if stale {
				c.log.Warn().Msg("Heartbeat timed out, dropping connection")
				conn.Close()
				return
			}
			if err := c.Send(&ws.PingMessage{Type: ws.TypePing}); err != nil {
				return
			}
		}
	}
}

func (c *Channel) waitReconnect() bool {
	select {
	case <-c.done:
		return false
	case <-time.After(c.cfg.ReconnectDelay):
		return true
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
