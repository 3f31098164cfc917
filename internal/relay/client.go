package relay

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single socket write, including the close frame.
	writeWait = 10 * time.Second

	// pongWait is how long a silent peer stays alive; every pong resets
	// it. pingPeriod must be shorter so a ping is always in flight
	// before the deadline hits.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps one inbound frame. Chat content is validated
	// at the event layer; this is transport abuse protection.
	maxMessageSize = 4096

	// sendBufferSize is the per-connection outbound queue. When it
	// fills, the hub drops frames for that connection instead of
	// blocking the emitter.
	sendBufferSize = 256
)

// Client is one live WebSocket connection. It owns the transport pumps
// and nothing else: identity and room membership live in the Hub, and
// event semantics live in the Router.
type Client struct {
	id     uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger
}

func NewClient(conn *websocket.Conn, logger *zap.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(maxMessageSize)
	}
	return &Client{
		id:     uuid.New(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: logger,
	}
}

// ID is the opaque per-connection identifier, used only for logging.
func (c *Client) ID() uuid.UUID {
	return c.id
}

// ReadLoop pulls frames off the socket and hands each one to handle. It
// runs in the caller's goroutine and returns when the peer goes away or
// misbehaves; the caller runs disconnect teardown after it returns.
func (c *Client) ReadLoop(handle func(raw []byte)) {
	defer c.conn.Close()

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed",
					zap.String("conn_id", c.id.String()),
					zap.Error(err),
				)
			}
			return
		}
		handle(raw)
	}
}

// WriteLoop pumps queued frames to the socket, one frame per WebSocket
// message, and keeps the connection alive with periodic pings. It runs
// in its own goroutine and exits when the send channel closes (registry
// teardown) or a write fails.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// Registry closed the channel; say goodbye properly.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("websocket write failed",
					zap.String("conn_id", c.id.String()),
					zap.Error(err),
				)
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
