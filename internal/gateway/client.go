package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"syncgate/internal/logger"
	"syncgate/internal/metrics"
	"syncgate/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second
	// sendBuffer bounds the per-client outbound queue; events past the bound
	// are dropped rather than stalling delivery to other clients.
	sendBuffer   = 64
	maxFrameSize = 1 << 20
)

// Client is one live connection. conn may be nil in tests; delivery then
// stops at the send channel.
type Client struct {
	Info model.ConnectedClient

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewClient(info model.ConnectedClient, conn *websocket.Conn) *Client {
	return &Client{
		Info: info,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Enqueue queues a pre-encoded envelope for delivery. It never blocks: a
// closed client refuses the message and a full buffer drops it.
func (c *Client) Enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		metrics.SendDrops.Inc()
		logger.Debug("client send buffer full, dropping event",
			zap.String("clientId", c.Info.ClientID))
		return false
	}
}

// Outbox exposes the send channel for transport-less tests.
func (c *Client) Outbox() <-chan []byte { return c.send }

// Close releases the client; safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// Done is closed when the client has been shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// writePump owns all writes on the connection: queued envelopes, keepalive
// pings, and the final close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
