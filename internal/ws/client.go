package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/hackerchat/internal/auth"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Client is one authenticated socket.
type Client struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, identity auth.Identity, limiter *rate.Limiter) *Client {
	return &Client{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		limiter:  limiter,
		done:     make(chan struct{}),
	}
}

func (c *Client) ID() string              { return c.id }
func (c *Client) UserID() string          { return c.identity.UserID }
func (c *Client) Identity() auth.Identity { return c.identity }

// enqueue hands frame to the write pump. A socket whose buffer is full is
// too slow to keep up and gets disconnected.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.shutdown()
		return false
	}
}

// shutdown stops the write pump, which closes the socket.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads frames until the socket fails and hands each one to
// handle, in order. Frames over the rate limit are passed to limited
// instead.
func (c *Client) readPump(handle func(raw []byte), limited func(raw []byte)) {
	defer c.shutdown()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.limiter != nil && !c.limiter.Allow() {
			limited(raw)
			continue
		}
		handle(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
