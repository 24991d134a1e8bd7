package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"QueueFM/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Client is one websocket connection.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn

	// adds limits queue:add requests of this connection.
	adds *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewClient wraps conn; conn may be nil for clients that are fed directly.
func NewClient(hub *Hub, conn *websocket.Conn, addsPerMinute int) *Client {
	limit := rate.Inf
	burst := 1
	if addsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(addsPerMinute))
		burst = addsPerMinute
	}
	return &Client{
		ID:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		adds: rate.NewLimiter(limit, burst),
		send: make(chan []byte, sendBuffer),
	}
}

// enqueue reports false when the buffer is full. Sends to a closed client
// are dropped.
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Emit sends one event to this client only.
func (c *Client) Emit(event string, data interface{}) {
	msg, err := encode(event, data)
	if err != nil {
		logger.Error("encode event failed", logger.Component("realtime"), logger.String("event", event), logger.ErrorField(err))
		return
	}
	c.enqueue(msg)
}

// AllowAdd consumes one queue:add token.
func (c *Client) AllowAdd() bool {
	return c.adds.Allow()
}

// ReadPump 读取消息循环
func (c *Client) ReadPump(ctx context.Context, handle func(ctx context.Context, c *Client, env *Envelope)) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for ctx.Err() == nil {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", logger.Component("realtime"), logger.String("client", c.ID), logger.ErrorField(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			logger.Debug("invalid message", logger.Component("realtime"), logger.String("client", c.ID))
			continue
		}
		handle(ctx, c, &env)
	}
}

// WritePump 写入消息循环
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
