package realtime

import (
	"context"
	"sync"

	"QueueFM/logger"
	"QueueFM/metrics"
)

// Hub tracks connected clients and fans broadcasts out to them.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	onJoin  func(*Client)
	onLeave func(*Client)

	done chan struct{}
}

// NewHub 创建 Hub; onJoin and onLeave run on their own goroutine and may be nil.
func NewHub(onJoin, onLeave func(*Client)) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		onJoin:     onJoin,
		onLeave:    onLeave,
		done:       make(chan struct{}),
	}
}

// Run 启动 Hub 主循环，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		case <-ctx.Done():
			h.cleanup()
			return
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()

	metrics.Listeners.Set(float64(n))
	logger.Info("client connected", logger.Component("realtime"), logger.String("client", c.ID), logger.Int("listeners", n))
	if h.onJoin != nil {
		go h.onJoin(c)
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()

	metrics.Listeners.Set(float64(n))
	logger.Info("client disconnected", logger.Component("realtime"), logger.String("client", c.ID), logger.Int("listeners", n))
	if h.onLeave != nil {
		go h.onLeave(c)
	}
}

// fanOut delivers msg to every client. A client whose buffer is full is
// dropped; its read pump notices the closed connection.
func (h *Hub) fanOut(msg []byte) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.clients {
		if !c.enqueue(msg) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		logger.Warn("client too slow, dropping", logger.Component("realtime"), logger.String("client", c.ID))
		h.remove(c)
	}
}

func (h *Hub) cleanup() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
	metrics.Listeners.Set(0)
}

// Register adds c. It returns false when the hub already stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues msg for every client.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Done is closed once Run returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
