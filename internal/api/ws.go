package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chlorine-monitor/internal/model"
)

const (
	defaultWriteWait = 5 * time.Second
	clientQueueSize  = 64
)

var errClientBehind = errors.New("websocket client send queue full")

// Event is the envelope sent over /ws/readings. Clients switch on
// Type; Data is a reading or, for "hello", the sensor list.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// subscriber is one /ws/readings connection. Frames are queued and written by
// its own writer goroutine, so a slow reader only loses its own messages.
type subscriber struct {
	conn  *websocket.Conn
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// Send queues msg for this client only.
func (c *subscriber) Send(msg Event) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if !c.offer(b) {
		return errClientBehind
	}
	return nil
}

// offer queues b without blocking; false means the frame was dropped.
func (c *subscriber) offer(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- b:
		return true
	default:
		return false
	}
}

func (c *subscriber) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub fans readings out to the connected WebSocket clients. Broadcast never
// blocks on the network, so it is safe to call from the poll loop.
type Hub struct {
	writeWait time.Duration

	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped uint64
}

func NewHub() *Hub {
	return &Hub{writeWait: defaultWriteWait, subs: make(map[*subscriber]struct{})}
}

// add registers a connection and starts its writer.
func (h *Hub) add(conn *websocket.Conn) *subscriber {
	c := &subscriber{conn: conn, queue: make(chan []byte, clientQueueSize), done: make(chan struct{})}
	h.mu.Lock()
	h.subs[c] = struct{}{}
	h.mu.Unlock()
	go h.writeLoop(c)
	return c
}

// writeLoop drains the client's queue. A write that misses its deadline
// drops the client.
func (h *Hub) writeLoop(c *subscriber) {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// remove unregisters a client and closes its connection. It is idempotent.
func (h *Hub) remove(c *subscriber) {
	h.mu.Lock()
	delete(h.subs, c)
	h.mu.Unlock()
	c.shutdown()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts frames discarded because a client's queue was full.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Broadcast marshals once and queues the frame for every client.
func (h *Hub) Broadcast(msg Event) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	var dropped uint64
	h.mu.RLock()
	for c := range h.subs {
		if !c.offer(b) {
			dropped++
		}
	}
	h.mu.RUnlock()
	if dropped > 0 {
		h.mu.Lock()
		h.dropped += dropped
		h.mu.Unlock()
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()
	for c := range subs {
		c.shutdown()
	}
}

// BroadcastReading is a poller.ReadingHandler feeding /ws/readings.
func (h *Hub) BroadcastReading(r model.Reading) error {
	h.Broadcast(Event{Type: "reading", Data: r})
	return nil
}

// The API is meant for the plant network, so any origin is accepted.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveWS upgrades r, subscribes the connection to hub and blocks until the
// peer goes away. Incoming messages are discarded.
func serveWS(hub *Hub, w http.ResponseWriter, r *http.Request, hello *Event) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := hub.add(conn)
	defer hub.remove(client)
	if hello != nil {
		_ = client.Send(*hello)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleWSReadings(w http.ResponseWriter, r *http.Request) {
	serveWS(s.hub, w, r, &Event{Type: "hello", Data: map[string]interface{}{"sensors": s.reg.List()}})
}
