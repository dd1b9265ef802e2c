// Package live pushes state to ward devices and guardians over websockets
// and receives device reports on the same connection.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var (
	ErrHubBusy   = errors.New("live hub publish queue is full")
	ErrHubClosed = errors.New("live hub is closed")
)

// WardTopic is the topic a ward's devices subscribe to.
func WardTopic(wardID string) string { return "ward:" + wardID }

// GuardianTopic is the topic a guardian's clients subscribe to.
func GuardianTopic(guardianID string) string { return "guardian:" + guardianID }

type outbound struct {
	topic string
	data  []byte
}

// Hub fans messages out to the clients of each topic. Run owns the
// client sets; other goroutines talk to it over channels.
type Hub struct {
	topics map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	publish    chan outbound
	done       chan struct{}

	// mu guards counts, a read-only mirror of topics for Connected.
	mu     sync.RWMutex
	counts map[string]int

	upgrader websocket.Upgrader
}

// NewHub creates a hub. Start it with Run.
func NewHub() *Hub {
	return &Hub{
		topics:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan outbound, 256),
		done:       make(chan struct{}),
		counts:     make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// SetCheckOrigin replaces the upgrader's origin check.
func (h *Hub) SetCheckOrigin(fn func(r *http.Request) bool) {
	h.upgrader.CheckOrigin = fn
}

// Run processes registrations and publishes until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for _, clients := range h.topics {
			for c := range clients {
				close(c.send)
			}
		}
		h.topics = map[string]map[*Client]bool{}
		h.mu.Lock()
		h.counts = map[string]int{}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			if h.topics[c.topic] == nil {
				h.topics[c.topic] = make(map[*Client]bool)
			}
			h.topics[c.topic][c] = true
			h.setCount(c.topic)
			slog.Debug("live_client_connected", "topic", c.topic, "clients", len(h.topics[c.topic]))

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.publish:
			for c := range h.topics[msg.topic] {
				select {
				case c.send <- msg.data:
				default:
					// Too slow to keep up; the device reconnects and resyncs.
					h.drop(c)
					slog.Warn("live_client_dropped", "topic", msg.topic)
				}
			}
		}
	}
}

func (h *Hub) drop(c *Client) {
	clients := h.topics[c.topic]
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.topics, c.topic)
	}
	h.setCount(c.topic)
	slog.Debug("live_client_disconnected", "topic", c.topic, "clients", len(clients))
}

func (h *Hub) setCount(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.topics[topic]); n > 0 {
		h.counts[topic] = n
	} else {
		delete(h.counts, topic)
	}
}

func (h *Hub) add(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Publish queues msg for every client of topic. It never blocks.
func (h *Hub) Publish(topic string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode live message: %w", err)
	}
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.publish <- outbound{topic: topic, data: data}:
		return nil
	default:
		slog.Warn("live_publish_dropped", "topic", topic, "type", msg.Type)
		return ErrHubBusy
	}
}

// Connected reports whether topic has at least one client.
func (h *Hub) Connected(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.counts[topic] > 0
}

// ClientCount returns the number of connected clients across topics.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.counts {
		n += c
	}
	return n
}

// Serve upgrades the request and subscribes the connection to topic.
// Frames from the client go to onFrame. It blocks until the connection closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, topic string, onFrame func([]byte)) error {
	return h.ServeWith(w, r, topic, nil, onFrame)
}

// ServeWith is Serve with onOpen called once the client is subscribed, so
// anything published from onOpen reaches it.
func (h *Hub) ServeWith(w http.ResponseWriter, r *http.Request, topic string, onOpen func(), onFrame func([]byte)) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}
	c := &Client{hub: h, conn: conn, topic: topic, send: make(chan []byte, sendBuffer)}
	if err := h.add(c); err != nil {
		conn.Close()
		return err
	}
	go c.writePump()
	if onOpen != nil {
		onOpen()
	}
	c.readPump(onFrame)
	return nil
}
