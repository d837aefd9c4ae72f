package dashboard

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rustyeddy/optqueue/internal/logging"
	"github.com/rustyeddy/optqueue/queue"
)

const (
	// historySize is how many messages a late joiner is replayed.
	historySize = 100
	// clientBuffer bounds the per-client send queue. Slow clients lose
	// messages rather than stall the run loop.
	clientBuffer = 256
	writeTimeout = 10 * time.Second
)

// Message is the frame sent to WebSocket clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
	Time int64  `json:"time"` // unix seconds
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Hub fans queue events out to WebSocket clients. It implements
// queue.Observer.
type Hub struct {
	log *logging.Logger
	now func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	history []Message
}

func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Discard()
	}
	return &Hub{
		log:     log.With("dashboard.hub"),
		now:     time.Now,
		clients: make(map[*client]struct{}),
	}
}

// OnEvent broadcasts a queue event.
func (h *Hub) OnEvent(e queue.Event) {
	h.Broadcast(string(e.Type), e)
}

// Broadcast queues a message for every client and remembers it for late
// joiners. It never blocks.
func (h *Hub) Broadcast(msgType string, data any) {
	msg := Message{Type: msgType, Data: data, Time: h.now().Unix()}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, msg)
	if over := len(h.history) - historySize; over > 0 {
		h.history = append([]Message(nil), h.history[over:]...)
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warnf("dropping message type=%s for slow client", msgType)
		}
	}
}

// History returns the retained messages, oldest first.
func (h *Hub) History() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.history...)
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams messages until the client goes
// away. Retained history is sent first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan Message, clientBuffer)}

	// Register and snapshot history under one lock so nothing is missed or
	// sent twice.
	h.mu.Lock()
	backlog := append([]Message(nil), h.history...)
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go h.writeLoop(c, backlog, done)

	// Clients never send anything meaningful; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
	<-done
	conn.Close()
}

func (h *Hub) writeLoop(c *client, backlog []Message, done chan<- struct{}) {
	defer close(done)
	for _, msg := range backlog {
		if err := h.write(c.conn, msg); err != nil {
			drain(c.send)
			return
		}
	}
	for msg := range c.send {
		if err := h.write(c.conn, msg); err != nil {
			drain(c.send)
			return
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(h.now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		h.log.Debugf("websocket write failed: %v", err)
		return err
	}
	return nil
}

func drain(ch <-chan Message) {
	for range ch {
	}
}
