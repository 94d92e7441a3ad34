package coordinator

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dreamware/failsafe/internal/cluster"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// wsConn is one websocket connection with its outgoing queue.
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Hub manages the websocket connections of configuration clients and
// notification subscribers.
//
// Writes never block the caller: every connection owns a buffered queue
// drained by its own writer goroutine, and frames for a full queue are dropped.
//
// Thread-safe: All methods are safe for concurrent access.
type Hub struct {
	upgrader    websocket.Upgrader
	clients     map[*wsConn]struct{}
	subscribers map[*wsConn]struct{}
	onMessage   func(cluster.MsgBody)
	log         *zap.SugaredLogger
	mu          sync.Mutex
	wg          sync.WaitGroup
	closed      bool
}

// NewHub creates a hub passing every frame received from a configuration
// client to onMessage.
func NewHub(onMessage func(cluster.MsgBody), log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:     make(map[*wsConn]struct{}),
		subscribers: make(map[*wsConn]struct{}),
		onMessage:   onMessage,
		log:         log.Sugar(),
	}
}

// ServeConfiguration upgrades a request to the client configuration channel.
func (h *Hub) ServeConfiguration(w http.ResponseWriter, r *http.Request) {
	c, ok := h.accept(w, r, h.clients)
	if !ok {
		return
	}
	h.log.Infof("Configuration client connected from %s", r.RemoteAddr)
	h.wg.Add(2)
	go h.writer(c)
	go h.reader(c, h.clients, func(data []byte) {
		var msg cluster.MsgBody
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warnf("Ignoring malformed client message %q: %v", data, err)
			return
		}
		if h.onMessage != nil {
			h.onMessage(msg)
		}
	})
}

// ServeNotifications upgrades a request to a notification stream.
// Anything subscribers send is ignored.
func (h *Hub) ServeNotifications(w http.ResponseWriter, r *http.Request) {
	c, ok := h.accept(w, r, h.subscribers)
	if !ok {
		return
	}
	h.log.Infof("Notification subscriber connected from %s", r.RemoteAddr)
	h.wg.Add(2)
	go h.writer(c)
	go h.reader(c, h.subscribers, func([]byte) {})
}

func (h *Hub) accept(w http.ResponseWriter, r *http.Request, set map[*wsConn]struct{}) (*wsConn, bool) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.log.Debugf("Websocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return nil, false
	}
	c := &wsConn{ws: ws, send: make(chan []byte, sendBuffer), done: make(chan struct{})}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		c.close()
		return nil, false
	}
	set[c] = struct{}{}
	return c, true
}

func (h *Hub) reader(c *wsConn, set map[*wsConn]struct{}, handle func([]byte)) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		delete(set, c)
		h.mu.Unlock()
		c.close()
	}()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.TextMessage {
			handle(data)
		}
	}
}

func (h *Hub) writer(c *wsConn) {
	defer h.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debugf("Websocket write failed: %v", err)
				c.close()
				return
			}
		}
	}
}

func (h *Hub) enqueue(set map[*wsConn]struct{}, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range set {
		select {
		case c.send <- data:
		default:
			h.log.Warnf("Dropping websocket frame for %s: send queue full", c.ws.RemoteAddr())
		}
	}
}

// Broadcast sends msg to every connected configuration client.
func (h *Hub) Broadcast(msg cluster.MsgBody) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorf("Encoding %s message failed: %v", msg.Name, err)
		return
	}
	h.enqueue(h.clients, data)
}

// Notify sends text to every notification subscriber.
func (h *Hub) Notify(system, text string) {
	h.enqueue(h.subscribers, []byte(text))
}

// ClientCount returns the number of connected configuration clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SubscriberCount returns the number of notification subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close disconnects everybody and waits for the connection goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.close()
	}
	for c := range h.subscribers {
		c.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
