// Package broadcast fans session frames out to attached WebSockets.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/agentrelay/internal/logger"
	"github.com/obot-platform/agentrelay/internal/model"
)

// streamingInterval is the minimum gap between streaming frames.
const streamingInterval = 100 * time.Millisecond

// sendBuffer is the per-client outbound queue depth. A client that
// falls this far behind is dropped.
const sendBuffer = 256

// Frame is one WebSocket message to clients.
type Frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// StreamingPayload carries the in-progress assistant message.
type StreamingPayload struct {
	MessageID string              `json:"messageId"`
	Parts     []model.MessagePart `json:"parts"`
}

// ErrorPayload reports a non-fatal protocol error.
type ErrorPayload struct {
	Message string `json:"message"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// writeLoop drains the send queue onto the socket.
func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
	c.conn.Close()
}

// Broadcaster owns the WebSocket set for one session. All frames are
// enqueued under one mutex, so the production order is the delivery
// order on every socket.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     *logger.Logger

	// streaming throttle
	lastEmit time.Time
	pending  *StreamingPayload
	timer    *time.Timer
}

// New creates an empty broadcaster.
func New(log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		clients: map[*client]struct{}{},
		log:     log,
	}
}

// Attach registers a socket and sends it the initial state frame.
// Returns a detach function for the read loop to call on disconnect.
func (b *Broadcaster) Attach(conn *websocket.Conn, initial model.SessionStateView) func() {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	go c.writeLoop()

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.enqueue(c, Frame{Type: "state", Payload: initial})
	n := len(b.clients)
	b.mu.Unlock()

	b.log.Debug("websocket attached", "clients", n)
	return func() { b.detach(c) }
}

func (b *Broadcaster) detach(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c]
	delete(b.clients, c)
	b.mu.Unlock()
	if ok {
		c.close()
	}
}

// State broadcasts a full state snapshot.
func (b *Broadcaster) State(view model.SessionStateView) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast(Frame{Type: "state", Payload: view})
}

// Event forwards a raw agent event for advanced clients.
func (b *Broadcaster) Event(raw json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast(Frame{Type: "event", Payload: raw})
}

// Error broadcasts a non-fatal error frame.
func (b *Broadcaster) Error(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast(Frame{Type: "error", Payload: ErrorPayload{Message: message}})
}

// SendError sends an error frame to a single socket, bypassing the
// broadcast set. Used for per-client protocol errors.
func (b *Broadcaster) SendError(conn *websocket.Conn, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		if c.conn == conn {
			b.enqueue(c, Frame{Type: "error", Payload: ErrorPayload{Message: message}})
			return
		}
	}
}

// Streaming broadcasts the in-progress assistant message, coalesced to
// at most one frame per 100 ms.
func (b *Broadcaster) Streaming(messageID string, parts []model.MessagePart) {
	payload := &StreamingPayload{MessageID: messageID, Parts: parts}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.pending == nil && now.Sub(b.lastEmit) >= streamingInterval {
		b.lastEmit = now
		b.broadcast(Frame{Type: "streaming", Payload: *payload})
		return
	}

	// Inside the cooldown: keep only the latest update and schedule a
	// single deferred flush.
	b.pending = payload
	if b.timer == nil {
		delay := streamingInterval - now.Sub(b.lastEmit)
		if delay < 0 {
			delay = 0
		}
		b.timer = time.AfterFunc(delay, b.flushPending)
	}
}

func (b *Broadcaster) flushPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer = nil
	if b.pending == nil {
		return
	}
	b.lastEmit = time.Now()
	b.broadcast(Frame{Type: "streaming", Payload: *b.pending})
	b.pending = nil
}

// Flush synchronously drains any pending streaming frame. Called before
// the final state frame of a prompt so streaming never trails state.
func (b *Broadcaster) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.pending != nil {
		b.lastEmit = time.Now()
		b.broadcast(Frame{Type: "streaming", Payload: *b.pending})
		b.pending = nil
	}
}

// Close drops every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = map[*client]struct{}{}
	b.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// broadcast enqueues a frame to every client. Callers hold b.mu.
func (b *Broadcaster) broadcast(frame Frame) {
	for c := range b.clients {
		b.enqueue(c, frame)
	}
}

// enqueue marshals and queues one frame; a client with a full queue is
// dropped. Callers hold b.mu.
func (b *Broadcaster) enqueue(c *client, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		b.log.Error("marshal frame", "type", frame.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		b.log.Warn("dropping slow websocket client")
		delete(b.clients, c)
		c.close()
	}
}
