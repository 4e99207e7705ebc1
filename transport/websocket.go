package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcall/callstate"
	"github.com/opd-ai/toxcall/limits"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
	maxFrameSize   = limits.MaxEnvelope + 1024

	// ParticipantParam is the query parameter naming the connecting participant.
	ParticipantParam = "participant"
)

// RelayHub is a WebSocket relay server. Clients connect with
// ?participant=<id> and binary relay frames are forwarded by their To field.
type RelayHub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*hubClient
}

type hubClient struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewRelayHub creates an empty relay hub.
func NewRelayHub() *RelayHub {
	return &RelayHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*hubClient),
	}
}

// ServeHTTP upgrades the request and registers the participant.
func (h *RelayHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(ParticipantParam)
	if id == "" {
		http.Error(w, "missing participant", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "ServeHTTP",
			"participant": id,
			"error":       err.Error(),
		}).Warn("WebSocket upgrade failed")
		return
	}

	c := &hubClient{id: id, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	if old, ok := h.clients[id]; ok {
		old.close()
	}
	h.clients[id] = c
	h.mu.Unlock()

	go c.writePump()
	h.readPump(c)
}

// Connected reports whether participant has a live connection.
func (h *RelayHub) Connected(participant string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[participant]
	return ok
}

func (h *RelayHub) readPump(c *hubClient) {
	defer func() {
		h.mu.Lock()
		if h.clients[c.id] == c {
			delete(h.clients, c.id)
		}
		h.mu.Unlock()
		c.close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function":    "readPump",
					"participant": c.id,
					"error":       err.Error(),
				}).Warn("Unexpected relay close")
			}
			return
		}
		f, err := UnmarshalFrame(raw)
		if err != nil || f.From != c.id {
			logrus.WithFields(logrus.Fields{
				"function":    "readPump",
				"participant": c.id,
			}).Warn("Dropping invalid relay frame")
			continue
		}
		h.forward(f.To, raw)
	}
}

func (h *RelayHub) forward(to string, raw []byte) {
	h.mu.RLock()
	dst, ok := h.clients[to]
	h.mu.RUnlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "forward",
			"to":       to,
		}).Debug("Relay destination not connected")
		return
	}
	if !dst.enqueue(raw) {
		logrus.WithFields(logrus.Fields{
			"function": "forward",
			"to":       to,
		}).Warn("Relay send buffer full, disconnecting client")
		dst.close()
	}
}

// enqueue reports false when the client is closed or its buffer is full.
func (c *hubClient) enqueue(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

func (c *hubClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *hubClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
}

// WebSocketRelay is a Transport connected to a RelayHub.
type WebSocketRelay struct {
	self string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu         sync.RWMutex
	onEnvelope EnvelopeHandler
	onEnded    EndedHandler
	closed     bool

	done chan struct{}
}

var _ Transport = (*WebSocketRelay)(nil)

// DialWebSocket connects participant self to the relay at rawURL.
func DialWebSocket(ctx context.Context, rawURL, self string) (*WebSocketRelay, error) {
	if self == "" {
		return nil, fmt.Errorf("%w: empty participant", ErrNoTransport)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: relay url: %w", ErrNoTransport, err)
	}
	q := u.Query()
	q.Set(ParticipantParam, self)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, wrapNetwork("dial relay", err)
	}
	r := &WebSocketRelay{self: self, conn: conn, done: make(chan struct{})}
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go r.readPump()
	go r.pingLoop()

	logrus.WithFields(logrus.Fields{
		"function":    "DialWebSocket",
		"participant": self,
		"relay":       u.Host,
	}).Info("Connected to WebSocket relay")
	return r, nil
}

func (r *WebSocketRelay) readPump() {
	defer func() {
		if r.shutdown() {
			r.conn.Close()
		}
	}()
	for {
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := UnmarshalFrame(raw)
		if err != nil || f.To != r.self {
			continue
		}
		r.mu.RLock()
		onEnvelope, onEnded := r.onEnvelope, r.onEnded
		r.mu.RUnlock()
		dispatch(f, onEnvelope, onEnded)
	}
}

func (r *WebSocketRelay) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.writeMu.Lock()
			err := r.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			r.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-r.done:
			return
		}
	}
}

func (r *WebSocketRelay) write(f Frame) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return wrapNetwork("write deadline", err)
	}
	return wrapNetwork("write", r.conn.WriteMessage(websocket.BinaryMessage, data))
}

// SendEnvelope forwards data through the relay.
func (r *WebSocketRelay) SendEnvelope(ctx context.Context, to, connectionID string, data []byte, call *callstate.Call) error {
	if err := ctx.Err(); err != nil {
		return wrapNetwork("send", err)
	}
	f := Frame{Kind: FrameEnvelope, From: r.self, To: to, ConnectionID: connectionID, Data: data}
	if call != nil {
		f.CallID = call.SharedCommunicationID
	}
	return r.write(f)
}

// NotifyCallEnded sends a call-ended notice to every other participant.
func (r *WebSocketRelay) NotifyCallEnded(call *callstate.Call, reason callstate.EndReason) {
	for _, p := range peers(call, r.self) {
		f := Frame{Kind: FrameEnded, From: r.self, To: p, CallID: call.SharedCommunicationID, Reason: reason}
		if err := r.write(f); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "NotifyCallEnded",
				"to":       p,
				"error":    err.Error(),
			}).Warn("Failed to send call-ended notice")
		}
	}
}

// OnEnvelope installs the receive handler.
func (r *WebSocketRelay) OnEnvelope(handler EnvelopeHandler) {
	r.mu.Lock()
	r.onEnvelope = handler
	r.mu.Unlock()
}

// OnCallEnded installs the handler for call-ended notices.
func (r *WebSocketRelay) OnCallEnded(handler EndedHandler) {
	r.mu.Lock()
	r.onEnded = handler
	r.mu.Unlock()
}

// Done is closed once the relay connection is gone.
func (r *WebSocketRelay) Done() <-chan struct{} {
	return r.done
}

func (r *WebSocketRelay) shutdown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	close(r.done)
	return true
}

// Close sends a close frame and releases the connection.
func (r *WebSocketRelay) Close() error {
	if !r.shutdown() {
		return nil
	}
	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	r.writeMu.Unlock()
	return r.conn.Close()
}

// Close disconnects every client.
func (h *RelayHub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*hubClient)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
