package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nkkko/agentdesk/internal/domain"
	"github.com/nkkko/agentdesk/internal/metrics"
	"github.com/nkkko/agentdesk/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNoClients is returned when a frame that needs a live console has
// nobody to go to
var ErrNoClients = errors.New("no stream clients connected")

// Frame types written to stream clients
const (
	FrameSnapshot  = "snapshot"
	FrameBanner    = "banner"
	FrameSound     = "sound"
	FramePush      = "push"
	FrameHeartbeat = "heartbeat"
)

// Frame is one message on the UI stream
type Frame struct {
	Type      string                   `json:"type"`
	Event     *proto.NotificationEvent `json:"event,omitempty"`
	Sound     proto.SoundClass         `json:"sound,omitempty"`
	Volume    float64                  `json:"volume,omitempty"`
	Title     string                   `json:"title,omitempty"`
	Body      string                   `json:"body,omitempty"`
	Actions   []string                 `json:"actions,omitempty"`
	Snapshot  json.RawMessage          `json:"snapshot,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// clientMessage is a frame sent by a stream client
type clientMessage struct {
	Type    string `json:"type"`
	Visible bool   `json:"visible"`
	Focused bool   `json:"focused"`
	Granted bool   `json:"granted"`
}

// StreamConfig contains UI stream configuration
type StreamConfig struct {
	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Interval between heartbeat frames
	HeartbeatInterval time.Duration

	// Per-client outbound frame buffer
	ClientBufferSize int
}

// DefaultStreamConfig returns a default configuration
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxIdleTime:       60 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		ClientBufferSize:  64,
	}
}

type streamClient struct {
	ID         string
	LastActive time.Time
	conn       *websocket.Conn
	send       chan []byte
	mu         sync.Mutex
}

// presence is what one source last reported about the console
type presence struct {
	visible   bool
	focused   bool
	permitted bool
}

// Hub fans frames out to connected console clients over WebSocket and
// aggregates what they report about visibility and notification permission
type Hub struct {
	config    StreamConfig
	upgrader  websocket.Upgrader
	clients   map[string]*streamClient
	presence  map[string]*presence
	listeners map[uint64]func(visible, focused bool)
	nextID    uint64
	visible   bool
	focused   bool
	snapshot  []byte
	mu        sync.RWMutex
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

var (
	_ domain.VisibilitySource = (*Hub)(nil)
	_ domain.SoundPlayer      = (*Hub)(nil)
	_ domain.InAppPresenter   = (*Hub)(nil)
)

// NewHub creates a new stream hub
func NewHub(config StreamConfig) *Hub {
	defaults := DefaultStreamConfig()
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.ClientBufferSize == 0 {
		config.ClientBufferSize = defaults.ClientBufferSize
	}

	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The console is served from a different origin in development
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[string]*streamClient),
		presence:  make(map[string]*presence),
		listeners: make(map[uint64]func(bool, bool)),
		logger:    log.With().Str("component", "stream").Logger(),
		metrics:   metrics.GetMetrics(),
	}
}

// Start runs heartbeats and idle cleanup until ctx is done
func (h *Hub) Start(ctx context.Context) error {
	h.logger.Info().Msg("Starting UI stream hub")

	heartbeat := time.NewTicker(h.config.HeartbeatInterval)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(h.config.MaxIdleTime / 2)
	defer cleanup.Stop()

	for {
		select {
		case <-heartbeat.C:
			h.broadcast(Frame{Type: FrameHeartbeat})
		case <-cleanup.C:
			h.performClientCleanup()
		case <-ctx.Done():
			return nil
		}
	}
}

// ServeHTTP upgrades the request and serves one stream client until it
// disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &streamClient{
		ID:         generateID(),
		LastActive: time.Now(),
		conn:       conn,
		send:       make(chan []byte, h.config.ClientBufferSize),
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	if h.snapshot != nil {
		client.send <- h.snapshot
	}
	h.mu.Unlock()
	h.metrics.NotifierConnectionsActive.Inc()
	h.logger.Debug().Str("client_id", client.ID).Msg("Stream client connected")

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *Hub) writeLoop(client *streamClient) {
	defer client.conn.Close()
	for msg := range client.send {
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket write error")
			h.removeClient(client.ID)
			return
		}
	}
	_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) readLoop(client *streamClient) {
	defer h.removeClient(client.ID)
	for {
		messageType, message, err := client.conn.ReadMessage()
		if err != nil {
			h.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket read error")
			return
		}

		client.mu.Lock()
		client.LastActive = time.Now()
		client.mu.Unlock()

		if messageType == websocket.TextMessage {
			h.processClientMessage(client, message)
		}
	}
}

// processClientMessage handles messages from clients
func (h *Hub) processClientMessage(client *streamClient, message []byte) {
	var msg clientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		h.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to parse client message")
		return
	}

	switch msg.Type {
	case "visibility":
		h.SetVisibility(client.ID, msg.Visible, msg.Focused)
	case "permission":
		h.SetPermission(client.ID, msg.Granted)
	case "ping":
		// keepalive only
	default:
		h.logger.Debug().Str("client_id", client.ID).Str("type", msg.Type).Msg("Unknown client message")
	}
}

// removeClient drops a client and whatever it reported
func (h *Hub) removeClient(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)
	close(client.send)
	delete(h.presence, clientID)
	notify := h.recomputeLocked()
	h.mu.Unlock()

	client.conn.Close()
	h.metrics.NotifierConnectionsActive.Dec()
	h.logger.Debug().Str("client_id", clientID).Msg("Stream client removed")
	notify()
}

// performClientCleanup removes clients that have been idle for too long
func (h *Hub) performClientCleanup() {
	now := time.Now()
	var idle []string

	h.mu.RLock()
	for id, client := range h.clients {
		client.mu.Lock()
		lastActive := client.LastActive
		client.mu.Unlock()
		if now.Sub(lastActive) > h.config.MaxIdleTime {
			idle = append(idle, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range idle {
		h.removeClient(id)
		h.logger.Debug().Str("client_id", id).Msg("Removed idle stream client")
	}
}

// broadcast writes frame to every client without blocking; a client whose
// buffer is full misses the frame
func (h *Hub) broadcast(frame Frame) int {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("type", frame.Type).Msg("Failed to marshal frame")
		return 0
	}

	h.mu.Lock()
	if frame.Type == FrameSnapshot {
		h.snapshot = data
	}
	sent := 0
	for id, client := range h.clients {
		select {
		case client.send <- data:
			sent++
		default:
			h.logger.Warn().Str("client_id", id).Str("type", frame.Type).Msg("Client buffer full, dropping frame")
		}
	}
	h.mu.Unlock()

	if frame.Type != FrameHeartbeat {
		h.metrics.NotifierFramesPublished.WithLabelValues(frame.Type).Add(float64(sent))
	}
	return sent
}

// PublishSnapshot sends state to every client and keeps it for clients that
// connect later
func (h *Hub) PublishSnapshot(state any) {
	raw, err := json.Marshal(state)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}
	h.broadcast(Frame{Type: FrameSnapshot, Snapshot: raw})
}

// Show renders an in-app banner
func (h *Hub) Show(event *proto.NotificationEvent) {
	h.broadcast(Frame{Type: FrameBanner, Event: event})
}

// Play asks the console to play a sound
func (h *Hub) Play(_ context.Context, class proto.SoundClass, volume float64) error {
	if h.broadcast(Frame{Type: FrameSound, Sound: class, Volume: volume}) == 0 {
		return ErrNoClients
	}
	return nil
}

// CanNotify reports whether any console granted notification permission
func (h *Hub) CanNotify() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.presence {
		if p.permitted {
			return true
		}
	}
	return false
}

// Push returns the system notification side of the hub. The console
// raises the notification itself once it receives the frame.
func (h *Hub) Push() domain.PushNotifier {
	return hubPush{hub: h}
}

type hubPush struct {
	hub *Hub
}

func (p hubPush) CanNotify() bool {
	return p.hub.CanNotify()
}

func (p hubPush) Show(_ context.Context, title, body string, actions []string) error {
	if p.hub.broadcast(Frame{Type: FramePush, Title: title, Body: body, Actions: actions}) == 0 {
		return ErrNoClients
	}
	return nil
}

// IsVisible reports whether any console is visible
func (h *Hub) IsVisible() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.visible
}

// IsFocused reports whether any visible console has focus
func (h *Hub) IsFocused() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.focused
}

// OnChange registers fn for changes of the aggregated visibility
func (h *Hub) OnChange(fn func(visible, focused bool)) (cancel func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// SetVisibility records what source reports about the console
func (h *Hub) SetVisibility(source string, visible, focused bool) {
	h.mu.Lock()
	p := h.presenceLocked(source)
	p.visible, p.focused = visible, focused
	notify := h.recomputeLocked()
	h.mu.Unlock()
	notify()
}

// SetPermission records whether source may show system notifications
func (h *Hub) SetPermission(source string, granted bool) {
	h.mu.Lock()
	h.presenceLocked(source).permitted = granted
	h.mu.Unlock()
}

func (h *Hub) presenceLocked(source string) *presence {
	p, ok := h.presence[source]
	if !ok {
		p = &presence{}
		h.presence[source] = p
	}
	return p
}

// recomputeLocked refreshes the aggregate and returns the listener calls
// to make once the lock is released
func (h *Hub) recomputeLocked() func() {
	visible, focused := false, false
	for _, p := range h.presence {
		if p.visible {
			visible = true
			if p.focused {
				focused = true
			}
		}
	}
	if visible == h.visible && focused == h.focused {
		return func() {}
	}
	h.visible, h.focused = visible, focused

	listeners := make([]func(bool, bool), 0, len(h.listeners))
	for _, fn := range h.listeners {
		listeners = append(listeners, fn)
	}
	return func() {
		for _, fn := range listeners {
			fn(visible, focused)
		}
	}
}

// ClientCount returns the number of connected stream clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client connection
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info().Msg("Shutting down UI stream hub")

	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.removeClient(id)
	}
	h.logger.Info().Int("closed_clients", len(ids)).Msg("All stream clients closed")
	return nil
}

// generateID creates a unique client ID
var generateID = func() string {
	return uuid.NewString()
}
