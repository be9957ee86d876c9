// Package websocket pushes versioned state snapshots to subscribed clients.
// Clients subscribe to topics; each topic remembers its latest event so a new
// subscriber immediately receives the current state, and an event older than
// the one already published on its topic is discarded.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	sendBuffer = 16
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

// Event is one message pushed to subscribers of Topic. Version orders events
// within a topic; zero means unversioned.
type Event struct {
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Version      int64           `json:"version,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher defines the interface for publishing events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

func NewClient() *Client {
	return &Client{ID: uuid.NewString(), Send: make(chan []byte, sendBuffer)}
}

type topicState struct {
	subscribers map[*Client]struct{}
	version     int64
	last        []byte
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topicState
	all    map[*Client]struct{}
	allow  func(topic string) bool
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]*topicState),
		all:    make(map[*Client]struct{}),
		allow:  func(string) bool { return true },
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

// SetTopicFilter restricts which topics clients may subscribe to.
func (h *Hub) SetTopicFilter(allow func(topic string) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allow = allow
}

func (h *Hub) topic(name string) *topicState {
	t := h.topics[name]
	if t == nil {
		t = &topicState{subscribers: make(map[*Client]struct{})}
		h.topics[name] = t
	}
	return t
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	topics := client.Topics
	client.Topics = nil

	h.mu.Lock()
	h.all[client] = struct{}{}
	h.mu.Unlock()

	h.Subscribe(client, topics)
}

// Unregister removes a client from the hub and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, name := range client.Topics {
		h.drop(name, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// drop removes client from a topic. The topic is kept while it still holds a
// published state so later subscribers receive it.
func (h *Hub) drop(name string, client *Client) {
	t, ok := h.topics[name]
	if !ok {
		return
	}
	delete(t.subscribers, client)
	if len(t.subscribers) == 0 && t.last == nil {
		delete(h.topics, name)
	}
}

// Subscribe adds topics to a registered client and sends it the latest event
// of each topic. Topics rejected by the filter are ignored.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, name := range topics {
		if !h.allow(name) {
			continue
		}
		t := h.topic(name)
		if _, already := t.subscribers[client]; already {
			continue
		}
		t.subscribers[client] = struct{}{}
		client.Topics = append(client.Topics, name)
		if t.last != nil {
			deliver(client, t.last)
		}
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	remove := make(map[string]struct{}, len(topics))
	for _, name := range topics {
		remove[name] = struct{}{}
		h.drop(name, client)
	}
	remaining := make([]string, 0, len(client.Topics))
	for _, name := range client.Topics {
		if _, rm := remove[name]; !rm {
			remaining = append(remaining, name)
		}
	}
	client.Topics = remaining
}

// ProcessMessage handles an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// deliver queues data without blocking. When the client is behind, its
// oldest queued message is dropped: each event is a full state, so the newest
// one supersedes anything still queued.
func deliver(client *Client, data []byte) {
	for {
		select {
		case client.Send <- data:
			return
		default:
		}
		select {
		case <-client.Send:
		default:
		}
	}
}

// Publish sends event to the subscribers of event.Topic. A versioned event
// older than the topic's current version is discarded.
func (h *Hub) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topic(event.Topic)
	if event.Version != 0 && event.Version < t.version {
		h.logger.Debug().Str("topic", event.Topic).Int64("version", event.Version).
			Int64("current", t.version).Msg("stale event discarded")
		return nil
	}
	if event.Version != 0 {
		t.version = event.Version
	}
	t.last = data
	for client := range t.subscribers {
		deliver(client, data)
	}
	return nil
}

// Forget drops a topic's retained state, e.g. once a session has ended.
func (h *Hub) Forget(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[topic]; ok {
		t.last = nil
		t.version = 0
		if len(t.subscribers) == 0 {
			delete(h.topics, topic)
		}
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t, ok := h.topics[topic]; ok {
		return len(t.subscribers)
	}
	return 0
}

// Handler upgrades HTTP requests to WebSocket connections bound to a Hub.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler returns a handler accepting connections from the given origins.
// An empty list or "*" accepts any origin.
func NewHandler(hub *Hub, origins []string) *Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSpace(o)] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowed) == 0 || allowed["*"] || allowed[origin]
			},
		},
	}
}

// RegisterRoutes registers GET /ws. Initial topics may be passed as a
// comma-separated "topics" query parameter.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient()
	if raw := c.QueryParam("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				client.Topics = append(client.Topics, t)
			}
		}
	}
	h.hub.Register(client)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
