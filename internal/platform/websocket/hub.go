// Package websocket is the in-process publish/subscribe bus behind the
// websocket subscription channel. Clients connect, bind to the topics of the
// subscriptions they own, and receive each notification published there.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// EventTypeNotification marks a subscription notification frame.
const EventTypeNotification = "subscription-notification"

// Event is a frame sent to WebSocket clients.
type Event struct {
	Type           string          `json:"type"`
	Topic          string          `json:"topic"`
	SubscriptionID string          `json:"subscriptionId"`
	Timestamp      time.Time       `json:"timestamp"`
	Notification   json.RawMessage `json:"notification,omitempty"`
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

const topicPrefix = "Subscription/"

// TopicForSubscription is the hub topic a subscription's notifications go to.
func TopicForSubscription(id string) string {
	return topicPrefix + id
}

// ValidTopic reports whether topic names a single subscription.
func ValidTopic(topic string) bool {
	id := strings.TrimPrefix(topic, topicPrefix)
	return id != topic && id != "" && !strings.Contains(id, "/")
}

// Client represents a single WebSocket connection. Its topic set is guarded
// by the owning hub's lock.
type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]struct{}
}

// NewClient creates a client with a buffered send queue. Invalid topics are
// dropped.
func NewClient(topics ...string) *Client {
	return newClient(uuid.New().String(), sendBuffer, topics...)
}

func newClient(id string, buffer int, topics ...string) *Client {
	c := &Client{ID: id, Send: make(chan []byte, buffer), topics: make(map[string]struct{})}
	for _, t := range topics {
		if ValidTopic(t) {
			c.topics[t] = struct{}{}
		}
	}
	return c
}

// Hub tracks clients and their topic bindings. Safe for concurrent use.
type Hub struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	topics map[string]map[*Client]struct{}
	all    map[*Client]struct{}
}

// NewHub creates a new Hub ready to manage WebSocket clients.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger,
		topics: make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
	}
}

// Register adds a client to the hub and binds its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for topic := range client.topics {
		h.bind(topic, client)
	}
}

// Unregister removes a client from every topic and closes its Send channel.
// Calling it twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for topic := range client.topics {
		h.unbind(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe binds a registered client to more topics and returns how many
// were accepted.
func (h *Hub) Subscribe(client *Client, topics []string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return 0
	}
	accepted := 0
	for _, topic := range topics {
		if !ValidTopic(topic) {
			h.logger.Debug().Str("client", client.ID).Str("topic", topic).Msg("websocket: topic rejected")
			continue
		}
		client.topics[topic] = struct{}{}
		h.bind(topic, client)
		accepted++
	}
	return accepted
}

// Unsubscribe releases topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		delete(client.topics, topic)
		h.unbind(topic, client)
	}
}

// Topics returns the client's current topics in sorted order.
func (h *Hub) Topics(client *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(client.topics))
	for t := range client.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) bind(topic string, client *Client) {
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][client] = struct{}{}
}

func (h *Hub) unbind(topic string, client *Client) {
	if subscribers, ok := h.topics[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.topics, topic)
		}
	}
}

// ProcessMessage dispatches a ClientMessage to Subscribe or Unsubscribe.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast queues an event for every client bound to topic and returns the
// number of clients it was queued for. It never blocks: clients whose buffer
// is full miss the frame.
func (h *Hub) Broadcast(topic string, event Event) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("websocket: failed to marshal event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	queued := 0
	for client := range h.topics[topic] {
		select {
		case client.Send <- data:
			queued++
		default:
			h.logger.Warn().Str("client", client.ID).Str("topic", topic).Msg("websocket: client buffer full, frame dropped")
		}
	}
	return queued
}

// Publish implements EventPublisher. Having no connected client on the topic
// is not an error.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 4096
)

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles HTTP-to-WebSocket upgrades and message routing.
type Handler struct {
	hub *Hub
}

// NewHandler creates a new handler bound to the given Hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
// m is applied to the endpoint only, so an unprefixed group can be used.
func (wsh *Handler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.GET("/ws", wsh.HandleConnect, m...)
}

// HandleConnect upgrades the connection, registers the client, and starts
// read/write pumps. Initial topics may be passed as repeated ?topic= params.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	topics := c.QueryParams()["topic"]
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(topics...)
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessage)
	ws.SetReadDeadline(time.Now().Add(pongWait))
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
		wsh.hub.ProcessMessage(client, msg)
	}
}

// writePump drains the client queue and pings the peer so dead connections
// surface as read errors.
func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, nil)
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
