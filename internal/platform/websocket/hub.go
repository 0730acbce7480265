// Package websocket implements both ends of the push stream. The server
// side is a hub-and-spoke Hub where clients subscribe to channels and
// receive events published to them; the client side is a Dialer used by
// the sync core to hold its single persistent connection.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicsync/internal/platform/middleware"
)

// Event is a publish request: a named event with its payload, addressed
// to one channel.
type Event struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// EventPublisher defines the interface for publishing events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Authorizer decides whether client may subscribe to topic. A non-nil
// error is reported back to the client as a subscription_error frame.
type Authorizer func(client *Client, topic string) error

// TokenVerifier resolves a bearer token to the subject it was issued to.
type TokenVerifier interface {
	Subject(token string) (string, error)
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	UserID string
	Topics []string
	Send   chan []byte
	hub    *Hub
	conn   Conn
}

// Authenticated reports whether the connection presented a valid token.
func (c *Client) Authenticated() bool { return c.UserID != "" }

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithAuthorizer installs the topic authorizer. Without one, every topic
// is accepted.
func WithAuthorizer(a Authorizer) HubOption {
	return func(h *Hub) { h.authorize = a }
}

// WithTopicValidator rejects publishes to topics the validator refuses.
// Without one, any non-empty topic can be published to.
func WithTopicValidator(v func(topic string) error) HubOption {
	return func(h *Hub) { h.validateTopic = v }
}

// WithHubLogger sets the hub logger.
func WithHubLogger(l zerolog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// Hub is the central connection manager that tracks clients and their topic
// subscriptions. All operations are thread-safe via sync.RWMutex.
type Hub struct {
	mu            sync.RWMutex
	clients       map[string]map[*Client]struct{} // topic -> set of clients
	all           map[*Client]struct{}            // all connected clients
	authorize     Authorizer
	validateTopic func(topic string) error
	logger        zerolog.Logger
}

// NewHub creates a new Hub ready to manage WebSocket clients.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds a client to the hub. Topics are attached only through
// Subscribe so that every one of them passes the authorizer.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
}

// Unregister removes a client from the hub, all topic subscriptions, and
// closes the client's Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	for _, topic := range client.Topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	delete(h.all, client)
	close(client.Send)
}

// Subscribe attaches topics to a registered client, acknowledging each one
// individually. A rejected topic does not affect the others.
func (h *Hub) Subscribe(client *Client, topics []string) {
	for _, topic := range topics {
		if h.authorize != nil {
			if err := h.authorize(client, topic); err != nil {
				h.logger.Debug().Err(err).Str("client", client.ID).Str("topic", topic).Msg("subscription rejected")
				h.sendFrame(client, Frame{Type: FrameSubscriptionError, Topic: topic, Error: err.Error()})
				continue
			}
		}

		h.mu.Lock()
		if _, registered := h.all[client]; !registered {
			h.mu.Unlock()
			return
		}
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		if _, already := h.clients[topic][client]; !already {
			h.clients[topic][client] = struct{}{}
			client.Topics = append(client.Topics, topic)
		}
		// The ack is queued before the lock is released so that no
		// broadcast on this topic can overtake it.
		h.sendLocked(client, Frame{Type: FrameSubscriptionSucceeded, Topic: topic})
		h.mu.Unlock()
	}
}

// Unsubscribe dynamically removes topics from an already-registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
	}

	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage handles an inbound ClientMessage, dispatching to Subscribe
// or Unsubscribe as appropriate.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case ActionSubscribe:
		h.Subscribe(client, msg.Topics)
	case ActionUnsubscribe:
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends an event to all clients subscribed to its channel.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(Frame{
		Type:  FrameEvent,
		Topic: event.Channel,
		Event: event.Event,
		Data:  event.Data,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("topic", event.Channel).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[event.Channel] {
		select {
		case client.Send <- data:
		default:
			// Client buffer full; skip to avoid blocking.
		}
	}
}

// Publish implements the EventPublisher interface.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.Channel == "" {
		return errors.New("channel is required")
	}
	if h.validateTopic != nil {
		if err := h.validateTopic(event.Channel); err != nil {
			return err
		}
	}
	h.Broadcast(event)
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
	return len(h.clients[topic])
}

func (h *Hub) sendFrame(client *Client, f Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.sendLocked(client, f)
}

// sendLocked must be called with h.mu held.
func (h *Hub) sendLocked(client *Client, f Frame) {
	if _, ok := h.all[client]; !ok {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

// ---------------------------------------------------------------------------
// WebSocketHandler: Echo HTTP handler for the push stream
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// WebSocketHandler handles HTTP-to-WebSocket upgrades, message routing and
// event publishing over HTTP.
type WebSocketHandler struct {
	hub      *Hub
	verifier TokenVerifier
	logger   zerolog.Logger
}

// NewWebSocketHandler creates a new handler bound to the given Hub. A nil
// verifier accepts anonymous connections.
func NewWebSocketHandler(hub *Hub, verifier TokenVerifier, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, verifier: verifier, logger: logger}
}

// RegisterRoutes registers the stream and publish endpoints.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
	g.POST("/events", wsh.HandlePublish)
}

// bearerToken extracts the token from the Authorization header, falling
// back to the "token" query parameter for clients that cannot set headers
// on the upgrade request.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

// HandleConnect upgrades an HTTP connection to WebSocket, registers the
// client with the hub, and starts read/write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	var userID string
	if wsh.verifier != nil {
		if tok := bearerToken(c.Request()); tok != "" {
			sub, err := wsh.verifier.Subject(tok)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			userID = sub
		}
	}

	clientID := uuid.New().String()
	c.Set(middleware.StreamClientKey, clientID)

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     clientID,
		UserID: userID,
		Topics: []string{},
		Send:   make(chan []byte, 256),
		hub:    wsh.hub,
		conn:   &gorillaConnAdapter{ws},
	}

	wsh.hub.Register(client)
	wsh.logger.Debug().Str("client", client.ID).Str("user", userID).Msg("stream client connected")

	go wsh.writePump(client)
	go wsh.readPump(client)

	return nil
}

// HandlePublish handles POST /events. With a verifier installed the caller
// must present a valid bearer token.
func (wsh *WebSocketHandler) HandlePublish(c echo.Context) error {
	publisher := ""
	if wsh.verifier != nil {
		tok := bearerToken(c.Request())
		if tok == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing token"})
		}
		sub, err := wsh.verifier.Subject(tok)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		publisher = sub
	}

	var evt Event
	if err := c.Bind(&evt); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := wsh.hub.Publish(c.Request().Context(), evt); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	wsh.logger.Debug().Str("topic", evt.Channel).Str("publisher", publisher).Msg("event published")
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"channel":     evt.Channel,
		"subscribers": wsh.hub.TopicCount(evt.Channel),
	})
}

// readPump reads messages from the WebSocket connection and processes them.
func (wsh *WebSocketHandler) readPump(client *Client) {
	defer func() {
		wsh.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed messages.
		}

		wsh.hub.ProcessMessage(client, msg)
	}
}

// writePump writes messages from the Send channel to the WebSocket connection.
func (wsh *WebSocketHandler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(TextMessage, message); err != nil {
			break
		}
	}
}
