// Package realtime delivers live events to connected sessions. Delivery is
// best effort: a connection that fails a send is dropped.
package realtime

import (
	"context"
	"sync"
	"time"

	"snagline/internal/logger"
)

const (
	TypeSnagUpdate   = "snag_update"
	TypeNotification = "notification"
	TypeAuthSuccess  = "auth_success"
	TypeAuthError    = "auth_error"
	TypePong         = "pong"

	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Event is a server to client message.
type Event struct {
	Type      string `json:"type"`
	Event     string `json:"event,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SnagUpdate builds a broadcast event for a snag mutation.
func SnagUpdate(event string, data any, at time.Time) Event {
	return Event{Type: TypeSnagUpdate, Event: event, Data: data, Timestamp: at.UTC().Format(time.RFC3339Nano)}
}

// NotificationEvent builds a per-user notification event.
func NotificationEvent(data any, at time.Time) Event {
	return Event{Type: TypeNotification, Data: data, Timestamp: at.UTC().Format(time.RFC3339Nano)}
}

// Conn is a live session handle. Send returns an error when the session
// can no longer be written to.
type Conn interface {
	Send(ctx context.Context, evt Event) error
}

// Publisher is what mutation paths use to push live events.
type Publisher interface {
	BroadcastAll(ctx context.Context, evt Event)
	SendToUser(ctx context.Context, userID string, evt Event)
}

const defaultSendTimeout = 5 * time.Second

// Hub tracks registered connections and, per user, the most recently
// authenticated one.
type Hub struct {
	log         *logger.Logger
	sendTimeout time.Duration

	mu    sync.RWMutex
	conns map[Conn]string
	users map[string]Conn
}

func NewHub(log *logger.Logger, sendTimeout time.Duration) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Hub{
		log:         log.With("service", "RealtimeHub"),
		sendTimeout: sendTimeout,
		conns:       make(map[Conn]string),
		users:       make(map[string]Conn),
	}
}

// Register adds an unauthenticated connection.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		h.conns[c] = ""
	}
}

// Authenticate binds c to userID. A later connection for the same user
// replaces the earlier one as the user's target.
func (h *Hub) Authenticate(c Conn, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.conns[c]; ok && prev != "" && prev != userID && h.users[prev] == c {
		delete(h.users, prev)
	}
	h.conns[c] = userID
	h.users[userID] = c
}

// Unregister removes c. The user binding is only cleared if it still points at c.
func (h *Hub) Unregister(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	userID, ok := h.conns[c]
	if !ok {
		return
	}
	delete(h.conns, c)
	if userID != "" && h.users[userID] == c {
		delete(h.users, userID)
	}
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// UserConn returns the connection currently bound to userID.
func (h *Hub) UserConn(userID string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.users[userID]
	return c, ok
}

// BroadcastAll sends evt to every registered connection. Sends happen
// outside the lock; failing connections are unregistered.
func (h *Hub) BroadcastAll(ctx context.Context, evt Event) {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := h.send(ctx, c, evt); err != nil {
			h.log.Warn("dropping live connection", "type", evt.Type, "error", err)
			h.Unregister(c)
		}
	}
}

// SendToUser delivers evt to the user's bound connection, if any.
func (h *Hub) SendToUser(ctx context.Context, userID string, evt Event) {
	c, ok := h.UserConn(userID)
	if !ok {
		h.log.Debug("no live connection for user", "user_id", userID, "type", evt.Type)
		return
	}
	if err := h.send(ctx, c, evt); err != nil {
		h.log.Warn("dropping live connection", "user_id", userID, "type", evt.Type, "error", err)
		h.Unregister(c)
	}
}

func (h *Hub) send(ctx context.Context, c Conn, evt Event) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.sendTimeout)
	defer cancel()
	return c.Send(sendCtx, evt)
}
