package ws

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/logging"
	"github.com/GriffinCanCode/bundlemanager/internal/manager"
)

// Event types sent to clients.
const (
	TypeSystem          = "system"
	TypeUpdateComplete  = "update_complete"
	TypeReleaseComplete = "release_complete"
	TypePaused          = "paused"
	TypePong            = "pong"
	TypeError           = "error"
)

// DefaultClientBuffer is the per-client queue length.
const DefaultClientBuffer = 64

// Event is the JSON message written to clients.
type Event struct {
	Type             string      `json:"type"`
	Bundle           bundle.Name `json:"bundle,omitempty"`
	Result           string      `json:"result,omitempty"`
	ContentChanged   bool        `json:"content_changed,omitempty"`
	IsStartup        bool        `json:"is_startup,omitempty"`
	ContainsChunks   bool        `json:"contains_chunks,omitempty"`
	ContainsOnDemand bool        `json:"contains_on_demand,omitempty"`
	ErrorText        string      `json:"error_text,omitempty"`
	Paused           bool        `json:"paused,omitempty"`
	Reasons          []string    `json:"reasons,omitempty"`
	Message          string      `json:"message,omitempty"`
	Timestamp        int64       `json:"timestamp"`
}

func updateEvent(ev bundle.UpdateEvent) Event {
	return Event{
		Type:             TypeUpdateComplete,
		Bundle:           ev.Bundle,
		Result:           ev.Result.String(),
		ContentChanged:   ev.ContentChanged,
		IsStartup:        ev.IsStartup,
		ContainsChunks:   ev.ContainsChunks,
		ContainsOnDemand: ev.ContainsOnDemand,
		ErrorText:        ev.ErrorText,
		Timestamp:        time.Now().Unix(),
	}
}

func releaseEvent(ev bundle.ReleaseEvent) Event {
	return Event{
		Type:      TypeReleaseComplete,
		Bundle:    ev.Bundle,
		Result:    ev.Result.String(),
		Timestamp: time.Now().Unix(),
	}
}

func pauseEvent(ev bundle.PauseEvent) Event {
	return Event{
		Type:      TypePaused,
		Bundle:    ev.Bundle,
		Paused:    ev.Flags != 0,
		Reasons:   ev.Flags.Names(),
		Timestamp: time.Now().Unix(),
	}
}

type client struct {
	send chan Event
}

// Hub fans manager events out to connected clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	buffer  int
	logger  *zap.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithClientBuffer sets the per-client queue length.
func WithClientBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewHub creates a hub with no clients.
func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients: make(map[*client]struct{}),
		buffer:  DefaultClientBuffer,
		logger:  logging.OrNop(logger).Named("ws"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach subscribes the hub to m. It must run before m's tick loop starts.
func (h *Hub) Attach(m *manager.Manager) {
	m.OnUpdateComplete(func(ev bundle.UpdateEvent) { h.Broadcast(updateEvent(ev)) })
	m.OnReleaseComplete(func(ev bundle.ReleaseEvent) { h.Broadcast(releaseEvent(ev)) })
	m.OnPaused(func(ev bundle.PauseEvent) { h.Broadcast(pauseEvent(ev)) })
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues ev for every client without blocking. Clients whose
// queue is full are dropped.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.deliverLocked(c, ev)
	}
}

func (h *Hub) deliver(c *client, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.deliverLocked(c, ev)
	}
}

func (h *Hub) deliverLocked(c *client, ev Event) {
	select {
	case c.send <- ev:
	default:
		h.logger.Warn("Dropping slow event client",
			zap.String("type", ev.Type),
			zap.Int("buffer", h.buffer),
		)
		h.removeLocked(c)
	}
}

func (h *Hub) register() *client {
	c := &client{send: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("Event client connected", zap.Int("clients", n))
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked closes c's queue once.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}
