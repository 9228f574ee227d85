package gateway

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/itskum47/fleetgate/control_plane/observability"
)

// DefaultMaxSessions caps concurrent WebSocket sessions.
const DefaultMaxSessions = 200

var (
	ErrHubFull    = errors.New("max gateway sessions reached")
	ErrHubStopped = errors.New("gateway hub stopped")
)

// Hub tracks live sessions, enforces the session cap and closes every
// session on shutdown.
type Hub struct {
	sessions   map[*Session]struct{}
	register   chan registration
	unregister chan *Session
	done       chan struct{}
	max        int
	mu         sync.RWMutex
}

type registration struct {
	session *Session
	reply   chan error
}

func NewHub(maxSessions int) *Hub {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Hub{
		sessions:   make(map[*Session]struct{}),
		register:   make(chan registration),
		unregister: make(chan *Session),
		done:       make(chan struct{}),
		max:        maxSessions,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.sessions) >= h.max {
				h.mu.Unlock()
				log.Printf("[GATEWAY] Session rejected: max sessions (%d) reached", h.max)
				reg.reply <- ErrHubFull
				continue
			}
			h.sessions[reg.session] = struct{}{}
			n := len(h.sessions)
			h.mu.Unlock()
			observability.GatewaySessions.Inc()
			log.Printf("[GATEWAY] Session %s registered for tenant %s. Total: %d", reg.session.id, reg.session.tenantID, n)
			reg.reply <- nil

		case s := <-h.unregister:
			h.mu.Lock()
			_, ok := h.sessions[s]
			delete(h.sessions, s)
			n := len(h.sessions)
			h.mu.Unlock()
			if ok {
				observability.GatewaySessions.Dec()
				s.close()
				log.Printf("[GATEWAY] Session %s unregistered. Total: %d", s.id, n)
			}
		}
	}
}

// shutdown closes all sessions; their read loops then unwind.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("[GATEWAY] Shutting down hub with %d sessions", len(h.sessions))
	for s := range h.sessions {
		s.close()
		observability.GatewaySessions.Dec()
	}
	h.sessions = make(map[*Session]struct{})
}

// Register adds a session, or fails when the hub is full or stopped.
func (h *Hub) Register(s *Session) error {
	reply := make(chan error, 1)
	select {
	case h.register <- registration{session: s, reply: reply}:
		return <-reply
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister removes a session and closes its connection.
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
