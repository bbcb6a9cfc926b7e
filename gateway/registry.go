package gateway

// registry.go tracks the WebSocket connections live on this process, the
// same pod-local-handle shape runner.Registry uses for runner sockets:
// one entry per connection id, last-write-wins on bind so a reconnect
// under the same id cleanly evicts the stale socket.

import (
	"sync"

	"github.com/gorilla/websocket"
)

// ConnectionID is the routing key spec §4.3 keys presence and relay
// state under: "{session_id}:{topic_id}", one active socket at a time.
type ConnectionID string

// NewConnectionID derives the connection id a session/topic pair binds.
func NewConnectionID(sessionID, topicID string) ConnectionID {
	return ConnectionID(sessionID + ":" + topicID)
}

type connection struct {
	id     ConnectionID
	userID string
	ws     *websocket.Conn
	send   chan []byte
	cancel func()

	// activeRootStreamID is the in-flight turn's workflow anchor, if
	// any. Owned exclusively by readPump's goroutine: no other goroutine
	// reads or writes it, so it needs no lock.
	activeRootStreamID string
}

// registry holds the live connections this process is terminating.
type registry struct {
	mu    sync.Mutex
	conns map[ConnectionID]*connection
}

func newRegistry() *registry {
	return &registry{conns: make(map[ConnectionID]*connection)}
}

// bind registers c under id, evicting whatever connection previously held
// it — accepting a new connection for an id already in use means the
// browser reconnected and the old socket is stale.
func (r *registry) bind(id ConnectionID, c *connection) *connection {
	r.mu.Lock()
	old := r.conns[id]
	r.conns[id] = c
	r.mu.Unlock()
	return old
}

// unbind removes id's entry, but only if c is still the registered
// connection, guarding against a stale close racing a newer bind.
func (r *registry) unbind(id ConnectionID, c *connection) {
	r.mu.Lock()
	if r.conns[id] == c {
		delete(r.conns, id)
	}
	r.mu.Unlock()
}

func (r *registry) get(id ConnectionID) (*connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}
