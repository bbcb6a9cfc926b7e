package runner

import (
	"context"
	"fmt"
	"sync"
)

// Conn is the pod-local handle to one user's runner WebSocket. Dispatch
// calls WriteFrame directly when the registry holds a Conn for the
// target user; replies are matched back to the waiting caller via
// Registry's pending-future table, not through Conn itself.
type Conn interface {
	WriteFrame(ctx context.Context, f Frame) error
}

// Registry tracks which users have a runner WebSocket terminated on
// this pod, plus the futures awaiting a reply to an in-flight request.
// Exactly one pod is "home" for a given user's runner at a time; the
// registry itself enforces nothing about that beyond last-write-wins on
// Register.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]Conn
	pending map[string]chan Frame
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: map[string]Conn{}, pending: map[string]chan Frame{}}
}

// Register records conn as the local handle for userID's runner,
// replacing any prior connection (e.g. after a reconnect).
func (r *Registry) Register(userID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[userID] = conn
}

// Unregister removes userID's local connection, typically on socket
// close. No-op if conn is not the currently registered connection,
// guarding against a stale close racing a newer Register.
func (r *Registry) Unregister(userID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[userID] == conn {
		delete(r.conns, userID)
	}
}

// Local returns the connection registered for userID, or nil if the
// user's runner is not homed on this pod.
func (r *Registry) Local(userID string) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[userID]
}

// awaitReply registers a pending future for requestID and returns the
// channel the reply will arrive on. Callers must eventually call
// cancelReply to avoid leaking the entry if no reply ever comes.
func (r *Registry) awaitReply(requestID string) chan Frame {
	ch := make(chan Frame, 1)
	r.mu.Lock()
	r.pending[requestID] = ch
	r.mu.Unlock()
	return ch
}

func (r *Registry) cancelReply(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}

// ResolveReply delivers a reply frame to its waiting local caller, if
// any. Returns false when no local future is pending for the frame's
// id; the frame is then not delivered anywhere.
func (r *Registry) ResolveReply(f Frame) bool {
	r.mu.Lock()
	ch, ok := r.pending[f.ID]
	if ok {
		delete(r.pending, f.ID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- f:
	default:
	}
	return true
}

// ErrRunnerNotLocal indicates the target user has no connection
// registered on this pod.
var ErrRunnerNotLocal = fmt.Errorf("runner: user's runner is not homed on this pod")
