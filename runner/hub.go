package runner

// hub.go implements the server side of the runner wire protocol: the
// WebSocket endpoint a sandboxed agent-execution runner dials into,
// registering itself in Registry and feeding replies back through
// Dispatcher. Also runs the cross-pod relay's receiving half: once a
// runner registers locally, its pod subscribes to the user's request
// channel so a Dispatch call landing on another pod still reaches it.
// Accept-then-pump shape grounded on gateway/handler.go's ServeHTTP.

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// Authenticator verifies a runner connection's bearer credential and
// returns the user id the runner is homed for.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// PushHandler disposes of a proactive push frame (pty_output, pty_exit)
// the runner sends with no request id to correlate a reply to.
type PushHandler interface {
	HandlePush(ctx context.Context, userID string, f Frame) error
}

// Hub serves the runner-facing WebSocket endpoint: one connection per
// homed user, registered in Registry for Dispatcher to route requests
// to and fed replies back from.
type Hub struct {
	Auth       Authenticator
	Registry   *Registry
	Dispatcher *Dispatcher
	Push       PushHandler
	Rdb        *redis.Client
	Logger     *slog.Logger

	upgrader websocket.Upgrader
}

// NewHub constructs a Hub ready to serve, filling in defaults for fields
// left zero.
func NewHub(h Hub) *Hub {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	h.upgrader = websocket.Upgrader{}
	return &h
}

// ServeHTTP upgrades the request to a WebSocket, registers the runner
// under the authenticated user id, and runs its read loop until the
// connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	userID, err := h.Auth.Authenticate(ctx, token)
	if err != nil {
		http.Error(w, "invalid runner token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.WarnContext(ctx, "runner websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	conn := &wsConn{ws: ws}
	h.Registry.Register(userID, conn)

	connCtx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.Registry.Unregister(userID, conn)
		_ = ws.Close()
	}()

	go h.relayInboundRequests(connCtx, userID, conn)
	h.readLoop(connCtx, userID, conn, ws)
}

// readLoop owns the socket's sole reader: pushes (no request id) go to
// Push, replies (the id matches a pending local or relayed future) go to
// Dispatcher.HandleRunnerReply.
func (h *Hub) readLoop(ctx context.Context, userID string, conn *wsConn, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.Logger.WarnContext(ctx, "malformed runner frame", "user_id", userID, "error", err)
			continue
		}
		if f.ID == "" {
			if h.Push != nil {
				if err := h.Push.HandlePush(ctx, userID, f); err != nil {
					h.Logger.WarnContext(ctx, "handle runner push failed", "user_id", userID, "error", err)
				}
			}
			continue
		}
		h.Dispatcher.HandleRunnerReply(f)
	}
}

// relayInboundRequests subscribes to userID's cross-pod request channel
// for as long as the runner stays registered on this pod, forwarding
// each relayed request to conn and publishing the reply back via
// Dispatcher.HandleInboundRequest.
func (h *Hub) relayInboundRequests(ctx context.Context, userID string, conn *wsConn) {
	if h.Rdb == nil {
		return
	}
	sub := h.Rdb.Subscribe(ctx, requestChannel(userID))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var f Frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				h.Logger.WarnContext(ctx, "decode relayed runner request failed", "user_id", userID, "error", err)
				continue
			}
			go func(f Frame) {
				if err := h.Dispatcher.HandleInboundRequest(ctx, conn, f); err != nil {
					h.Logger.WarnContext(ctx, "relay inbound runner request failed", "user_id", userID, "error", err)
				}
			}(f)
		}
	}
}

// wsConn adapts *websocket.Conn to Conn, serializing writes since both
// the read loop's dispatch replies and the relay goroutine's forwarded
// requests may write concurrently.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) WriteFrame(ctx context.Context, f Frame) error {
	encoded, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, encoded)
}
