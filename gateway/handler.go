package gateway

// handler.go implements the Chat Gateway's WebSocket endpoint: the
// connection-acceptance sequence, the 25s heartbeat, the client-message
// dispatch table, and graceful close. Grounded on example/websocket.go's
// service-method shape (generalized past its goa-codegen plumbing, which
// this repo has no generator pipeline for) and example/cmd/assistant's
// http.go for the plain net/http + gorilla/websocket transport.

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/chatcore/platform/bus"
	"github.com/chatcore/platform/chatevents"
	"github.com/chatcore/platform/interrupt"
	"github.com/chatcore/platform/presence"
	"github.com/chatcore/platform/worker"
)

// Close codes the accept sequence and its post-accept checks use. 4000+
// is the RFC 6455 application-defined range.
const (
	closeAuthFailed        = 4001
	closeSessionDenied     = 4003
	closeTopicMismatch     = 4004
	closeParallelChatLimit = 4008
)

// Handler serves one Chat Gateway WebSocket endpoint. Construct with
// NewHandler; the zero value has no upgrader or registry and must not be
// used directly.
type Handler struct {
	Auth      Authenticator
	Sessions  Sessions
	Messages  Messages
	Lifecycle Lifecycle
	Balance   BalanceChecker

	Dispatcher *worker.Dispatcher
	Bus        *bus.RedisBus
	Presence   *presence.Store
	Interrupt  *interrupt.State
	Logger     *slog.Logger

	// RateLimit and RateBurst bound how many client frames per second one
	// connection may send; a loose backstop, not the primary defense
	// against abuse.
	RateLimit rate.Limit
	RateBurst int

	reg      *registry
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler ready to serve, filling in defaults for
// fields left zero.
func NewHandler(h Handler) *Handler {
	if h.RateLimit <= 0 {
		h.RateLimit = 5
	}
	if h.RateBurst <= 0 {
		h.RateBurst = 10
	}
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	h.reg = newRegistry()
	h.upgrader = websocket.Upgrader{}
	return &h
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection
// until the client disconnects or a fatal protocol error closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.WarnContext(ctx, "websocket upgrade failed", "error", err)
		return
	}

	userID, topicID, resolved, ok := h.accept(ctx, ws, r)
	if !ok {
		return
	}

	cid := NewConnectionID(resolved.SessionID, topicID)
	conn := &connection{id: cid, userID: userID, ws: ws, send: make(chan []byte, 32)}
	if old := h.reg.bind(cid, conn); old != nil {
		old.cancel()
		_ = old.ws.Close()
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	defer h.disconnect(connCtx, conn, userID, cid)

	if err := h.Presence.MarkConnectionActive(connCtx, string(cid)); err != nil {
		h.Logger.WarnContext(connCtx, "mark connection active failed", "connection_id", cid, "error", err)
	}

	go h.writePump(connCtx, conn)
	go h.relay(connCtx, conn)
	go h.heartbeat(connCtx, conn)

	h.readPump(connCtx, conn, userID, topicID, resolved)
}

// accept runs the connection-acceptance sequence (spec §4.2 steps 1-4):
// authenticate, resolve the topic, run the lifecycle Connect hook, and
// reject with the documented close code on any failure. The step-5
// presence key is set afterwards in ServeHTTP.
func (h *Handler) accept(ctx context.Context, ws *websocket.Conn, r *http.Request) (userID, topicID string, resolved ResolvedTopic, ok bool) {
	token := r.URL.Query().Get("token")
	userID, err := h.Auth.Authenticate(ctx, token)
	if err != nil {
		closeWith(ws, closeAuthFailed, "invalid auth token")
		return "", "", ResolvedTopic{}, false
	}

	topicID = r.URL.Query().Get("topic_id")
	resolved, err = h.Sessions.ResolveTopic(ctx, userID, topicID)
	switch {
	case errors.Is(err, ErrTopicNotFound):
		closeWith(ws, closeSessionDenied, "topic not found")
		return "", "", ResolvedTopic{}, false
	case errors.Is(err, ErrCrossUserTopic):
		closeWith(ws, closeTopicMismatch, "topic does not belong to this user")
		return "", "", ResolvedTopic{}, false
	case err != nil:
		closeWith(ws, closeSessionDenied, "topic resolution failed")
		return "", "", ResolvedTopic{}, false
	}

	cid := NewConnectionID(resolved.SessionID, topicID)
	if allowed, err := h.Lifecycle.Connect(ctx, userID, cid); err != nil || !allowed {
		closeWith(ws, closeParallelChatLimit, "parallel chat limit reached")
		return "", "", ResolvedTopic{}, false
	}

	return userID, topicID, resolved, true
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	_ = ws.Close()
}

func (h *Handler) disconnect(ctx context.Context, conn *connection, userID string, cid ConnectionID) {
	conn.cancel()
	h.reg.unbind(cid, conn)
	if err := h.Presence.ClearConnection(ctx, string(cid)); err != nil {
		h.Logger.WarnContext(ctx, "clear connection presence failed", "connection_id", cid, "error", err)
	}
	h.Lifecycle.Disconnect(ctx, userID, cid)
	_ = conn.ws.Close()
	close(conn.send)
}

// writePump is the sole goroutine that calls conn.ws.WriteMessage,
// serializing relay frames, heartbeat pings, and dispatch replies onto
// one socket.
func (h *Handler) writePump(ctx context.Context, conn *connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-conn.send:
			if !ok {
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				conn.cancel()
				return
			}
		}
	}
}

// relay subscribes to chat:{cid} and forwards every published frame to
// the socket, the cross-pod delivery path for turns running on a
// different process than the one holding this connection.
func (h *Handler) relay(ctx context.Context, conn *connection) {
	sub := h.Bus.Subscribe(ctx, bus.ChatChannel(string(conn.id)))
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			h.send(conn, []byte(msg.Payload))
		}
	}
}

// heartbeat pings the connection and refreshes its presence TTL every
// heartbeatInterval, the "safety net" the active-connection key's own TTL
// backstops if this loop ever stops running.
func (h *Handler) heartbeat(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Presence.RefreshConnection(ctx, string(conn.id)); err != nil {
				h.Logger.WarnContext(ctx, "refresh connection presence failed", "connection_id", conn.id, "error", err)
			}
			h.sendFrame(conn, chatevents.OutboundFrame{Type: chatevents.FramePing, Timestamp: time.Now().UTC()})
		}
	}
}

// readPump owns the connection's one reader goroutine, and therefore
// conn.activeRootStreamID: nothing else reads or writes it concurrently.
func (h *Handler) readPump(ctx context.Context, conn *connection, userID, topicID string, resolved ResolvedTopic) {
	limiter := rate.NewLimiter(h.RateLimit, h.RateBurst)
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow() {
			continue
		}

		var in chatevents.InboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			h.Logger.WarnContext(ctx, "malformed client frame", "connection_id", conn.id, "error", err)
			continue
		}
		h.dispatch(ctx, conn, userID, topicID, resolved, in)
	}
}

// dispatch implements the client-message dispatch table (spec §4.2).
// pong short-circuits before any of the other cases touch storage.
func (h *Handler) dispatch(ctx context.Context, conn *connection, userID, topicID string, resolved ResolvedTopic, in chatevents.InboundFrame) {
	if in.Type == chatevents.FramePong {
		return
	}

	switch in.Type {
	case chatevents.FrameAbort:
		h.handleAbort(ctx, conn, userID, in)
	case chatevents.FrameUserQuestionResponse:
		h.handleQuestionResponse(ctx, conn, in)
	case chatevents.FrameRegenerate:
		h.handleRegenerate(ctx, conn, userID, topicID, resolved)
	case chatevents.FrameMessage:
		var payload chatevents.MessagePayload
		if err := in.DecodePayload(&payload); err != nil {
			h.Logger.WarnContext(ctx, "decode message payload failed", "error", err)
			return
		}
		h.handleMessage(ctx, conn, userID, topicID, resolved, payload)
	default:
		h.Logger.WarnContext(ctx, "unknown client frame type", "type", in.Type)
	}
}

func (h *Handler) handleAbort(ctx context.Context, conn *connection, userID string, in chatevents.InboundFrame) {
	var payload chatevents.AbortPayload
	if err := in.DecodePayload(&payload); err != nil {
		return
	}
	if err := h.Presence.RequestAbort(ctx, string(conn.id)); err != nil {
		h.Logger.WarnContext(ctx, "request abort failed", "connection_id", conn.id, "error", err)
	}
	req := interrupt.AbortRequest{StreamID: payload.MessageID, Reason: "user_requested", RequestedBy: userID}
	if err := h.Dispatcher.AbortTurn(ctx, payload.MessageID, req); err != nil {
		h.Logger.InfoContext(ctx, "abort signal did not reach a running turn", "connection_id", conn.id, "error", err)
	}
}

func (h *Handler) handleQuestionResponse(ctx context.Context, conn *connection, in chatevents.InboundFrame) {
	var payload chatevents.UserQuestionResponsePayload
	if err := in.DecodePayload(&payload); err != nil {
		return
	}

	_, ok, err := h.Interrupt.Validate(ctx, string(conn.id), payload.QuestionID)
	if err != nil {
		h.Logger.WarnContext(ctx, "validate question answer failed", "connection_id", conn.id, "error", err)
		return
	}
	if !ok {
		// Stale answer: a duplicate tab, or an answer that arrived after
		// the question already expired. Silently ignored.
		return
	}
	if err := h.Interrupt.Clear(ctx, string(conn.id), payload.QuestionID); err != nil {
		h.Logger.WarnContext(ctx, "clear question state failed", "connection_id", conn.id, "error", err)
	}

	if conn.activeRootStreamID == "" {
		return
	}
	answer := interrupt.QuestionAnswer{QuestionID: payload.QuestionID, OptionID: payload.OptionID, Text: payload.Text}
	if err := h.Dispatcher.ResumeFromInterrupt(ctx, conn.activeRootStreamID, answer); err != nil {
		h.Logger.WarnContext(ctx, "resume from interrupt failed", "connection_id", conn.id, "error", err)
	}
}

func (h *Handler) handleRegenerate(ctx context.Context, conn *connection, userID, topicID string, resolved ResolvedTopic) {
	recent, err := h.Messages.MostRecentUserMessage(ctx, topicID)
	if err != nil {
		h.Logger.WarnContext(ctx, "load most recent message for regenerate failed", "topic_id", topicID, "error", err)
		return
	}
	h.dispatchTurn(ctx, conn, userID, topicID, resolved, recent.Content, recent.MessageID)
}

func (h *Handler) handleMessage(ctx context.Context, conn *connection, userID, topicID string, resolved ResolvedTopic, payload chatevents.MessagePayload) {
	allowed, err := h.Lifecycle.AllowTurn(ctx, userID)
	if err != nil {
		h.Logger.WarnContext(ctx, "parallel chat limit check failed", "user_id", userID, "error", err)
		return
	}
	if !allowed {
		h.Logger.InfoContext(ctx, "dropping message, parallel chat limit reached", "user_id", userID)
		return
	}

	messageID, err := h.Messages.InsertUserMessage(ctx, NewUserMessage{
		TopicID:  topicID,
		UserID:   userID,
		Content:  payload.Content,
		FileIDs:  payload.FileIDs,
		ParentID: payload.ParentID,
	})
	if err != nil {
		h.Logger.ErrorContext(ctx, "insert user message failed", "topic_id", topicID, "error", err)
		return
	}

	enough, err := h.Balance.SoftProbe(ctx, userID)
	if err != nil {
		h.Logger.ErrorContext(ctx, "balance probe failed", "user_id", userID, "error", err)
		return
	}
	if !enough {
		if err := h.Messages.RollbackUserMessage(ctx, messageID); err != nil {
			h.Logger.WarnContext(ctx, "rollback user message failed", "message_id", messageID, "error", err)
		}
		h.sendFrame(conn, chatevents.OutboundFrame{Type: chatevents.FrameInsufficientFunds, Timestamp: time.Now().UTC()})
		return
	}

	if len(payload.FileIDs) > 0 {
		if err := h.Messages.LinkAttachments(ctx, messageID, payload.FileIDs); err != nil {
			h.Logger.WarnContext(ctx, "link attachments failed", "message_id", messageID, "error", err)
		}
	}

	now := time.Now().UTC()
	h.sendFrame(conn, chatevents.OutboundFrame{
		Type:      chatevents.FrameMessageSaved,
		Timestamp: now,
		Data:      chatevents.MessageSavedPayload{ClientMessageID: payload.ClientID, MessageID: messageID, CreatedAt: now},
	})

	h.startTurn(ctx, conn, userID, topicID, resolved, payload.Content, messageID, payload.ClientID)

	if shouldTitle, err := h.Messages.ShouldGenerateTitle(ctx, topicID); err == nil && shouldTitle {
		h.Messages.GenerateTitleAsync(topicID, payload.Content)
	}
}

// dispatchTurn is regenerate's entry point: balance-check and start a
// fresh turn from existing content, skipping the insert/attach steps a
// brand-new message goes through.
func (h *Handler) dispatchTurn(ctx context.Context, conn *connection, userID, topicID string, resolved ResolvedTopic, prompt, messageID string) {
	enough, err := h.Balance.SoftProbe(ctx, userID)
	if err != nil {
		h.Logger.ErrorContext(ctx, "balance probe failed", "user_id", userID, "error", err)
		return
	}
	if !enough {
		h.sendFrame(conn, chatevents.OutboundFrame{Type: chatevents.FrameInsufficientFunds, Timestamp: time.Now().UTC()})
		return
	}
	h.startTurn(ctx, conn, userID, topicID, resolved, prompt, messageID, "")
}

func (h *Handler) startTurn(ctx context.Context, conn *connection, userID, topicID string, resolved ResolvedTopic, prompt, messageID, clientID string) {
	streamID := uuid.New().String()
	conn.activeRootStreamID = streamID

	h.sendFrame(conn, chatevents.OutboundFrame{Type: chatevents.FrameLoading, StreamID: streamID, Timestamp: time.Now().UTC()})

	_, err := h.Dispatcher.StartTurn(ctx, worker.TurnInput{
		SessionID:    resolved.SessionID,
		TopicID:      topicID,
		UserID:       userID,
		ConnectionID: string(conn.id),
		StreamID:     streamID,
		RootStreamID: streamID,
		Prompt:       prompt,
		AgentID:      resolved.AgentID,
		Tier:         resolved.Tier,
		Attribution:  resolved.Attribution,
	})
	if err != nil {
		h.Logger.ErrorContext(ctx, "dispatch turn failed", "stream_id", streamID, "error", err)
		return
	}

	h.sendFrame(conn, chatevents.OutboundFrame{
		Type:      chatevents.FrameMessageAck,
		StreamID:  streamID,
		Timestamp: time.Now().UTC(),
		Data:      chatevents.MessageAckPayload{MessageID: messageID, ClientID: clientID},
	})
}

func (h *Handler) sendFrame(conn *connection, frame chatevents.OutboundFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.Logger.ErrorContext(context.Background(), "marshal outbound frame failed", "type", frame.Type, "error", err)
		return
	}
	h.send(conn, payload)
}

func (h *Handler) send(conn *connection, payload []byte) {
	select {
	case conn.send <- payload:
	default:
		h.Logger.WarnContext(context.Background(), "dropping frame, connection send buffer full", "connection_id", conn.id)
	}
}
