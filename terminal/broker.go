package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chatcore/platform/runner"
)

// ptyRequestTimeout bounds how long a create/input/resize/close control
// message waits for the runner to acknowledge it.
const ptyRequestTimeout = 30 * time.Second

// WSConn is the transport a Broker drives; production code backs it
// with *websocket.Conn, tests with an in-memory channel pair.
type WSConn interface {
	ReadMessage(ctx context.Context) (ClientMessage, error)
	WriteMessage(ctx context.Context, msg ServerMessage) error
}

// Broker runs the per-connection terminal message loop: it turns
// control messages into runner RPCs via Dispatcher, and relays the
// runner's proactive pty_output/pty_exit pushes back to the browser,
// buffering them in Redis whenever the browser side is detached.
type Broker struct {
	dispatcher *runner.Dispatcher
	sessions   *SessionManager
	rdb        *redis.Client
}

// NewBroker builds a Broker over an already-constructed runner
// Dispatcher and a SessionManager sharing its Redis client.
func NewBroker(dispatcher *runner.Dispatcher, sessions *SessionManager, rdb *redis.Client) *Broker {
	return &Broker{dispatcher: dispatcher, sessions: sessions, rdb: rdb}
}

// Serve runs the message loop for one browser connection until it
// closes, the context is cancelled, or an unrecoverable read error
// occurs. Exactly one PTY session is live on conn at a time.
func (b *Broker) Serve(ctx context.Context, conn WSConn, userID string) error {
	var (
		sessionID        string
		cancelListener   context.CancelFunc
		intentionalClose bool
	)
	defer func() {
		if cancelListener != nil {
			cancelListener()
		}
		if sessionID == "" {
			return
		}
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if intentionalClose {
			_, _ = b.dispatcher.Dispatch(cleanupCtx, userID, runner.ReqPTYClose, map[string]string{"session_id": sessionID})
			_ = b.sessions.DeleteSession(cleanupCtx, sessionID)
		} else {
			_ = b.sessions.SetDetached(cleanupCtx, sessionID)
		}
	}()

	for {
		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			return err
		}

		switch msg.Type {
		case ClientPing:
			_ = conn.WriteMessage(ctx, ServerMessage{Type: ServerPong})
			if sessionID != "" {
				_ = b.sessions.RefreshTTL(ctx, sessionID)
			}

		case ClientCreate:
			if sessionID != "" {
				b.sendError(ctx, conn, "Session already created")
				continue
			}
			var payload createPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				b.sendError(ctx, conn, "Invalid create payload")
				continue
			}
			newID := fmt.Sprintf("pty_%s", uuid.NewString())
			if err := b.sessions.CreateSession(ctx, newID, userID); err != nil {
				b.sendError(ctx, conn, fmt.Sprintf("Failed to create session: %v", err))
				continue
			}
			listenerCtx, cancel := context.WithCancel(context.Background())
			go b.runOutputListener(listenerCtx, conn, newID)

			reqCtx, reqCancel := context.WithTimeout(ctx, ptyRequestTimeout)
			_, err := b.dispatcher.Dispatch(reqCtx, userID, runner.ReqPTYCreate, map[string]any{
				"session_id": newID,
				"command":    payload.Command,
				"args":       payload.Args,
				"cols":       payload.Cols,
				"rows":       payload.Rows,
			})
			reqCancel()
			if err != nil {
				cancel()
				_ = b.sessions.DeleteSession(ctx, newID)
				b.sendError(ctx, conn, fmt.Sprintf("Failed to create PTY: %v", err))
				continue
			}
			sessionID = newID
			cancelListener = cancel
			_ = conn.WriteMessage(ctx, ServerMessage{Type: ServerCreated, Payload: createdPayload{SessionID: sessionID}})

		case ClientAttach:
			if sessionID != "" {
				b.sendError(ctx, conn, "Session already active")
				continue
			}
			var payload attachPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.SessionID == "" {
				_ = conn.WriteMessage(ctx, ServerMessage{Type: ServerAttachFailed, Payload: attachFailedPayload{Message: "Missing session_id"}})
				continue
			}
			owner, _, ok, err := b.sessions.GetSession(ctx, payload.SessionID)
			if err != nil || !ok {
				_ = conn.WriteMessage(ctx, ServerMessage{Type: ServerAttachFailed, Payload: attachFailedPayload{Message: "Session expired or not found"}})
				continue
			}
			if owner != userID {
				_ = conn.WriteMessage(ctx, ServerMessage{Type: ServerAttachFailed, Payload: attachFailedPayload{Message: "Session does not belong to this user"}})
				continue
			}
			if err := b.sessions.SetAttached(ctx, payload.SessionID); err != nil {
				_ = conn.WriteMessage(ctx, ServerMessage{Type: ServerAttachFailed, Payload: attachFailedPayload{Message: err.Error()}})
				continue
			}
			sessionID = payload.SessionID
			listenerCtx, cancel := context.WithCancel(context.Background())
			cancelListener = cancel
			go b.runOutputListener(listenerCtx, conn, sessionID)

			buffered, err := b.sessions.FlushBuffer(ctx, sessionID)
			if err != nil {
				b.sendError(ctx, conn, fmt.Sprintf("Failed to replay buffer: %v", err))
				buffered = nil
			}
			for _, frame := range buffered {
				b.forwardPush(ctx, conn, sessionID, frame)
			}
			_ = conn.WriteMessage(ctx, ServerMessage{Type: ServerAttached, Payload: attachedPayload{SessionID: sessionID, BufferedCount: len(buffered)}})

		case ClientInput:
			if sessionID == "" {
				b.sendError(ctx, conn, "No active session")
				continue
			}
			var payload inputPayload
			_ = json.Unmarshal(msg.Payload, &payload)
			reqCtx, cancel := context.WithTimeout(ctx, ptyRequestTimeout)
			_, err := b.dispatcher.Dispatch(reqCtx, userID, runner.ReqPTYInput, map[string]string{
				"session_id": sessionID,
				"data":       payload.Data,
			})
			cancel()
			if err != nil {
				b.sendError(ctx, conn, fmt.Sprintf("Input failed: %v", err))
			}

		case ClientResize:
			if sessionID == "" {
				b.sendError(ctx, conn, "No active session")
				continue
			}
			var payload resizePayload
			_ = json.Unmarshal(msg.Payload, &payload)
			reqCtx, cancel := context.WithTimeout(ctx, ptyRequestTimeout)
			_, err := b.dispatcher.Dispatch(reqCtx, userID, runner.ReqPTYResize, map[string]int{
				"cols": payload.Cols,
				"rows": payload.Rows,
			})
			cancel()
			if err != nil {
				b.sendError(ctx, conn, fmt.Sprintf("Resize failed: %v", err))
			}

		case ClientClose:
			intentionalClose = true
			return nil

		default:
			b.sendError(ctx, conn, fmt.Sprintf("Unknown message type: %s", msg.Type))
		}
	}
}

func (b *Broker) sendError(ctx context.Context, conn WSConn, message string) {
	_ = conn.WriteMessage(ctx, ServerMessage{Type: ServerError, Payload: errorPayload{Message: message}})
}

// runOutputListener subscribes to a session's output channel and
// forwards pty_output/pty_exit pushes to the browser. A failed forward
// (browser currently detached) is buffered instead of dropped so a
// later attach can replay it. Subscription failures are not retried:
// the caller tears the listener down with the connection either way.
func (b *Broker) runOutputListener(ctx context.Context, conn WSConn, sessionID string) {
	sub := b.rdb.Subscribe(ctx, OutputChannel(sessionID))
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
			b.forwardPush(ctx, conn, sessionID, []byte(msg.Payload))
		}
	}
}

func (b *Broker) forwardPush(ctx context.Context, conn WSConn, sessionID string, raw []byte) {
	var push pushFrame
	if err := json.Unmarshal(raw, &push); err != nil {
		return
	}

	var serverMsg ServerMessage
	switch runner.RequestType(push.Type) {
	case runner.PushPTYOutput:
		var p outputPayload
		_ = json.Unmarshal(push.Payload, &p)
		serverMsg = ServerMessage{Type: ServerOutput, Payload: outputPayload{Data: p.Data}}
	case runner.PushPTYExit:
		var p exitPayload
		_ = json.Unmarshal(push.Payload, &p)
		serverMsg = ServerMessage{Type: ServerExit, Payload: exitPayload{ExitCode: p.ExitCode}}
	default:
		return
	}

	if err := conn.WriteMessage(ctx, serverMsg); err != nil {
		_ = b.sessions.BufferOutput(context.Background(), sessionID, raw)
	}
}
