// Package terminal bridges a browser PTY client to a runner-hosted shell
// session, with detach-buffer-reattach semantics: a browser disconnect
// leaves the PTY alive for a grace period while its output is buffered in
// Redis, so a later "attach" replays what was missed instead of losing it.
package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatcore/platform/bus"
)

const (
	sessionTTL  = 5 * time.Minute
	bufferLimit = 2000
)

func sessionKey(sessionID string) string { return fmt.Sprintf("terminal:session:%s", sessionID) }
func bufferKey(sessionID string) string  { return fmt.Sprintf("terminal:buffer:%s", sessionID) }

// OutputChannel returns the pub/sub channel a runner publishes pty_output
// and pty_exit pushes to for sessionID. Both the session broker's output
// listener and the runner-facing relay that forwards proactive PTY
// pushes subscribe/publish on this name; it is the same channel
// bus.TerminalOutputChannel names, reused here rather than redefined.
func OutputChannel(sessionID string) string {
	return bus.TerminalOutputChannel(sessionID)
}

// Attachment is one of attached or detached; a session outlives a detach
// until its TTL lapses, at which point the runner's PTY is torn down too.
type Attachment string

const (
	Attached Attachment = "attached"
	Detached Attachment = "detached"
)

type sessionRecord struct {
	UserID     string     `json:"user_id"`
	Attachment Attachment `json:"attachment"`
}

// SessionManager tracks PTY session ownership, attach state, and the
// buffered-output queue for sessions that have lost their browser
// connection. It holds no in-process state; every call is a Redis
// round trip, matching the stateless-handler-per-pod shape the rest of
// the presence fabric uses.
type SessionManager struct {
	rdb *redis.Client
}

// NewSessionManager wraps an existing Redis client.
func NewSessionManager(rdb *redis.Client) *SessionManager {
	return &SessionManager{rdb: rdb}
}

// CreateSession registers a freshly created PTY session as attached,
// owned by userID.
func (m *SessionManager) CreateSession(ctx context.Context, sessionID, userID string) error {
	rec := sessionRecord{UserID: userID, Attachment: Attached}
	return m.writeRecord(ctx, sessionID, rec)
}

// GetSession returns the session's owning user id and attachment state,
// or ok=false if the session has expired or never existed.
func (m *SessionManager) GetSession(ctx context.Context, sessionID string) (userID string, attachment Attachment, ok bool, err error) {
	raw, err := m.rdb.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("terminal: get session: %w", err)
	}
	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", "", false, fmt.Errorf("terminal: decode session record: %w", err)
	}
	return rec.UserID, rec.Attachment, true, nil
}

// SetAttached marks sessionID as attached and refreshes its TTL,
// called whenever a browser (re)connects to it.
func (m *SessionManager) SetAttached(ctx context.Context, sessionID string) error {
	return m.setAttachment(ctx, sessionID, Attached)
}

// SetDetached marks sessionID as detached without tearing anything
// down, leaving its PTY and TTL running so a later attach can resume it.
func (m *SessionManager) SetDetached(ctx context.Context, sessionID string) error {
	return m.setAttachment(ctx, sessionID, Detached)
}

func (m *SessionManager) setAttachment(ctx context.Context, sessionID string, state Attachment) error {
	userID, _, ok, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return m.writeRecord(ctx, sessionID, sessionRecord{UserID: userID, Attachment: state})
}

func (m *SessionManager) writeRecord(ctx context.Context, sessionID string, rec sessionRecord) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("terminal: encode session record: %w", err)
	}
	return m.rdb.Set(ctx, sessionKey(sessionID), encoded, sessionTTL).Err()
}

// RefreshTTL extends a session's lifetime, called on every client ping
// so an actively-used session never lapses mid-conversation.
func (m *SessionManager) RefreshTTL(ctx context.Context, sessionID string) error {
	return m.rdb.Expire(ctx, sessionKey(sessionID), sessionTTL).Err()
}

// DeleteSession removes the session record and any buffered output,
// called on an intentional close or explicit cleanup.
func (m *SessionManager) DeleteSession(ctx context.Context, sessionID string) error {
	return m.rdb.Del(ctx, sessionKey(sessionID), bufferKey(sessionID)).Err()
}

// BufferOutput appends a raw output/exit frame to sessionID's buffer for
// later replay, called when forwarding to the browser fails because it
// is currently detached. The buffer is capped at bufferLimit entries,
// trimming the oldest first, so a long-idle detached session cannot
// grow its buffer without bound.
func (m *SessionManager) BufferOutput(ctx context.Context, sessionID string, frame []byte) error {
	key := bufferKey(sessionID)
	pipe := m.rdb.TxPipeline()
	pipe.RPush(ctx, key, frame)
	pipe.LTrim(ctx, key, -bufferLimit, -1)
	pipe.Expire(ctx, key, sessionTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("terminal: buffer output: %w", err)
	}
	return nil
}

// FlushBuffer returns and clears sessionID's buffered output frames, in
// the order they were produced, called once on a successful attach.
func (m *SessionManager) FlushBuffer(ctx context.Context, sessionID string) ([][]byte, error) {
	key := bufferKey(sessionID)
	values, err := m.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("terminal: read buffer: %w", err)
	}
	if err := m.rdb.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("terminal: clear buffer: %w", err)
	}
	frames := make([][]byte, len(values))
	for i, v := range values {
		frames[i] = []byte(v)
	}
	return frames, nil
}
