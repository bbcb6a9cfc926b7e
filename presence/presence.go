// Package presence manages the TTL-keyed Redis state spec §4 uses to track
// liveness and short-lived signals: active WS connections, abort requests,
// sandbox session bindings, and runner availability.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activeTTL  = 120 * time.Second
	abortTTL   = 60 * time.Second
	runnerTTL  = 120 * time.Second
	sandboxTTL = 3600 * time.Second
)

// Store wraps a Redis client with the key helpers presence tracking needs.
// It holds no state of its own; every method is a thin, named wrapper around
// a SET/GET/DEL/EXISTS call so callers never hand-build these key strings.
type Store struct {
	rdb *redis.Client
}

// New constructs a Store over an existing client. The caller owns the
// client's lifecycle.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func activeKey(connectionID string) string { return fmt.Sprintf("ws:active:%s", connectionID) }
func abortKey(connectionID string) string  { return fmt.Sprintf("abort:%s", connectionID) }
func runnerKey(userID string) string       { return fmt.Sprintf("runner:online:%s", userID) }
func sandboxKey(sessionID string) string   { return fmt.Sprintf("sandbox:session:%s", sessionID) }
func sandboxLockKey(sessionID string) string {
	return fmt.Sprintf("sandbox:session:%s:lock", sessionID)
}

// MarkConnectionActive sets the presence key for a newly accepted WS
// connection with the safety-net TTL.
func (s *Store) MarkConnectionActive(ctx context.Context, connectionID string) error {
	return s.rdb.Set(ctx, activeKey(connectionID), "1", activeTTL).Err()
}

// RefreshConnection extends the presence key's TTL; called on every
// heartbeat frame.
func (s *Store) RefreshConnection(ctx context.Context, connectionID string) error {
	return s.rdb.Expire(ctx, activeKey(connectionID), activeTTL).Err()
}

// ClearConnection deletes the presence key on graceful disconnect. A crashed
// connection is instead reaped by the key's TTL expiring on its own.
func (s *Store) ClearConnection(ctx context.Context, connectionID string) error {
	return s.rdb.Del(ctx, activeKey(connectionID)).Err()
}

// RequestAbort sets the short-lived abort signal the worker polls for at
// tool-call and node boundaries.
func (s *Store) RequestAbort(ctx context.Context, connectionID string) error {
	return s.rdb.Set(ctx, abortKey(connectionID), "1", abortTTL).Err()
}

// AbortRequested reports whether an abort signal is pending for connectionID.
func (s *Store) AbortRequested(ctx context.Context, connectionID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, abortKey(connectionID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence: check abort key: %w", err)
	}
	return n > 0, nil
}

// ClearAbort removes the abort signal. The worker calls this at the end of
// its abort handling path.
func (s *Store) ClearAbort(ctx context.Context, connectionID string) error {
	return s.rdb.Del(ctx, abortKey(connectionID)).Err()
}

// MarkRunnerOnline records which runner id is serving a user's CLI
// connection, refreshed by the runner's own heartbeat.
func (s *Store) MarkRunnerOnline(ctx context.Context, userID, runnerID string) error {
	return s.rdb.Set(ctx, runnerKey(userID), runnerID, runnerTTL).Err()
}

// RunnerOnline returns the runner id currently serving userID, or "" if none
// is online.
func (s *Store) RunnerOnline(ctx context.Context, userID string) (string, error) {
	id, err := s.rdb.Get(ctx, runnerKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("presence: get runner presence: %w", err)
	}
	return id, nil
}

// ClearRunner removes the runner presence key on disconnect.
func (s *Store) ClearRunner(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, runnerKey(userID)).Err()
}

// SandboxSessionID returns the backend sandbox id bound to sessionID, or ""
// if none is bound yet.
func (s *Store) SandboxSessionID(ctx context.Context, sessionID string) (string, error) {
	id, err := s.rdb.Get(ctx, sandboxKey(sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("presence: get sandbox binding: %w", err)
	}
	return id, nil
}

// BindSandboxSession records the backend sandbox id for sessionID with the
// standard TTL, refreshed on every use.
func (s *Store) BindSandboxSession(ctx context.Context, sessionID, backendID string) error {
	return s.rdb.Set(ctx, sandboxKey(sessionID), backendID, sandboxTTL).Err()
}

// RefreshSandboxSession extends the binding's TTL.
func (s *Store) RefreshSandboxSession(ctx context.Context, sessionID string) error {
	return s.rdb.Expire(ctx, sandboxKey(sessionID), sandboxTTL).Err()
}

// ClearSandboxSession deletes the binding outright, e.g. after the backend
// sandbox itself has been torn down and a later session must create a
// fresh one rather than rebind to a dead id.
func (s *Store) ClearSandboxSession(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, sandboxKey(sessionID)).Err()
}

// AcquireSandboxLock attempts to take the short-lived creation lock for
// sessionID, returning true if this caller won the race.
func (s *Store) AcquireSandboxLock(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, sandboxLockKey(sessionID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("presence: acquire sandbox lock: %w", err)
	}
	return ok, nil
}

// ReleaseSandboxLock releases the creation lock once the sandbox binding is
// written, so other waiters can read it instead of polling to a timeout.
func (s *Store) ReleaseSandboxLock(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, sandboxLockKey(sessionID)).Err()
}
