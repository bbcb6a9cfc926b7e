package interrupt

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// State persists the three Redis keys that let a resume request be
// validated and routed back to the correct connection without consulting
// the workflow engine: the thread id to re-enter the agent graph at, the
// currently active question id (so a stale answer can be detected and
// ignored), and a per-question timeout marker.
type State struct {
	rdb *redis.Client
}

// NewState constructs a State over an existing client. The caller owns the
// client's lifecycle.
func NewState(rdb *redis.Client) *State {
	return &State{rdb: rdb}
}

func threadKey(connectionID string) string  { return fmt.Sprintf("question_thread:%s", connectionID) }
func activeKey(connectionID string) string  { return fmt.Sprintf("question_active:%s", connectionID) }
func timeoutKey(connectionID, questionID string) string {
	return fmt.Sprintf("question_timeout:%s:%s", connectionID, questionID)
}

// Open records a newly asked question: the graph thread id to resume at,
// the question id that becomes the single active one for this connection,
// and a timeout marker the scheduler can use to expire stale questions.
func (s *State) Open(ctx context.Context, connectionID, threadID, questionID string, timeout time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, threadKey(connectionID), threadID, 0)
	pipe.Set(ctx, activeKey(connectionID), questionID, 0)
	pipe.Set(ctx, timeoutKey(connectionID, questionID), "1", timeout)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("interrupt: open question state: %w", err)
	}
	return nil
}

// Validate reports whether questionID matches the currently active question
// for connectionID, returning the stored thread id when it does. A mismatch
// means the answer is stale (e.g. a duplicate browser tab, or an answer that
// arrived after the question already expired) and must be ignored.
func (s *State) Validate(ctx context.Context, connectionID, questionID string) (threadID string, ok bool, err error) {
	active, err := s.rdb.Get(ctx, activeKey(connectionID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("interrupt: read active question: %w", err)
	}
	if active != questionID {
		return "", false, nil
	}
	threadID, err = s.rdb.Get(ctx, threadKey(connectionID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("interrupt: read question thread: %w", err)
	}
	return threadID, true, nil
}

// Clear removes the question state for connectionID, called once an
// answer has been validated and before the resume is dispatched, so a
// repeated or late answer can no longer match.
func (s *State) Clear(ctx context.Context, connectionID, questionID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, threadKey(connectionID))
	pipe.Del(ctx, activeKey(connectionID))
	pipe.Del(ctx, timeoutKey(connectionID, questionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("interrupt: clear question state: %w", err)
	}
	return nil
}

// Expired reports whether the timeout marker for questionID has already
// fired (i.e. the key no longer exists), meaning the question should be
// treated as timed out rather than answered.
func (s *State) Expired(ctx context.Context, connectionID, questionID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, timeoutKey(connectionID, questionID)).Result()
	if err != nil {
		return false, fmt.Errorf("interrupt: check question timeout: %w", err)
	}
	return n == 0, nil
}
