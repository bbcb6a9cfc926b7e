package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatcore/platform/presence"
)

const (
	creationLockTTL   = 60 * time.Second
	creationPollEvery = time.Second
	creationPollTries = 10
)

// Manager lazily creates and caches a session-scoped sandbox binding. The
// first caller to ask for a binding wins the creation lock and creates a
// backend sandbox; concurrent callers poll the Redis mapping until it
// appears or the wait times out.
type Manager struct {
	backend   Backend
	presence  *presence.Store
	sessionID string
	userID    string

	sandboxID string
}

// NewManager constructs a Manager bound to one chat session. The backend
// is resolved by the caller (cloud provider vs. the user's own runner)
// before construction.
func NewManager(backend Backend, presenceStore *presence.Store, sessionID, userID string) *Manager {
	return &Manager{backend: backend, presence: presenceStore, sessionID: sessionID, userID: userID}
}

// ErrCreationTimeout indicates this caller gave up waiting for a
// concurrent creation to finish.
var ErrCreationTimeout = errors.New("sandbox: timed out waiting for concurrent sandbox creation")

// EnsureSandbox returns the backend sandbox id bound to this session,
// creating one on first use. Concurrent creation across goroutines or
// pods is serialized by a short Redis SET NX lock; losers poll the
// resulting binding instead of racing the backend.
func (m *Manager) EnsureSandbox(ctx context.Context, config Config, envVars map[string]string) (string, error) {
	if m.sandboxID != "" {
		return m.sandboxID, nil
	}

	existing, err := m.presence.SandboxSessionID(ctx, m.sessionID)
	if err != nil {
		return "", err
	}
	if existing != "" {
		m.sandboxID = existing
		return existing, nil
	}

	acquired, err := m.presence.AcquireSandboxLock(ctx, m.sessionID, creationLockTTL)
	if err != nil {
		return "", err
	}
	if !acquired {
		return m.awaitConcurrentCreation(ctx)
	}
	defer func() { _ = m.presence.ReleaseSandboxLock(ctx, m.sessionID) }()

	name := fmt.Sprintf("chatcore-%s", shortID(m.sessionID))
	sandboxID, err := m.backend.CreateSandbox(ctx, name, config, envVars)
	if err != nil {
		return "", err
	}
	if err := m.presence.BindSandboxSession(ctx, m.sessionID, sandboxID); err != nil {
		return "", err
	}
	m.sandboxID = sandboxID
	return sandboxID, nil
}

func (m *Manager) awaitConcurrentCreation(ctx context.Context) (string, error) {
	for i := 0; i < creationPollTries; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(creationPollEvery):
		}
		existing, err := m.presence.SandboxSessionID(ctx, m.sessionID)
		if err != nil {
			return "", err
		}
		if existing != "" {
			m.sandboxID = existing
			return existing, nil
		}
	}
	return "", ErrCreationTimeout
}

// Cleanup deletes the backend sandbox and clears its Redis mapping.
// Backend deletion failures are swallowed — a stale backend sandbox is
// reaped by the provider's own idle timeout — but the mapping is always
// cleared so a later session rebinds to a fresh sandbox.
func (m *Manager) Cleanup(ctx context.Context) error {
	sandboxID, err := m.presence.SandboxSessionID(ctx, m.sessionID)
	if err != nil {
		return err
	}
	if sandboxID == "" {
		return nil
	}
	_ = m.backend.DeleteSandbox(ctx, sandboxID)
	m.sandboxID = ""
	return m.presence.ClearSandboxSession(ctx, m.sessionID)
}

func (m *Manager) Exec(ctx context.Context, command, cwd string, timeout time.Duration) (ExecResult, error) {
	id, err := m.EnsureSandbox(ctx, Config{}, nil)
	if err != nil {
		return ExecResult{}, err
	}
	return m.backend.Exec(ctx, id, command, cwd, timeout)
}

func (m *Manager) ReadFile(ctx context.Context, path string) (string, error) {
	id, err := m.EnsureSandbox(ctx, Config{}, nil)
	if err != nil {
		return "", err
	}
	return m.backend.ReadFile(ctx, id, path)
}

func (m *Manager) WriteFile(ctx context.Context, path, content string) error {
	id, err := m.EnsureSandbox(ctx, Config{}, nil)
	if err != nil {
		return err
	}
	return m.backend.WriteFile(ctx, id, path, content)
}

func (m *Manager) ListFiles(ctx context.Context, path string) ([]FileInfo, error) {
	id, err := m.EnsureSandbox(ctx, Config{}, nil)
	if err != nil {
		return nil, err
	}
	return m.backend.ListFiles(ctx, id, path)
}

func (m *Manager) FindFiles(ctx context.Context, root, pattern string) ([]string, error) {
	id, err := m.EnsureSandbox(ctx, Config{}, nil)
	if err != nil {
		return nil, err
	}
	return m.backend.FindFiles(ctx, id, root, pattern)
}

func (m *Manager) SearchInFiles(ctx context.Context, root, pattern, include string) ([]SearchMatch, error) {
	id, err := m.EnsureSandbox(ctx, Config{}, nil)
	if err != nil {
		return nil, err
	}
	return m.backend.SearchInFiles(ctx, id, root, pattern, include)
}

func (m *Manager) WriteFileBytes(ctx context.Context, path string, data []byte) error {
	id, err := m.EnsureSandbox(ctx, Config{}, nil)
	if err != nil {
		return err
	}
	return m.backend.WriteFileBytes(ctx, id, path, data)
}

func (m *Manager) ReadFileBytes(ctx context.Context, path string) ([]byte, error) {
	id, err := m.EnsureSandbox(ctx, Config{}, nil)
	if err != nil {
		return nil, err
	}
	return m.backend.ReadFileBytes(ctx, id, path)
}

func (m *Manager) GetPreviewURL(ctx context.Context, port int) (PreviewUrl, error) {
	id, err := m.EnsureSandbox(ctx, Config{}, nil)
	if err != nil {
		return PreviewUrl{}, err
	}
	return m.backend.GetPreviewURL(ctx, id, port)
}

func shortID(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
