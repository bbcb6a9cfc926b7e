// Package sandbox implements the session-scoped sandbox binding manager:
// lazy creation on first tool call, a Redis-cached mapping from session to
// backend sandbox id, and a pluggable backend interface so the same manager
// drives either a cloud sandbox provider or a user's own runner.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotSupported is returned by a Backend's lifecycle methods when the
// underlying provider has no equivalent operation (e.g. a backend that
// cannot resume a stopped sandbox).
var ErrNotSupported = errors.New("sandbox: operation not supported by this backend")

type (
	// Status is a backend-reported sandbox lifecycle state.
	Status string

	// State is a snapshot of a sandbox's lifecycle state as reported by
	// its backend.
	State struct {
		Status           Status
		RemainingSeconds int
		Metadata         map[string]any
	}

	// Config is the fully resolved sandbox configuration (global
	// defaults plus any user overrides) a backend uses at creation time.
	Config struct {
		CPU               int
		MemoryGiB         int
		DiskGiB           int
		AutoStopMinutes   int
		AutoDeleteMinutes int
		TimeoutSeconds    int
		Image             string
	}

	// PreviewUrl is a browser-accessible preview URL for a sandbox port.
	PreviewUrl struct {
		URL   string
		Token string
		Port  int
	}

	// ExecResult is the result of executing a command in a sandbox.
	ExecResult struct {
		ExitCode int
		Stdout   string
		Stderr   string
	}

	// FileInfo describes one file or directory entry in a sandbox.
	FileInfo struct {
		Name  string
		Path  string
		IsDir bool
		Size  int64
	}

	// SearchMatch is one grep-style match result.
	SearchMatch struct {
		File    string
		Line    int
		Content string
	}

	// Backend is the interface every sandbox execution provider
	// implements. A Manager ensures a sandbox exists, then delegates
	// every call to the configured backend.
	Backend interface {
		CreateSandbox(ctx context.Context, name string, config Config, envVars map[string]string) (string, error)
		DeleteSandbox(ctx context.Context, sandboxID string) error

		Exec(ctx context.Context, sandboxID, command, cwd string, timeout time.Duration) (ExecResult, error)
		ReadFile(ctx context.Context, sandboxID, path string) (string, error)
		ReadFileBytes(ctx context.Context, sandboxID, path string) ([]byte, error)
		WriteFile(ctx context.Context, sandboxID, path, content string) error
		WriteFileBytes(ctx context.Context, sandboxID, path string, data []byte) error
		ListFiles(ctx context.Context, sandboxID, path string) ([]FileInfo, error)
		FindFiles(ctx context.Context, sandboxID, root, pattern string) ([]string, error)
		SearchInFiles(ctx context.Context, sandboxID, root, pattern, include string) ([]SearchMatch, error)
		GetPreviewURL(ctx context.Context, sandboxID string, port int) (PreviewUrl, error)

		// GetStatus, KeepAlive, Start, and GetInfo are lifecycle
		// operations; a backend that can't support one returns
		// ErrNotSupported rather than a zero value.
		GetStatus(ctx context.Context, sandboxID string) (State, error)
		KeepAlive(ctx context.Context, sandboxID string) error
		Start(ctx context.Context, sandboxID string) error
		GetInfo(ctx context.Context, sandboxID string) (map[string]any, error)
	}
)

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)
