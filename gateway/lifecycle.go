package gateway

import "context"

// NoopLifecycle implements Lifecycle with no parallel-chat limit at all:
// every connection and turn is allowed. Lifecycle's own contract
// sanctions this for a single-tenant build; a build that enforces a
// per-user limit supplies its own implementation instead.
type NoopLifecycle struct{}

func (NoopLifecycle) Connect(context.Context, string, ConnectionID) (bool, error) { return true, nil }
func (NoopLifecycle) Disconnect(context.Context, string, ConnectionID)             {}
func (NoopLifecycle) AllowTurn(context.Context, string) (bool, error)              { return true, nil }

var _ Lifecycle = NoopLifecycle{}
