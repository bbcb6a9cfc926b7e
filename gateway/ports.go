// Package gateway implements the Chat Gateway: the per-connection
// WebSocket frontend that accepts a browser's socket, dispatches client
// frames into turn execution, and relays chatevents back over the wire.
//
// The Gateway does not own session, topic, or message persistence —
// those predate this system and are injected as narrow ports (Sessions,
// Messages below) so this package's scope stays to what it actually
// owns: connection acceptance, heartbeat, client-message dispatch, and
// relay.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/chatcore/platform/settlement"
)

// Sentinel errors Sessions.ResolveTopic returns, mapped to the accept
// sequence's 4003/4004 close codes.
var (
	// ErrTopicNotFound means topicID has no matching topic at all.
	ErrTopicNotFound = errors.New("gateway: topic not found")
	// ErrCrossUserTopic means topicID exists but is owned by a different
	// user than the one the connecting token resolved to.
	ErrCrossUserTopic = errors.New("gateway: topic belongs to another user")
)

type (
	// Authenticator verifies the token a connecting client presents and
	// resolves it to a user id.
	Authenticator interface {
		Authenticate(ctx context.Context, token string) (userID string, err error)
	}

	// ResolvedTopic is what a session/topic lookup resolves to: the
	// owning session, and the developer-reward attribution carried by
	// whichever agent the topic is bound to.
	ResolvedTopic struct {
		SessionID   string
		AgentID     string
		Tier        string
		Attribution settlement.Attribution
	}

	// Sessions resolves a connecting client's topic to its owning
	// session and agent attribution, rejecting topics that don't exist
	// or don't belong to the connecting user.
	Sessions interface {
		ResolveTopic(ctx context.Context, userID, topicID string) (ResolvedTopic, error)
	}

	// NewUserMessage is a user-authored message pending insertion.
	NewUserMessage struct {
		TopicID  string
		UserID   string
		Content  string
		FileIDs  []string
		ParentID string
	}

	// StoredMessage is a persisted message row, the minimum the Gateway
	// needs back to echo a message_saved frame or locate the text to
	// regenerate from.
	StoredMessage struct {
		MessageID string
		Content   string
	}

	// Messages persists chat messages and the bookkeeping the default
	// and regenerate dispatch paths need around them.
	Messages interface {
		// InsertUserMessage inserts msg and returns its id.
		InsertUserMessage(ctx context.Context, msg NewUserMessage) (messageID string, err error)
		// RollbackUserMessage deletes a just-inserted message, used when
		// the balance check that follows insertion fails.
		RollbackUserMessage(ctx context.Context, messageID string) error
		// LinkAttachments associates previously uploaded file ids with a
		// message.
		LinkAttachments(ctx context.Context, messageID string, fileIDs []string) error
		// MostRecentUserMessage returns the latest user message on a
		// topic, the source text a regenerate request redoes.
		MostRecentUserMessage(ctx context.Context, topicID string) (StoredMessage, error)
		// ShouldGenerateTitle reports whether topicID still carries its
		// default placeholder title and has few enough messages that a
		// title is still worth generating.
		ShouldGenerateTitle(ctx context.Context, topicID string) (bool, error)
		// GenerateTitleAsync kicks off background title generation for a
		// topic; it does not block the caller or report failures back to
		// the connection.
		GenerateTitleAsync(topicID, seedContent string)
	}

	// Lifecycle hooks connection accept/disconnect and new-turn dispatch
	// into the per-user parallel-chat limit: a no-op in a single-tenant
	// build, an actual limiter in a build that enforces one. Connect and
	// AllowTurn returning false means the limit is exceeded and the
	// connection (or message) must be rejected.
	Lifecycle interface {
		Connect(ctx context.Context, userID string, cid ConnectionID) (bool, error)
		Disconnect(ctx context.Context, userID string, cid ConnectionID)
		AllowTurn(ctx context.Context, userID string) (bool, error)
	}

	// BalanceChecker reports whether a user has any positive balance
	// left, used both by the Chat Worker's own soft probe and, here, as
	// the Gateway's fail-fast check before it ever dispatches a turn.
	BalanceChecker interface {
		SoftProbe(ctx context.Context, userID string) (bool, error)
	}
)

// heartbeatInterval is how often the Gateway pings an open connection and
// refreshes its presence TTL.
const heartbeatInterval = 25 * time.Second
