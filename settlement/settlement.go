// Package settlement implements the consumption ledger and the
// finalize-and-settle entry point that turns pending usage into wallet
// deductions and, where a turn is attributed to a marketplace agent,
// developer-reward earnings.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chatcore/platform/wallet"
)

type (
	// RecordKind classifies what a ConsumeRecord bills for.
	RecordKind string

	// RecordState is a ConsumeRecord's lifecycle state.
	RecordState string

	// ForkMode distinguishes a marketplace agent the consuming session
	// may edit from one that is locked to its publisher. Never inferred:
	// the Chat Gateway resolves and sets this explicitly at turn start.
	ForkMode string

	// Attribution routes a share of a settlement to an agent publisher.
	// ForkMode is required whenever MarketplaceID is non-empty.
	Attribution struct {
		AgentID         string
		MarketplaceID   string
		DeveloperUserID string
		ForkMode        ForkMode
	}

	// ConsumeRecord is written immediately when usage is observed, in
	// state Pending, and bulk-transitioned to Success (or Failed) on
	// settlement.
	ConsumeRecord struct {
		ID          string
		UserID      string
		SessionID   string
		TopicID     string
		MessageID   string
		Kind        RecordKind
		Amount      float64
		CostUSD     float64
		Tier        string
		State       RecordState
		Attribution Attribution
		CreatedAt   time.Time
	}

	// Store persists ConsumeRecords.
	Store interface {
		// WriteRecord inserts one pending ConsumeRecord.
		WriteRecord(ctx context.Context, r ConsumeRecord) error
		// PendingRecords returns the pending records for a turn, scoped
		// by (session_id, topic_id, message_id OR message_id IS NULL)
		// AND created_at >= sinceTurnStart — the time bound recovers
		// orphaned message_id-less records from a crashed worker
		// without pulling in unrelated prior turns.
		PendingRecords(ctx context.Context, sessionID, topicID, messageID string, sinceTurnStart time.Time) ([]ConsumeRecord, error)
		// MarkSuccess bulk-transitions the named records to Success.
		MarkSuccess(ctx context.Context, recordIDs []string) error
	}

	// DeveloperEarning is one append-only reward row, aggregated into a
	// separate developer wallet.
	DeveloperEarning struct {
		DeveloperUserID string
		MarketplaceID   string
		Amount          float64
		TotalConsumed   float64
		ForkMode        ForkMode
		CreatedAt       time.Time
	}

	// DeveloperRewardSink records earnings attributed to a marketplace
	// agent's publisher. Invoked in isolation: its errors never bubble
	// into the settlement path.
	DeveloperRewardSink interface {
		ProcessReward(ctx context.Context, attribution Attribution, totalConsumed float64, at time.Time) error
	}

	// WalletUpdateSink broadcasts a wallet-update notification after a
	// non-trivial settlement. Best-effort: send failures are logged by
	// the caller, never returned.
	WalletUpdateSink interface {
		PublishWalletUpdate(ctx context.Context, userID string, w wallet.Wallet) error
	}

	// Settler ties a ConsumeRecord store, a wallet store, and the
	// best-effort developer-reward and wallet-update sinks together
	// behind the single finalize_and_settle entry point.
	Settler struct {
		Records  Store
		Wallets  wallet.Store
		Rewards  DeveloperRewardSink
		Notifier WalletUpdateSink
		Logger   *slog.Logger

		// WelcomeBonus seeds a user's free balance on first touch.
		WelcomeBonus float64
	}

	// Result summarizes one FinalizeAndSettle call.
	Result struct {
		Wallet          wallet.Wallet
		ActualDeducted  float64
		RecordsSettled  int
		ShortfallLogged bool
		RewardAttempted bool
	}
)

const (
	KindLLM      RecordKind = "llm"
	KindToolCall RecordKind = "tool_call"

	StatePending RecordState = "pending"
	StateSuccess RecordState = "success"
	StateFailed  RecordState = "failed"

	ForkEditable ForkMode = "editable"
	ForkLocked   ForkMode = "locked"

	// SourceTurnSettlement is the wallet ledger source recorded for
	// per-turn deductions.
	SourceTurnSettlement = "turn_settlement"
)

// ErrNoRecordStore indicates a Settler was constructed without a Store.
var ErrNoRecordStore = errors.New("settlement: record store is required")

// SoftProbe reports whether user's virtual balance is strictly positive.
// The Chat Worker calls this before dispatching into the agent graph;
// zero or negative means an insufficient_balance event must be emitted
// and the turn aborted before any tokens are consumed.
func (s *Settler) SoftProbe(ctx context.Context, userID string) (bool, error) {
	w, err := s.Wallets.GetOrCreateWallet(ctx, userID, s.WelcomeBonus)
	if err != nil {
		return false, err
	}
	return w.VirtualTotal > 0, nil
}

// PendingRecords loads the records a turn must settle, scoped per the
// (session_id, topic_id, message_id OR message_id IS NULL) AND
// created_at >= sinceTurnStart rule.
func (s *Settler) PendingRecords(ctx context.Context, sessionID, topicID, messageID string, sinceTurnStart time.Time) ([]ConsumeRecord, error) {
	if s.Records == nil {
		return nil, ErrNoRecordStore
	}
	return s.Records.PendingRecords(ctx, sessionID, topicID, messageID, sinceTurnStart)
}

// FinalizeAndSettle implements settle_chat_records: sums the named
// records' amounts, deducts from the user's wallet in typed-bucket
// order, bulk-marks the records success, and — isolated from the
// primary flow — triggers a developer reward when the turn is
// attributed to a marketplace agent, then broadcasts a wallet update.
// Record-store and wallet errors are returned to the caller; reward and
// notification errors never fail it and are logged and dropped.
func (s *Settler) FinalizeAndSettle(ctx context.Context, userID string, records []ConsumeRecord, attribution Attribution) (Result, error) {
	if s.Records == nil {
		return Result{}, ErrNoRecordStore
	}

	var totalAmount float64
	recordIDs := make([]string, len(records))
	for i, r := range records {
		totalAmount += r.Amount
		recordIDs[i] = r.ID
	}

	if totalAmount <= 0 {
		if err := s.Records.MarkSuccess(ctx, recordIDs); err != nil {
			return Result{}, err
		}
		return Result{RecordsSettled: len(recordIDs)}, nil
	}

	w, err := s.Wallets.GetOrCreateWallet(ctx, userID, s.WelcomeBonus)
	if err != nil {
		return Result{}, err
	}

	available := w.VirtualTotal
	if available < 0 {
		available = 0
	}
	deductTarget := totalAmount
	shortfall := false
	if deductTarget > available {
		deductTarget = available
		shortfall = true
	}

	var actual float64
	if deductTarget > 0 {
		w, actual, err = s.Wallets.DeductOrdered(ctx, userID, deductTarget, SourceTurnSettlement, "")
		if err != nil {
			return Result{}, err
		}
	}

	if err := s.Records.MarkSuccess(ctx, recordIDs); err != nil {
		return Result{}, err
	}

	result := Result{
		Wallet:          w,
		ActualDeducted:  actual,
		RecordsSettled:  len(recordIDs),
		ShortfallLogged: shortfall,
	}

	if shortfall && s.Logger != nil {
		s.Logger.WarnContext(ctx, "settlement shorted deduction, insufficient balance",
			"user_id", userID, "requested", totalAmount, "deducted", actual)
	}

	if actual > 0 && attribution.MarketplaceID != "" && s.Rewards != nil {
		result.RewardAttempted = true
		s.processReward(ctx, attribution, actual)
	}

	if actual > 0 && s.Notifier != nil {
		if err := s.Notifier.PublishWalletUpdate(ctx, userID, w); err != nil && s.Logger != nil {
			s.Logger.WarnContext(ctx, "wallet update broadcast failed", "user_id", userID, "error", err)
		}
	}

	return result, nil
}

// processReward invokes the developer-reward sink in isolation: a panic
// or error here must never unwind into the settlement caller, since an
// already-aborted or already-committed turn still has to finish. The
// sink itself is responsible for translating the turn's actual
// deduction into its configured reward percentage.
func (s *Settler) processReward(ctx context.Context, attribution Attribution, actualDeducted float64) {
	defer func() {
		if r := recover(); r != nil && s.Logger != nil {
			s.Logger.ErrorContext(ctx, "developer reward processing panicked", "recover", r)
		}
	}()
	if err := s.Rewards.ProcessReward(ctx, attribution, actualDeducted, time.Now().UTC()); err != nil && s.Logger != nil {
		s.Logger.WarnContext(ctx, "developer reward processing failed",
			"agent_id", attribution.AgentID, "marketplace_id", attribution.MarketplaceID, "error", err)
	}
}
