package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatcore/platform/wallet"
)

type fakeRecordStore struct {
	written []ConsumeRecord
	pending []ConsumeRecord
	marked  []string
}

func (f *fakeRecordStore) WriteRecord(ctx context.Context, r ConsumeRecord) error {
	f.written = append(f.written, r)
	return nil
}

func (f *fakeRecordStore) PendingRecords(ctx context.Context, sessionID, topicID, messageID string, since time.Time) ([]ConsumeRecord, error) {
	return f.pending, nil
}

func (f *fakeRecordStore) MarkSuccess(ctx context.Context, recordIDs []string) error {
	f.marked = append(f.marked, recordIDs...)
	return nil
}

type fakeWalletStore struct {
	wallets map[string]wallet.Wallet
	bonus   float64
}

func newFakeWalletStore() *fakeWalletStore {
	return &fakeWalletStore{wallets: map[string]wallet.Wallet{}}
}

func (f *fakeWalletStore) GetOrCreateWallet(ctx context.Context, userID string, welcomeBonus float64) (wallet.Wallet, error) {
	if w, ok := f.wallets[userID]; ok {
		return w, nil
	}
	now := time.Now().UTC()
	w := wallet.Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now}
	if welcomeBonus > 0 {
		w, _, _ = wallet.ApplyCredit(w, welcomeBonus, wallet.Free, wallet.SourceWelcomeBonus, "", now)
	}
	f.wallets[userID] = w
	return w, nil
}

func (f *fakeWalletStore) Credit(ctx context.Context, userID string, amount float64, creditType wallet.CreditType, source, referenceID string) (wallet.Wallet, error) {
	w := f.wallets[userID]
	w, _, err := wallet.ApplyCredit(w, amount, creditType, source, referenceID, time.Now().UTC())
	if err != nil {
		return wallet.Wallet{}, err
	}
	f.wallets[userID] = w
	return w, nil
}

func (f *fakeWalletStore) DeductOrdered(ctx context.Context, userID string, amount float64, source, referenceID string) (wallet.Wallet, float64, error) {
	w := f.wallets[userID]
	w, _, actual := wallet.DeductOrdered(w, amount, source, referenceID, time.Now().UTC())
	f.wallets[userID] = w
	return w, actual, nil
}

type fakeRewardSink struct {
	calls []Attribution
	err   error
}

func (f *fakeRewardSink) ProcessReward(ctx context.Context, attribution Attribution, totalConsumed float64, at time.Time) error {
	f.calls = append(f.calls, attribution)
	return f.err
}

type fakeNotifier struct {
	published int
}

func (f *fakeNotifier) PublishWalletUpdate(ctx context.Context, userID string, w wallet.Wallet) error {
	f.published++
	return nil
}

func TestFinalizeAndSettleZeroAmountMarksSuccessWithoutWalletTouch(t *testing.T) {
	records := &fakeRecordStore{}
	wallets := newFakeWalletStore()
	s := &Settler{Records: records, Wallets: wallets}

	result, err := s.FinalizeAndSettle(context.Background(), "u1", []ConsumeRecord{
		{ID: "r1", Amount: 0}, {ID: "r2", Amount: 0},
	}, Attribution{})
	require.NoError(t, err)
	require.Equal(t, 2, result.RecordsSettled)
	require.Zero(t, result.ActualDeducted)
	require.ElementsMatch(t, []string{"r1", "r2"}, records.marked)
	require.Empty(t, wallets.wallets)
}

func TestFinalizeAndSettleDeductsAndMarksSuccess(t *testing.T) {
	records := &fakeRecordStore{}
	wallets := newFakeWalletStore()
	wallets.wallets["u1"] = wallet.Wallet{UserID: "u1", Free: 200, VirtualTotal: 200, TotalCredited: 200}
	notifier := &fakeNotifier{}
	s := &Settler{Records: records, Wallets: wallets, Notifier: notifier}

	result, err := s.FinalizeAndSettle(context.Background(), "u1", []ConsumeRecord{
		{ID: "r1", Amount: 3},
	}, Attribution{})
	require.NoError(t, err)
	require.Equal(t, 3.0, result.ActualDeducted)
	require.False(t, result.ShortfallLogged)
	require.Equal(t, []string{"r1"}, records.marked)
	require.Equal(t, 197.0, wallets.wallets["u1"].Free)
	require.Equal(t, 1, notifier.published)
}

func TestFinalizeAndSettleShortsOnInsufficientBalance(t *testing.T) {
	records := &fakeRecordStore{}
	wallets := newFakeWalletStore()
	wallets.wallets["u1"] = wallet.Wallet{UserID: "u1", Free: 2, VirtualTotal: 2}
	s := &Settler{Records: records, Wallets: wallets}

	result, err := s.FinalizeAndSettle(context.Background(), "u1", []ConsumeRecord{
		{ID: "r1", Amount: 50},
	}, Attribution{})
	require.NoError(t, err)
	require.True(t, result.ShortfallLogged)
	require.Equal(t, 2.0, result.ActualDeducted)
	require.Equal(t, 0.0, wallets.wallets["u1"].VirtualTotal)
}

func TestFinalizeAndSettleTriggersRewardForMarketplaceAttribution(t *testing.T) {
	records := &fakeRecordStore{}
	wallets := newFakeWalletStore()
	wallets.wallets["u1"] = wallet.Wallet{UserID: "u1", Free: 200, VirtualTotal: 200}
	rewards := &fakeRewardSink{}
	s := &Settler{Records: records, Wallets: wallets, Rewards: rewards}

	attribution := Attribution{AgentID: "agent-1", MarketplaceID: "MKT_123", DeveloperUserID: "dev-1", ForkMode: ForkLocked}
	result, err := s.FinalizeAndSettle(context.Background(), "u1", []ConsumeRecord{
		{ID: "r1", Amount: 100},
	}, attribution)
	require.NoError(t, err)
	require.True(t, result.RewardAttempted)
	require.Len(t, rewards.calls, 1)
	require.Equal(t, attribution, rewards.calls[0])
}

func TestFinalizeAndSettleRewardErrorsNeverBubbleUp(t *testing.T) {
	records := &fakeRecordStore{}
	wallets := newFakeWalletStore()
	wallets.wallets["u1"] = wallet.Wallet{UserID: "u1", Free: 200, VirtualTotal: 200}
	rewards := &fakeRewardSink{err: errors.New("reward service unavailable")}
	s := &Settler{Records: records, Wallets: wallets, Rewards: rewards}

	attribution := Attribution{AgentID: "agent-1", MarketplaceID: "MKT_123", DeveloperUserID: "dev-1", ForkMode: ForkEditable}
	result, err := s.FinalizeAndSettle(context.Background(), "u1", []ConsumeRecord{
		{ID: "r1", Amount: 10},
	}, attribution)
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, records.marked)
}

func TestSoftProbeReflectsVirtualBalance(t *testing.T) {
	wallets := newFakeWalletStore()
	wallets.wallets["u1"] = wallet.Wallet{UserID: "u1", VirtualTotal: 0}
	s := &Settler{Records: &fakeRecordStore{}, Wallets: wallets}

	ok, err := s.SoftProbe(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, ok)

	wallets.wallets["u1"] = wallet.Wallet{UserID: "u1", VirtualTotal: 5}
	ok, err = s.SoftProbe(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, ok)
}
