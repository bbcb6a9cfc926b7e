package worker

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chatcore/platform/bus"
	"github.com/chatcore/platform/chatevents"
	"github.com/chatcore/platform/engine"
	engineinmem "github.com/chatcore/platform/engine/inmem"
	"github.com/chatcore/platform/interrupt"
	"github.com/chatcore/platform/presence"
	"github.com/chatcore/platform/settlement"
	"github.com/chatcore/platform/turn"
	"github.com/chatcore/platform/wallet"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		skipIntegration = true
		os.Exit(m.Run())
	}

	host, err := testRedisContainer.Host(ctx)
	if err != nil {
		skipIntegration = true
		os.Exit(m.Run())
	}
	port, err := testRedisContainer.MappedPort(ctx, "6379")
	if err != nil {
		skipIntegration = true
		os.Exit(m.Run())
	}
	testRedisClient = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})

	code := m.Run()
	_ = testRedisContainer.Terminate(ctx)
	os.Exit(code)
}

func requireRedis(t *testing.T) {
	t.Helper()
	if skipIntegration {
		t.Skip("docker not available, skipping worker integration test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
}

// memTurnStore is an in-memory turn.Store, grounded on settlement_test.go's
// fakeRecordStore/fakeWalletStore style of hand-written testify fakes.
type memTurnStore struct {
	turns map[string]turn.ChatTurn
	runs  map[string]turn.AgentRun
}

func newMemTurnStore() *memTurnStore {
	return &memTurnStore{turns: map[string]turn.ChatTurn{}, runs: map[string]turn.AgentRun{}}
}

func (m *memTurnStore) CreateTurn(ctx context.Context, t turn.ChatTurn) error {
	m.turns[t.StreamID] = t
	return nil
}

func (m *memTurnStore) LoadTurn(ctx context.Context, streamID string) (turn.ChatTurn, error) {
	t, ok := m.turns[streamID]
	if !ok {
		return turn.ChatTurn{}, turn.ErrTurnNotFound
	}
	return t, nil
}

func (m *memTurnStore) UpdateTurn(ctx context.Context, t turn.ChatTurn) error {
	if _, ok := m.turns[t.StreamID]; !ok {
		return turn.ErrTurnNotFound
	}
	m.turns[t.StreamID] = t
	return nil
}

func (m *memTurnStore) UpsertAgentRun(ctx context.Context, run turn.AgentRun) error {
	m.runs[run.ID] = run
	return nil
}

func (m *memTurnStore) LoadAgentRun(ctx context.Context, runID string) (turn.AgentRun, error) {
	r, ok := m.runs[runID]
	if !ok {
		return turn.AgentRun{}, turn.ErrRunNotFound
	}
	return r, nil
}

type fakeRecordStore struct {
	written []settlement.ConsumeRecord
	marked  []string
}

func (f *fakeRecordStore) WriteRecord(ctx context.Context, r settlement.ConsumeRecord) error {
	f.written = append(f.written, r)
	return nil
}

func (f *fakeRecordStore) PendingRecords(ctx context.Context, sessionID, topicID, messageID string, since time.Time) ([]settlement.ConsumeRecord, error) {
	var pending []settlement.ConsumeRecord
	for _, r := range f.written {
		if r.State == settlement.StatePending {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

func (f *fakeRecordStore) MarkSuccess(ctx context.Context, recordIDs []string) error {
	f.marked = append(f.marked, recordIDs...)
	for i, r := range f.written {
		for _, id := range recordIDs {
			if r.ID == id {
				f.written[i].State = settlement.StateSuccess
			}
		}
	}
	return nil
}

type fakeWalletStore struct {
	wallets map[string]wallet.Wallet
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

// scriptedGraphRunner replays a fixed event sequence regardless of
// GraphRunRequest, enough to exercise RunTurn's dispatch switch end to end.
type scriptedGraphRunner struct {
	events []chatevents.Event
}

func (g *scriptedGraphRunner) Run(ctx context.Context, req GraphRunRequest) (<-chan chatevents.Event, error) {
	ch := make(chan chatevents.Event, len(g.events))
	for _, e := range g.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func newTestActivities(t *testing.T, graph GraphRunner, wallets *fakeWalletStore, records *fakeRecordStore, turns *memTurnStore) (*Activities, *redis.Client) {
	t.Helper()
	requireRedis(t)

	presenceStore := presence.New(testRedisClient)
	interruptState := interrupt.NewState(testRedisClient)
	redisBus := bus.NewRedisBus(testRedisClient)

	return &Activities{
		Turns:     turns,
		Settler:   &settlement.Settler{Records: records, Wallets: wallets, WelcomeBonus: 100},
		Bus:       redisBus,
		Presence:  presenceStore,
		Interrupt: interruptState,
		Graph:     graph,
	}, testRedisClient
}

// engineStartRequest builds the same WorkflowStartRequest
// Dispatcher.StartTurn computes: the deterministic "chatturn:"+root
// stream id anchor, so a later ask_user_question resume can target the
// same execution with engine.Engine.SignalWorkflow.
func engineStartRequest(in TurnInput) engine.WorkflowStartRequest {
	return engine.WorkflowStartRequest{
		ID:        "chatturn:" + in.RootStreamID,
		Workflow:  WorkflowName,
		TaskQueue: TaskQueue,
		Input:     in,
	}
}

func startTestEngine(t *testing.T, acts *Activities) {
	t.Helper()
	acts.Engine = engineinmem.New()
	ctx := context.Background()
	require.NoError(t, RegisterWorkflow(ctx, acts.Engine, ""))
	require.NoError(t, RegisterActivities(ctx, acts.Engine, acts, ""))
}

func TestRunTurnCompletesAndSettlesUsage(t *testing.T) {
	wallets := newFakeWalletStore()
	records := &fakeRecordStore{}
	turns := newMemTurnStore()
	graph := &scriptedGraphRunner{events: []chatevents.Event{
		chatevents.NewStreamingStartEvent("s1"),
		chatevents.NewStreamingChunkEvent("s1", "Hello, "),
		chatevents.NewStreamingChunkEvent("s1", "world."),
		chatevents.NewTokenUsageEvent("s1", "gpt-5", 100, 50, 150, 0),
		chatevents.NewToolCallRequestEvent("s1", "call-1", "node-1", "search", map[string]any{"q": "go"}),
		chatevents.NewSearchCitationsEvent("s1", []chatevents.Citation{{URL: "https://example.com", Title: "Example", Snippet: "..."}}),
		chatevents.NewToolCallResponseEvent("s1", "call-1", true, "result", ""),
		chatevents.NewStreamingEndEvent("s1", &chatevents.AgentState{
			FinalContent: "Hello, world.",
			NodeOrder:    []string{"node-1"},
			NodeOutputs:  map[string]string{"node-1": "done"},
			NodeNames:    map[string]string{"node-1": "search"},
		}),
	}}

	acts, _ := newTestActivities(t, graph, wallets, records, turns)
	startTestEngine(t, acts)

	input := TurnInput{
		SessionID:    "sess-1",
		TopicID:      "topic-1",
		UserID:       "user-1",
		ConnectionID: "conn-1",
		StreamID:     "s1",
		RootStreamID: "s1",
		Prompt:       "hi",
		Tier:         "standard",
	}

	handle, err := acts.Engine.StartWorkflow(context.Background(), engineStartRequest(input))
	require.NoError(t, err)

	var result TurnResult
	require.NoError(t, handle.Wait(context.Background(), &result))
	require.Equal(t, OutcomeCompleted, result.Outcome)

	stored, err := turns.LoadTurn(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, turn.TurnCompleted, stored.Status)
	require.Equal(t, "Hello, world.", stored.FullContent)
	require.Len(t, stored.Citations, 1)
	require.Equal(t, "https://example.com", stored.Citations[0].URL)
	require.True(t, *stored.ToolCallsByNode["node-1"][0].Success)

	require.NotEmpty(t, records.marked)
	for _, r := range records.written {
		require.Equal(t, settlement.StateSuccess, r.State)
	}
}

func TestRunTurnInsufficientBalanceSkipsGraph(t *testing.T) {
	wallets := newFakeWalletStore()
	wallets.wallets["user-2"] = wallet.Wallet{UserID: "user-2"}
	records := &fakeRecordStore{}
	turns := newMemTurnStore()
	graph := &scriptedGraphRunner{}

	acts, _ := newTestActivities(t, graph, wallets, records, turns)
	startTestEngine(t, acts)

	input := TurnInput{
		SessionID:    "sess-2",
		TopicID:      "topic-2",
		UserID:       "user-2",
		ConnectionID: "conn-2",
		StreamID:     "s2",
		RootStreamID: "s2",
		Prompt:       "hi",
	}

	handle, err := acts.Engine.StartWorkflow(context.Background(), engineStartRequest(input))
	require.NoError(t, err)

	var result TurnResult
	require.NoError(t, handle.Wait(context.Background(), &result))
	require.Equal(t, OutcomeErrored, result.Outcome)

	_, err = turns.LoadTurn(context.Background(), "s2")
	require.ErrorIs(t, err, turn.ErrTurnNotFound)
}
