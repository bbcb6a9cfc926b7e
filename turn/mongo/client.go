// Package mongo hosts the MongoDB-backed implementation of turn.Store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/chatcore/platform/turn"
)

const (
	defaultTurnsCollection = "chat_turns"
	defaultRunsCollection  = "agent_runs"
	defaultOpTimeout       = 5 * time.Second
	clientName             = "turn-mongo"
)

// Client exposes Mongo-backed operations for ChatTurn and AgentRun state,
// satisfying turn.Store plus health.Pinger for readiness probes.
type Client interface {
	health.Pinger
	turn.Store
}

// Options configures the Mongo turn client.
type Options struct {
	Client          *mongodriver.Client
	Database        string
	TurnCollection  string
	RunCollection   string
	Timeout         time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	turns    *mongodriver.Collection
	runs     *mongodriver.Collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB, ensuring the indexes both
// collections require exist before returning.
func New(ctx context.Context, opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("turn/mongo: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("turn/mongo: database name is required")
	}
	turnColl := opts.TurnCollection
	if turnColl == "" {
		turnColl = defaultTurnsCollection
	}
	runColl := opts.RunCollection
	if runColl == "" {
		runColl = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:   opts.Client,
		turns:   db.Collection(turnColl),
		runs:    db.Collection(runColl),
		timeout: timeout,
	}
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) ensureIndexes(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	turnIdx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "stream_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := c.turns.Indexes().CreateOne(ctx, turnIdx); err != nil {
		return err
	}
	runIdx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := c.runs.Indexes().CreateOne(ctx, runIdx)
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) CreateTurn(ctx context.Context, t turn.ChatTurn) error {
	if t.StreamID == "" {
		return errors.New("turn/mongo: stream id is required")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.turns.InsertOne(ctx, fromTurn(t))
	return err
}

func (c *client) LoadTurn(ctx context.Context, streamID string) (turn.ChatTurn, error) {
	if streamID == "" {
		return turn.ChatTurn{}, errors.New("turn/mongo: stream id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc turnDocument
	err := c.turns.FindOne(ctx, bson.M{"stream_id": streamID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return turn.ChatTurn{}, turn.ErrTurnNotFound
	}
	if err != nil {
		return turn.ChatTurn{}, err
	}
	return doc.toTurn(), nil
}

func (c *client) UpdateTurn(ctx context.Context, t turn.ChatTurn) error {
	if t.StreamID == "" {
		return errors.New("turn/mongo: stream id is required")
	}
	t.UpdatedAt = time.Now().UTC()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"stream_id": t.StreamID}
	update := bson.M{"$set": fromTurn(t)}
	_, err := c.turns.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) UpsertAgentRun(ctx context.Context, run turn.AgentRun) error {
	if run.ID == "" {
		return errors.New("turn/mongo: agent run id is required")
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"id": run.ID}
	update := bson.M{
		"$set": fromRun(run),
		"$setOnInsert": bson.M{
			"started_at": run.StartedAt,
		},
	}
	_, err := c.runs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LoadAgentRun(ctx context.Context, runID string) (turn.AgentRun, error) {
	if runID == "" {
		return turn.AgentRun{}, errors.New("turn/mongo: run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	err := c.runs.FindOne(ctx, bson.M{"id": runID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return turn.AgentRun{}, turn.ErrRunNotFound
	}
	if err != nil {
		return turn.AgentRun{}, err
	}
	return doc.toRun(), nil
}

type turnDocument struct {
	SessionID        string                        `bson:"session_id"`
	TopicID          string                        `bson:"topic_id"`
	UserID           string                        `bson:"user_id"`
	StreamID         string                        `bson:"stream_id"`
	RootStreamID     string                        `bson:"root_stream_id,omitempty"`
	AIMessageID      string                        `bson:"ai_message_id,omitempty"`
	FullContent      string                        `bson:"full_content"`
	ThinkingContent  string                        `bson:"thinking_content,omitempty"`
	ToolCallsByNode  map[string][]toolCallDocument `bson:"tool_calls_by_node,omitempty"`
	AgentRunID       string                        `bson:"agent_run_id,omitempty"`
	Citations        []citationDocument            `bson:"citations,omitempty"`
	GeneratedFileIDs []string                      `bson:"generated_file_ids,omitempty"`
	InterruptState   *interruptDocument            `bson:"interrupt_state,omitempty"`
	Status           string                        `bson:"status"`
	CreatedAt        time.Time                     `bson:"created_at"`
	UpdatedAt        time.Time                     `bson:"updated_at"`
}

type citationDocument struct {
	URL     string `bson:"url"`
	Title   string `bson:"title,omitempty"`
	Snippet string `bson:"snippet,omitempty"`
}

type toolCallDocument struct {
	ToolCallID string         `bson:"tool_call_id"`
	Name       string         `bson:"name"`
	Args       map[string]any `bson:"args,omitempty"`
	Success    *bool          `bson:"success,omitempty"`
	Result     any            `bson:"result,omitempty"`
	Error      string         `bson:"error,omitempty"`
}

type interruptDocument struct {
	QuestionID string    `bson:"question_id"`
	ThreadID   string    `bson:"thread_id"`
	TimeoutS   int       `bson:"timeout_s"`
	AskedAt    time.Time `bson:"asked_at"`
}

func fromTurn(t turn.ChatTurn) turnDocument {
	doc := turnDocument{
		SessionID:        t.SessionID,
		TopicID:          t.TopicID,
		UserID:           t.UserID,
		StreamID:         t.StreamID,
		RootStreamID:     t.RootStreamID,
		AIMessageID:      t.AIMessageID,
		FullContent:      t.FullContent,
		ThinkingContent:  t.ThinkingContent,
		AgentRunID:       t.AgentRunID,
		GeneratedFileIDs: t.GeneratedFileIDs,
		Status:           string(t.Status),
		CreatedAt:        t.CreatedAt.UTC(),
		UpdatedAt:        t.UpdatedAt.UTC(),
	}
	if len(t.Citations) > 0 {
		doc.Citations = make([]citationDocument, len(t.Citations))
		for i, c := range t.Citations {
			doc.Citations[i] = citationDocument{URL: c.URL, Title: c.Title, Snippet: c.Snippet}
		}
	}
	if len(t.ToolCallsByNode) > 0 {
		doc.ToolCallsByNode = make(map[string][]toolCallDocument, len(t.ToolCallsByNode))
		for node, calls := range t.ToolCallsByNode {
			docs := make([]toolCallDocument, len(calls))
			for i, c := range calls {
				docs[i] = toolCallDocument{
					ToolCallID: c.ToolCallID, Name: c.Name, Args: c.Args,
					Success: c.Success, Result: c.Result, Error: c.Error,
				}
			}
			doc.ToolCallsByNode[node] = docs
		}
	}
	if t.InterruptState != nil {
		doc.InterruptState = &interruptDocument{
			QuestionID: t.InterruptState.QuestionID,
			ThreadID:   t.InterruptState.ThreadID,
			TimeoutS:   t.InterruptState.TimeoutS,
			AskedAt:    t.InterruptState.AskedAt.UTC(),
		}
	}
	return doc
}

func (doc turnDocument) toTurn() turn.ChatTurn {
	t := turn.ChatTurn{
		SessionID:        doc.SessionID,
		TopicID:          doc.TopicID,
		UserID:           doc.UserID,
		StreamID:         doc.StreamID,
		RootStreamID:     doc.RootStreamID,
		AIMessageID:      doc.AIMessageID,
		FullContent:      doc.FullContent,
		ThinkingContent:  doc.ThinkingContent,
		AgentRunID:       doc.AgentRunID,
		GeneratedFileIDs: doc.GeneratedFileIDs,
		Status:           turn.TurnStatus(doc.Status),
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
	if len(doc.Citations) > 0 {
		t.Citations = make([]turn.Citation, len(doc.Citations))
		for i, c := range doc.Citations {
			t.Citations[i] = turn.Citation{URL: c.URL, Title: c.Title, Snippet: c.Snippet}
		}
	}
	if len(doc.ToolCallsByNode) > 0 {
		t.ToolCallsByNode = make(map[string][]turn.ToolCallEntry, len(doc.ToolCallsByNode))
		for node, calls := range doc.ToolCallsByNode {
			entries := make([]turn.ToolCallEntry, len(calls))
			for i, c := range calls {
				entries[i] = turn.ToolCallEntry{
					ToolCallID: c.ToolCallID, Name: c.Name, Args: c.Args,
					Success: c.Success, Result: c.Result, Error: c.Error,
				}
			}
			t.ToolCallsByNode[node] = entries
		}
	}
	if doc.InterruptState != nil {
		t.InterruptState = &turn.InterruptState{
			QuestionID: doc.InterruptState.QuestionID,
			ThreadID:   doc.InterruptState.ThreadID,
			TimeoutS:   doc.InterruptState.TimeoutS,
			AskedAt:    doc.InterruptState.AskedAt,
		}
	}
	return t
}

type runDocument struct {
	ID          string            `bson:"id"`
	SessionID   string            `bson:"session_id"`
	StreamID    string            `bson:"stream_id"`
	Status      string            `bson:"status"`
	NodeOrder   []string          `bson:"node_order,omitempty"`
	NodeOutputs map[string]string `bson:"node_outputs,omitempty"`
	NodeNames   map[string]string `bson:"node_names,omitempty"`
	StartedAt   time.Time         `bson:"started_at"`
	UpdatedAt   time.Time         `bson:"updated_at"`
}

func fromRun(r turn.AgentRun) runDocument {
	return runDocument{
		ID: r.ID, SessionID: r.SessionID, StreamID: r.StreamID, Status: string(r.Status),
		NodeOrder: r.NodeOrder, NodeOutputs: r.NodeOutputs, NodeNames: r.NodeNames,
		StartedAt: r.StartedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func (doc runDocument) toRun() turn.AgentRun {
	return turn.AgentRun{
		ID: doc.ID, SessionID: doc.SessionID, StreamID: doc.StreamID, Status: turn.RunStatus(doc.Status),
		NodeOrder: doc.NodeOrder, NodeOutputs: doc.NodeOutputs, NodeNames: doc.NodeNames,
		StartedAt: doc.StartedAt, UpdatedAt: doc.UpdatedAt,
	}
}
