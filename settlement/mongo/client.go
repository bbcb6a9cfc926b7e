// Package mongo hosts the MongoDB-backed implementation of
// settlement.Store.
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

	"github.com/chatcore/platform/settlement"
)

const (
	defaultRecordsCollection = "consume_records"
	defaultOpTimeout         = 5 * time.Second
	clientName               = "settlement-mongo"
)

// Client satisfies health.Pinger plus settlement.Store.
type Client interface {
	health.Pinger
	settlement.Store
}

// Options configures the Mongo settlement client.
type Options struct {
	Client            *mongodriver.Client
	Database          string
	RecordsCollection string
	Timeout           time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	records *mongodriver.Collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(ctx context.Context, opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("settlement/mongo: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("settlement/mongo: database name is required")
	}
	coll := opts.RecordsCollection
	if coll == "" {
		coll = defaultRecordsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:   opts.Client,
		records: db.Collection(coll),
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
	idx := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "topic_id", Value: 1},
			{Key: "state", Value: 1},
			{Key: "created_at", Value: 1},
		},
	}
	_, err := c.records.Indexes().CreateOne(ctx, idx)
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

func (c *client) WriteRecord(ctx context.Context, r settlement.ConsumeRecord) error {
	if r.ID == "" {
		return errors.New("settlement/mongo: record id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.State == "" {
		r.State = settlement.StatePending
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.records.InsertOne(ctx, fromRecord(r))
	return err
}

// PendingRecords loads pending records for (session_id, topic_id,
// message_id OR message_id IS NULL) AND created_at >= sinceTurnStart —
// the time bound recovers crash-orphaned message_id-less records without
// sweeping in unrelated prior turns.
func (c *client) PendingRecords(ctx context.Context, sessionID, topicID, messageID string, sinceTurnStart time.Time) ([]settlement.ConsumeRecord, error) {
	if sessionID == "" || topicID == "" {
		return nil, errors.New("settlement/mongo: session id and topic id are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	messageFilter := bson.M{"$in": bson.A{messageID, "", nil}}
	filter := bson.M{
		"session_id": sessionID,
		"topic_id":   topicID,
		"message_id": messageFilter,
		"state":      string(settlement.StatePending),
		"created_at": bson.M{"$gte": sinceTurnStart},
	}
	cur, err := c.records.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var records []settlement.ConsumeRecord
	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		records = append(records, doc.toRecord())
	}
	return records, cur.Err()
}

func (c *client) MarkSuccess(ctx context.Context, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ids := make(bson.A, len(recordIDs))
	for i, id := range recordIDs {
		ids[i] = id
	}
	filter := bson.M{"id": bson.M{"$in": ids}}
	update := bson.M{"$set": bson.M{"state": string(settlement.StateSuccess)}}
	_, err := c.records.UpdateMany(ctx, filter, update)
	return err
}

type recordDocument struct {
	ID              string    `bson:"id"`
	UserID          string    `bson:"user_id"`
	SessionID       string    `bson:"session_id"`
	TopicID         string    `bson:"topic_id"`
	MessageID       string    `bson:"message_id,omitempty"`
	Kind            string    `bson:"kind"`
	Amount          float64   `bson:"amount"`
	CostUSD         float64   `bson:"cost_usd"`
	Tier            string    `bson:"tier,omitempty"`
	State           string    `bson:"state"`
	AgentID         string    `bson:"agent_id,omitempty"`
	MarketplaceID   string    `bson:"marketplace_id,omitempty"`
	DeveloperUserID string    `bson:"developer_user_id,omitempty"`
	ForkMode        string    `bson:"fork_mode,omitempty"`
	CreatedAt       time.Time `bson:"created_at"`
}

func fromRecord(r settlement.ConsumeRecord) recordDocument {
	return recordDocument{
		ID:              r.ID,
		UserID:          r.UserID,
		SessionID:       r.SessionID,
		TopicID:         r.TopicID,
		MessageID:       r.MessageID,
		Kind:            string(r.Kind),
		Amount:          r.Amount,
		CostUSD:         r.CostUSD,
		Tier:            r.Tier,
		State:           string(r.State),
		AgentID:         r.Attribution.AgentID,
		MarketplaceID:   r.Attribution.MarketplaceID,
		DeveloperUserID: r.Attribution.DeveloperUserID,
		ForkMode:        string(r.Attribution.ForkMode),
		CreatedAt:       r.CreatedAt,
	}
}

func (doc recordDocument) toRecord() settlement.ConsumeRecord {
	return settlement.ConsumeRecord{
		ID:        doc.ID,
		UserID:    doc.UserID,
		SessionID: doc.SessionID,
		TopicID:   doc.TopicID,
		MessageID: doc.MessageID,
		Kind:      settlement.RecordKind(doc.Kind),
		Amount:    doc.Amount,
		CostUSD:   doc.CostUSD,
		Tier:      doc.Tier,
		State:     settlement.RecordState(doc.State),
		Attribution: settlement.Attribution{
			AgentID:         doc.AgentID,
			MarketplaceID:   doc.MarketplaceID,
			DeveloperUserID: doc.DeveloperUserID,
			ForkMode:        settlement.ForkMode(doc.ForkMode),
		},
		CreatedAt: doc.CreatedAt,
	}
}
