package platformapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/chatcore/platform/gateway"
	"github.com/chatcore/platform/settlement"
)

const (
	defaultTopicsCollection   = "topics"
	defaultMessagesCollection = "messages"
	defaultOpTimeout          = 5 * time.Second
	clientName                = "platformapi-mongo"

	titleGenerationMessageCeiling = 4
	defaultTopicTitle             = "New chat"
)

// Store satisfies health.Pinger plus gateway.Sessions and
// gateway.Messages, backed by two Mongo collections: one topic per chat
// thread, one row per message. TitleGenerator is invoked asynchronously by
// GenerateTitleAsync; a nil TitleGenerator makes that call a no-op, which
// is fine for a build that never renames the placeholder title.
type Store struct {
	topics   *mongodriver.Collection
	messages *mongodriver.Collection
	timeout  time.Duration

	mongo *mongodriver.Client

	// TitleGenerator is called with a topic id and the seed content of
	// its first message; it should update the topic's title itself (no
	// return value is consulted), matching GenerateTitleAsync's
	// fire-and-forget contract.
	TitleGenerator func(topicID, seedContent string)
}

// Options configures the Mongo-backed platform API store.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	TopicsCollection   string
	MessagesCollection string
	Timeout            time.Duration
}

// New returns a Store backed by MongoDB, ensuring required indexes exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("platformapi: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("platformapi: database name is required")
	}
	topicsColl := opts.TopicsCollection
	if topicsColl == "" {
		topicsColl = defaultTopicsCollection
	}
	messagesColl := opts.MessagesCollection
	if messagesColl == "" {
		messagesColl = defaultMessagesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo:    opts.Client,
		topics:   db.Collection(topicsColl),
		messages: db.Collection(messagesColl),
		timeout:  timeout,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Name() string { return clientName }

func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	topicIdx := mongodriver.IndexModel{Keys: bson.D{{Key: "user_id", Value: 1}}}
	if _, err := s.topics.Indexes().CreateOne(ctx, topicIdx); err != nil {
		return err
	}
	msgIdx := mongodriver.IndexModel{Keys: bson.D{{Key: "topic_id", Value: 1}, {Key: "created_at", Value: 1}}}
	_, err := s.messages.Indexes().CreateOne(ctx, msgIdx)
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type topicDocument struct {
	ID              string `bson:"_id"`
	UserID          string `bson:"user_id"`
	SessionID       string `bson:"session_id"`
	AgentID         string `bson:"agent_id,omitempty"`
	Tier            string `bson:"tier,omitempty"`
	MarketplaceID   string `bson:"marketplace_id,omitempty"`
	DeveloperUserID string `bson:"developer_user_id,omitempty"`
	ForkMode        string `bson:"fork_mode,omitempty"`
	Title           string `bson:"title"`
	MessageCount    int    `bson:"message_count"`
}

// ResolveTopic implements gateway.Sessions.
func (s *Store) ResolveTopic(ctx context.Context, userID, topicID string) (gateway.ResolvedTopic, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc topicDocument
	err := s.topics.FindOne(ctx, bson.M{"_id": topicID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return gateway.ResolvedTopic{}, gateway.ErrTopicNotFound
	}
	if err != nil {
		return gateway.ResolvedTopic{}, err
	}
	if doc.UserID != userID {
		return gateway.ResolvedTopic{}, gateway.ErrCrossUserTopic
	}
	return gateway.ResolvedTopic{
		SessionID: doc.SessionID,
		AgentID:   doc.AgentID,
		Tier:      doc.Tier,
		Attribution: settlement.Attribution{
			AgentID:         doc.AgentID,
			MarketplaceID:   doc.MarketplaceID,
			DeveloperUserID: doc.DeveloperUserID,
			ForkMode:        settlement.ForkMode(doc.ForkMode),
		},
	}, nil
}

type messageDocument struct {
	ID        string    `bson:"_id"`
	TopicID   string    `bson:"topic_id"`
	UserID    string    `bson:"user_id"`
	Content   string    `bson:"content"`
	FileIDs   []string  `bson:"file_ids,omitempty"`
	ParentID  string    `bson:"parent_id,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

// InsertUserMessage implements gateway.Messages.
func (s *Store) InsertUserMessage(ctx context.Context, msg gateway.NewUserMessage) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	id := bson.NewObjectID().Hex()
	doc := messageDocument{
		ID: id, TopicID: msg.TopicID, UserID: msg.UserID, Content: msg.Content,
		FileIDs: msg.FileIDs, ParentID: msg.ParentID, CreatedAt: time.Now().UTC(),
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return "", err
	}
	_, err := s.topics.UpdateOne(ctx, bson.M{"_id": msg.TopicID}, bson.M{"$inc": bson.M{"message_count": 1}})
	return id, err
}

// RollbackUserMessage implements gateway.Messages.
func (s *Store) RollbackUserMessage(ctx context.Context, messageID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.messages.DeleteOne(ctx, bson.M{"_id": messageID})
	return err
}

// LinkAttachments implements gateway.Messages.
func (s *Store) LinkAttachments(ctx context.Context, messageID string, fileIDs []string) error {
	if len(fileIDs) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.messages.UpdateOne(ctx, bson.M{"_id": messageID}, bson.M{"$set": bson.M{"file_ids": fileIDs}})
	return err
}

// MostRecentUserMessage implements gateway.Messages.
func (s *Store) MostRecentUserMessage(ctx context.Context, topicID string) (gateway.StoredMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var doc messageDocument
	err := s.messages.FindOne(ctx, bson.M{"topic_id": topicID, "user_id": bson.M{"$ne": ""}}, opts).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return gateway.StoredMessage{}, errors.New("platformapi: topic has no user messages")
	}
	if err != nil {
		return gateway.StoredMessage{}, err
	}
	return gateway.StoredMessage{MessageID: doc.ID, Content: doc.Content}, nil
}

// ShouldGenerateTitle implements gateway.Messages: a topic is still worth
// titling while it carries the placeholder title and hasn't yet
// accumulated more than titleGenerationMessageCeiling messages.
func (s *Store) ShouldGenerateTitle(ctx context.Context, topicID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc topicDocument
	err := s.topics.FindOne(ctx, bson.M{"_id": topicID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	isDefault := doc.Title == "" || doc.Title == defaultTopicTitle || strings.TrimSpace(doc.Title) == ""
	return isDefault && doc.MessageCount <= titleGenerationMessageCeiling, nil
}

// GenerateTitleAsync implements gateway.Messages.
func (s *Store) GenerateTitleAsync(topicID, seedContent string) {
	if s.TitleGenerator == nil {
		return
	}
	go s.TitleGenerator(topicID, seedContent)
}

// SetTopicTitle persists a generated title, the write half of the title
// pipeline TitleGenerator implementations call back into.
func (s *Store) SetTopicTitle(ctx context.Context, topicID, title string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.topics.UpdateOne(ctx, bson.M{"_id": topicID}, bson.M{"$set": bson.M{"title": title}})
	return err
}

var _ health.Pinger = (*Store)(nil)
var _ gateway.Sessions = (*Store)(nil)
var _ gateway.Messages = (*Store)(nil)
