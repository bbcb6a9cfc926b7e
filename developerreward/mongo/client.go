// Package mongo hosts the MongoDB-backed implementation of
// developerreward.Store.
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
	defaultEarningsCollection = "developer_earnings"
	defaultWalletsCollection  = "developer_wallets"
	defaultOpTimeout          = 5 * time.Second
	clientName                = "developerreward-mongo"
)

// Client satisfies health.Pinger plus the developerreward.Store contract.
type Client interface {
	health.Pinger
	CreditEarning(ctx context.Context, earning settlement.DeveloperEarning) error
}

// Options configures the Mongo developer-reward client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	EarningsCollection string
	WalletsCollection  string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	earnings *mongodriver.Collection
	wallets  *mongodriver.Collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB.
func New(ctx context.Context, opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("developerreward/mongo: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("developerreward/mongo: database name is required")
	}
	earningsColl := opts.EarningsCollection
	if earningsColl == "" {
		earningsColl = defaultEarningsCollection
	}
	walletsColl := opts.WalletsCollection
	if walletsColl == "" {
		walletsColl = defaultWalletsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:    opts.Client,
		earnings: db.Collection(earningsColl),
		wallets:  db.Collection(walletsColl),
		timeout:  timeout,
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
	walletIdx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "developer_user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := c.wallets.Indexes().CreateOne(ctx, walletIdx)
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

// CreditEarning appends an earning row and increments the developer's
// available balance in one transaction.
func (c *client) CreditEarning(ctx context.Context, earning settlement.DeveloperEarning) error {
	if earning.DeveloperUserID == "" {
		return errors.New("developerreward/mongo: developer user id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	session, err := c.mongo.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		if _, err := c.earnings.InsertOne(sc, earningDocument{
			DeveloperUserID: earning.DeveloperUserID,
			MarketplaceID:   earning.MarketplaceID,
			Amount:          earning.Amount,
			TotalConsumed:   earning.TotalConsumed,
			ForkMode:        string(earning.ForkMode),
			CreatedAt:       earning.CreatedAt,
		}); err != nil {
			return nil, err
		}
		filter := bson.M{"developer_user_id": earning.DeveloperUserID}
		update := bson.M{
			"$inc": bson.M{"available_balance": earning.Amount},
			"$setOnInsert": bson.M{
				"developer_user_id": earning.DeveloperUserID,
				"created_at":        earning.CreatedAt,
			},
		}
		_, err := c.wallets.UpdateOne(sc, filter, update, options.UpdateOne().SetUpsert(true))
		return nil, err
	})
	return err
}

type earningDocument struct {
	DeveloperUserID string    `bson:"developer_user_id"`
	MarketplaceID   string    `bson:"marketplace_id"`
	Amount          float64   `bson:"amount"`
	TotalConsumed   float64   `bson:"total_consumed"`
	ForkMode        string    `bson:"fork_mode"`
	CreatedAt       time.Time `bson:"created_at"`
}
