// Package mongo hosts the MongoDB-backed implementation of wallet.Store.
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

	"github.com/chatcore/platform/wallet"
)

const (
	defaultWalletsCollection = "wallets"
	defaultLedgerCollection  = "wallet_ledger"
	defaultOpTimeout         = 5 * time.Second
	clientName               = "wallet-mongo"
)

// Client exposes Mongo-backed wallet operations, satisfying wallet.Store
// plus health.Pinger for readiness probes.
type Client interface {
	health.Pinger
	wallet.Store
}

// Options configures the Mongo wallet client.
type Options struct {
	Client           *mongodriver.Client
	Database         string
	WalletCollection string
	LedgerCollection string
	Timeout          time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	wallets *mongodriver.Collection
	ledger  *mongodriver.Collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB, ensuring the indexes both
// collections require exist before returning.
func New(ctx context.Context, opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("wallet/mongo: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("wallet/mongo: database name is required")
	}
	walletColl := opts.WalletCollection
	if walletColl == "" {
		walletColl = defaultWalletsCollection
	}
	ledgerColl := opts.LedgerCollection
	if ledgerColl == "" {
		ledgerColl = defaultLedgerCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:   opts.Client,
		wallets: db.Collection(walletColl),
		ledger:  db.Collection(ledgerColl),
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
	walletIdx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := c.wallets.Indexes().CreateOne(ctx, walletIdx); err != nil {
		return err
	}
	ledgerIdx := mongodriver.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	}
	_, err := c.ledger.Indexes().CreateOne(ctx, ledgerIdx)
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

func (c *client) GetOrCreateWallet(ctx context.Context, userID string, welcomeBonus float64) (wallet.Wallet, error) {
	if userID == "" {
		return wallet.Wallet{}, errors.New("wallet/mongo: user id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc walletDocument
	err := c.wallets.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if err == nil {
		return doc.toWallet(), nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return wallet.Wallet{}, err
	}

	now := time.Now().UTC()
	w := wallet.Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now}
	var entry wallet.LedgerEntry
	if welcomeBonus > 0 {
		w, entry, err = wallet.ApplyCredit(w, welcomeBonus, wallet.Free, wallet.SourceWelcomeBonus, "", now)
		if err != nil {
			return wallet.Wallet{}, err
		}
	}

	session, err := c.mongo.StartSession()
	if err != nil {
		return wallet.Wallet{}, err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		if _, err := c.wallets.InsertOne(sc, fromWallet(w)); err != nil {
			return nil, err
		}
		if welcomeBonus > 0 {
			if _, err := c.ledger.InsertOne(sc, fromLedgerEntry(entry)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if mongodriver.IsDuplicateKeyError(err) {
		// Lost the race to create the wallet; load what the winner wrote.
		if findErr := c.wallets.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc); findErr != nil {
			return wallet.Wallet{}, findErr
		}
		return doc.toWallet(), nil
	}
	if err != nil {
		return wallet.Wallet{}, err
	}
	return w, nil
}

func (c *client) Credit(ctx context.Context, userID string, amount float64, creditType wallet.CreditType, source, referenceID string) (wallet.Wallet, error) {
	if userID == "" {
		return wallet.Wallet{}, errors.New("wallet/mongo: user id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	session, err := c.mongo.StartSession()
	if err != nil {
		return wallet.Wallet{}, err
	}
	defer session.EndSession(ctx)

	var updated wallet.Wallet
	_, err = session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		var doc walletDocument
		if err := c.wallets.FindOne(sc, bson.M{"user_id": userID}).Decode(&doc); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		w, entry, err := wallet.ApplyCredit(doc.toWallet(), amount, creditType, source, referenceID, now)
		if err != nil {
			return nil, err
		}
		if _, err := c.wallets.ReplaceOne(sc, bson.M{"user_id": userID}, fromWallet(w)); err != nil {
			return nil, err
		}
		if _, err := c.ledger.InsertOne(sc, fromLedgerEntry(entry)); err != nil {
			return nil, err
		}
		updated = w
		return nil, nil
	})
	if err != nil {
		return wallet.Wallet{}, err
	}
	return updated, nil
}

func (c *client) DeductOrdered(ctx context.Context, userID string, amount float64, source, referenceID string) (wallet.Wallet, float64, error) {
	if userID == "" {
		return wallet.Wallet{}, 0, errors.New("wallet/mongo: user id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	session, err := c.mongo.StartSession()
	if err != nil {
		return wallet.Wallet{}, 0, err
	}
	defer session.EndSession(ctx)

	var updated wallet.Wallet
	var actual float64
	_, err = session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		var doc walletDocument
		if err := c.wallets.FindOne(sc, bson.M{"user_id": userID}).Decode(&doc); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		w, entries, deducted := wallet.DeductOrdered(doc.toWallet(), amount, source, referenceID, now)
		if _, err := c.wallets.ReplaceOne(sc, bson.M{"user_id": userID}, fromWallet(w)); err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			docs := make([]any, len(entries))
			for i, e := range entries {
				docs[i] = fromLedgerEntry(e)
			}
			if _, err := c.ledger.InsertMany(sc, docs); err != nil {
				return nil, err
			}
		}
		updated = w
		actual = deducted
		return nil, nil
	})
	if err != nil {
		return wallet.Wallet{}, 0, err
	}
	return updated, actual, nil
}

type walletDocument struct {
	UserID        string    `bson:"user_id"`
	Free          float64   `bson:"free"`
	Paid          float64   `bson:"paid"`
	Earned        float64   `bson:"earned"`
	VirtualTotal  float64   `bson:"virtual_total"`
	TotalCredited float64   `bson:"total_credited"`
	TotalConsumed float64   `bson:"total_consumed"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func fromWallet(w wallet.Wallet) walletDocument {
	return walletDocument{
		UserID:        w.UserID,
		Free:          w.Free,
		Paid:          w.Paid,
		Earned:        w.Earned,
		VirtualTotal:  w.VirtualTotal,
		TotalCredited: w.TotalCredited,
		TotalConsumed: w.TotalConsumed,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
}

func (doc walletDocument) toWallet() wallet.Wallet {
	return wallet.Wallet{
		UserID:        doc.UserID,
		Free:          doc.Free,
		Paid:          doc.Paid,
		Earned:        doc.Earned,
		VirtualTotal:  doc.VirtualTotal,
		TotalCredited: doc.TotalCredited,
		TotalConsumed: doc.TotalConsumed,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
}

type ledgerDocument struct {
	UserID            string    `bson:"user_id"`
	CreditType        string    `bson:"credit_type"`
	Direction         string    `bson:"direction"`
	Amount            float64   `bson:"amount"`
	BalanceAfter      float64   `bson:"balance_after"`
	TotalBalanceAfter float64   `bson:"total_balance_after"`
	Source            string    `bson:"source"`
	ReferenceID       string    `bson:"reference_id,omitempty"`
	CreatedAt         time.Time `bson:"created_at"`
}

func fromLedgerEntry(e wallet.LedgerEntry) ledgerDocument {
	return ledgerDocument{
		UserID:            e.UserID,
		CreditType:        string(e.CreditType),
		Direction:         string(e.Direction),
		Amount:            e.Amount,
		BalanceAfter:      e.BalanceAfter,
		TotalBalanceAfter: e.TotalBalanceAfter,
		Source:            e.Source,
		ReferenceID:       e.ReferenceID,
		CreatedAt:         e.CreatedAt,
	}
}
