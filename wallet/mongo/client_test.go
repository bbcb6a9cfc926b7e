package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/chatcore/platform/wallet"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

// TestMain spins up a single-node replica set MongoDB, since wallet mutations
// require multi-document transactions across the wallets and ledger
// collections.
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
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			Cmd:          []string{"--replSet", "rs0"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		skipMongoTests = true
	} else {
		skipMongoTests = !initReplicaSet(ctx)
	}

	code := m.Run()

	if testMongoClient != nil {
		_ = testMongoClient.Disconnect(ctx)
	}
	if testMongoContainer != nil {
		_ = testMongoContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func initReplicaSet(ctx context.Context) bool {
	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		return false
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		return false
	}
	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return false
	}
	_ = testMongoClient.Database("admin").RunCommand(ctx, map[string]any{
		"replSetInitiate": map[string]any{
			"_id": "rs0",
			"members": []map[string]any{
				{"_id": 0, "host": host + ":" + port.Port()},
			},
		},
	})
	return testMongoClient.Ping(ctx, nil) == nil
}

func getClient(t *testing.T) *client {
	t.Helper()
	if skipMongoTests {
		t.Skip("Docker replica set not available, skipping MongoDB wallet test")
	}
	db := testMongoClient.Database("wallet_test_" + t.Name())
	c, err := New(context.Background(), Options{Client: testMongoClient, Database: db.Name()})
	if err != nil {
		t.Fatalf("new wallet client: %v", err)
	}
	t.Cleanup(func() { _ = db.Drop(context.Background()) })
	return c.(*client)
}

func TestGetOrCreateWalletSeedsWelcomeBonus(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()

	w, err := c.GetOrCreateWallet(ctx, "user-1", 50)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if w.Free != 50 || w.VirtualTotal != 50 {
		t.Fatalf("unexpected wallet: %+v", w)
	}

	w2, err := c.GetOrCreateWallet(ctx, "user-1", 50)
	if err != nil {
		t.Fatalf("get or create (second): %v", err)
	}
	if w2.Free != 50 {
		t.Fatalf("expected second call to return existing balance unchanged, got %+v", w2)
	}
}

func TestCreditThenDeductOrdered(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()

	if _, err := c.GetOrCreateWallet(ctx, "user-2", 0); err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if _, err := c.Credit(ctx, "user-2", 100, wallet.Paid, "topup", "order-1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	w, actual, err := c.DeductOrdered(ctx, "user-2", 40, "turn-settlement", "turn-1")
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if actual != 40 {
		t.Fatalf("expected actual deduction 40, got %v", actual)
	}
	if w.Paid != 60 || w.VirtualTotal != 60 {
		t.Fatalf("unexpected wallet after deduction: %+v", w)
	}
}
