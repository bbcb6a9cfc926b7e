package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/chatcore/platform/settlement"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
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
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
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
		host, err := testMongoContainer.Host(ctx)
		if err != nil {
			skipMongoTests = true
		} else {
			port, err := testMongoContainer.MappedPort(ctx, "27017")
			if err != nil {
				skipMongoTests = true
			} else {
				uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
				testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
				if err != nil || testMongoClient.Ping(ctx, nil) != nil {
					skipMongoTests = true
				}
			}
		}
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

func getClient(t *testing.T) *client {
	t.Helper()
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB settlement test")
	}
	db := testMongoClient.Database("settlement_test_" + t.Name())
	c, err := New(context.Background(), Options{Client: testMongoClient, Database: db.Name()})
	if err != nil {
		t.Fatalf("new settlement client: %v", err)
	}
	t.Cleanup(func() { _ = db.Drop(context.Background()) })
	return c.(*client)
}

func TestWriteAndPendingRecordsScoping(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()
	turnStart := time.Now().UTC().Add(-time.Minute)

	in := []settlement.ConsumeRecord{
		{ID: "r1", UserID: "u1", SessionID: "s1", TopicID: "t1", MessageID: "m1", Kind: settlement.KindLLM, Amount: 3, State: settlement.StatePending},
		{ID: "r2", UserID: "u1", SessionID: "s1", TopicID: "t1", MessageID: "", Kind: settlement.KindToolCall, Amount: 2, State: settlement.StatePending},
		{ID: "r3", UserID: "u1", SessionID: "s1", TopicID: "other-topic", MessageID: "m1", Kind: settlement.KindLLM, Amount: 9, State: settlement.StatePending},
	}
	for _, r := range in {
		if err := c.WriteRecord(ctx, r); err != nil {
			t.Fatalf("write record %s: %v", r.ID, err)
		}
	}

	pending, err := c.PendingRecords(ctx, "s1", "t1", "m1", turnStart)
	if err != nil {
		t.Fatalf("pending records: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending records for (s1,t1,m1), got %d: %+v", len(pending), pending)
	}

	ids := make([]string, len(pending))
	for i, r := range pending {
		ids[i] = r.ID
	}
	if err := c.MarkSuccess(ctx, ids); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	remaining, err := c.PendingRecords(ctx, "s1", "t1", "m1", turnStart)
	if err != nil {
		t.Fatalf("pending records after mark: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no pending records remaining, got %d", len(remaining))
	}
}

func TestPendingRecordsExcludesRecordsBeforeTurnStart(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()

	old := settlement.ConsumeRecord{
		ID: "r-old", UserID: "u1", SessionID: "s1", TopicID: "t1", Kind: settlement.KindLLM,
		Amount: 1, State: settlement.StatePending, CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := c.WriteRecord(ctx, old); err != nil {
		t.Fatalf("write record: %v", err)
	}

	pending, err := c.PendingRecords(ctx, "s1", "t1", "", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("pending records: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected old record excluded by turn-start bound, got %d", len(pending))
	}
}
