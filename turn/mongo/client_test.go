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

	"github.com/chatcore/platform/turn"
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
		t.Skip("Docker not available, skipping MongoDB turn test")
	}
	db := testMongoClient.Database("turn_test_" + t.Name())
	c, err := New(context.Background(), Options{Client: testMongoClient, Database: db.Name()})
	if err != nil {
		t.Fatalf("new turn client: %v", err)
	}
	t.Cleanup(func() { _ = db.Drop(context.Background()) })
	return c.(*client)
}

func TestCreateLoadUpdateTurn(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()

	turnIn := turn.ChatTurn{
		SessionID: "s1", TopicID: "t1", UserID: "u1", StreamID: "stream-1",
		FullContent: "hel", Status: turn.TurnCompleted,
	}
	if err := c.CreateTurn(ctx, turnIn); err != nil {
		t.Fatalf("create turn: %v", err)
	}

	loaded, err := c.LoadTurn(ctx, "stream-1")
	if err != nil {
		t.Fatalf("load turn: %v", err)
	}
	if loaded.SessionID != "s1" || loaded.FullContent != "hel" {
		t.Fatalf("unexpected loaded turn: %+v", loaded)
	}

	loaded.FullContent = "hello"
	if err := c.UpdateTurn(ctx, loaded); err != nil {
		t.Fatalf("update turn: %v", err)
	}
	reloaded, err := c.LoadTurn(ctx, "stream-1")
	if err != nil {
		t.Fatalf("reload turn: %v", err)
	}
	if reloaded.FullContent != "hello" {
		t.Fatalf("expected updated content, got %q", reloaded.FullContent)
	}
}

func TestLoadTurnNotFound(t *testing.T) {
	c := getClient(t)
	_, err := c.LoadTurn(context.Background(), "missing-stream")
	if err != turn.ErrTurnNotFound {
		t.Fatalf("expected ErrTurnNotFound, got %v", err)
	}
}

func TestUpsertAndLoadAgentRun(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()

	run := turn.AgentRun{
		ID: "run-1", SessionID: "s1", StreamID: "stream-1", Status: turn.RunRunning,
		NodeOrder: []string{"n1"}, NodeOutputs: map[string]string{"n1": "out"},
	}
	if err := c.UpsertAgentRun(ctx, run); err != nil {
		t.Fatalf("upsert run: %v", err)
	}
	loaded, err := c.LoadAgentRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if loaded.Status != turn.RunRunning || len(loaded.NodeOrder) != 1 {
		t.Fatalf("unexpected loaded run: %+v", loaded)
	}
	if loaded.StartedAt.IsZero() {
		t.Fatal("expected started_at to be set on insert")
	}

	run.Status = turn.RunCompleted
	time.Sleep(time.Millisecond)
	if err := c.UpsertAgentRun(ctx, run); err != nil {
		t.Fatalf("upsert run (update): %v", err)
	}
	reloaded, err := c.LoadAgentRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if reloaded.Status != turn.RunCompleted {
		t.Fatalf("expected status completed, got %v", reloaded.Status)
	}
	if !reloaded.StartedAt.Equal(loaded.StartedAt) {
		t.Fatal("expected started_at to be preserved across updates")
	}
}

func TestLoadAgentRunNotFound(t *testing.T) {
	c := getClient(t)
	_, err := c.LoadAgentRun(context.Background(), "missing-run")
	if err != turn.ErrRunNotFound {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}
