package interrupt

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
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
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				skipIntegration = true
			} else {
				testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	if err := testRedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return testRedisClient
}

func TestStateOpenValidateClear(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := NewState(rdb)

	if err := s.Open(ctx, "cid-1", "thread-1", "q1", time.Minute); err != nil {
		t.Fatalf("open: %v", err)
	}
	threadID, ok, err := s.Validate(ctx, "cid-1", "q1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !ok || threadID != "thread-1" {
		t.Fatalf("expected valid match on thread-1, got ok=%v thread=%q", ok, threadID)
	}

	if err := s.Clear(ctx, "cid-1", "q1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	_, ok, err = s.Validate(ctx, "cid-1", "q1")
	if err != nil {
		t.Fatalf("validate after clear: %v", err)
	}
	if ok {
		t.Fatal("expected no match after clear")
	}
}

func TestStateValidateRejectsStaleQuestionID(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := NewState(rdb)

	if err := s.Open(ctx, "cid-2", "thread-2", "q-current", time.Minute); err != nil {
		t.Fatalf("open: %v", err)
	}
	_, ok, err := s.Validate(ctx, "cid-2", "q-stale")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if ok {
		t.Fatal("expected stale question id to not match")
	}
}

func TestStateExpired(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := NewState(rdb)

	if err := s.Open(ctx, "cid-3", "thread-3", "q1", 50*time.Millisecond); err != nil {
		t.Fatalf("open: %v", err)
	}
	expired, err := s.Expired(ctx, "cid-3", "q1")
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if expired {
		t.Fatal("expected not yet expired")
	}
	time.Sleep(150 * time.Millisecond)
	expired, err = s.Expired(ctx, "cid-3", "q1")
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if !expired {
		t.Fatal("expected expired after timeout elapses")
	}
}
