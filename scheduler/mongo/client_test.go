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

	"github.com/chatcore/platform/scheduler"
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
		t.Skip("Docker not available, skipping MongoDB scheduler test")
	}
	db := testMongoClient.Database("scheduler_test_" + t.Name())
	c, err := New(context.Background(), Options{Client: testMongoClient, Database: db.Name()})
	if err != nil {
		t.Fatalf("new scheduler client: %v", err)
	}
	t.Cleanup(func() { _ = db.Drop(context.Background()) })
	return c.(*client)
}

func TestCreateComputesFirstNextFireAt(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()

	scheduledAt := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	task, err := c.Create(ctx, scheduler.ScheduledTask{
		UserID: "u1", AgentID: "agent-1", Prompt: "daily standup summary",
		ScheduleType: scheduler.ScheduleOnce, ScheduledAt: scheduledAt,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected generated id")
	}
	if task.Status != scheduler.StatusActive {
		t.Fatalf("expected active status, got %s", task.Status)
	}
	if !task.NextFireAt.Equal(scheduledAt) {
		t.Fatalf("expected next fire at %v, got %v", scheduledAt, task.NextFireAt)
	}
}

func TestDueTasksReturnsOnlyPastActiveTasks(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due, err := c.Create(ctx, scheduler.ScheduledTask{
		UserID: "u1", Prompt: "past", ScheduleType: scheduler.ScheduleOnce,
		ScheduledAt: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("create due: %v", err)
	}
	if _, err := c.Create(ctx, scheduler.ScheduledTask{
		UserID: "u1", Prompt: "future", ScheduleType: scheduler.ScheduleOnce,
		ScheduledAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("create future: %v", err)
	}

	tasks, err := c.DueTasks(ctx, now, 10)
	if err != nil {
		t.Fatalf("due tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != due.ID {
		t.Fatalf("expected only the past task due, got %+v", tasks)
	}
}

func TestRecordFireCompletesOnceTask(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, err := c.Create(ctx, scheduler.ScheduledTask{
		UserID: "u1", Prompt: "hi", ScheduleType: scheduler.ScheduleOnce,
		ScheduledAt: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fired, err := c.RecordFire(ctx, task.ID, now, "stream-1")
	if err != nil {
		t.Fatalf("record fire: %v", err)
	}
	if fired.Status != scheduler.StatusCompleted {
		t.Fatalf("expected completed status, got %s", fired.Status)
	}
	if fired.RunCount != 1 {
		t.Fatalf("expected run count 1, got %d", fired.RunCount)
	}

	due, err := c.DueTasks(ctx, now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("due tasks: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected completed task to drop out of due tasks, got %+v", due)
	}
}

func TestRecordFireIsIdempotentOnRepeatedExternalTaskID(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, err := c.Create(ctx, scheduler.ScheduledTask{
		UserID: "u1", Prompt: "hi", ScheduleType: scheduler.ScheduleInterval,
		CronExpression: "1h", ScheduledAt: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := c.RecordFire(ctx, task.ID, now, "stream-1")
	if err != nil {
		t.Fatalf("first fire: %v", err)
	}
	second, err := c.RecordFire(ctx, task.ID, now.Add(time.Second), "stream-1")
	if err != nil {
		t.Fatalf("second fire: %v", err)
	}
	if second.RunCount != first.RunCount {
		t.Fatalf("expected repeated external task id to be a no-op, first=%d second=%d", first.RunCount, second.RunCount)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, err := c.Create(ctx, scheduler.ScheduledTask{
		UserID: "u1", Prompt: "hi", ScheduleType: scheduler.ScheduleOnce,
		ScheduledAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled := scheduler.StatusCancelled
	updated, err := c.Update(ctx, task.ID, scheduler.TaskUpdate{Status: &cancelled})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != scheduler.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", updated.Status)
	}

	ok, err := c.Delete(ctx, task.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !ok {
		t.Fatal("expected delete to report the task existed")
	}
	if _, err := c.Get(ctx, task.ID); err != scheduler.ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound after delete, got %v", err)
	}
}

func TestMarkFailedRecordsLastError(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, err := c.Create(ctx, scheduler.ScheduledTask{
		UserID: "u1", Prompt: "hi", ScheduleType: scheduler.ScheduleOnce,
		ScheduledAt: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.MarkFailed(ctx, task.ID, "runner unreachable"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, err := c.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastError != "runner unreachable" {
		t.Fatalf("expected last error recorded, got %+v", got)
	}
	// MarkFailed leaves next_fire_at untouched so the poll loop retries on
	// the following tick; the task stays active and past-due.
	if got.Status != scheduler.StatusActive {
		t.Fatalf("expected status to remain active after a mark-failed retry, got %s", got.Status)
	}
}
