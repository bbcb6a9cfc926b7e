package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
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
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
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
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	return testRedisClient
}

// respondingConn answers every WriteFrame by resolving the request on
// the given registry with a canned reply, simulating the runner's own
// read loop delivering a "<type>_result" frame.
type respondingConn struct {
	registry *Registry
	reply    Frame
	delay    time.Duration
}

func (c *respondingConn) WriteFrame(ctx context.Context, f Frame) error {
	reply := c.reply
	reply.ID = f.ID
	go func() {
		if c.delay > 0 {
			time.Sleep(c.delay)
		}
		c.registry.ResolveReply(reply)
	}()
	return nil
}

func successFrame(body string) Frame {
	ok := true
	return Frame{Type: ReqExec, Payload: json.RawMessage(body), Success: &ok}
}

func failureFrame(message string) Frame {
	ok := false
	payload, _ := json.Marshal(errorPayload{Error: message})
	return Frame{Type: ReqExec, Payload: payload, Success: &ok}
}

func TestDispatchLocalSuccess(t *testing.T) {
	registry := NewRegistry()
	conn := &respondingConn{registry: registry, reply: successFrame(`{"exit_code":0}`)}
	registry.Register("u1", conn)

	d := NewDispatcher(registry, nil)
	reply, err := d.Dispatch(context.Background(), "u1", ReqExec, map[string]string{"command": "ls"})
	require.NoError(t, err)
	require.JSONEq(t, `{"exit_code":0}`, string(reply))
}

func TestDispatchLocalFailure(t *testing.T) {
	registry := NewRegistry()
	conn := &respondingConn{registry: registry, reply: failureFrame("no such file")}
	registry.Register("u1", conn)

	d := NewDispatcher(registry, nil)
	_, err := d.Dispatch(context.Background(), "u1", ReqReadFile, map[string]string{"path": "/missing"})
	require.ErrorContains(t, err, "no such file")
}

func TestDispatchLocalTimeout(t *testing.T) {
	registry := NewRegistry()
	conn := &respondingConn{registry: registry, reply: successFrame(`{}`), delay: time.Hour}
	registry.Register("u1", conn)

	d := NewDispatcher(registry, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.Dispatch(ctx, "u1", ReqExec, nil)
	require.Error(t, err)
	var timeoutErr *ErrTimeout
	require.ErrorAs(t, err, &timeoutErr)
}

func TestDispatchRemoteRoundTrip(t *testing.T) {
	rdb := getRedis(t)
	registry := NewRegistry()
	d := NewDispatcher(registry, rdb)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Simulate the home pod: subscribe on the request channel, forward
	// to a fake local runner, and publish the reply on the response
	// channel, mirroring HandleInboundRequest without needing a second
	// Registry wired to a real Conn.
	sub := rdb.Subscribe(ctx, requestChannel("u2"))
	defer sub.Close()
	go func() {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			return
		}
		reply := successFrame(`{"ok":true}`)
		reply.ID = frame.ID
		encoded, _ := json.Marshal(reply)
		_ = rdb.Publish(ctx, responseChannel(frame.ID), encoded).Err()
	}()

	reply, err := d.Dispatch(ctx, "u2", ReqExec, map[string]string{"command": "pwd"})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(reply))
}
