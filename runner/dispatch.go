package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTimeout bounds how long Dispatch waits for a runner reply before
// giving up, both for the local-registry and cross-pod paths.
const DefaultTimeout = 30 * time.Second

func requestChannel(userID string) string    { return fmt.Sprintf("runner:request:%s", userID) }
func responseChannel(requestID string) string { return fmt.Sprintf("runner:response:%s", requestID) }

// ErrTimeout indicates no reply arrived within the caller's deadline.
type ErrTimeout struct {
	RequestID string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("runner: timed out waiting for reply to request %s", e.RequestID)
}

// Dispatcher implements send_runner_request: try the pod-local registry
// first, and fall back to a cross-pod Redis pub/sub relay when the
// target user's runner is homed elsewhere.
type Dispatcher struct {
	registry *Registry
	rdb      *redis.Client
}

// NewDispatcher builds a Dispatcher over the pod-local Registry and a
// Redis client shared with the rest of the presence/pub-sub fabric.
func NewDispatcher(registry *Registry, rdb *redis.Client) *Dispatcher {
	return &Dispatcher{registry: registry, rdb: rdb}
}

// Dispatch sends a runner RPC to userID's runner and waits for the
// matching reply. payload is marshaled as the frame's JSON payload;
// reply is the raw payload of the "<type>_result" frame, or an error
// built from its errorPayload on failure.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, reqType RequestType, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("runner: marshal request payload: %w", err)
	}
	requestID := uuid.NewString()
	frame := Frame{ID: requestID, Type: reqType, Payload: body}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	if conn := d.registry.Local(userID); conn != nil {
		return d.dispatchLocal(ctx, conn, frame)
	}
	return d.dispatchRemote(ctx, userID, frame)
}

func (d *Dispatcher) dispatchLocal(ctx context.Context, conn Conn, frame Frame) (json.RawMessage, error) {
	replyCh := d.registry.awaitReply(frame.ID)
	defer d.registry.cancelReply(frame.ID)

	if err := conn.WriteFrame(ctx, frame); err != nil {
		return nil, fmt.Errorf("runner: write request frame: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, &ErrTimeout{RequestID: frame.ID}
	case reply := <-replyCh:
		return decodeReply(reply)
	}
}

// dispatchRemote publishes the request for the home pod's subscriber to
// pick up and forward to its locally-registered runner, then waits on
// the per-request response channel that pod publishes the reply back
// to.
func (d *Dispatcher) dispatchRemote(ctx context.Context, userID string, frame Frame) (json.RawMessage, error) {
	sub := d.rdb.Subscribe(ctx, responseChannel(frame.ID))
	defer sub.Close()

	encoded, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("runner: marshal request frame: %w", err)
	}
	if err := d.rdb.Publish(ctx, requestChannel(userID), encoded).Err(); err != nil {
		return nil, fmt.Errorf("runner: publish request: %w", err)
	}

	msgCh := sub.Channel()
	select {
	case <-ctx.Done():
		return nil, &ErrTimeout{RequestID: frame.ID}
	case msg := <-msgCh:
		var reply Frame
		if err := json.Unmarshal([]byte(msg.Payload), &reply); err != nil {
			return nil, fmt.Errorf("runner: decode response frame: %w", err)
		}
		return decodeReply(reply)
	}
}

func decodeReply(reply Frame) (json.RawMessage, error) {
	if reply.Success != nil && !*reply.Success {
		var errPayload errorPayload
		if err := json.Unmarshal(reply.Payload, &errPayload); err != nil {
			return nil, fmt.Errorf("runner: request failed with undecodable error payload: %w", err)
		}
		return nil, fmt.Errorf("runner: request failed: %s", errPayload.Error)
	}
	return reply.Payload, nil
}

// HandleInboundRequest is the home pod's side of the cross-pod relay: a
// subscriber on requestChannel(userID) calls this for each frame it
// receives, forwarding it to the locally registered runner connection
// (if any) and publishing the eventual reply back to the requester's
// response channel.
//
// conn is the locally registered Conn for userID; callers look it up
// via Registry.Local before invoking this, since a pod only subscribes
// to a user's request channel once that user's runner has registered
// locally.
func (d *Dispatcher) HandleInboundRequest(ctx context.Context, conn Conn, frame Frame) error {
	replyCh := d.registry.awaitReply(frame.ID)
	defer d.registry.cancelReply(frame.ID)

	if err := conn.WriteFrame(ctx, frame); err != nil {
		return fmt.Errorf("runner: forward inbound request: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case reply := <-replyCh:
		encoded, err := json.Marshal(reply)
		if err != nil {
			return fmt.Errorf("runner: marshal relayed reply: %w", err)
		}
		return d.rdb.Publish(ctx, responseChannel(frame.ID), encoded).Err()
	}
}

// HandleRunnerReply is called by the home pod's WS read loop whenever
// the runner sends a "<type>_result" frame. It first tries to resolve a
// local caller's future; if none is pending (the caller was on another
// pod, relayed via HandleInboundRequest which itself installed a local
// future for the forward), ResolveReply already covers that case too,
// so no separate cross-pod path is needed here.
func (d *Dispatcher) HandleRunnerReply(frame Frame) {
	d.registry.ResolveReply(frame)
}
