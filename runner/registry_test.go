package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	sent []Frame
	err  error
}

func (c *fakeConn) WriteFrame(ctx context.Context, f Frame) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, f)
	return nil
}

func TestRegisterLocalUnregister(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}

	require.Nil(t, r.Local("u1"))
	r.Register("u1", conn)
	require.Equal(t, Conn(conn), r.Local("u1"))

	r.Unregister("u1", conn)
	require.Nil(t, r.Local("u1"))
}

func TestUnregisterIgnoresStaleConn(t *testing.T) {
	r := NewRegistry()
	first := &fakeConn{}
	second := &fakeConn{}

	r.Register("u1", first)
	r.Register("u1", second)
	r.Unregister("u1", first)

	require.Equal(t, Conn(second), r.Local("u1"))
}

func TestResolveReplyDeliversToPendingFuture(t *testing.T) {
	r := NewRegistry()
	ch := r.awaitReply("req-1")

	ok := r.ResolveReply(Frame{ID: "req-1", Type: "exec_result"})
	require.True(t, ok)

	select {
	case f := <-ch:
		require.Equal(t, "req-1", f.ID)
	default:
		t.Fatal("expected reply to be buffered on the channel")
	}
}

func TestResolveReplyReturnsFalseWhenNoFuturePending(t *testing.T) {
	r := NewRegistry()
	ok := r.ResolveReply(Frame{ID: "unknown"})
	require.False(t, ok)
}

func TestCancelReplyRemovesPendingFuture(t *testing.T) {
	r := NewRegistry()
	r.awaitReply("req-1")
	r.cancelReply("req-1")

	ok := r.ResolveReply(Frame{ID: "req-1"})
	require.False(t, ok)
}
