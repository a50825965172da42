package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owulveryck/agentrelay/internal/envelope"
	"github.com/owulveryck/agentrelay/internal/pipeline"
	"github.com/owulveryck/agentrelay/internal/presence"
	"github.com/owulveryck/agentrelay/internal/queue"
)

type noDirectory struct{}

func (noDirectory) Lookup(context.Context, string) (presence.AgentRecord, bool, error) {
	return presence.AgentRecord{}, false, nil
}

func routedReply(t *testing.T, receiver string) *envelope.Envelope {
	t.Helper()
	env := envelope.New("agent-a", receiver, envelope.KindReply, "hello")
	require.NoError(t, env.MarkRouted(receiver))
	return env
}

func TestFanOutRedeliversWhenOperatorWriteFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := queue.NewMemory(16, 10*time.Millisecond)
	t.Cleanup(func() { _ = q.Close() })

	conns := NewConnections("hub-test", 8)
	c := conns.Open()
	conns.Bind(c, "op-1")

	// the first write hits a dead socket, later ones go through
	written := make(chan string, 4)
	go func() {
		attempts := 0
		for f := range c.send {
			attempts++
			if attempts == 1 {
				f.report(errors.New("broken pipe"))
				continue
			}
			f.report(nil)
			if m, err := DecodeMessage(f.data); err == nil && m.Envelope != nil {
				written <- m.Envelope.MessageID
			}
		}
	}()
	t.Cleanup(func() { conns.Close(c) })

	fanout := pipeline.NewFanOut(conns, noDirectory{}, q, nil)
	hop, err := pipeline.NewHop(pipeline.HopFanOut, queue.Decisions, q, fanout.Forward, 16)
	require.NoError(t, err)
	go func() { _ = hop.Run(ctx) }()

	env := routedReply(t, "op-1")
	require.NoError(t, q.Push(ctx, queue.Decisions, env))

	select {
	case id := <-written:
		assert.Equal(t, env.MessageID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("Envelope was not redelivered after the failed write")
	}
}

func TestDeliverFailsWhenConnectionClosesBeforeWrite(t *testing.T) {
	conns := NewConnections("hub-test", 8)
	c := conns.Open()
	conns.Bind(c, "op-1")

	env := routedReply(t, "op-1")
	result := make(chan error, 1)
	go func() {
		_, err := conns.Deliver(context.Background(), "op-1", env)
		result <- err
	}()
	require.Eventually(t, func() bool { return len(c.send) == 1 }, 2*time.Second, 5*time.Millisecond)

	conns.Close(c)
	c.failPending()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, errConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver kept waiting on a closed connection")
	}

	ok, err := conns.Deliver(context.Background(), "op-1", routedReply(t, "op-1"))
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDeliverTimesOutWithoutWriter(t *testing.T) {
	conns := NewConnections("hub-test", 8)
	conns.confirmTimeout = 20 * time.Millisecond
	c := conns.Open()
	conns.Bind(c, "op-1")

	ok, err := conns.Deliver(context.Background(), "op-1", routedReply(t, "op-1"))
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
