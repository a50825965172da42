package agent

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/owulveryck/agentrelay/internal/envelope"
	"github.com/owulveryck/agentrelay/internal/llm"
	"github.com/owulveryck/agentrelay/internal/queue"
	"github.com/owulveryck/agentrelay/internal/rpc"
	"github.com/owulveryck/agentrelay/internal/supervisor"
)

// endStream makes the fake control stream return io.EOF.
const endStream rpc.Command = "end-of-stream"

type fakeControlStream struct {
	grpc.ClientStream
	ctx      context.Context
	commands <-chan *rpc.ControlMessage
}

func (s *fakeControlStream) Recv() (*rpc.ControlMessage, error) {
	select {
	case m := <-s.commands:
		if m.Command == endStream {
			return nil, io.EOF
		}
		return m, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

type fakeHub struct {
	rpc.PresenceClient
	commands   chan *rpc.ControlMessage
	heartbeats atomic.Int32

	mu        sync.Mutex
	registers []rpc.RegisterRequest
	reports   []map[string]string
}

func newFakeHub() *fakeHub {
	return &fakeHub{commands: make(chan *rpc.ControlMessage, 16)}
}

func (h *fakeHub) Register(_ context.Context, in *rpc.RegisterRequest, _ ...grpc.CallOption) (*rpc.RegisterResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registers = append(h.registers, *in)
	id := in.AgentID
	if id == "" {
		id = "issued-1"
	}
	return &rpc.RegisterResponse{AgentID: id, Session: "s", HeartbeatInterval: 15 * time.Second}, nil
}

func (h *fakeHub) ReportStatus(_ context.Context, in *rpc.StatusReport, _ ...grpc.CallOption) (*emptypb.Empty, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, in.Metrics)
	return &emptypb.Empty{}, nil
}

func (h *fakeHub) Heartbeat(context.Context, *rpc.HeartbeatRequest, ...grpc.CallOption) (*emptypb.Empty, error) {
	h.heartbeats.Add(1)
	return &emptypb.Empty{}, nil
}

func (h *fakeHub) Control(ctx context.Context, _ *rpc.ControlRequest, _ ...grpc.CallOption) (rpc.Presence_ControlClient, error) {
	return &fakeControlStream{ctx: ctx, commands: h.commands}, nil
}

func (h *fakeHub) registrations() []rpc.RegisterRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]rpc.RegisterRequest(nil), h.registers...)
}

func (h *fakeHub) lastReport() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reports) == 0 {
		return nil
	}
	return h.reports[len(h.reports)-1]
}

type harness struct {
	agent *Agent
	hub   *fakeHub
	q     *queue.Memory
	ctx   context.Context
	done  chan error
}

func startAgent(t *testing.T, config *Config, responder llm.Responder) *harness {
	t.Helper()
	if config.DisplayName == "" {
		config.DisplayName = "Alice"
	}
	if config.Reconnect.MaxAttempts == 0 {
		config.Reconnect = supervisor.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	}
	hub := newFakeHub()
	q := queue.NewMemory(16, 10*time.Millisecond)
	a, err := New(config, hub, responder, q)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = q.Close()
	})
	require.Eventually(t, a.Connected, 2*time.Second, 5*time.Millisecond)
	return &harness{agent: a, hub: hub, q: q, ctx: ctx, done: done}
}

// inbound collects what the agent sends to the inbound queue.
func (h *harness) inbound() <-chan *envelope.Envelope {
	out := make(chan *envelope.Envelope, 4)
	go func() {
		_ = h.q.Consume(h.ctx, queue.Inbound, func(ctx context.Context, d *queue.Delivery) {
			out <- d.Envelope
			_ = d.Ack(ctx)
		})
	}()
	return out
}

func (h *harness) deliver(t *testing.T, env *envelope.Envelope) {
	t.Helper()
	require.NoError(t, env.MarkRouted(h.agent.ID()))
	require.NoError(t, h.q.Push(h.ctx, queue.AgentQueue(h.agent.ID()), env))
}

func expectEnvelope(t *testing.T, ch <-chan *envelope.Envelope) *envelope.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("No envelope sent")
		return nil
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(&Config{}, newFakeHub(), llm.NewMock(), queue.NewMemory(1, 0))
	assert.ErrorIs(t, err, ErrMissingName)
}

func TestAgentAnswersTextWithReply(t *testing.T) {
	h := startAgent(t, &Config{AgentID: "A"}, llm.NewMock())
	out := h.inbound()

	msg := envelope.New("op", "A", envelope.KindText, "hello")
	h.deliver(t, msg)

	reply := expectEnvelope(t, out)
	assert.Equal(t, envelope.KindReply, reply.Kind)
	assert.Equal(t, "A", reply.SenderID)
	assert.Equal(t, envelope.Broadcast, reply.ReceiverID)
	assert.Equal(t, msg.MessageID, reply.InReplyTo)
	assert.Equal(t, "I received your message: hello", reply.Content.Text)

	assert.Eventually(t, func() bool {
		m := h.hub.lastReport()
		return m != nil && m[MetricTransport] == "connected"
	}, time.Second, 5*time.Millisecond)
}

func TestAgentReportsResponderFailureToSender(t *testing.T) {
	failing := llm.ResponderFunc(func(context.Context, string) (string, error) {
		return "", errors.New("model unavailable")
	})
	h := startAgent(t, &Config{AgentID: "A"}, failing)
	out := h.inbound()

	msg := envelope.New("op", "A", envelope.KindText, "hello")
	h.deliver(t, msg)

	sys := expectEnvelope(t, out)
	assert.Equal(t, envelope.KindSystem, sys.Kind)
	assert.Equal(t, "op", sys.ReceiverID)
	assert.Equal(t, msg.MessageID, sys.InReplyTo)
	assert.Contains(t, sys.Content.Text, "model unavailable")
	assert.Equal(t, "error", h.agent.Metrics()[MetricLLM])
}

func TestAgentDoesNotAnswerReplies(t *testing.T) {
	mock := llm.NewMock()
	h := startAgent(t, &Config{AgentID: "A"}, mock)
	out := h.inbound()

	h.deliver(t, envelope.New("B", "A", envelope.KindReply, "hello back"))
	select {
	case env := <-out:
		t.Fatalf("Unexpected answer %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Zero(t, mock.CallCount())
}

func TestPausedAgentLeavesMessagesQueued(t *testing.T) {
	h := startAgent(t, &Config{AgentID: "A"}, llm.NewMock())
	var commands []rpc.Command
	var mu sync.Mutex
	h.agent.OnControlCommand(func(msg *rpc.ControlMessage) {
		mu.Lock()
		commands = append(commands, msg.Command)
		mu.Unlock()
	})
	out := h.inbound()

	h.hub.commands <- &rpc.ControlMessage{Command: rpc.CommandPause, AgentID: "A"}
	require.Eventually(t, h.agent.Paused, time.Second, 5*time.Millisecond)

	h.deliver(t, envelope.New("op", "A", envelope.KindText, "are you there?"))
	select {
	case env := <-out:
		t.Fatalf("Paused agent answered %+v", env)
	case <-time.After(100 * time.Millisecond):
	}

	h.hub.commands <- &rpc.ControlMessage{Command: rpc.CommandResume, AgentID: "A"}
	reply := expectEnvelope(t, out)
	assert.Equal(t, "I received your message: are you there?", reply.Content.Text)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []rpc.Command{rpc.CommandPause, rpc.CommandResume}, commands)
}

func TestAgentAnswersPingWithHeartbeat(t *testing.T) {
	h := startAgent(t, &Config{AgentID: "A"}, llm.NewMock())
	h.hub.commands <- &rpc.ControlMessage{Command: rpc.CommandPing, AgentID: "A"}
	assert.Eventually(t, func() bool { return h.hub.heartbeats.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAgentRejoinsWithIssuedID(t *testing.T) {
	h := startAgent(t, &Config{}, llm.NewMock())
	h.hub.commands <- &rpc.ControlMessage{Command: rpc.CommandHeartbeat}
	h.hub.commands <- &rpc.ControlMessage{Command: endStream}

	require.Eventually(t, func() bool { return len(h.hub.registrations()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	regs := h.hub.registrations()
	assert.Empty(t, regs[0].AgentID)
	assert.Equal(t, "issued-1", regs[1].AgentID)
	assert.Equal(t, "issued-1", h.agent.ID())
}

func TestAgentStopsOnShutdownCommand(t *testing.T) {
	h := startAgent(t, &Config{AgentID: "A"}, llm.NewMock())
	h.hub.commands <- &rpc.ControlMessage{Command: rpc.CommandShutdown, AgentID: "A"}

	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Agent did not stop")
	}
}

func TestAgentRejectsSecondRun(t *testing.T) {
	h := startAgent(t, &Config{AgentID: "A"}, llm.NewMock())
	assert.ErrorIs(t, h.agent.Run(context.Background()), ErrAgentAlreadyRunning)
}
