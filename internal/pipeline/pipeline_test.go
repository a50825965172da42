package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owulveryck/agentrelay/internal/envelope"
	"github.com/owulveryck/agentrelay/internal/presence"
	"github.com/owulveryck/agentrelay/internal/queue"
	"github.com/owulveryck/agentrelay/internal/routing"
	"github.com/owulveryck/agentrelay/internal/status"
)

type fakeConns struct {
	mu        sync.Mutex
	live      map[string]bool
	byConn    map[string]bool
	delivered []*envelope.Envelope
	failNext  int
}

func newFakeConns(live ...string) *fakeConns {
	c := &fakeConns{live: map[string]bool{}, byConn: map[string]bool{}}
	for _, id := range live {
		c.live[id] = true
	}
	return c
}

func (c *fakeConns) Deliver(_ context.Context, id string, env *envelope.Envelope) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live[id] {
		return false, nil
	}
	if c.failNext > 0 {
		c.failNext--
		return false, errors.New("write failed")
	}
	c.delivered = append(c.delivered, env)
	return true, nil
}

func (c *fakeConns) DeliverToOrigin(_ context.Context, origin envelope.Origin, env *envelope.Envelope) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.byConn[origin.Conn] {
		return false, nil
	}
	c.delivered = append(c.delivered, env)
	return true, nil
}

func (c *fakeConns) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

type fakeDir map[string]presence.AgentRecord

func (d fakeDir) Lookup(_ context.Context, id string) (presence.AgentRecord, bool, error) {
	r, ok := d[id]
	return r, ok, nil
}

type countingRecorder struct {
	mu         sync.Mutex
	forwards   int
	duplicates int
	errors     int
}

func (r *countingRecorder) RecordForward(context.Context, string, time.Duration) {
	r.mu.Lock()
	r.forwards++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordDuplicate(context.Context, string) {
	r.mu.Lock()
	r.duplicates++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordHopError(context.Context, string, string) {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}

func routedTo(receiver, text string) *envelope.Envelope {
	e := envelope.New("A", receiver, envelope.KindText, text)
	e.RoutingStatus = envelope.Routed
	return e
}

func settle(t *testing.T, h *Hop, env *envelope.Envelope) (acked, nacked bool) {
	t.Helper()
	d := queue.NewDelivery("test", env.Clone(),
		func(context.Context) error { acked = true; return nil },
		func(context.Context) error { nacked = true; return nil })
	h.Handle(context.Background(), d)
	return acked, nacked
}

func TestFanOutDeliversRedeliveryOnce(t *testing.T) {
	conns := newFakeConns("op")
	rec := &countingRecorder{}
	fan := NewFanOut(conns, fakeDir{}, queue.NewMemory(4, 0), nil)
	hop, err := NewHop(HopFanOut, queue.Decisions, nil, fan.Forward, 16, WithRecorder(rec))
	require.NoError(t, err)

	env := routedTo("op", "hi")
	acked, _ := settle(t, hop, env)
	assert.True(t, acked)
	acked, nacked := settle(t, hop, env)
	assert.True(t, acked, "duplicates are acknowledged")
	assert.False(t, nacked)

	assert.Equal(t, 1, conns.count())
	assert.Equal(t, 1, rec.duplicates)
	assert.Equal(t, 1, rec.forwards)
}

func TestFailedForwardIsNotMarkedSeen(t *testing.T) {
	conns := newFakeConns("op")
	conns.failNext = 1
	fan := NewFanOut(conns, fakeDir{}, queue.NewMemory(4, 0), nil)
	hop, err := NewHop(HopFanOut, queue.Decisions, nil, fan.Forward, 16)
	require.NoError(t, err)

	env := routedTo("op", "hi")
	acked, nacked := settle(t, hop, env)
	assert.False(t, acked)
	assert.True(t, nacked)

	acked, _ = settle(t, hop, env)
	assert.True(t, acked)
	assert.Equal(t, 1, conns.count())
}

func TestFanOutToAgentQueue(t *testing.T) {
	q := queue.NewMemory(4, 0)
	fan := NewFanOut(newFakeConns(), fakeDir{"B": {AgentID: "B", Role: presence.RoleAgent, State: presence.Online}}, q, nil)

	require.NoError(t, fan.Forward(context.Background(), routedTo("B", "work")))
	assert.Equal(t, 1, q.Len(queue.AgentQueue("B")))
}

func TestFanOutDiscardsUnknownReceiver(t *testing.T) {
	q := queue.NewMemory(4, 0)
	op := presence.AgentRecord{AgentID: "op", Role: presence.RoleOperator, State: presence.Offline}
	fan := NewFanOut(newFakeConns(), fakeDir{"op": op}, q, nil)

	require.NoError(t, fan.Forward(context.Background(), routedTo("ghost", "hi")))
	require.NoError(t, fan.Forward(context.Background(), routedTo("op", "hi")))
	assert.Equal(t, 0, q.Len(queue.AgentQueue("ghost")))
	assert.Equal(t, 0, q.Len(queue.AgentQueue("op")))
}

func TestFanOutErrorPrefersOrigin(t *testing.T) {
	conns := newFakeConns()
	conns.byConn["conn-7"] = true
	fan := NewFanOut(conns, fakeDir{}, queue.NewMemory(4, 0), nil)

	orig := envelope.New("op", "", envelope.KindText, "hi")
	orig.Origin = envelope.Origin{Hub: "h", Conn: "conn-7"}
	require.NoError(t, fan.Forward(context.Background(), envelope.NewErrorFor(orig, routing.ReasonNoAgentsAvailable)))
	assert.Equal(t, 1, conns.count())
}

func TestIngressStampsAndRejects(t *testing.T) {
	q := queue.NewMemory(4, 0)
	in := NewIngress(q, nil, nil)
	ctx := context.Background()

	sent := &envelope.Envelope{SenderID: "A", Kind: envelope.KindText, Content: envelope.Content{Text: "hi"}, RoutingStatus: envelope.Routed}
	got, err := in.Accept(ctx, sent, envelope.Origin{Hub: "h", Conn: "c"})
	require.NoError(t, err)
	assert.NotEmpty(t, got.MessageID)
	assert.Equal(t, envelope.Pending, got.RoutingStatus, "senders cannot pre-resolve routing")
	assert.Equal(t, "c", got.Origin.Conn)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, 1, q.Len(queue.Inbound))

	tests := []struct {
		name string
		env  *envelope.Envelope
	}{
		{"nil", nil},
		{"no sender", &envelope.Envelope{Kind: envelope.KindText, Content: envelope.Content{Text: "hi"}}},
		{"empty text", &envelope.Envelope{SenderID: "A", Kind: envelope.KindText}},
		{"control kind", &envelope.Envelope{SenderID: "A", Kind: envelope.KindControl}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := in.Accept(ctx, tt.env, envelope.Origin{})
			assert.ErrorIs(t, err, envelope.ErrMalformed)
		})
	}
	assert.Equal(t, 1, q.Len(queue.Inbound), "malformed envelopes are never queued")
}

// pipelineHarness wires the three hops over an in-memory queue.
type pipelineHarness struct {
	q      *queue.Memory
	reg    *presence.Registry
	view   *status.View
	conns  *fakeConns
	ingest *Ingress
}

func newHarness(t *testing.T, live ...string) *pipelineHarness {
	t.Helper()
	h := &pipelineHarness{
		q:     queue.NewMemory(64, 5*time.Millisecond),
		reg:   presence.NewRegistry(),
		view:  status.NewView(),
		conns: newFakeConns(live...),
	}
	h.ingest = NewIngress(h.q, nil, nil)

	router, err := routing.New(64, routing.WithRand(rand.New(rand.NewPCG(1, 1))))
	require.NoError(t, err)
	decide := NewDecisionStage(router, h.view, h.q, nil)
	fan := NewFanOut(h.conns, h, h.q, nil)

	hopB, err := NewHop(HopDecision, queue.Inbound, h.q, decide.Forward, 64)
	require.NoError(t, err)
	hopC, err := NewHop(HopFanOut, queue.Decisions, h.q, fan.Forward, 64)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, hop := range []*Hop{hopB, hopC} {
		wg.Add(1)
		go func(hop *Hop) {
			defer wg.Done()
			_ = hop.Run(ctx)
		}(hop)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		_ = h.q.Close()
	})
	return h
}

func (h *pipelineHarness) Lookup(_ context.Context, id string) (presence.AgentRecord, bool, error) {
	r, ok := h.view.Get(id)
	return r, ok, nil
}

func (h *pipelineHarness) register(t *testing.T, id string, role presence.Role) {
	t.Helper()
	_, err := h.reg.Register(presence.RegisterRequest{AgentID: id, DisplayName: id, Role: role})
	require.NoError(t, err)
	h.view.Apply(status.FullSnapshot(h.reg.Snapshot(), 0, time.Now()))
}

func TestPipelineNoAgentsReturnsError(t *testing.T) {
	h := newHarness(t, "op")
	h.register(t, "op", presence.RoleOperator)

	sent, err := h.ingest.Accept(context.Background(), envelope.New("op", "", envelope.KindText, "hi"), envelope.Origin{Conn: "c1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.conns.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	got := h.conns.delivered[0]
	assert.Equal(t, envelope.KindError, got.Kind)
	assert.Equal(t, "op", got.ReceiverID)
	assert.Equal(t, sent.MessageID, got.InReplyTo)
	assert.Equal(t, routing.ReasonNoAgentsAvailable, got.Content.Text)
}

func TestPipelineRoutesToAgentAndReplyComesBack(t *testing.T) {
	h := newHarness(t, "op")
	h.register(t, "op", presence.RoleOperator)
	h.register(t, "B", presence.RoleAgent)
	ctx := context.Background()

	question, err := h.ingest.Accept(ctx, envelope.New("op", "", envelope.KindText, "hi"), envelope.Origin{Conn: "c1"})
	require.NoError(t, err)

	var routed *envelope.Envelope
	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	got := make(chan *envelope.Envelope, 1)
	go func() {
		_ = h.q.Consume(consumeCtx, queue.AgentQueue("B"), func(ctx context.Context, d *queue.Delivery) {
			_ = d.Ack(ctx)
			got <- d.Envelope
		})
	}()
	select {
	case routed = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("agent B never received the envelope")
	}
	assert.Equal(t, question.MessageID, routed.MessageID)
	assert.Equal(t, "B", routed.ReceiverID)
	assert.Equal(t, envelope.Routed, routed.RoutingStatus)

	_, err = h.ingest.Accept(ctx, envelope.NewReply(routed, "B", "hello back"), envelope.Origin{Conn: "agent:B"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.conns.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	reply := h.conns.delivered[0]
	assert.Equal(t, envelope.KindReply, reply.Kind)
	assert.Equal(t, "op", reply.ReceiverID)
	assert.Equal(t, question.MessageID, reply.InReplyTo)
}

func TestDecisionStageDropsResolvedEnvelope(t *testing.T) {
	q := queue.NewMemory(4, 0)
	router, err := routing.New(4)
	require.NoError(t, err)
	stage := NewDecisionStage(router, status.NewView(), q, nil)

	require.NoError(t, stage.Forward(context.Background(), routedTo("B", "hi")))
	assert.Equal(t, 0, q.Len(queue.Decisions))
}

func TestDedupBounded(t *testing.T) {
	d, err := NewDedup(2)
	require.NoError(t, err)
	d.Mark("a")
	d.Mark("b")
	d.Mark("c")
	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("c"))
	assert.Equal(t, 2, d.Len())
}
