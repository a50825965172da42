package routing

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owulveryck/agentrelay/internal/envelope"
	"github.com/owulveryck/agentrelay/internal/presence"
	"github.com/owulveryck/agentrelay/internal/status"
)

func viewOf(records ...presence.AgentRecord) *status.View {
	v := status.NewView()
	v.Apply(status.FullSnapshot(records, 1, time.Now()))
	return v
}

func agent(id string, state presence.State) presence.AgentRecord {
	return presence.AgentRecord{AgentID: id, DisplayName: id, Role: presence.RoleAgent, State: state}
}

func newRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New(128, WithRand(rand.New(rand.NewPCG(42, 42))))
	require.NoError(t, err)
	return r
}

func TestExplicitReceiver(t *testing.T) {
	tests := []struct {
		name   string
		state  *presence.State
		status envelope.RoutingStatus
		reason string
	}{
		{"online", ptr(presence.Online), envelope.Routed, ""},
		{"paused", ptr(presence.Paused), envelope.RoutingFailed, ReasonReceiverNotAvailable},
		{"offline", ptr(presence.Offline), envelope.RoutingFailed, ReasonReceiverNotAvailable},
		{"unknown", nil, envelope.RoutingFailed, ReasonReceiverNotAvailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := []presence.AgentRecord{agent("A", presence.Online)}
			if tt.state != nil {
				records = append(records, agent("B", *tt.state))
			}
			env := envelope.New("A", "B", envelope.KindText, "hi")

			d, err := newRouter(t).Route(env, viewOf(records...))
			require.NoError(t, err)
			assert.Equal(t, tt.status, env.RoutingStatus)
			assert.Equal(t, tt.status, d.Status)
			assert.Equal(t, tt.reason, env.FailureReason)
			assert.Equal(t, "B", env.ReceiverID, "explicit receiver must be left unchanged")
		})
	}
}

func TestNoAgentsAvailable(t *testing.T) {
	env := envelope.New("A", "", envelope.KindText, "hi")
	d, err := newRouter(t).Route(env, viewOf(agent("A", presence.Online)))
	require.NoError(t, err)
	assert.ErrorIs(t, d.Err, ErrNoAgentsAvailable)
	assert.Equal(t, envelope.RoutingFailed, env.RoutingStatus)
	assert.Equal(t, ReasonNoAgentsAvailable, env.FailureReason)
}

func TestSingleCandidateIsDeterministic(t *testing.T) {
	snap := viewOf(agent("A", presence.Online), agent("B", presence.Online), agent("C", presence.Paused))
	r := newRouter(t)
	for i := 0; i < 20; i++ {
		env := envelope.New("A", envelope.Broadcast, envelope.KindText, "hi")
		_, err := r.Route(env, snap)
		require.NoError(t, err)
		assert.Equal(t, "B", env.ReceiverID)
		assert.Equal(t, envelope.Routed, env.RoutingStatus)
	}
}

func TestBroadcastExcludesOperators(t *testing.T) {
	op := agent("op", presence.Online)
	op.Role = presence.RoleOperator
	env := envelope.New("A", "", envelope.KindText, "hi")
	d, _ := newRouter(t).Route(env, viewOf(agent("A", presence.Online), op))
	assert.Equal(t, envelope.RoutingFailed, d.Status)
}

func TestRandomSelectionCoversCandidates(t *testing.T) {
	snap := viewOf(agent("A", presence.Online), agent("B", presence.Online), agent("C", presence.Online), agent("D", presence.Online))
	r := newRouter(t)
	seen := map[string]int{}
	for i := 0; i < 300; i++ {
		d := r.Decide(envelope.New("A", "", envelope.KindText, "hi"), snap)
		require.Equal(t, envelope.Routed, d.Status)
		require.NotEqual(t, "A", d.Receiver)
		seen[d.Receiver]++
	}
	assert.Len(t, seen, 3)
	for id, n := range seen {
		assert.Greater(t, n, 50, "candidate %s picked too rarely", id)
	}
}

func TestReplyAffinity(t *testing.T) {
	snap := viewOf(agent("A", presence.Online), agent("B", presence.Online), agent("C", presence.Online), agent("D", presence.Online))
	r := newRouter(t)

	question := envelope.New("A", "", envelope.KindText, "hi")
	_, err := r.Route(question, snap)
	require.NoError(t, err)
	responder := question.ReceiverID

	for i := 0; i < 20; i++ {
		reply := envelope.NewReply(question, responder, "hello back")
		d, err := r.Route(reply, snap)
		require.NoError(t, err)
		assert.True(t, d.Affinity)
		assert.Equal(t, "A", reply.ReceiverID)
	}
}

func TestReplyAffinityFallsBackWhenAskerGone(t *testing.T) {
	r := newRouter(t)
	question := envelope.New("A", "", envelope.KindText, "hi")
	_, err := r.Route(question, viewOf(agent("A", presence.Online), agent("B", presence.Online)))
	require.NoError(t, err)

	reply := envelope.NewReply(question, "B", "hello back")
	d, err := r.Route(reply, viewOf(agent("A", presence.Offline), agent("B", presence.Online), agent("C", presence.Online)))
	require.NoError(t, err)
	assert.False(t, d.Affinity)
	assert.Equal(t, "C", reply.ReceiverID)
}

func TestReplyAffinityToOperator(t *testing.T) {
	op := agent("op", presence.Online)
	op.Role = presence.RoleOperator
	snap := viewOf(op, agent("B", presence.Online))
	r := newRouter(t)

	question := envelope.New("op", "", envelope.KindText, "hi")
	_, err := r.Route(question, snap)
	require.NoError(t, err)
	require.Equal(t, "B", question.ReceiverID)

	reply := envelope.NewReply(question, "B", "hello back")
	_, err = r.Route(reply, snap)
	require.NoError(t, err)
	assert.Equal(t, "op", reply.ReceiverID)
}

func TestRouteRejectsResolvedEnvelope(t *testing.T) {
	env := envelope.New("A", "", envelope.KindText, "hi")
	require.NoError(t, env.MarkRouted("B"))
	_, err := newRouter(t).Route(env, viewOf(agent("B", presence.Online)))
	assert.ErrorIs(t, err, envelope.ErrStatusRegression)
	assert.Equal(t, envelope.Routed, env.RoutingStatus)
}

func TestAffinityIndexIsBounded(t *testing.T) {
	r, err := New(2)
	require.NoError(t, err)
	for _, id := range []string{"m1", "m2", "m3"} {
		r.Observe(&envelope.Envelope{MessageID: id, SenderID: "A"})
	}
	_, ok := r.SenderOf("m1")
	assert.False(t, ok)
	sender, ok := r.SenderOf("m3")
	assert.True(t, ok)
	assert.Equal(t, "A", sender)
}

func ptr[T any](v T) *T { return &v }
