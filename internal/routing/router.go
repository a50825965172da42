// Package routing decides which participant receives each inbound envelope.
//
// A Router never mutates the registry. It reads a Snapshot of it taken at
// decision time, so a decision can race with a concurrent presence change;
// that staleness is bounded by the status delta latency.
//
// Broadcast envelopes go to a uniformly random online agent other than the
// sender. Agents are treated as interchangeable workers, so the choice is
// deliberately non-deterministic. The exception is reply affinity: when a
// broadcast envelope answers an earlier message whose sender is still online,
// it goes back to that sender.
package routing

import (
	"errors"
	"math/rand/v2"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/owulveryck/agentrelay/internal/envelope"
	"github.com/owulveryck/agentrelay/internal/presence"
)

const (
	ReasonReceiverNotAvailable = "receiver not available"
	ReasonNoAgentsAvailable    = "no agents available"
)

var (
	ErrReceiverNotAvailable = errors.New(ReasonReceiverNotAvailable)
	ErrNoAgentsAvailable    = errors.New(ReasonNoAgentsAvailable)
)

// Snapshot is the read-only registry view a decision is taken against.
type Snapshot interface {
	Get(id string) (presence.AgentRecord, bool)
	Records() []presence.AgentRecord
}

// Decision is the outcome of routing one envelope.
type Decision struct {
	Receiver string
	Status   envelope.RoutingStatus
	Err      error
	Affinity bool
}

// Router applies the routing rules and remembers who sent what for reply
// affinity.
type Router struct {
	senders *lru.Cache[string, string]

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures a Router.
type Option func(*Router)

// WithRand fixes the random source used for broadcast selection.
func WithRand(r *rand.Rand) Option {
	return func(rt *Router) { rt.rnd = r }
}

// New returns a Router remembering the senders of up to affinitySize messages.
func New(affinitySize int, opts ...Option) (*Router, error) {
	if affinitySize <= 0 {
		affinitySize = 10000
	}
	senders, err := lru.New[string, string](affinitySize)
	if err != nil {
		return nil, err
	}
	r := &Router{
		senders: senders,
		rnd:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Observe records the sender of env for later reply affinity.
func (r *Router) Observe(env *envelope.Envelope) {
	if env.MessageID == "" || env.SenderID == "" || env.SenderID == envelope.SystemSender {
		return
	}
	r.senders.Add(env.MessageID, env.SenderID)
}

// SenderOf returns the recorded sender of a message.
func (r *Router) SenderOf(messageID string) (string, bool) {
	return r.senders.Get(messageID)
}

// Decide computes the destination of env without modifying it.
func (r *Router) Decide(env *envelope.Envelope, snap Snapshot) Decision {
	if !env.IsBroadcast() {
		rec, ok := snap.Get(env.ReceiverID)
		if !ok || !rec.Routable() {
			return Decision{Status: envelope.RoutingFailed, Err: ErrReceiverNotAvailable}
		}
		return Decision{Receiver: env.ReceiverID, Status: envelope.Routed}
	}

	if env.InReplyTo != "" {
		if asker, ok := r.senders.Get(env.InReplyTo); ok && asker != env.SenderID {
			if rec, ok := snap.Get(asker); ok && rec.Routable() {
				return Decision{Receiver: asker, Status: envelope.Routed, Affinity: true}
			}
		}
	}

	var candidates []string
	for _, rec := range snap.Records() {
		if rec.AgentID == env.SenderID || !rec.Routable() || rec.Role == presence.RoleOperator {
			continue
		}
		candidates = append(candidates, rec.AgentID)
	}
	if len(candidates) == 0 {
		return Decision{Status: envelope.RoutingFailed, Err: ErrNoAgentsAvailable}
	}

	r.mu.Lock()
	pick := candidates[r.rnd.IntN(len(candidates))]
	r.mu.Unlock()
	return Decision{Receiver: pick, Status: envelope.Routed}
}

// Route records env for affinity, decides its destination and applies the
// decision to it. A failed decision leaves the receiver untouched.
func (r *Router) Route(env *envelope.Envelope, snap Snapshot) (Decision, error) {
	r.Observe(env)
	d := r.Decide(env, snap)
	var err error
	if d.Status == envelope.Routed {
		err = env.MarkRouted(d.Receiver)
	} else {
		err = env.MarkFailed(d.Err.Error())
	}
	return d, err
}
