package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/owulveryck/agentrelay/internal/envelope"
	"github.com/owulveryck/agentrelay/internal/observability"
	"github.com/owulveryck/agentrelay/internal/presence"
	"github.com/owulveryck/agentrelay/internal/queue"
	"github.com/owulveryck/agentrelay/internal/routing"
)

// Ingress is hop A: it stamps producer envelopes and places them on the
// inbound queue.
type Ingress struct {
	q      queue.Queue
	tracer *observability.TraceManager
	now    func() time.Time
	logger *slog.Logger
}

// NewIngress returns hop A pushing onto q.
func NewIngress(q queue.Queue, tracer *observability.TraceManager, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{q: q, tracer: tracer, now: time.Now, logger: logger}
}

// Accept validates env, tags it with origin and pushes a Pending copy to the
// inbound queue. The returned envelope is the one that was queued. Malformed
// envelopes are rejected with an error wrapping envelope.ErrMalformed and
// never queued.
func (in *Ingress) Accept(ctx context.Context, env *envelope.Envelope, origin envelope.Origin) (*envelope.Envelope, error) {
	if env == nil {
		return nil, &envelope.ValidationError{Field: "envelope"}
	}
	c := env.Clone()
	if c.MessageID == "" {
		c.MessageID = envelope.NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = in.now().UTC()
	}
	c.RoutingStatus = envelope.Pending
	c.FailureReason = ""
	c.Origin = origin
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Kind {
	case envelope.KindText, envelope.KindReply, envelope.KindSystem:
	default:
		return nil, &envelope.ValidationError{Field: "kind", Reason: fmt.Sprintf("%q cannot be produced by clients", c.Kind)}
	}

	if in.tracer != nil {
		spanCtx, span := in.tracer.StartHopSpan(ctx, HopIngress, c.MessageID, string(c.Kind))
		defer span.End()
		if c.Trace == nil {
			c.Trace = make(map[string]string)
		}
		in.tracer.InjectTraceContext(spanCtx, c.Trace)
		ctx = spanCtx
	}

	if err := in.q.Push(ctx, queue.Inbound, c); err != nil {
		return nil, fmt.Errorf("failed to enqueue envelope: %w", err)
	}
	in.logger.DebugContext(ctx, "Envelope accepted", "message_id", c.MessageID, "sender_id", c.SenderID, "receiver_id", c.ReceiverID)
	return c, nil
}

// DecisionStage is hop B: it routes inbound envelopes and places the result
// on the decision-output queue.
type DecisionStage struct {
	router *routing.Router
	view   routing.Snapshot
	q      queue.Queue
	logger *slog.Logger
}

// NewDecisionStage returns hop B routing against view.
func NewDecisionStage(router *routing.Router, view routing.Snapshot, q queue.Queue, logger *slog.Logger) *DecisionStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecisionStage{router: router, view: view, q: q, logger: logger}
}

// Forward implements Forwarder. A routing failure is turned into an Error
// envelope aimed back at the sender; the failed original goes no further.
func (s *DecisionStage) Forward(ctx context.Context, env *envelope.Envelope) error {
	d, err := s.router.Route(env, s.view)
	if err != nil {
		if errors.Is(err, envelope.ErrStatusRegression) {
			s.logger.WarnContext(ctx, "Discarding already resolved envelope", "message_id", env.MessageID, "routing_status", env.RoutingStatus)
			return nil
		}
		return err
	}

	if d.Status == envelope.Routed {
		s.logger.InfoContext(ctx, "Envelope routed", "message_id", env.MessageID, "sender_id", env.SenderID, "receiver_id", env.ReceiverID, "affinity", d.Affinity)
		return s.q.Push(ctx, queue.Decisions, env)
	}

	s.logger.InfoContext(ctx, "Routing failed", "message_id", env.MessageID, "sender_id", env.SenderID, "reason", env.FailureReason)
	if env.Kind == envelope.KindError {
		return nil
	}
	return s.q.Push(ctx, queue.Decisions, envelope.NewErrorFor(env, env.FailureReason))
}

// Connections delivers envelopes over live operator connections.
type Connections interface {
	// Deliver writes env to the live connection registered for participant
	// id. It reports false when there is none.
	Deliver(ctx context.Context, id string, env *envelope.Envelope) (bool, error)
	// DeliverToOrigin writes env to the connection identified by origin.
	DeliverToOrigin(ctx context.Context, origin envelope.Origin, env *envelope.Envelope) (bool, error)
}

// Directory answers registry lookups for the fan-out hop.
type Directory interface {
	Lookup(ctx context.Context, id string) (presence.AgentRecord, bool, error)
}

// FanOut is hop C: it delivers routed envelopes to a live operator
// connection or to the receiver's dedicated agent queue.
type FanOut struct {
	conns  Connections
	dir    Directory
	q      queue.Queue
	logger *slog.Logger
}

// NewFanOut returns hop C.
func NewFanOut(conns Connections, dir Directory, q queue.Queue, logger *slog.Logger) *FanOut {
	if logger == nil {
		logger = slog.Default()
	}
	return &FanOut{conns: conns, dir: dir, q: q, logger: logger}
}

// Forward implements Forwarder.
func (f *FanOut) Forward(ctx context.Context, env *envelope.Envelope) error {
	if env.RoutingStatus != envelope.Routed {
		f.logger.WarnContext(ctx, "Discarding unrouted envelope", "message_id", env.MessageID, "routing_status", env.RoutingStatus)
		return nil
	}

	if env.Kind == envelope.KindError && !env.Origin.IsZero() {
		ok, err := f.conns.DeliverToOrigin(ctx, env.Origin, env)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	ok, err := f.conns.Deliver(ctx, env.ReceiverID, env)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	rec, found, err := f.dir.Lookup(ctx, env.ReceiverID)
	if err != nil {
		return err
	}
	if !found || rec.Role == presence.RoleOperator {
		f.logger.InfoContext(ctx, "Receiver not connected, discarding", "message_id", env.MessageID, "receiver_id", env.ReceiverID, "kind", env.Kind)
		return nil
	}
	return f.q.Push(ctx, queue.AgentQueue(env.ReceiverID), env)
}
