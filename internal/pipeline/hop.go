package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/owulveryck/agentrelay/internal/envelope"
	"github.com/owulveryck/agentrelay/internal/observability"
	"github.com/owulveryck/agentrelay/internal/queue"
)

// Hop names.
const (
	HopIngress  = "ingress"
	HopDecision = "decision"
	HopFanOut   = "fanout"
	HopAgent    = "agent"
)

// Forwarder hands an envelope to the next hop. A returned error leaves the
// delivery for redelivery.
type Forwarder func(ctx context.Context, env *envelope.Envelope) error

// Recorder receives per-hop outcomes.
type Recorder interface {
	RecordForward(ctx context.Context, hop string, took time.Duration)
	RecordDuplicate(ctx context.Context, hop string)
	RecordHopError(ctx context.Context, hop, reason string)
}

type nopRecorder struct{}

func (nopRecorder) RecordForward(context.Context, string, time.Duration) {}
func (nopRecorder) RecordDuplicate(context.Context, string)              {}
func (nopRecorder) RecordHopError(context.Context, string, string)       {}

// Hop consumes one queue, drops message ids it already forwarded and
// acknowledges a delivery only after Forward succeeded.
type Hop struct {
	name    string
	source  string
	q       queue.Queue
	dedup   *Dedup
	forward Forwarder
	tracer  *observability.TraceManager
	metrics Recorder
	logger  *slog.Logger
}

// HopOption configures a Hop.
type HopOption func(*Hop)

// WithTracer starts one span per forwarded envelope.
func WithTracer(tm *observability.TraceManager) HopOption {
	return func(h *Hop) { h.tracer = tm }
}

// WithRecorder reports hop durations, duplicates and errors.
func WithRecorder(r Recorder) HopOption {
	return func(h *Hop) {
		if r != nil {
			h.metrics = r
		}
	}
}

// WithLogger sets the hop logger.
func WithLogger(l *slog.Logger) HopOption {
	return func(h *Hop) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithDedup shares a dedup set with the hop instead of a private one.
func WithDedup(d *Dedup) HopOption {
	return func(h *Hop) { h.dedup = d }
}

// NewHop builds a consumer of source that remembers up to dedupSize ids.
func NewHop(name, source string, q queue.Queue, forward Forwarder, dedupSize int, opts ...HopOption) (*Hop, error) {
	h := &Hop{
		name:    name,
		source:  source,
		q:       q,
		forward: forward,
		metrics: nopRecorder{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.dedup == nil {
		d, err := NewDedup(dedupSize)
		if err != nil {
			return nil, err
		}
		h.dedup = d
	}
	return h, nil
}

// Run consumes the source queue until ctx is cancelled.
func (h *Hop) Run(ctx context.Context) error {
	h.logger.InfoContext(ctx, "Hop started", "hop", h.name, "queue", h.source)
	return h.q.Consume(ctx, h.source, h.Handle)
}

// Handle processes one delivery.
func (h *Hop) Handle(ctx context.Context, d *queue.Delivery) {
	env := d.Envelope
	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.StartHopSpan(h.tracer.ExtractTraceContext(ctx, env.Trace), h.name, env.MessageID, string(env.Kind))
		defer span.End()
	}

	if h.dedup.Seen(env.MessageID) {
		h.logger.DebugContext(ctx, "Dropping duplicate delivery", "hop", h.name, "message_id", env.MessageID, "redelivered", d.Redelivered)
		h.metrics.RecordDuplicate(ctx, h.name)
		if err := d.Ack(ctx); err != nil {
			h.logger.WarnContext(ctx, "Failed to acknowledge duplicate", "hop", h.name, "message_id", env.MessageID, "error", err)
		}
		return
	}

	start := time.Now()
	if err := h.forward(ctx, env); err != nil {
		h.logger.WarnContext(ctx, "Forward failed, leaving for redelivery", "hop", h.name, "message_id", env.MessageID, "error", err)
		h.metrics.RecordHopError(ctx, h.name, "forward_failed")
		_ = d.Nack(ctx)
		return
	}
	h.dedup.Mark(env.MessageID)
	h.metrics.RecordForward(ctx, h.name, time.Since(start))
	if err := d.Ack(ctx); err != nil {
		// the entry will come back and be dropped as a duplicate
		h.logger.WarnContext(ctx, "Failed to acknowledge delivery", "hop", h.name, "message_id", env.MessageID, "error", err)
	}
}
