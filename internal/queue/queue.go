// Package queue carries envelopes between pipeline hops.
//
// Delivery is at-least-once with no ordering guarantee across message ids. A
// consumer settles each Delivery with Ack once it has handed the envelope to
// the next hop, or Nack to leave it for redelivery.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/owulveryck/agentrelay/internal/envelope"
)

const (
	// Inbound is fed by producers and consumed by the router.
	Inbound = "inbound"
	// Decisions is fed by the router and consumed by the hub.
	Decisions = "decisions"
)

// AgentQueue names the dedicated queue of an agent.
func AgentQueue(agentID string) string {
	return "agent." + agentID
}

var ErrClosed = errors.New("queue closed")

// Handler processes one delivery. A delivery left unsettled when the handler
// returns is nacked.
type Handler func(ctx context.Context, d *Delivery)

// Queue is the producer/consumer contract shared by every backend.
type Queue interface {
	Push(ctx context.Context, name string, env *envelope.Envelope) error
	// Consume calls h for each delivery on name until ctx is cancelled.
	Consume(ctx context.Context, name string, h Handler) error
	Close() error
}

// Delivery is an envelope together with its acknowledgment handle.
type Delivery struct {
	Envelope    *envelope.Envelope
	Queue       string
	Redelivered bool

	once sync.Once
	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
	err  error
}

// NewDelivery builds a delivery around settle callbacks. Backends use it; it
// is exported for tests of consumers.
func NewDelivery(name string, env *envelope.Envelope, ack, nack func(ctx context.Context) error) *Delivery {
	return &Delivery{Envelope: env, Queue: name, ack: ack, nack: nack}
}

// Ack removes the delivery from its queue.
func (d *Delivery) Ack(ctx context.Context) error {
	d.once.Do(func() {
		if d.ack != nil {
			d.err = d.ack(ctx)
		}
	})
	return d.err
}

// Nack leaves the delivery for redelivery.
func (d *Delivery) Nack(ctx context.Context) error {
	d.once.Do(func() {
		if d.nack != nil {
			d.err = d.nack(ctx)
		}
	})
	return d.err
}

func dispatch(ctx context.Context, h Handler, d *Delivery) {
	defer func() {
		if r := recover(); r != nil {
			_ = d.Nack(ctx)
		}
	}()
	h(ctx, d)
	_ = d.Nack(ctx)
}
