package queue

import (
	"context"
	"sync"
	"time"

	"github.com/owulveryck/agentrelay/internal/envelope"
)

type memItem struct {
	env         *envelope.Envelope
	redelivered bool
}

// Memory is an in-process Queue. Every process sharing a Memory instance
// shares its queues.
type Memory struct {
	mu       sync.Mutex
	queues   map[string]chan memItem
	capacity int
	delay    time.Duration
	closed   chan struct{}
	once     sync.Once
}

// NewMemory creates queues of the given capacity. Nacked deliveries come
// back after redeliveryDelay.
func NewMemory(capacity int, redeliveryDelay time.Duration) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{
		queues:   make(map[string]chan memItem),
		capacity: capacity,
		delay:    redeliveryDelay,
		closed:   make(chan struct{}),
	}
}

func (m *Memory) queue(name string) chan memItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = make(chan memItem, m.capacity)
		m.queues[name] = q
	}
	return q
}

func (m *Memory) Push(ctx context.Context, name string, env *envelope.Envelope) error {
	return m.push(ctx, name, memItem{env: env.Clone()})
}

func (m *Memory) push(ctx context.Context, name string, item memItem) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	select {
	case m.queue(name) <- item:
		return nil
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, name string, h Handler) error {
	q := m.queue(name)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.closed:
			return ErrClosed
		case item := <-q:
			env := item.env
			d := NewDelivery(name, env.Clone(),
				func(context.Context) error { return nil },
				func(context.Context) error {
					m.redeliver(name, memItem{env: env, redelivered: true})
					return nil
				})
			d.Redelivered = item.redelivered
			dispatch(ctx, h, d)
		}
	}
}

func (m *Memory) redeliver(name string, item memItem) {
	go func() {
		if m.delay > 0 {
			select {
			case <-time.After(m.delay):
			case <-m.closed:
				return
			}
		}
		_ = m.push(context.Background(), name, item)
	}()
}

// Len returns the number of envelopes waiting on name.
func (m *Memory) Len(name string) int {
	return len(m.queue(name))
}

// Close stops every consumer. Later pushes fail with ErrClosed.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}
