package status

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/owulveryck/agentrelay/internal/presence"
)

// Audience groups observers that are delivered to independently.
type Audience string

const (
	AudienceOperators Audience = "operators"
	AudienceRouters   Audience = "routers"
)

// Recorder is notified of delivery outcomes.
type Recorder interface {
	SnapshotSent(audience, kind string)
	SnapshotDropped(audience string)
}

type nopRecorder struct{}

func (nopRecorder) SnapshotSent(string, string) {}
func (nopRecorder) SnapshotDropped(string)      {}

// Observer is one subscriber's buffered feed of snapshots.
type Observer struct {
	id       string
	audience Audience
	ch       chan Snapshot
	dropped  atomic.Uint64
	b        *Broadcaster
	closed   bool
}

// C returns the feed. It is closed when the observer is removed.
func (o *Observer) C() <-chan Snapshot { return o.ch }

// ID returns the observer id.
func (o *Observer) ID() string { return o.id }

// Audience returns the audience the observer belongs to.
func (o *Observer) Audience() Audience { return o.audience }

// Dropped returns how many deltas were discarded because the feed was full.
func (o *Observer) Dropped() uint64 { return o.dropped.Load() }

// Close unsubscribes the observer.
func (o *Observer) Close() {
	o.b.remove(o)
}

// Broadcaster fans registry transitions out to observers. Enqueueing never
// blocks: a full feed loses deltas and is healed by the next full snapshot.
//
// Subscribe, Changed and Resync are meant to be called from the presence loop
// so that a new observer's full snapshot is ordered before any later delta.
type Broadcaster struct {
	mu        sync.Mutex
	observers map[Audience]map[string]*Observer
	seq       uint64
	buffer    int
	now       func() time.Time
	recorder  Recorder
	logger    *slog.Logger
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBuffer sets the per-observer feed capacity.
func WithBuffer(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithRecorder counts sent and dropped snapshots.
func WithRecorder(r Recorder) BroadcasterOption {
	return func(b *Broadcaster) { b.recorder = r }
}

// WithLogger sets the broadcaster logger.
func WithLogger(l *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.logger = l }
}

// WithNow overrides the snapshot timestamp source.
func WithNow(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) { b.now = now }
}

// NewBroadcaster returns a broadcaster with no observers.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		observers: map[Audience]map[string]*Observer{
			AudienceOperators: {},
			AudienceRouters:   {},
		},
		buffer:   64,
		now:      time.Now,
		recorder: nopRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe adds an observer and queues a full snapshot of records for it.
func (b *Broadcaster) Subscribe(audience Audience, records []presence.AgentRecord) *Observer {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := &Observer{
		id:       uuid.NewString(),
		audience: audience,
		ch:       make(chan Snapshot, b.buffer),
		b:        b,
	}
	if b.observers[audience] == nil {
		b.observers[audience] = make(map[string]*Observer)
	}
	b.observers[audience][o.id] = o
	o.ch <- FullSnapshot(records, b.seq, b.now())
	b.recorder.SnapshotSent(string(audience), "full")
	b.logger.Debug("Observer subscribed", "audience", audience, "observer_id", o.id, "agents", len(records))
	return o
}

// Changed implements presence.Notifier.
func (b *Broadcaster) Changed(c presence.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	delta := DeltaFor(c, b.seq, b.now())
	for audience, group := range b.observers {
		for _, o := range group {
			b.sendDelta(audience, o, delta)
		}
	}
}

func (b *Broadcaster) sendDelta(audience Audience, o *Observer, s Snapshot) {
	select {
	case o.ch <- s:
		b.recorder.SnapshotSent(string(audience), "delta")
	default:
		o.dropped.Add(1)
		b.recorder.SnapshotDropped(string(audience))
		b.logger.Warn("Observer feed full, dropping delta", "audience", audience, "observer_id", o.id, "seq", s.Seq)
	}
}

// Resync pushes a full snapshot to every observer. Pending deltas of an
// observer whose feed is full are discarded first since the snapshot
// supersedes them.
func (b *Broadcaster) Resync(records []presence.AgentRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	full := FullSnapshot(records, b.seq, b.now())
	for audience, group := range b.observers {
		for _, o := range group {
			select {
			case o.ch <- full:
			default:
				drain(o.ch)
				select {
				case o.ch <- full:
				default:
					b.recorder.SnapshotDropped(string(audience))
					continue
				}
			}
			b.recorder.SnapshotSent(string(audience), "full")
		}
	}
}

// Count returns the number of observers of an audience.
func (b *Broadcaster) Count(audience Audience) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers[audience])
}

// Close removes every observer.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, group := range b.observers {
		for id, o := range group {
			delete(group, id)
			o.closed = true
			close(o.ch)
		}
	}
}

func (b *Broadcaster) remove(o *Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o.closed {
		return
	}
	delete(b.observers[o.audience], o.id)
	o.closed = true
	close(o.ch)
	b.logger.Debug("Observer removed", "audience", o.audience, "observer_id", o.id)
}

func drain(ch chan Snapshot) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
