package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/owulveryck/agentrelay/internal/envelope"
)

// ErrSlowConnection is returned when a connection's send buffer is full.
var ErrSlowConnection = errors.New("connection send buffer full")

var errConnectionClosed = errors.New("connection closed")

// frame is one queued WebSocket message. When done is set the writer reports
// the outcome of the write on it.
type frame struct {
	data []byte
	done chan<- error
}

func (f frame) report(err error) {
	if f.done != nil {
		f.done <- err
	}
}

// Connection is one live operator connection. Queued frames are written by a
// single writer goroutine.
type Connection struct {
	ID string

	send        chan frame
	mu          sync.Mutex
	participant string
	closed      bool
}

// Participant returns the registry id bound to the connection, or "" before
// registration.
func (c *Connection) Participant() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participant
}

// enqueue queues a frame without blocking.
func (c *Connection) enqueue(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: %s", errConnectionClosed, c.ID)
	}
	select {
	case c.send <- f:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrSlowConnection, c.ID)
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// failPending reports every frame still queued on a closed connection as
// not written.
func (c *Connection) failPending() {
	for f := range c.send {
		f.report(errConnectionClosed)
	}
}

// Connections indexes live operator connections by connection id and by
// participant id. It implements pipeline.Connections.
type Connections struct {
	hubID          string
	buffer         int
	confirmTimeout time.Duration
	now            func() time.Time

	mu     sync.RWMutex
	byID   map[string]*Connection
	byPart map[string]string // participant id -> connection id
}

// NewConnections returns an empty index whose connections buffer up to
// buffer frames.
func NewConnections(hubID string, buffer int) *Connections {
	if buffer <= 0 {
		buffer = 256
	}
	return &Connections{
		hubID:          hubID,
		buffer:         buffer,
		confirmTimeout: writeTimeout,
		now:            time.Now,
		byID:           make(map[string]*Connection),
		byPart:         make(map[string]string),
	}
}

// Open creates and indexes a new connection.
func (cs *Connections) Open() *Connection {
	c := &Connection{ID: uuid.NewString(), send: make(chan frame, cs.buffer)}
	cs.mu.Lock()
	cs.byID[c.ID] = c
	cs.mu.Unlock()
	return c
}

// Bind associates a registered participant with a connection. A newer
// connection for the same participant replaces the older binding.
func (cs *Connections) Bind(c *Connection, participant string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c.mu.Lock()
	c.participant = participant
	c.mu.Unlock()
	cs.byPart[participant] = c.ID
}

// Close removes a connection from the index and closes its send buffer.
func (cs *Connections) Close(c *Connection) {
	cs.mu.Lock()
	delete(cs.byID, c.ID)
	if p := c.Participant(); p != "" && cs.byPart[p] == c.ID {
		delete(cs.byPart, p)
	}
	cs.mu.Unlock()
	c.close()
}

// CloseAll closes every connection.
func (cs *Connections) CloseAll() {
	cs.mu.Lock()
	conns := make([]*Connection, 0, len(cs.byID))
	for _, c := range cs.byID {
		conns = append(conns, c)
	}
	clear(cs.byID)
	clear(cs.byPart)
	cs.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// Get returns the connection with id.
func (cs *Connections) Get(id string) (*Connection, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.byID[id]
	return c, ok
}

// ForParticipant returns the live connection bound to participant.
func (cs *Connections) ForParticipant(participant string) (*Connection, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	id, ok := cs.byPart[participant]
	if !ok {
		return nil, false
	}
	c, ok := cs.byID[id]
	return c, ok
}

// Len returns the number of open connections.
func (cs *Connections) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.byID)
}

// Origin returns the handle that lets a reply find c again.
func (cs *Connections) Origin(c *Connection) envelope.Origin {
	return envelope.Origin{Hub: cs.hubID, Conn: c.ID}
}

// Send queues a frame on c without waiting for it to be written.
func (cs *Connections) Send(c *Connection, m Message) error {
	if m.At.IsZero() {
		m.At = cs.now().UTC()
	}
	data, err := encodeMessage(m)
	if err != nil {
		return err
	}
	return c.enqueue(frame{data: data})
}

// write queues env on c and waits until the writer has put it on the wire.
func (cs *Connections) write(ctx context.Context, c *Connection, env *envelope.Envelope) error {
	data, err := encodeMessage(EnvelopeMessage(env, cs.now().UTC()))
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := c.enqueue(frame{data: data, done: done}); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cs.confirmTimeout)
	defer cancel()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write to connection %s: %w", c.ID, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("write to connection %s not confirmed: %w", c.ID, ctx.Err())
	}
}

// Deliver implements pipeline.Connections. It returns once the frame is
// written, so a failed write leaves the envelope for redelivery.
func (cs *Connections) Deliver(ctx context.Context, participant string, env *envelope.Envelope) (bool, error) {
	c, ok := cs.ForParticipant(participant)
	if !ok {
		return false, nil
	}
	if err := cs.write(ctx, c, env); err != nil {
		return false, err
	}
	return true, nil
}

// DeliverToOrigin implements pipeline.Connections. Origins issued by another
// hub are never delivered here.
func (cs *Connections) DeliverToOrigin(ctx context.Context, origin envelope.Origin, env *envelope.Envelope) (bool, error) {
	if origin.Hub != cs.hubID {
		return false, nil
	}
	c, ok := cs.Get(origin.Conn)
	if !ok {
		return false, nil
	}
	if err := cs.write(ctx, c, env); err != nil {
		return false, err
	}
	return true, nil
}
