package hub

import (
	"sync"

	"github.com/owulveryck/agentrelay/internal/rpc"
)

// controlStream is the hub side of one agent's control stream.
type controlStream struct {
	session string
	ch      chan *rpc.ControlMessage
	done    chan struct{}
	// reason is set before done is closed by the hub.
	reason string
}

// Controls indexes open agent control streams by agent id.
type Controls struct {
	mu      sync.Mutex
	streams map[string]*controlStream
}

// NewControls returns an empty index.
func NewControls() *Controls {
	return &Controls{streams: make(map[string]*controlStream)}
}

// open registers a control stream for agentID. A previous stream for the
// same agent is told to stop.
func (c *Controls) open(agentID, session string) *controlStream {
	s := &controlStream{
		session: session,
		ch:      make(chan *rpc.ControlMessage, 16),
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.streams[agentID]; ok {
		prev.reason = "superseded by a newer control stream"
		close(prev.done)
	}
	c.streams[agentID] = s
	return s
}

// release removes s if it is still the current stream of agentID.
func (c *Controls) release(agentID string, s *controlStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[agentID] == s {
		delete(c.streams, agentID)
		close(s.done)
	}
}

// drop ends the stream of agentID with reason. It reports whether there was
// one.
func (c *Controls) drop(agentID, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[agentID]
	if !ok {
		return false
	}
	delete(c.streams, agentID)
	s.reason = reason
	close(s.done)
	return true
}

// Send queues a command for an agent without blocking. It reports whether
// the agent has an open stream with room for the command.
func (c *Controls) Send(agentID string, m *rpc.ControlMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[agentID]
	if !ok {
		return false
	}
	select {
	case s.ch <- m:
		return true
	default:
		return false
	}
}

// Len returns the number of open control streams.
func (c *Controls) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}
