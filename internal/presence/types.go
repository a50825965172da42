package presence

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of an agent record.
type State int

const (
	Registering State = iota
	Online
	Paused
	Offline
)

func (s State) String() string {
	switch s {
	case Registering:
		return "registering"
	case Online:
		return "online"
	case Paused:
		return "paused"
	case Offline:
		return "offline"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "registering":
		*s = Registering
	case "online":
		*s = Online
	case "paused":
		*s = Paused
	case "offline":
		*s = Offline
	default:
		return fmt.Errorf("unknown lifecycle state %q", text)
	}
	return nil
}

// Role separates worker agents from human operator connections. Only agents
// are eligible for random routing; both can be addressed directly.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleOperator Role = "operator"
)

// AgentRecord is the registry entry for one known participant.
type AgentRecord struct {
	AgentID     string            `json:"agent_id"`
	DisplayName string            `json:"display_name"`
	Role        Role              `json:"role"`
	State       State             `json:"lifecycle_state"`
	LastSeen    time.Time         `json:"last_seen"`
	Metrics     map[string]string `json:"metrics,omitempty"`
}

// Clone returns a copy that shares no memory with r.
func (r AgentRecord) Clone() AgentRecord {
	r.Metrics = copyMetrics(r.Metrics)
	return r
}

// Routable reports whether the record can receive routed envelopes.
func (r AgentRecord) Routable() bool {
	return r.State == Online
}

// Change describes one registry transition.
type Change struct {
	Record  AgentRecord
	Removed bool
	From    State
}

// AgentID returns the id of the record the change is about.
func (c Change) AgentID() string {
	return c.Record.AgentID
}

// Notifier receives every successful registry transition.
type Notifier interface {
	Changed(Change)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Change)

func (f NotifierFunc) Changed(c Change) { f(c) }

// OfflineMetrics is the template applied to a record when it goes offline.
func OfflineMetrics() map[string]string {
	return map[string]string{
		"transport": "disconnected",
		"llm":       "unknown",
	}
}

func copyMetrics(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
