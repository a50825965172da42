package status

import (
	"time"

	"github.com/owulveryck/agentrelay/internal/presence"
)

// Snapshot is a point-in-time export of the registry. A full snapshot lists
// every record and replaces the observer's copy; a delta carries changed
// records or removed ids and is merged into it. A heartbeat carries nothing
// and only proves the feed is alive.
type Snapshot struct {
	Full      bool                   `json:"full"`
	Heartbeat bool                   `json:"heartbeat,omitempty"`
	Seq       uint64                 `json:"seq"`
	Agents    []presence.AgentRecord `json:"agents,omitempty"`
	Removed   []string               `json:"removed,omitempty"`
	At        time.Time              `json:"at"`
}

// FullSnapshot wraps the registry contents.
func FullSnapshot(records []presence.AgentRecord, seq uint64, at time.Time) Snapshot {
	if records == nil {
		records = []presence.AgentRecord{}
	}
	return Snapshot{Full: true, Seq: seq, Agents: records, At: at}
}

// DeltaFor turns one registry transition into a delta.
func DeltaFor(c presence.Change, seq uint64, at time.Time) Snapshot {
	if c.Removed {
		return Snapshot{Seq: seq, Removed: []string{c.AgentID()}, At: at}
	}
	return Snapshot{Seq: seq, Agents: []presence.AgentRecord{c.Record}, At: at}
}

// HeartbeatSnapshot marks a live but idle feed.
func HeartbeatSnapshot(at time.Time) Snapshot {
	return Snapshot{Heartbeat: true, At: at}
}

// Kind returns "full", "delta" or "heartbeat".
func (s Snapshot) Kind() string {
	switch {
	case s.Full:
		return "full"
	case s.Heartbeat:
		return "heartbeat"
	}
	return "delta"
}
