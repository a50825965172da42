package status

import (
	"maps"
	"slices"
	"sync"

	"github.com/owulveryck/agentrelay/internal/presence"
)

// View is an observer's local copy of the registry, rebuilt from snapshots.
// It is safe for concurrent use.
type View struct {
	mu      sync.RWMutex
	records map[string]presence.AgentRecord
	seq     uint64
	synced  bool
}

// NewView returns an empty, unsynced view.
func NewView() *View {
	return &View{records: make(map[string]presence.AgentRecord)}
}

// Apply replaces the local copy with a full snapshot or merges a delta.
// Deltas older than the last applied full snapshot and heartbeats are
// ignored.
func (v *View) Apply(s Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s.Heartbeat {
		return
	}
	if s.Full {
		v.records = make(map[string]presence.AgentRecord, len(s.Agents))
		for _, r := range s.Agents {
			v.records[r.AgentID] = r.Clone()
		}
		v.seq = s.Seq
		v.synced = true
		return
	}
	if v.synced && s.Seq != 0 && s.Seq <= v.seq {
		return
	}
	for _, r := range s.Agents {
		v.records[r.AgentID] = r.Clone()
	}
	for _, id := range s.Removed {
		delete(v.records, id)
	}
	if s.Seq > v.seq {
		v.seq = s.Seq
	}
}

// Synced reports whether a full snapshot has been applied.
func (v *View) Synced() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.synced
}

// Get returns the record for id.
func (v *View) Get(id string) (presence.AgentRecord, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.records[id]
	if !ok {
		return presence.AgentRecord{}, false
	}
	return r.Clone(), true
}

// Records returns every record ordered by id.
func (v *View) Records() []presence.AgentRecord {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]presence.AgentRecord, 0, len(v.records))
	for _, id := range slices.Sorted(maps.Keys(v.records)) {
		out = append(out, v.records[id].Clone())
	}
	return out
}

// Len returns the number of records held.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.records)
}
