package presence

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRegistration is wrapped by every rejected registration.
	ErrRegistration = errors.New("registration rejected")
	// ErrUnknownAgent is returned for operations on ids the registry does not hold.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrInvalidTransition is returned when an operation does not apply to the current state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// RegisterRequest carries a registration. AgentID is empty on first contact
// and set when a client rejoins with an id it was issued earlier. Session
// identifies the live connection the registration arrived on.
type RegisterRequest struct {
	AgentID     string
	DisplayName string
	Role        Role
	Session     string
}

// Registry is the table of known agents and their lifecycle state.
//
// A Registry is not safe for concurrent use. It is owned by a Loop and every
// mutation happens on the loop goroutine.
type Registry struct {
	records   map[string]*AgentRecord
	sessions  map[string]string // agent id -> session currently bound
	notifiers []Notifier
	now       func() time.Time
	newID     func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for last_seen.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides agent id allocation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// WithNotifier adds a transition observer.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifiers = append(r.notifiers, n) }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		records:  make(map[string]*AgentRecord),
		sessions: make(map[string]string),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddNotifier registers n for every later transition.
func (r *Registry) AddNotifier(n Notifier) {
	r.notifiers = append(r.notifiers, n)
}

// Register inserts or overwrites a record and brings it Online. An existing
// id can only be taken over by a participant of the same role.
func (r *Registry) Register(req RegisterRequest) (AgentRecord, error) {
	if req.DisplayName == "" {
		return AgentRecord{}, fmt.Errorf("%w: display name is required", ErrRegistration)
	}
	if req.Session != "" {
		for id, session := range r.sessions {
			if session == req.Session && r.records[id] != nil && r.records[id].State != Offline {
				return AgentRecord{}, fmt.Errorf("%w: connection already registered as %s", ErrRegistration, id)
			}
		}
	}
	role := req.Role
	if role == "" {
		role = RoleAgent
	}

	id := req.AgentID
	if id == "" {
		id = r.newID()
	}
	from := Registering
	if prev, ok := r.records[id]; ok {
		if prev.Role != role {
			return AgentRecord{}, fmt.Errorf("%w: %s is registered as %s", ErrRegistration, id, prev.Role)
		}
		from = prev.State
	}

	rec := &AgentRecord{
		AgentID:     id,
		DisplayName: req.DisplayName,
		Role:        role,
		State:       Registering,
		LastSeen:    r.now(),
		Metrics:     map[string]string{},
	}
	r.records[id] = rec
	r.sessions[id] = req.Session
	rec.State = Online

	r.emit(Change{Record: rec.Clone(), From: from})
	return rec.Clone(), nil
}

// Heartbeat refreshes last_seen and revives an Offline record. It never
// resumes a Paused record.
func (r *Registry) Heartbeat(id string) error {
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	rec.LastSeen = r.now()
	if rec.State == Offline {
		rec.State = Online
		rec.Metrics = map[string]string{}
		r.emit(Change{Record: rec.Clone(), From: Offline})
	}
	return nil
}

// ReportStatus replaces the metrics of a record. A delta is emitted when the
// state or the metrics change.
func (r *Registry) ReportStatus(id string, metrics map[string]string) error {
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	rec.LastSeen = r.now()
	from := rec.State
	changed := !maps.Equal(rec.Metrics, metrics)
	rec.Metrics = copyMetrics(metrics)
	if rec.Metrics == nil {
		rec.Metrics = map[string]string{}
	}
	if rec.State == Offline {
		rec.State = Online
		changed = true
	}
	if changed {
		r.emit(Change{Record: rec.Clone(), From: from})
	}
	return nil
}

// Pause moves an Online record to Paused.
func (r *Registry) Pause(id string) error {
	return r.transition(id, Online, Paused)
}

// Resume moves a Paused record back to Online.
func (r *Registry) Resume(id string) error {
	return r.transition(id, Paused, Online)
}

func (r *Registry) transition(id string, from, to State) error {
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if rec.State != from {
		return fmt.Errorf("%w: %s cannot go from %s to %s", ErrInvalidTransition, id, rec.State, to)
	}
	rec.State = to
	r.emit(Change{Record: rec.Clone(), From: from})
	return nil
}

// Disconnect marks a record Offline and resets its metrics to the offline
// template. When session is set and a newer session has since registered the
// same id, the call is stale and ignored. It reports whether a transition
// happened.
func (r *Registry) Disconnect(id, session string) (bool, error) {
	rec, ok := r.records[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if session != "" && r.sessions[id] != session {
		return false, nil
	}
	if rec.State == Offline {
		return false, nil
	}
	from := rec.State
	rec.State = Offline
	rec.Metrics = OfflineMetrics()
	r.emit(Change{Record: rec.Clone(), From: from})
	return true, nil
}

// Forget removes a record entirely.
func (r *Registry) Forget(id string) error {
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	delete(r.records, id)
	delete(r.sessions, id)
	r.emit(Change{Record: rec.Clone(), Removed: true, From: rec.State})
	return nil
}

// ForgetAll purges every record and returns how many were removed.
func (r *Registry) ForgetAll() int {
	ids := slices.Sorted(maps.Keys(r.records))
	for _, id := range ids {
		_ = r.Forget(id)
	}
	return len(ids)
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (AgentRecord, bool) {
	rec, ok := r.records[id]
	if !ok {
		return AgentRecord{}, false
	}
	return rec.Clone(), true
}

// Session returns the session bound to id.
func (r *Registry) Session(id string) string {
	return r.sessions[id]
}

// Snapshot returns copies of all records ordered by id.
func (r *Registry) Snapshot() []AgentRecord {
	out := make([]AgentRecord, 0, len(r.records))
	for _, id := range slices.Sorted(maps.Keys(r.records)) {
		out = append(out, r.records[id].Clone())
	}
	return out
}

// Len returns the number of known records.
func (r *Registry) Len() int {
	return len(r.records)
}

// LastSeenBefore lists live records not heard from since cutoff.
func (r *Registry) LastSeenBefore(cutoff time.Time, role Role) []string {
	var ids []string
	for id, rec := range r.records {
		if rec.State == Offline || rec.Role != role {
			continue
		}
		if rec.LastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) emit(c Change) {
	for _, n := range r.notifiers {
		n.Changed(c)
	}
}
