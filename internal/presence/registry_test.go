package presence

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"
)

type recorder struct {
	changes []Change
}

func (r *recorder) Changed(c Change) { r.changes = append(r.changes, c) }

func (r *recorder) last(t *testing.T) Change {
	t.Helper()
	if len(r.changes) == 0 {
		t.Fatal("Expected a change, got none")
	}
	return r.changes[len(r.changes)-1]
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*Registry, *recorder, *fakeClock) {
	rec := &recorder{}
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	n := 0
	reg := NewRegistry(
		WithNotifier(rec),
		WithClock(clock.Now),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("agent-%d", n) }),
	)
	return reg, rec, clock
}

func TestRegisterBringsAgentOnline(t *testing.T) {
	reg, rec, _ := newTestRegistry()

	got, err := reg.Register(RegisterRequest{AgentID: "A", DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if got.State != Online {
		t.Errorf("Expected Online, got %s", got.State)
	}
	if got.Role != RoleAgent {
		t.Errorf("Expected default role agent, got %s", got.Role)
	}
	if reg.Len() != 1 {
		t.Errorf("Expected 1 record, got %d", reg.Len())
	}
	if len(rec.changes) != 1 {
		t.Fatalf("Expected exactly one delta, got %d", len(rec.changes))
	}
	if c := rec.last(t); c.AgentID() != "A" || c.Record.State != Online {
		t.Errorf("Unexpected delta %+v", c)
	}
}

func TestRegisterAllocatesID(t *testing.T) {
	reg, _, _ := newTestRegistry()

	got, err := reg.Register(RegisterRequest{DisplayName: "Bob"})
	if err != nil {
		t.Fatal(err)
	}
	if got.AgentID != "agent-1" {
		t.Errorf("Expected allocated id agent-1, got %q", got.AgentID)
	}
}

func TestRegisterRejections(t *testing.T) {
	reg, rec, _ := newTestRegistry()
	if _, err := reg.Register(RegisterRequest{AgentID: "A", DisplayName: "Alice", Session: "s1"}); err != nil {
		t.Fatal(err)
	}
	before := len(rec.changes)

	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"empty display name", RegisterRequest{AgentID: "B"}},
		{"session already bound", RegisterRequest{AgentID: "B", DisplayName: "Bob", Session: "s1"}},
		{"operator takes agent id", RegisterRequest{AgentID: "A", DisplayName: "Mallory", Role: RoleOperator, Session: "ws-1"}},
		{"operator takes agent id without session", RegisterRequest{AgentID: "A", DisplayName: "Mallory", Role: RoleOperator}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Register(tt.req)
			if !errors.Is(err, ErrRegistration) {
				t.Fatalf("Expected ErrRegistration, got %v", err)
			}
		})
	}
	if reg.Len() != 1 || len(rec.changes) != before {
		t.Error("Rejected registration mutated the registry")
	}
	a, _ := reg.Get("A")
	if a.Role != RoleAgent || a.DisplayName != "Alice" || reg.Session("A") != "s1" {
		t.Errorf("Agent record was rebound: %+v session=%q", a, reg.Session("A"))
	}
}

func TestRoleCannotChangeOnRejoin(t *testing.T) {
	reg, _, _ := newTestRegistry()
	if _, err := reg.Register(RegisterRequest{AgentID: "op", DisplayName: "Olivier", Role: RoleOperator, Session: "ws-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Disconnect("op", "ws-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Register(RegisterRequest{AgentID: "op", DisplayName: "Olivier", Session: "grpc-1"}); !errors.Is(err, ErrRegistration) {
		t.Fatalf("Expected ErrRegistration for an agent reusing an offline operator id, got %v", err)
	}
	if _, err := reg.Register(RegisterRequest{AgentID: "op", DisplayName: "Olivier", Role: RoleOperator, Session: "ws-2"}); err != nil {
		t.Fatalf("Operator rejoin failed: %v", err)
	}
}

func TestRejoinReusesIDAndTakesOverSession(t *testing.T) {
	reg, _, _ := newTestRegistry()
	if _, err := reg.Register(RegisterRequest{AgentID: "A", DisplayName: "Alice", Session: "old"}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(RegisterRequest{AgentID: "A", DisplayName: "Alice", Session: "new"}); err != nil {
		t.Fatalf("Rejoin failed: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("Expected 1 record after rejoin, got %d", reg.Len())
	}

	changed, err := reg.Disconnect("A", "old")
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("Stale session disconnect must be ignored")
	}
	if r, _ := reg.Get("A"); r.State != Online {
		t.Errorf("Expected Online, got %s", r.State)
	}
}

func TestHeartbeat(t *testing.T) {
	reg, rec, clock := newTestRegistry()
	if _, err := reg.Register(RegisterRequest{AgentID: "A", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	n := len(rec.changes)
	if err := reg.Heartbeat("A"); err != nil {
		t.Fatal(err)
	}
	if len(rec.changes) != n {
		t.Error("Heartbeat on an Online agent must not emit a delta")
	}
	if r, _ := reg.Get("A"); !r.LastSeen.Equal(clock.Now()) {
		t.Errorf("Expected last_seen %v, got %v", clock.Now(), r.LastSeen)
	}

	if err := reg.Heartbeat("ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("Expected ErrUnknownAgent, got %v", err)
	}
}

func TestHeartbeatRevivesOfflineButNotPaused(t *testing.T) {
	reg, rec, _ := newTestRegistry()
	if _, err := reg.Register(RegisterRequest{AgentID: "A", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}

	if err := reg.Pause("A"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Heartbeat("A"); err != nil {
		t.Fatal(err)
	}
	if r, _ := reg.Get("A"); r.State != Paused {
		t.Errorf("Heartbeat un-paused the agent: %s", r.State)
	}

	if _, err := reg.Disconnect("A", ""); err != nil {
		t.Fatal(err)
	}
	if err := reg.Heartbeat("A"); err != nil {
		t.Fatal(err)
	}
	c := rec.last(t)
	if c.Record.State != Online || c.From != Offline {
		t.Errorf("Expected Offline -> Online delta, got %+v", c)
	}
}

func TestReportStatus(t *testing.T) {
	reg, rec, _ := newTestRegistry()
	if _, err := reg.Register(RegisterRequest{AgentID: "A", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}

	metrics := map[string]string{"transport": "connected", "llm": "connected"}
	if err := reg.ReportStatus("A", metrics); err != nil {
		t.Fatal(err)
	}
	metrics["llm"] = "mutated by caller"
	if r, _ := reg.Get("A"); r.Metrics["llm"] != "connected" {
		t.Errorf("Registry kept a reference to caller metrics: %v", r.Metrics)
	}
	if c := rec.last(t); c.Record.Metrics["transport"] != "connected" {
		t.Errorf("Expected delta with new metrics, got %+v", c)
	}

	n := len(rec.changes)
	if err := reg.ReportStatus("A", map[string]string{"transport": "connected", "llm": "connected"}); err != nil {
		t.Fatal(err)
	}
	if len(rec.changes) != n {
		t.Error("Identical report must not emit a delta")
	}
}

func TestPauseResume(t *testing.T) {
	reg, rec, _ := newTestRegistry()
	if _, err := reg.Register(RegisterRequest{AgentID: "A", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}

	if err := reg.Resume("A"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition resuming an Online agent, got %v", err)
	}
	if err := reg.Pause("A"); err != nil {
		t.Fatal(err)
	}
	if c := rec.last(t); c.Record.State != Paused {
		t.Errorf("Expected Paused delta, got %s", c.Record.State)
	}
	if err := reg.Pause("A"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition pausing twice, got %v", err)
	}
	if err := reg.Resume("A"); err != nil {
		t.Fatal(err)
	}
	if c := rec.last(t); c.Record.State != Online {
		t.Errorf("Expected Online delta, got %s", c.Record.State)
	}
}

func TestDisconnectResetsMetrics(t *testing.T) {
	reg, rec, _ := newTestRegistry()
	if _, err := reg.Register(RegisterRequest{AgentID: "A", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.ReportStatus("A", map[string]string{"transport": "connected", "llm": "connected", "extra": "x"}); err != nil {
		t.Fatal(err)
	}

	changed, err := reg.Disconnect("A", "")
	if err != nil || !changed {
		t.Fatalf("Expected transition, got changed=%v err=%v", changed, err)
	}
	c := rec.last(t)
	if c.Record.State != Offline {
		t.Errorf("Expected Offline, got %s", c.Record.State)
	}
	want := OfflineMetrics()
	if len(c.Record.Metrics) != len(want) {
		t.Fatalf("Expected offline template %v, got %v", want, c.Record.Metrics)
	}
	for k, v := range want {
		if c.Record.Metrics[k] != v {
			t.Errorf("Metric %s: expected %q, got %q", k, v, c.Record.Metrics[k])
		}
	}

	n := len(rec.changes)
	if changed, _ := reg.Disconnect("A", ""); changed || len(rec.changes) != n {
		t.Error("Disconnecting an Offline agent must be a no-op")
	}
	if reg.Len() != 1 {
		t.Error("Offline is a state, not a deletion")
	}
}

func TestForget(t *testing.T) {
	reg, rec, _ := newTestRegistry()
	for _, id := range []string{"A", "B", "C"} {
		if _, err := reg.Register(RegisterRequest{AgentID: id, DisplayName: id}); err != nil {
			t.Fatal(err)
		}
	}

	if err := reg.Forget("B"); err != nil {
		t.Fatal(err)
	}
	if c := rec.last(t); !c.Removed || c.AgentID() != "B" {
		t.Errorf("Expected removal delta for B, got %+v", c)
	}
	if err := reg.Forget("B"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("Expected ErrUnknownAgent, got %v", err)
	}

	n := len(rec.changes)
	if removed := reg.ForgetAll(); removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if len(rec.changes) != n+2 {
		t.Errorf("Expected one removal delta per record, got %d", len(rec.changes)-n)
	}
	if reg.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", reg.Len())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	reg, _, _ := newTestRegistry()
	if _, err := reg.Register(RegisterRequest{AgentID: "B", DisplayName: "Bob"}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(RegisterRequest{AgentID: "A", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}

	snap := reg.Snapshot()
	if len(snap) != 2 || snap[0].AgentID != "A" || snap[1].AgentID != "B" {
		t.Fatalf("Expected records ordered by id, got %+v", snap)
	}
	snap[0].Metrics["poison"] = "yes"
	snap[0].State = Offline
	if r, _ := reg.Get("A"); r.State != Online || r.Metrics["poison"] != "" {
		t.Error("Snapshot shares memory with the registry")
	}
}

func TestLastSeenBefore(t *testing.T) {
	reg, _, clock := newTestRegistry()
	if _, err := reg.Register(RegisterRequest{AgentID: "A", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(RegisterRequest{AgentID: "op", DisplayName: "Operator", Role: RoleOperator}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	if _, err := reg.Register(RegisterRequest{AgentID: "B", DisplayName: "Bob"}); err != nil {
		t.Fatal(err)
	}

	got := reg.LastSeenBefore(clock.Now().Add(-30*time.Second), RoleAgent)
	if len(got) != 1 || got[0] != "A" {
		t.Errorf("Expected [A], got %v", got)
	}
}

func TestUniqueIDsUnderRandomOperations(t *testing.T) {
	reg, _, _ := newTestRegistry()
	rnd := rand.New(rand.NewPCG(1, 2))
	ids := []string{"a", "b", "c", "d"}

	for i := 0; i < 500; i++ {
		id := ids[rnd.IntN(len(ids))]
		switch rnd.IntN(4) {
		case 0, 1:
			_, _ = reg.Register(RegisterRequest{AgentID: id, DisplayName: id})
		case 2:
			_ = reg.Forget(id)
		case 3:
			_, _ = reg.Register(RegisterRequest{DisplayName: "anon"})
		}

		seen := make(map[string]bool)
		for _, r := range reg.Snapshot() {
			if seen[r.AgentID] {
				t.Fatalf("Duplicate agent id %s after %d operations", r.AgentID, i)
			}
			seen[r.AgentID] = true
		}
	}
}
