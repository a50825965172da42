package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/owulveryck/agentrelay/internal/presence"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestHandler(t *testing.T, w *syncBuffer) *ObservabilityHandler {
	t.Helper()
	h, err := NewObservabilityHandlerWithOptions(noop.NewMeterProvider().Meter("test"), "test-service", HandlerOptions{
		Level:  slog.LevelDebug,
		Writer: w,
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return h
}

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("Invalid JSON log line %q: %v", line, err)
		}
		lines = append(lines, m)
	}
	return lines
}

func TestHandlerWritesJSONWithAttrsAndGroups(t *testing.T) {
	w := &syncBuffer{}
	h := newTestHandler(t, w)
	logger := slog.New(h).With("component", "hub").WithGroup("req")

	logger.Info("Envelope routed", "message_id", "m-1", "error", errors.New("boom"))
	logger.Debug("Debug line")
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	lines := decodeLines(t, w.String())
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d: %s", len(lines), w.String())
	}
	first := lines[0]
	if first["msg"] != "Envelope routed" || first["service"] != "test-service" {
		t.Errorf("Unexpected record %v", first)
	}
	if first["component"] != "hub" {
		t.Errorf("Expected component at top level, got %v", first)
	}
	group, ok := first["req"].(map[string]any)
	if !ok {
		t.Fatalf("Expected req group, got %v", first)
	}
	if group["message_id"] != "m-1" || group["error"] != "boom" {
		t.Errorf("Unexpected group contents %v", group)
	}
}

func TestHandlerRespectsLevel(t *testing.T) {
	w := &syncBuffer{}
	h, err := NewObservabilityHandlerWithOptions(noop.NewMeterProvider().Meter("test"), "svc", HandlerOptions{
		Level:  slog.LevelWarn,
		Writer: w,
	})
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(h)
	logger.Info("quiet")
	logger.Warn("loud")
	_ = h.Shutdown(context.Background())

	lines := decodeLines(t, w.String())
	if len(lines) != 1 || lines[0]["msg"] != "loud" {
		t.Errorf("Expected only the warning, got %v", lines)
	}
}

func TestMetricsManagerRecorders(t *testing.T) {
	mm, err := NewMetricsManager(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("Failed to create metrics manager: %v", err)
	}
	ctx := context.Background()

	// noop instruments: these must simply not panic
	mm.RecordForward(ctx, "fanout", time.Millisecond)
	mm.RecordDuplicate(ctx, "fanout")
	mm.RecordHopError(ctx, "decision", "forward_failed")
	mm.Changed(presence.Change{Record: presence.AgentRecord{AgentID: "A", State: presence.Online}})
	mm.Changed(presence.Change{Record: presence.AgentRecord{AgentID: "A"}, Removed: true})
	mm.SnapshotSent("routers", "delta")
	mm.SnapshotDropped("operators")
	mm.UpdateSystemMetrics(ctx)
	mm.StartTimer()(ctx, "ingress")
}

func TestHealthServer(t *testing.T) {
	hs := NewHealthServer(":0", "test-service", "1.0.0")
	hs.AddChecker("self", NewBasicHealthChecker("self", func(context.Context) error { return nil }))

	srv := httptest.NewServer(hs.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var body HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != HealthStatusHealthy || len(body.Checks) != 1 || body.Service != "test-service" {
		t.Errorf("Unexpected health response %+v", body)
	}

	hs.AddReadinessChecker("queue", NewBasicHealthChecker("queue", func(context.Context) error {
		return errors.New("redis unreachable")
	}))
	resp, err = http.Get(srv.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 from /ready, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Readiness checks must not affect /health, got %d", resp.StatusCode)
	}
}

func TestTraceContextRoundTrip(t *testing.T) {
	tm := NewTraceManager("test")
	headers := map[string]string{}
	tm.InjectTraceContext(context.Background(), headers)
	ctx := tm.ExtractTraceContext(context.Background(), headers)
	_, span := tm.StartHopSpan(ctx, "ingress", "m-1", "text")
	tm.RecordError(span, errors.New("boom"))
	tm.SetSpanSuccess(span)
	span.End()

	tm.InjectTraceContext(context.Background(), nil)
}
