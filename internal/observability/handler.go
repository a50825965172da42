package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityHandler is a slog.Handler writing JSON lines from a background
// goroutine. Records are buffered and dropped, never blocking the caller,
// when the buffer is full. Each record carries the trace and span id of the
// context it was logged with.
type ObservabilityHandler struct {
	core   *handlerCore
	attrs  []scopedAttr
	groups []string
}

type scopedAttr struct {
	groups []string
	attr   slog.Attr
}

type handlerCore struct {
	opts        HandlerOptions
	serviceName string

	logCounter  metric.Int64Counter
	dropCounter metric.Int64Counter

	buffer   chan logEntry
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// HandlerOptions configures an ObservabilityHandler.
type HandlerOptions struct {
	Level      slog.Leveler
	Writer     io.Writer
	BufferSize int
}

type logEntry struct {
	data map[string]any
}

// NewObservabilityHandlerWithOptions creates a buffered JSON slog handler that
// adds trace correlation and counts log records.
func NewObservabilityHandlerWithOptions(meter metric.Meter, serviceName string, opts HandlerOptions) (*ObservabilityHandler, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}

	logCounter, err := meter.Int64Counter(
		"logs_total",
		metric.WithDescription("Total number of log entries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dropCounter, err := meter.Int64Counter(
		"logs_dropped_total",
		metric.WithDescription("Total number of log entries dropped because the buffer was full"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	core := &handlerCore{
		opts:        opts,
		serviceName: serviceName,
		logCounter:  logCounter,
		dropCounter: dropCounter,
		buffer:      make(chan logEntry, opts.BufferSize),
		shutdown:    make(chan struct{}),
	}

	core.wg.Add(1)
	go core.processLogs()

	return &ObservabilityHandler{core: core}, nil
}

func (h *ObservabilityHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.core.opts.Level.Level()
}

func (h *ObservabilityHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}

	data := map[string]any{
		"time":    r.Time.Format(time.RFC3339Nano),
		"level":   r.Level.String(),
		"msg":     r.Message,
		"service": h.core.serviceName,
	}

	for _, sa := range h.attrs {
		addAttr(nest(data, sa.groups), sa.attr)
	}
	target := nest(data, h.groups)
	r.Attrs(func(a slog.Attr) bool {
		addAttr(target, a)
		return true
	})

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		data["trace_id"] = sc.TraceID().String()
		data["span_id"] = sc.SpanID().String()
	}

	select {
	case h.core.buffer <- logEntry{data: data}:
	default:
		h.core.dropCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("service", h.core.serviceName),
		))
	}
	return nil
}

func (h *ObservabilityHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	n := h.clone()
	for _, a := range attrs {
		n.attrs = append(n.attrs, scopedAttr{groups: n.groups, attr: a})
	}
	return n
}

func (h *ObservabilityHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	n := h.clone()
	n.groups = append(n.groups[:len(n.groups):len(n.groups)], name)
	return n
}

func (h *ObservabilityHandler) clone() *ObservabilityHandler {
	return &ObservabilityHandler{
		core:   h.core,
		attrs:  append([]scopedAttr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

// nest returns the map for the given group path, creating it as needed.
func nest(m map[string]any, groups []string) map[string]any {
	for _, g := range groups {
		sub, ok := m[g].(map[string]any)
		if !ok {
			sub = map[string]any{}
			m[g] = sub
		}
		m = sub
	}
	return m
}

func addAttr(m map[string]any, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		if len(group) == 0 {
			return
		}
		target := m
		if a.Key != "" {
			sub := map[string]any{}
			m[a.Key] = sub
			target = sub
		}
		for _, ga := range group {
			addAttr(target, ga)
		}
		return
	}
	v := a.Value.Any()
	if err, ok := v.(error); ok {
		v = err.Error()
	}
	m[a.Key] = v
}

func (c *handlerCore) processLogs() {
	defer c.wg.Done()

	enc := json.NewEncoder(c.opts.Writer)
	for {
		select {
		case entry := <-c.buffer:
			c.write(enc, entry)
		case <-c.shutdown:
			for {
				select {
				case entry := <-c.buffer:
					c.write(enc, entry)
				default:
					return
				}
			}
		}
	}
}

func (c *handlerCore) write(enc *json.Encoder, entry logEntry) {
	c.logCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("level", entry.data["level"].(string)),
		attribute.String("service", c.serviceName),
	))
	if c.opts.Writer == nil {
		return
	}
	_ = enc.Encode(entry.data)
}

// Shutdown flushes buffered records.
func (h *ObservabilityHandler) Shutdown(ctx context.Context) error {
	h.core.once.Do(func() { close(h.core.shutdown) })

	done := make(chan struct{})
	go func() {
		h.core.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
