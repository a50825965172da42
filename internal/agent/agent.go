package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"

	"github.com/owulveryck/agentrelay/internal/envelope"
	"github.com/owulveryck/agentrelay/internal/llm"
	"github.com/owulveryck/agentrelay/internal/observability"
	"github.com/owulveryck/agentrelay/internal/pipeline"
	"github.com/owulveryck/agentrelay/internal/queue"
	"github.com/owulveryck/agentrelay/internal/rpc"
	"github.com/owulveryck/agentrelay/internal/supervisor"
)

var errShutdownRequested = errors.New("shutdown requested by the hub")

// Agent registers with the hub, keeps its presence up to date and answers
// the envelopes delivered to its dedicated queue.
type Agent struct {
	config      *Config
	client      rpc.PresenceClient
	responder   llm.Responder
	q           queue.Queue
	ingress     *pipeline.Ingress
	reconnector *supervisor.Reconnector
	health      *observability.HealthServer
	metrics     *observability.MetricsManager
	tracer      *observability.TraceManager
	logger      *slog.Logger

	mu        sync.RWMutex
	id        string
	llmStatus string
	onControl ControlHandler
	stop      context.CancelCauseFunc

	paused    atomic.Bool
	connected atomic.Bool
	handled   atomic.Int64
	running   atomic.Bool

	registered     chan struct{}
	registeredOnce sync.Once
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithMetrics sets the metrics manager.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(a *Agent) { a.metrics = mm }
}

// WithTracer sets the trace manager used for responder spans.
func WithTracer(tm *observability.TraceManager) Option {
	return func(a *Agent) { a.tracer = tm }
}

// New creates an agent that talks to the hub through client, answers with
// responder and exchanges envelopes through q.
func New(config *Config, client rpc.PresenceClient, responder llm.Responder, q queue.Queue, opts ...Option) (*Agent, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Agent{
		config:     config,
		client:     client,
		responder:  responder,
		q:          q,
		id:         config.AgentID,
		llmStatus:  "unknown",
		logger:     slog.Default(),
		registered: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	serviceName := "agentrelay-agent"
	if a.metrics == nil {
		mm, err := observability.NewMetricsManager(noop.NewMeterProvider().Meter(serviceName))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize metrics manager: %w", err)
		}
		a.metrics = mm
	}
	if a.tracer == nil {
		a.tracer = observability.NewTraceManager(serviceName)
	}
	a.ingress = pipeline.NewIngress(q, a.tracer, a.logger.With("component", "ingress"))

	a.reconnector = supervisor.NewReconnector("agent", config.Reconnect, a.logger)
	a.reconnector.OnRetry(func(int, error) {
		a.metrics.IncrementReconnectAttempts(context.Background(), "agent")
	})

	a.health = observability.NewHealthServer(config.HealthAddr, serviceName, config.Version)
	a.health.AddReadinessChecker("hub_control_stream", observability.NewBasicHealthChecker("hub_control_stream", func(context.Context) error {
		if !a.connected.Load() {
			return errors.New("not connected to the hub")
		}
		return nil
	}))
	return a, nil
}

// OnControlCommand sets the handler called for every hub command.
func (a *Agent) OnControlCommand(handler ControlHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onControl = handler
}

// ID returns the registered id, or the configured one before registration.
func (a *Agent) ID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

// Paused reports whether the hub paused this agent.
func (a *Agent) Paused() bool { return a.paused.Load() }

// Connected reports whether the control stream is up.
func (a *Agent) Connected() bool { return a.connected.Load() }

// Metrics returns the metrics map reported to the hub.
func (a *Agent) Metrics() map[string]string {
	transport := "disconnected"
	if a.connected.Load() {
		transport = "connected"
	}
	a.mu.RLock()
	llmStatus := a.llmStatus
	a.mu.RUnlock()
	return map[string]string{
		MetricTransport: transport,
		MetricLLM:       llmStatus,
		MetricHandled:   strconv.FormatInt(a.handled.Load(), 10),
		MetricPaused:    strconv.FormatBool(a.paused.Load()),
	}
}

// Run blocks until ctx is cancelled, the hub asks the agent to shut down or
// reconnecting gives up.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAgentAlreadyRunning
	}
	defer a.running.Store(false)

	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	a.mu.Lock()
	a.stop = stop
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.reconnector.Run(gctx, a.session)
	})
	g.Go(func() error {
		select {
		case <-a.registered:
		case <-gctx.Done():
			return nil
		}
		return a.consume(gctx)
	})
	if a.config.HealthAddr != "" {
		g.Go(func() error {
			return a.health.Start(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(context.Cause(ctx), errShutdownRequested) {
		a.logger.Info("Agent stopped by the hub", "agent_id", a.ID())
		return nil
	}
	a.logger.Info("Agent shutting down", "agent_id", a.ID())
	return err
}

// session is one registration with its control stream.
func (a *Agent) session(parent context.Context, established func()) error {
	resp, err := a.client.Register(parent, &rpc.RegisterRequest{AgentID: a.ID(), DisplayName: a.config.DisplayName})
	if err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	a.mu.Lock()
	a.id = resp.AgentID
	a.mu.Unlock()
	// a registration always starts Online
	a.paused.Store(false)

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	stream, err := a.client.Control(ctx, &rpc.ControlRequest{AgentID: resp.AgentID, Session: resp.Session})
	if err != nil {
		return fmt.Errorf("failed to open control stream: %w", err)
	}

	a.connected.Store(true)
	defer a.connected.Store(false)
	a.registeredOnce.Do(func() { close(a.registered) })
	a.logger.InfoContext(ctx, "Agent registered", "agent_id", resp.AgentID, "display_name", a.config.DisplayName)

	a.reportStatus(ctx)
	go supervisor.Every(ctx, a.config.StatusInterval, a.reportStatus)

	timeout := a.config.WatchdogTimeout
	if timeout <= 0 {
		timeout = 3 * resp.HeartbeatInterval
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	wd := supervisor.NewWatchdog(timeout)
	go wd.Run(ctx, func() {
		a.logger.WarnContext(ctx, "Hub went silent", "agent_id", resp.AgentID, "timeout", timeout)
		cancel(supervisor.ErrHubSilent)
	})

	first := true
	for {
		msg, err := stream.Recv()
		if err != nil {
			switch {
			case parent.Err() != nil:
				return nil
			case errors.Is(context.Cause(ctx), supervisor.ErrHubSilent):
				return supervisor.ErrHubSilent
			}
			return fmt.Errorf("control stream: %w", err)
		}
		if first {
			established()
			first = false
		}
		wd.Feed()
		if stop := a.applyControl(ctx, msg); stop {
			a.mu.RLock()
			a.stop(errShutdownRequested)
			a.mu.RUnlock()
			return nil
		}
	}
}

// applyControl handles one hub command and reports whether the agent must
// stop.
func (a *Agent) applyControl(ctx context.Context, msg *rpc.ControlMessage) bool {
	stop := false
	switch msg.Command {
	case rpc.CommandPing:
		if _, err := a.client.Heartbeat(ctx, &rpc.HeartbeatRequest{AgentID: a.ID()}); err != nil {
			a.logger.WarnContext(ctx, "Heartbeat failed", "agent_id", a.ID(), "error", err)
		}
	case rpc.CommandHeartbeat:
	case rpc.CommandPause:
		a.paused.Store(true)
		a.logger.InfoContext(ctx, "Agent paused", "agent_id", a.ID())
		a.reportStatus(ctx)
	case rpc.CommandResume:
		a.paused.Store(false)
		a.logger.InfoContext(ctx, "Agent resumed", "agent_id", a.ID())
		a.reportStatus(ctx)
	case rpc.CommandShutdown:
		a.logger.InfoContext(ctx, "Shutdown requested", "agent_id", a.ID())
		stop = true
	default:
		a.logger.WarnContext(ctx, "Unknown control command", "agent_id", a.ID(), "command", msg.Command)
	}

	a.mu.RLock()
	handler := a.onControl
	a.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
	return stop
}

func (a *Agent) reportStatus(ctx context.Context) {
	_, err := a.client.ReportStatus(ctx, &rpc.StatusReport{AgentID: a.ID(), Metrics: a.Metrics()})
	if err != nil && ctx.Err() == nil {
		a.logger.WarnContext(ctx, "Status report failed", "agent_id", a.ID(), "error", err)
	}
}

func (a *Agent) setLLMStatus(s string) {
	a.mu.Lock()
	a.llmStatus = s
	a.mu.Unlock()
}

// consume reads the agent queue until ctx is cancelled.
func (a *Agent) consume(ctx context.Context) error {
	hop, err := pipeline.NewHop(pipeline.HopAgent, queue.AgentQueue(a.ID()), a.q, a.handle, a.config.DedupSize,
		pipeline.WithTracer(a.tracer),
		pipeline.WithRecorder(a.metrics),
		pipeline.WithLogger(a.logger.With("component", "consumer")),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue consumer: %w", err)
	}
	return hop.Run(ctx)
}

// handle answers one delivered envelope. Text is answered with a Reply
// through the responder; other kinds are only logged.
func (a *Agent) handle(ctx context.Context, env *envelope.Envelope) error {
	if a.paused.Load() {
		return ErrPaused
	}

	switch env.Kind {
	case envelope.KindError:
		a.logger.WarnContext(ctx, "Message could not be delivered", "in_reply_to", env.InReplyTo, "reason", env.Content.Text)
		return nil
	case envelope.KindText:
	default:
		a.logger.InfoContext(ctx, "Message received", "message_id", env.MessageID, "sender_id", env.SenderID, "kind", env.Kind, "in_reply_to", env.InReplyTo)
		return nil
	}

	ctx, span := a.tracer.StartSpan(ctx, "agent.respond",
		attribute.String("agent.id", a.ID()),
		attribute.String("message.id", env.MessageID),
	)
	defer span.End()

	a.logger.InfoContext(ctx, "Answering message", "message_id", env.MessageID, "sender_id", env.SenderID)
	text, err := a.responder.Generate(ctx, env.Content.Text)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	a.handled.Add(1)

	var out *envelope.Envelope
	if err != nil {
		a.tracer.RecordError(span, err)
		a.setLLMStatus("error")
		a.logger.ErrorContext(ctx, "Responder failed", "message_id", env.MessageID, "error", err)
		out = envelope.New(a.ID(), env.SenderID, envelope.KindSystem, fmt.Sprintf("%s could not answer: %v", a.config.DisplayName, err))
		out.InReplyTo = env.MessageID
	} else {
		a.setLLMStatus("ok")
		out = envelope.NewReply(env, a.ID(), text)
	}

	if _, err := a.ingress.Accept(ctx, out, envelope.Origin{}); err != nil {
		a.tracer.RecordError(span, err)
		return fmt.Errorf("failed to send reply: %w", err)
	}
	a.tracer.SetSpanSuccess(span)
	return nil
}
