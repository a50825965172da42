// Package hub runs the central relay process: the presence registry and its
// loop, the status broadcaster, the agent and router gRPC service, the
// operator WebSocket endpoint, the admin API and the fan-out hop that
// terminates the delivery pipeline.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/owulveryck/agentrelay/internal/observability"
	"github.com/owulveryck/agentrelay/internal/pipeline"
	"github.com/owulveryck/agentrelay/internal/presence"
	"github.com/owulveryck/agentrelay/internal/queue"
	"github.com/owulveryck/agentrelay/internal/rpc"
	"github.com/owulveryck/agentrelay/internal/status"
	"github.com/owulveryck/agentrelay/internal/supervisor"
)

const (
	DefaultGRPCAddr = ":50051"
	DefaultHTTPAddr = ":8080"

	disconnectTimeout = 5 * time.Second
)

// ErrNoControlStream is returned when a command cannot reach an agent.
var ErrNoControlStream = errors.New("agent has no open control stream")

// Config holds the hub settings.
type Config struct {
	ID                string
	GRPCAddr          string
	HTTPAddr          string
	PingInterval      time.Duration
	LivenessTimeout   time.Duration
	HeartbeatInterval time.Duration
	ResyncSchedule    string
	ObserverBuffer    int
	LoopQueue         int
	DedupSize         int
	IngressRate       float64
	IngressBurst      int
	ServiceName       string
	Version           string
}

func (c *Config) withDefaults() {
	if c.ID == "" {
		c.ID = "hub-1"
	}
	if c.GRPCAddr == "" {
		c.GRPCAddr = DefaultGRPCAddr
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 3 * c.PingInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.ResyncSchedule == "" {
		c.ResyncSchedule = "@every 30s"
	}
	if c.DedupSize <= 0 {
		c.DedupSize = 4096
	}
	if c.IngressRate <= 0 {
		c.IngressRate = 20
	}
	if c.IngressBurst <= 0 {
		c.IngressBurst = 40
	}
	if c.ServiceName == "" {
		c.ServiceName = "agentrelay-hub"
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
}

// Hub wires the hub components together.
type Hub struct {
	cfg         Config
	registry    *presence.Registry
	loop        *presence.Loop
	broadcaster *status.Broadcaster
	conns       *Connections
	controls    *Controls
	queue       queue.Queue
	ingress     *pipeline.Ingress
	fanout      *pipeline.Hop
	grpcServer  *grpc.Server
	echo        *echo.Echo
	health      *observability.HealthServer
	metrics     *observability.MetricsManager
	tracer      *observability.TraceManager
	logger      *slog.Logger
	now         func() time.Time
	stopping    chan struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithMetrics sets the metrics manager shared by every hub component.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(h *Hub) { h.metrics = mm }
}

// WithTracer sets the trace manager used for hop and presence spans.
func WithTracer(tm *observability.TraceManager) Option {
	return func(h *Hub) { h.tracer = tm }
}

// WithClock overrides the time source of the registry and the liveness sweep.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// New assembles a hub that exchanges envelopes through q.
func New(cfg Config, q queue.Queue, opts ...Option) (*Hub, error) {
	cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		queue:    q,
		controls: NewControls(),
		logger:   slog.Default(),
		now:      time.Now,
		stopping: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		mm, err := observability.NewMetricsManager(noop.NewMeterProvider().Meter(cfg.ServiceName))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize metrics manager: %w", err)
		}
		h.metrics = mm
	}
	if h.tracer == nil {
		h.tracer = observability.NewTraceManager(cfg.ServiceName)
	}

	h.broadcaster = status.NewBroadcaster(
		status.WithBuffer(cfg.ObserverBuffer),
		status.WithRecorder(h.metrics),
		status.WithLogger(h.logger.With("component", "broadcaster")),
		status.WithNow(h.now),
	)
	h.registry = presence.NewRegistry(
		presence.WithClock(h.now),
		presence.WithNotifier(h.broadcaster),
		presence.WithNotifier(h.metrics),
		presence.WithNotifier(presence.NotifierFunc(h.logTransition)),
	)
	h.loop = presence.NewLoop(h.registry, cfg.LoopQueue, h.logger.With("component", "presence"))
	h.conns = NewConnections(cfg.ID, 256)
	h.ingress = pipeline.NewIngress(q, h.tracer, h.logger.With("component", "ingress"))

	fanout := pipeline.NewFanOut(h.conns, loopDirectory{h.loop}, q, h.logger.With("component", "fanout"))
	hop, err := pipeline.NewHop(pipeline.HopFanOut, queue.Decisions, q, fanout.Forward, cfg.DedupSize,
		pipeline.WithTracer(h.tracer),
		pipeline.WithRecorder(h.metrics),
		pipeline.WithLogger(h.logger.With("component", "fanout")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fan-out hop: %w", err)
	}
	h.fanout = hop

	h.grpcServer = rpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
	)
	rpc.RegisterPresenceServer(h.grpcServer, &presenceService{hub: h})

	h.health = observability.NewHealthServer(cfg.HTTPAddr, cfg.ServiceName, cfg.Version)
	h.health.AddChecker("presence_loop", observability.NewBasicHealthChecker("presence_loop", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return h.loop.Call(ctx, func(*presence.Registry) error { return nil })
	}))
	if p, ok := q.(interface{ Ping(context.Context) error }); ok {
		h.health.AddReadinessChecker("queue", observability.NewBasicHealthChecker("queue", p.Ping))
	}

	h.echo = h.newEcho()
	return h, nil
}

func (h *Hub) logTransition(c presence.Change) {
	if c.Removed {
		h.logger.Info("Agent forgotten", "agent_id", c.AgentID())
		return
	}
	h.logger.Info("Agent state changed", "agent_id", c.AgentID(), "role", c.Record.Role,
		"from", c.From, "to", c.Record.State)
}

// Loop returns the presence loop owning the registry.
func (h *Hub) Loop() *presence.Loop { return h.loop }

// Ingress returns hop A, shared with agents running in the same process.
func (h *Hub) Ingress() *pipeline.Ingress { return h.ingress }

// HTTPHandler serves the operator WebSocket, the admin API and health.
func (h *Hub) HTTPHandler() http.Handler { return h.echo }

// GRPCServer returns the server carrying the Presence service.
func (h *Hub) GRPCServer() *grpc.Server { return h.grpcServer }

// Run starts every hub component and blocks until ctx is cancelled or one
// of them fails.
func (h *Hub) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.cfg.GRPCAddr, err)
	}
	return h.Serve(ctx, lis)
}

// Serve is Run with a caller-supplied gRPC listener.
func (h *Hub) Serve(ctx context.Context, lis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return h.loop.Run(ctx) })
	g.Go(func() error { return h.fanout.Run(ctx) })
	g.Go(func() error {
		return status.RunResync(ctx, h.cfg.ResyncSchedule, h.resync)
	})
	g.Go(func() error {
		supervisor.RunLiveness(ctx, h.loop, supervisor.LivenessConfig{
			Interval: h.cfg.PingInterval,
			Timeout:  h.cfg.LivenessTimeout,
			Now:      h.now,
		}, h.logger.With("component", "liveness"))
		return nil
	})
	g.Go(func() error {
		observability.RunMetricsTicker(ctx, h.metrics, 30*time.Second)
		return nil
	})
	g.Go(func() error {
		h.logger.InfoContext(ctx, "Hub gRPC server listening", "address", lis.Addr().String(), "hub_id", h.cfg.ID)
		if err := h.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		h.logger.InfoContext(ctx, "Hub HTTP server listening", "address", h.cfg.HTTPAddr,
			"websocket", "/ws", "health_endpoint", "/health", "metrics_endpoint", "/metrics")
		if err := h.echo.Start(h.cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return h.shutdown()
	})
	return g.Wait()
}

func (h *Hub) shutdown() error {
	h.logger.Info("Shutting down hub")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	close(h.stopping)
	h.broadcaster.Close()
	h.conns.CloseAll()
	h.grpcServer.GracefulStop()
	if err := h.echo.Shutdown(ctx); err != nil {
		h.logger.Error("Error shutting down HTTP server", "error", err)
		return err
	}
	return nil
}

// resync schedules a full snapshot to every observer.
func (h *Hub) resync() {
	err := h.loop.Submit(func(r *presence.Registry) {
		h.broadcaster.Resync(r.Snapshot())
	})
	if err != nil {
		h.logger.Warn("Status resync not scheduled", "error", err)
	}
}

// subscribe registers an observer on the loop so its full snapshot is
// ordered before any later delta.
func (h *Hub) subscribe(ctx context.Context, audience status.Audience) (*status.Observer, error) {
	var (
		mu        sync.Mutex
		o         *status.Observer
		abandoned bool
	)
	err := h.loop.Call(ctx, func(r *presence.Registry) error {
		mu.Lock()
		defer mu.Unlock()
		if !abandoned {
			o = h.broadcaster.Subscribe(audience, r.Snapshot())
		}
		return nil
	})
	if err != nil {
		// the task may still run later or may already have run
		mu.Lock()
		abandoned = true
		if o != nil {
			o.Close()
		}
		mu.Unlock()
		return nil, fmt.Errorf("status subscription: %w", err)
	}
	h.metrics.ObserverAdded(ctx, string(audience))
	return o, nil
}

func (h *Hub) unsubscribe(ctx context.Context, o *status.Observer) {
	o.Close()
	h.metrics.ObserverRemoved(ctx, string(o.Audience()))
}

// register runs a registration on the loop.
func (h *Hub) register(ctx context.Context, req presence.RegisterRequest) (presence.AgentRecord, error) {
	var rec presence.AgentRecord
	err := h.loop.Call(ctx, func(r *presence.Registry) error {
		var err error
		rec, err = r.Register(req)
		return err
	})
	return rec, err
}

// Pause moves an agent to Paused and tells it over its control stream.
func (h *Hub) Pause(ctx context.Context, id string) error {
	return h.control(ctx, id, rpc.CommandPause, (*presence.Registry).Pause)
}

// Resume moves an agent back to Online and tells it over its control stream.
func (h *Hub) Resume(ctx context.Context, id string) error {
	return h.control(ctx, id, rpc.CommandResume, (*presence.Registry).Resume)
}

func (h *Hub) control(ctx context.Context, id string, cmd rpc.Command, apply func(*presence.Registry, string) error) error {
	if err := h.loop.Call(ctx, func(r *presence.Registry) error { return apply(r, id) }); err != nil {
		return err
	}
	if !h.controls.Send(id, &rpc.ControlMessage{Command: cmd, AgentID: id, At: h.now().UTC()}) {
		h.logger.InfoContext(ctx, "No control stream to notify", "agent_id", id, "command", cmd)
	}
	return nil
}

// Shutdown tells a connected agent to stop. The agent goes Offline once its
// control stream ends.
func (h *Hub) Shutdown(ctx context.Context, id string) error {
	rec, ok, err := loopDirectory{h.loop}.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", presence.ErrUnknownAgent, id)
	}
	if rec.Role != presence.RoleAgent ||
		!h.controls.Send(id, &rpc.ControlMessage{Command: rpc.CommandShutdown, AgentID: id, At: h.now().UTC()}) {
		return fmt.Errorf("%w: %s", ErrNoControlStream, id)
	}
	h.logger.InfoContext(ctx, "Shutdown requested", "agent_id", id)
	return nil
}

// Forget removes one record and ends the participant's live transport.
func (h *Hub) Forget(ctx context.Context, id string) error {
	if err := h.loop.Call(ctx, func(r *presence.Registry) error { return r.Forget(id) }); err != nil {
		return err
	}
	h.detach(id)
	return nil
}

// ForgetAll purges the registry and returns how many records were removed.
func (h *Hub) ForgetAll(ctx context.Context) (int, error) {
	ids, err := presence.Query(ctx, h.loop, func(r *presence.Registry) []string {
		records := r.Snapshot()
		r.ForgetAll()
		ids := make([]string, 0, len(records))
		for _, rec := range records {
			ids = append(ids, rec.AgentID)
		}
		return ids
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		h.detach(id)
	}
	return len(ids), nil
}

// detach closes the control stream or operator connection of a forgotten
// participant. A live agent then registers again as a new record.
func (h *Hub) detach(id string) {
	if h.controls.drop(id, "forgotten by the hub") {
		h.logger.Info("Control stream closed for forgotten agent", "agent_id", id)
	}
	if c, ok := h.conns.ForParticipant(id); ok {
		h.conns.Close(c)
		h.logger.Info("Connection closed for forgotten operator", "agent_id", id, "conn_id", c.ID)
	}
}

// disconnect marks a participant Offline once its transport has ended. It
// waits for room on the loop when the hand-off queue is full.
func (h *Hub) disconnect(id, session string) {
	task := func(r *presence.Registry) {
		if _, err := r.Disconnect(id, session); err != nil {
			h.logger.Debug("Disconnect after transport end", "agent_id", id, "error", err)
		}
	}
	err := h.loop.Submit(task)
	if errors.Is(err, presence.ErrLoopBusy) {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		err = h.loop.Call(ctx, func(r *presence.Registry) error {
			task(r)
			return nil
		})
	}
	if err != nil {
		h.logger.Warn("Disconnect not applied", "agent_id", id, "error", err)
	}
}

// Agents returns the registry contents.
func (h *Hub) Agents(ctx context.Context) ([]presence.AgentRecord, error) {
	return presence.Query(ctx, h.loop, func(r *presence.Registry) []presence.AgentRecord { return r.Snapshot() })
}

// loopDirectory answers fan-out lookups on the presence loop.
type loopDirectory struct {
	loop *presence.Loop
}

func (d loopDirectory) Lookup(ctx context.Context, id string) (presence.AgentRecord, bool, error) {
	type result struct {
		rec presence.AgentRecord
		ok  bool
	}
	res, err := presence.Query(ctx, d.loop, func(r *presence.Registry) result {
		rec, ok := r.Get(id)
		return result{rec, ok}
	})
	return res.rec, res.ok, err
}
