// Package relayrouter runs the router process: it mirrors the hub registry
// from the WatchStatus feed and consumes the inbound queue as hop B of the
// delivery pipeline, placing every decision on the decision-output queue.
package relayrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"

	"github.com/owulveryck/agentrelay/internal/envelope"
	"github.com/owulveryck/agentrelay/internal/observability"
	"github.com/owulveryck/agentrelay/internal/pipeline"
	"github.com/owulveryck/agentrelay/internal/queue"
	"github.com/owulveryck/agentrelay/internal/routing"
	"github.com/owulveryck/agentrelay/internal/rpc"
	"github.com/owulveryck/agentrelay/internal/status"
	"github.com/owulveryck/agentrelay/internal/supervisor"
)

// Config holds the router settings.
type Config struct {
	ID           string
	HealthAddr   string
	DedupSize    int
	AffinitySize int
	// WatchdogTimeout is how long the status feed may stay silent. The hub
	// sends heartbeats, so a few heartbeat intervals is enough.
	WatchdogTimeout time.Duration
	Reconnect       supervisor.Policy
	ServiceName     string
	Version         string
}

func (c *Config) withDefaults() {
	if c.ID == "" {
		c.ID = "router-1"
	}
	if c.DedupSize <= 0 {
		c.DedupSize = 4096
	}
	if c.AffinitySize <= 0 {
		c.AffinitySize = 4096
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = 45 * time.Second
	}
	if c.ServiceName == "" {
		c.ServiceName = "agentrelay-router"
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
}

// Router is the router process.
type Router struct {
	cfg         Config
	client      rpc.PresenceClient
	view        *status.View
	hop         *pipeline.Hop
	reconnector *supervisor.Reconnector
	health      *observability.HealthServer
	metrics     *observability.MetricsManager
	tracer      *observability.TraceManager
	logger      *slog.Logger

	connected  atomic.Bool
	synced     chan struct{}
	syncedOnce sync.Once
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMetrics sets the metrics manager.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(r *Router) { r.metrics = mm }
}

// WithTracer sets the trace manager used for the decision hop.
func WithTracer(tm *observability.TraceManager) Option {
	return func(r *Router) { r.tracer = tm }
}

// New builds a router reading presence from client and envelopes from q.
func New(cfg Config, client rpc.PresenceClient, q queue.Queue, opts ...Option) (*Router, error) {
	cfg.withDefaults()
	r := &Router{
		cfg:    cfg,
		client: client,
		view:   status.NewView(),
		logger: slog.Default(),
		synced: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		mm, err := observability.NewMetricsManager(noop.NewMeterProvider().Meter(cfg.ServiceName))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize metrics manager: %w", err)
		}
		r.metrics = mm
	}
	if r.tracer == nil {
		r.tracer = observability.NewTraceManager(cfg.ServiceName)
	}

	router, err := routing.New(cfg.AffinitySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	stage := pipeline.NewDecisionStage(router, r.view, q, r.logger.With("component", "decision"))
	forward := func(ctx context.Context, env *envelope.Envelope) error {
		if err := stage.Forward(ctx, env); err != nil {
			return err
		}
		r.metrics.IncrementRouted(ctx, env.RoutingStatus.String())
		return nil
	}
	r.hop, err = pipeline.NewHop(pipeline.HopDecision, queue.Inbound, q, forward, cfg.DedupSize,
		pipeline.WithTracer(r.tracer),
		pipeline.WithRecorder(r.metrics),
		pipeline.WithLogger(r.logger.With("component", "decision")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision hop: %w", err)
	}

	r.reconnector = supervisor.NewReconnector("router", cfg.Reconnect, r.logger)
	r.reconnector.OnRetry(func(int, error) {
		r.metrics.IncrementReconnectAttempts(context.Background(), "router")
	})

	r.health = observability.NewHealthServer(cfg.HealthAddr, cfg.ServiceName, cfg.Version)
	r.health.AddReadinessChecker("hub_status_stream", observability.NewBasicHealthChecker("hub_status_stream", func(context.Context) error {
		if !r.connected.Load() {
			return errors.New("not connected to the hub status feed")
		}
		return nil
	}))
	if p, ok := q.(interface{ Ping(context.Context) error }); ok {
		r.health.AddReadinessChecker("queue", observability.NewBasicHealthChecker("queue", p.Ping))
	}
	return r, nil
}

// View returns the local registry copy decisions are taken against.
func (r *Router) View() *status.View { return r.view }

// Connected reports whether the status feed is currently up.
func (r *Router) Connected() bool { return r.connected.Load() }

// Run follows the hub status feed and routes inbound envelopes until ctx is
// cancelled. Routing starts once the first full snapshot has arrived. It
// returns an error wrapping supervisor.ErrGaveUp when the hub cannot be
// reached again.
func (r *Router) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.reconnector.Run(ctx, r.watch)
	})
	g.Go(func() error {
		select {
		case <-r.synced:
		case <-ctx.Done():
			return nil
		}
		return r.hop.Run(ctx)
	})
	g.Go(func() error {
		observability.RunMetricsTicker(ctx, r.metrics, 30*time.Second)
		return nil
	})
	if r.cfg.HealthAddr != "" {
		g.Go(func() error {
			r.logger.InfoContext(ctx, "Router health server listening", "address", r.cfg.HealthAddr)
			return r.health.Start(ctx)
		})
	}
	return g.Wait()
}

// watch is one status session.
func (r *Router) watch(parent context.Context, established func()) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	stream, err := r.client.WatchStatus(ctx, &rpc.WatchRequest{RouterID: r.cfg.ID})
	if err != nil {
		return fmt.Errorf("failed to watch status: %w", err)
	}
	first, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("status stream: %w", err)
	}
	r.view.Apply(*first)
	established()
	r.connected.Store(true)
	defer r.connected.Store(false)
	r.syncedOnce.Do(func() { close(r.synced) })
	r.logger.InfoContext(ctx, "Status feed connected", "router_id", r.cfg.ID, "agents", r.view.Len())

	wd := supervisor.NewWatchdog(r.cfg.WatchdogTimeout)
	go wd.Run(ctx, func() {
		r.logger.WarnContext(ctx, "Hub went silent", "router_id", r.cfg.ID, "timeout", r.cfg.WatchdogTimeout)
		cancel(supervisor.ErrHubSilent)
	})

	for {
		snap, err := stream.Recv()
		if err != nil {
			if parent.Err() == nil && errors.Is(context.Cause(ctx), supervisor.ErrHubSilent) {
				return supervisor.ErrHubSilent
			}
			return fmt.Errorf("status stream: %w", err)
		}
		wd.Feed()
		r.view.Apply(*snap)
		if !snap.Heartbeat {
			r.logger.DebugContext(ctx, "Status applied", "kind", snap.Kind(), "seq", snap.Seq, "agents", r.view.Len())
		}
	}
}
