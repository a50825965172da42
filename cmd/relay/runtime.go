package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/owulveryck/agentrelay/internal/agent"
	"github.com/owulveryck/agentrelay/internal/config"
	"github.com/owulveryck/agentrelay/internal/hub"
	"github.com/owulveryck/agentrelay/internal/observability"
	"github.com/owulveryck/agentrelay/internal/queue"
	"github.com/owulveryck/agentrelay/internal/relayrouter"
	"github.com/owulveryck/agentrelay/internal/supervisor"
)

// process bundles what every relay process sets up before running.
type process struct {
	cfg     *config.Config
	obs     *observability.Observability
	metrics *observability.MetricsManager
	tracer  *observability.TraceManager
	logger  *slog.Logger
}

func newProcess(configPath, serviceName string) (*process, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level, err := config.ParseLogLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, err
	}

	obsConfig := observability.DefaultConfig(serviceName)
	obsConfig.ServiceVersion = cfg.Observability.ServiceVersion
	obsConfig.Environment = cfg.Observability.Environment
	obsConfig.OTLPEndpoint = cfg.Observability.OTLPEndpoint
	obsConfig.TracingEnabled = cfg.Observability.TracingEnabled
	obsConfig.LogLevel = level

	obs, err := observability.NewObservability(obsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}
	mm, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		_ = obs.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize metrics manager: %w", err)
	}
	slog.SetDefault(obs.Logger)

	return &process{
		cfg:     cfg,
		obs:     obs,
		metrics: mm,
		tracer:  observability.NewTraceManager(serviceName),
		logger:  obs.Logger,
	}, nil
}

func (p *process) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.obs.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error shutting down observability: %v\n", err)
	}
}

func (p *process) openQueue() (queue.Queue, error) {
	qc := p.cfg.Queue
	switch qc.Backend {
	case "redis":
		q, err := queue.NewRedis(queue.RedisConfig{
			Addr:     qc.Redis.Addr,
			Password: qc.Redis.Password,
			DB:       qc.Redis.DB,
			Prefix:   qc.Redis.Prefix,
			Group:    qc.Redis.Group,
			Block:    qc.Redis.Block,
			MinIdle:  qc.Redis.MinIdle,
			MaxLen:   qc.Redis.MaxLen,
		}, p.logger.With("component", "queue"))
		if err != nil {
			return nil, fmt.Errorf("failed to open redis queue: %w", err)
		}
		p.logger.Info("Using Redis Streams queue", "address", qc.Redis.Addr, "prefix", qc.Redis.Prefix)
		return q, nil
	case "memory":
		p.logger.Info("Using in-memory queue; other processes will not see it")
		return queue.NewMemory(qc.Capacity, qc.RedeliveryDelay), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", qc.Backend)
}

func (p *process) hubConfig() hub.Config {
	h := p.cfg.Hub
	return hub.Config{
		ID:                h.ID,
		GRPCAddr:          h.GRPCAddr,
		HTTPAddr:          h.HTTPAddr,
		PingInterval:      h.PingInterval,
		LivenessTimeout:   h.LivenessTimeout,
		HeartbeatInterval: h.HeartbeatInterval,
		ResyncSchedule:    h.ResyncSchedule,
		ObserverBuffer:    h.ObserverBuffer,
		LoopQueue:         h.LoopQueue,
		DedupSize:         h.DedupSize,
		IngressRate:       h.IngressRate,
		IngressBurst:      h.IngressBurst,
		ServiceName:       p.obs.Config.ServiceName,
		Version:           p.cfg.Observability.ServiceVersion,
	}
}

func (p *process) routerConfig() relayrouter.Config {
	r := p.cfg.Router
	return relayrouter.Config{
		ID:              r.ID,
		HealthAddr:      r.HealthAddr,
		DedupSize:       r.DedupSize,
		AffinitySize:    r.AffinitySize,
		WatchdogTimeout: 3 * p.cfg.Hub.HeartbeatInterval,
		Reconnect:       policy(r.Reconnect),
		ServiceName:     p.obs.Config.ServiceName,
		Version:         p.cfg.Observability.ServiceVersion,
	}
}

func (p *process) agentConfig() *agent.Config {
	a := p.cfg.Agent
	return &agent.Config{
		AgentID:         a.ID,
		DisplayName:     a.DisplayName,
		Version:         p.cfg.Observability.ServiceVersion,
		HealthAddr:      a.HealthAddr,
		StatusInterval:  a.StatusInterval,
		DedupSize:       a.DedupSize,
		WatchdogTimeout: 3 * p.cfg.Hub.HeartbeatInterval,
		Reconnect:       policy(a.Reconnect),
	}
}

func policy(rc config.ReconnectConfig) supervisor.Policy {
	return supervisor.Policy{
		MaxAttempts:     rc.MaxAttempts,
		InitialInterval: rc.InitialInterval,
		MaxInterval:     rc.MaxInterval,
	}
}

// dialAddr turns a listen address such as ":50051" into one a client can dial.
func dialAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
