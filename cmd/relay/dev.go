package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/owulveryck/agentrelay/internal/hub"
	"github.com/owulveryck/agentrelay/internal/relayrouter"
	"github.com/owulveryck/agentrelay/internal/rpc"
)

func devCmd(configPath *string) *cobra.Command {
	var agents int

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run a hub, a router and agents in one process",
		Long: `Run a hub, a router and a number of agents in one process sharing one
queue. Only the hub serves HTTP; connect to it with "relay chat".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if agents < 0 {
				return fmt.Errorf("--agents must not be negative")
			}
			p, err := newProcess(*configPath, "agentrelay-dev")
			if err != nil {
				return err
			}
			defer p.shutdown()

			q, err := p.openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			h, err := hub.New(p.hubConfig(), q,
				hub.WithLogger(p.logger.With("process", "hub")),
				hub.WithMetrics(p.metrics),
				hub.WithTracer(p.tracer),
			)
			if err != nil {
				return err
			}

			conn, err := rpc.Dial(dialAddr(p.cfg.Hub.GRPCAddr))
			if err != nil {
				return err
			}
			defer conn.Close()
			client := rpc.NewPresenceClient(conn)

			rc := p.routerConfig()
			rc.HealthAddr = ""
			r, err := relayrouter.New(rc, client, q,
				relayrouter.WithLogger(p.logger.With("process", "router")),
				relayrouter.WithMetrics(p.metrics),
				relayrouter.WithTracer(p.tracer),
			)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			var runners []func(context.Context) error
			for i := 1; i <= agents; i++ {
				ac := p.agentConfig()
				ac.AgentID = ""
				ac.DisplayName = fmt.Sprintf("%s-%d", p.cfg.Agent.DisplayName, i)
				ac.HealthAddr = ""
				a, err := newAgent(ctx, p, ac, client, q)
				if err != nil {
					return err
				}
				runners = append(runners, a.Run)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return h.Run(gctx) })
			g.Go(func() error { return r.Run(gctx) })
			for _, run := range runners {
				g.Go(func() error { return run(gctx) })
			}

			p.logger.InfoContext(ctx, "Development relay started",
				"agents", agents, "websocket", fmt.Sprintf("ws://%s/ws", dialAddr(p.cfg.Hub.HTTPAddr)))
			return g.Wait()
		},
	}
	cmd.Flags().IntVar(&agents, "agents", 2, "number of agents to start")
	return cmd
}
