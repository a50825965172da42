package main

import (
	"github.com/spf13/cobra"

	"github.com/owulveryck/agentrelay/internal/hub"
)

func hubCmd(configPath *string) *cobra.Command {
	var grpcAddr, httpAddr string

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Start the hub",
		Long: `Start the hub: the presence registry, the status broadcaster, the
gRPC service for agents and routers, the operator WebSocket and the admin API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newProcess(*configPath, "agentrelay-hub")
			if err != nil {
				return err
			}
			defer p.shutdown()
			if grpcAddr != "" {
				p.cfg.Hub.GRPCAddr = grpcAddr
			}
			if httpAddr != "" {
				p.cfg.Hub.HTTPAddr = httpAddr
			}

			q, err := p.openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			h, err := hub.New(p.hubConfig(), q,
				hub.WithLogger(p.logger),
				hub.WithMetrics(p.metrics),
				hub.WithTracer(p.tracer),
			)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			return h.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (default from config)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address for WebSocket, admin API and health")
	return cmd
}
