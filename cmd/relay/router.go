package main

import (
	"github.com/spf13/cobra"

	"github.com/owulveryck/agentrelay/internal/relayrouter"
	"github.com/owulveryck/agentrelay/internal/rpc"
)

func routerCmd(configPath *string) *cobra.Command {
	var hubAddr string

	cmd := &cobra.Command{
		Use:   "router",
		Short: "Start the router",
		Long: `Start the router. It follows the hub status feed and routes every
envelope on the inbound queue to a receiver.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newProcess(*configPath, "agentrelay-router")
			if err != nil {
				return err
			}
			defer p.shutdown()
			if hubAddr != "" {
				p.cfg.Router.HubAddr = hubAddr
			}

			q, err := p.openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			conn, err := rpc.Dial(p.cfg.Router.HubAddr)
			if err != nil {
				return err
			}
			defer conn.Close()

			r, err := relayrouter.New(p.routerConfig(), rpc.NewPresenceClient(conn), q,
				relayrouter.WithLogger(p.logger),
				relayrouter.WithMetrics(p.metrics),
				relayrouter.WithTracer(p.tracer),
			)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			return r.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&hubAddr, "hub", "", "hub gRPC address (default from config)")
	return cmd
}
