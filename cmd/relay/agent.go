package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/owulveryck/agentrelay/internal/agent"
	"github.com/owulveryck/agentrelay/internal/config"
	"github.com/owulveryck/agentrelay/internal/llm"
	"github.com/owulveryck/agentrelay/internal/queue"
	"github.com/owulveryck/agentrelay/internal/rpc"
)

func agentCmd(configPath *string) *cobra.Command {
	var hubAddr, name, id, responder string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start an agent",
		Long: `Start an agent. It registers with the hub and answers the messages
routed to it with the configured responder (mock, openai or gemini).

Examples:
  relay agent --name Alice
  OPENAI_API_KEY=... relay agent --name Bob --responder openai`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newProcess(*configPath, "agentrelay-agent")
			if err != nil {
				return err
			}
			defer p.shutdown()
			if hubAddr != "" {
				p.cfg.Agent.HubAddr = hubAddr
			}
			if name != "" {
				p.cfg.Agent.DisplayName = name
			}
			if id != "" {
				p.cfg.Agent.ID = id
			}
			if responder != "" {
				p.cfg.Agent.Responder.Kind = responder
			}

			ctx, cancel := signalContext()
			defer cancel()

			q, err := p.openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			conn, err := rpc.Dial(p.cfg.Agent.HubAddr)
			if err != nil {
				return err
			}
			defer conn.Close()

			a, err := newAgent(ctx, p, p.agentConfig(), rpc.NewPresenceClient(conn), q)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&hubAddr, "hub", "", "hub gRPC address (default from config)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&id, "id", "", "agent id to register with (default: allocated by the hub)")
	cmd.Flags().StringVar(&responder, "responder", "", "responder kind: mock, openai or gemini")
	return cmd
}

func newAgent(ctx context.Context, p *process, ac *agent.Config, client rpc.PresenceClient, q queue.Queue) (*agent.Agent, error) {
	r, err := llm.New(ctx, responderConfig(p.cfg.Agent.Responder))
	if err != nil {
		return nil, err
	}
	a, err := agent.New(ac, client, r, q,
		agent.WithLogger(p.logger.With("agent", ac.DisplayName)),
		agent.WithMetrics(p.metrics),
		agent.WithTracer(p.tracer),
	)
	if err != nil {
		return nil, err
	}
	a.OnControlCommand(func(msg *rpc.ControlMessage) {
		switch msg.Command {
		case rpc.CommandPause, rpc.CommandResume, rpc.CommandShutdown:
			p.logger.Info("Control command applied", "agent_id", a.ID(), "command", msg.Command)
		}
	})
	return a, nil
}

func responderConfig(rc config.ResponderConfig) llm.Config {
	return llm.Config{
		Kind:         rc.Kind,
		Model:        rc.Model,
		APIKey:       rc.APIKey,
		BaseURL:      rc.BaseURL,
		Project:      rc.Project,
		Location:     rc.Location,
		SystemPrompt: rc.SystemPrompt,
		Delay:        rc.Delay,
	}
}
