// Command relay runs the agent relay processes: the hub, the router, agents,
// an operator chat client, and an all-in-one development mode.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "relay",
		Short: "Relay text messages between agents and operators",
		Long: `relay runs the processes of the agent relay.

A hub tracks who is online and delivers messages, a router decides where each
message goes, and agents answer them. Operators talk to the hub over a
WebSocket with the chat client.

Examples:
  relay hub                         # Start the hub
  relay router                      # Start the router
  relay agent --name Alice          # Start an agent
  relay chat --name Bob             # Chat as an operator
  relay dev --agents 3              # Everything in one process`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AGENTRELAY_CONFIG"), "path to a YAML configuration file")

	root.AddCommand(
		hubCmd(&configPath),
		routerCmd(&configPath),
		agentCmd(&configPath),
		chatCmd(),
		devCmd(&configPath),
	)
	return root
}
