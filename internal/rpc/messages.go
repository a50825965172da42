package rpc

import (
	"time"
)

// RegisterRequest announces an agent. AgentID is empty on first contact and
// carries the previously issued id when the agent rejoins.
type RegisterRequest struct {
	AgentID     string `json:"agent_id,omitempty"`
	DisplayName string `json:"display_name"`
}

// RegisterResponse returns the issued identity. Session binds the control
// stream to this registration.
type RegisterResponse struct {
	AgentID           string        `json:"agent_id"`
	Session           string        `json:"session"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// StatusReport replaces an agent's metrics.
type StatusReport struct {
	AgentID string            `json:"agent_id"`
	Metrics map[string]string `json:"metrics"`
}

// HeartbeatRequest answers a ping.
type HeartbeatRequest struct {
	AgentID string `json:"agent_id"`
}

// ControlRequest opens the server-to-agent control stream.
type ControlRequest struct {
	AgentID string `json:"agent_id"`
	Session string `json:"session"`
}

// Command is a control instruction sent from the hub to an agent.
type Command string

const (
	CommandPause     Command = "pause"
	CommandResume    Command = "resume"
	CommandShutdown  Command = "shutdown"
	CommandPing      Command = "ping"
	CommandHeartbeat Command = "heartbeat"
)

// ControlMessage is one command sent down the control stream.
type ControlMessage struct {
	Command Command   `json:"command"`
	AgentID string    `json:"agent_id,omitempty"`
	At      time.Time `json:"at"`
}

// WatchRequest opens a status stream for a router.
type WatchRequest struct {
	RouterID string `json:"router_id"`
}
