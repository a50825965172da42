package agent

import (
	"errors"

	"github.com/owulveryck/agentrelay/internal/rpc"
)

// ControlHandler is called for every command received from the hub, after
// the agent applied it.
type ControlHandler func(msg *rpc.ControlMessage)

// Metric keys reported to the hub.
const (
	MetricTransport = "transport"
	MetricLLM       = "llm"
	MetricHandled   = "handled"
	MetricPaused    = "paused"
)

var (
	ErrMissingName         = errors.New("agent display name is required")
	ErrAgentAlreadyRunning = errors.New("agent is already running")
	// ErrPaused leaves a delivery on the queue while the agent is paused.
	ErrPaused = errors.New("agent is paused")
)
