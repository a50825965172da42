// Package agent is the runtime of a relay agent process.
//
// # Overview
//
// An Agent takes care of everything between the hub and the code that
// produces answers:
//   - registration, and re-registration under the same id after a reconnect
//   - periodic status reports (transport, llm, handled, paused)
//   - the control stream: pings are answered with a Heartbeat call, pause
//     and resume toggle message processing, shutdown stops the agent
//   - consumption of the dedicated agent queue with duplicate suppression
//   - reconnecting with bounded exponential backoff, and giving up loudly
//
// # Quick Start
//
//	conn, err := rpc.Dial("localhost:50051")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	a, err := agent.New(&agent.Config{DisplayName: "Alice"},
//	    rpc.NewPresenceClient(conn), llm.NewMock(), q)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	a.OnControlCommand(func(msg *rpc.ControlMessage) {
//	    log.Printf("hub sent %s", msg.Command)
//	})
//	if err := a.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Message handling
//
// Text envelopes are passed to the Responder and answered with a Reply
// addressed to the broadcast receiver, so the router sends it back to the
// original sender through reply affinity. When the responder fails, the
// sender receives a System envelope naming the failure instead. Replies,
// System and Error envelopes are logged and never answered.
//
// While paused, deliveries are left unacknowledged and come back once the
// queue redelivers them.
package agent
