package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/gorilla/websocket"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/owulveryck/agentrelay/internal/envelope"
	"github.com/owulveryck/agentrelay/internal/hub"
	"github.com/owulveryck/agentrelay/internal/status"
)

const chatHelp = `Commands:
  <text>              send to whoever the router picks
  /to <id> <text>     send to one participant
  /agents             list known participants
  /pause <id>         pause an agent
  /resume <id>        resume an agent
  /shutdown <id>      stop an agent
  /help               show this help
  /quit               leave`

func chatCmd() *cobra.Command {
	var hubURL, name, id string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with agents as an operator",
		Long: `Open an operator connection to the hub WebSocket and chat with agents.

` + chatHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, _, err := websocket.DefaultDialer.Dial(hubURL, nil)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", hubURL, err)
			}
			defer conn.Close()

			c := &chatClient{conn: conn, out: os.Stdout, view: status.NewView()}
			if err := c.send(hub.Message{Type: hub.TypeRegister, AgentID: id, DisplayName: name}); err != nil {
				return err
			}
			go c.readLoop()
			return c.repl()
		},
	}
	cmd.Flags().StringVar(&hubURL, "hub", "ws://localhost:8080/ws", "hub WebSocket URL")
	cmd.Flags().StringVar(&name, "name", "operator", "display name")
	cmd.Flags().StringVar(&id, "id", "", "participant id to rejoin with")
	return cmd
}

type chatClient struct {
	conn *websocket.Conn
	view *status.View

	mu  sync.Mutex
	out io.Writer
}

func (c *chatClient) send(m hub.Message) error {
	return c.conn.WriteJSON(m)
}

func (c *chatClient) print(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *chatClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.print("! connection closed: %v", err)
			}
			return
		}
		m, err := hub.DecodeMessage(data)
		if err != nil {
			c.print("! %v", err)
			continue
		}
		if m.Status != nil {
			c.view.Apply(*m.Status)
		}
		if line := render(m); line != "" {
			c.print("%s", line)
		}
	}
}

// render formats a frame for the terminal. Frames with nothing to show
// render as "".
func render(m hub.Message) string {
	switch m.Type {
	case hub.TypeRegisterAck:
		return fmt.Sprintf("* registered as %s (%s)", m.AgentID, m.DisplayName)
	case hub.TypeText, hub.TypeReply, hub.TypeSystem:
		if m.Envelope == nil {
			return ""
		}
		return fmt.Sprintf("[%s] %s", m.Envelope.SenderID, m.Envelope.Content.Text)
	case hub.TypeError:
		return "! " + m.Error
	case hub.TypeStatusUpdate:
		if m.Status == nil {
			return ""
		}
		if m.Status.Full {
			return fmt.Sprintf("* %d participants known", len(m.Status.Agents))
		}
		var parts []string
		for _, rec := range m.Status.Agents {
			parts = append(parts, fmt.Sprintf("%s (%s) is %s", rec.AgentID, rec.DisplayName, rec.State))
		}
		for _, id := range m.Status.Removed {
			parts = append(parts, id+" was forgotten")
		}
		return "* " + strings.Join(parts, ", ")
	}
	return ""
}

func (c *chatClient) listAgents() {
	records := c.view.Records()
	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })

	c.mu.Lock()
	defer c.mu.Unlock()
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROLE\tSTATE\tMETRICS")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", rec.AgentID, rec.DisplayName, rec.Role, rec.State, rec.Metrics)
	}
	_ = w.Flush()
}

func (c *chatClient) repl() error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	c.print("Connected. Type /help for commands.")
	for {
		input, err := line.Prompt("> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		m, quit, err := parseInput(input)
		switch {
		case quit:
			return c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		case err != nil:
			c.print("! %v", err)
			continue
		case m == nil:
			if input == "/agents" {
				c.listAgents()
			} else {
				c.print("%s", chatHelp)
			}
			continue
		}
		if err := c.send(*m); err != nil {
			return fmt.Errorf("failed to send: %w", err)
		}
	}
}

// parseInput turns a REPL line into the frame to send. A nil frame without
// error means a local command.
func parseInput(input string) (*hub.Message, bool, error) {
	if !strings.HasPrefix(input, "/") {
		env := envelope.New("", envelope.Broadcast, envelope.KindText, input)
		return &hub.Message{Type: hub.TypeText, Envelope: env}, false, nil
	}

	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return nil, true, nil
	case "/agents", "/help":
		return nil, false, nil
	case "/pause", "/resume", "/shutdown":
		if rest == "" {
			return nil, false, fmt.Errorf("usage: %s <id>", cmd)
		}
		t := hub.TypePause
		switch cmd {
		case "/resume":
			t = hub.TypeResume
		case "/shutdown":
			t = hub.TypeShutdown
		}
		return &hub.Message{Type: t, AgentID: rest}, false, nil
	case "/to":
		to, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return nil, false, errors.New("usage: /to <id> <text>")
		}
		env := envelope.New("", to, envelope.KindText, strings.TrimSpace(text))
		return &hub.Message{Type: hub.TypeText, Envelope: env}, false, nil
	}
	return nil, false, fmt.Errorf("unknown command %s, try /help", cmd)
}
