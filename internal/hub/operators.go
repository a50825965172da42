package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/owulveryck/agentrelay/internal/envelope"
	"github.com/owulveryck/agentrelay/internal/presence"
	"github.com/owulveryck/agentrelay/internal/status"
)

const (
	maxFrameSize = 64 * 1024
	writeTimeout = 10 * time.Second
)

// operatorSession is the state of one operator WebSocket.
type operatorSession struct {
	conn        *Connection
	ws          *websocket.Conn
	limiter     *rate.Limiter
	observer    *status.Observer
	participant string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocket upgrades an operator connection and serves it until it
// closes.
func (h *Hub) handleWebSocket(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket", "remote", c.RealIP(), "error", err)
		return nil
	}
	ctx := c.Request().Context()

	s := &operatorSession{
		conn:    h.conns.Open(),
		ws:      ws,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.IngressRate), h.cfg.IngressBurst),
	}
	ws.SetReadLimit(maxFrameSize)
	h.metrics.ConnectionOpened(ctx, "websocket")
	h.logger.InfoContext(ctx, "Operator connected", "conn_id", s.conn.ID, "remote", c.RealIP())

	go h.writePump(s)
	h.readPump(ctx, s)
	return nil
}

// readPump reads frames until the connection fails or goes silent for
// longer than the liveness timeout.
func (h *Hub) readPump(ctx context.Context, s *operatorSession) {
	defer h.closeOperator(ctx, s)

	deadline := func() time.Time { return time.Now().Add(h.cfg.LivenessTimeout) }
	_ = s.ws.SetReadDeadline(deadline())
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(deadline())
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WarnContext(ctx, "WebSocket read failed", "conn_id", s.conn.ID, "error", err)
			}
			return
		}
		_ = s.ws.SetReadDeadline(deadline())
		h.handleFrame(ctx, s, data)
	}
}

// writePump is the only writer of the WebSocket. It also sends the client
// WebSocket pings and emits hub heartbeats.
func (h *Hub) writePump(s *operatorSession) {
	ping := time.NewTicker(h.cfg.PingInterval)
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer func() {
		ping.Stop()
		heartbeat.Stop()
		_ = s.ws.Close()
		h.conns.Close(s.conn)
		s.conn.failPending()
	}()

	for {
		select {
		case f, ok := <-s.conn.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = s.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			err := s.ws.WriteMessage(websocket.TextMessage, f.data)
			f.report(err)
			if err != nil {
				h.logger.Warn("WebSocket write failed", "conn_id", s.conn.ID, "error", err)
				return
			}
		case <-ping.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := h.conns.Send(s.conn, Message{Type: TypeHeartbeat}); err != nil {
				h.logger.Debug("Heartbeat not queued", "conn_id", s.conn.ID, "error", err)
			}
		}
	}
}

func (h *Hub) closeOperator(ctx context.Context, s *operatorSession) {
	h.conns.Close(s.conn)
	if s.observer != nil {
		h.unsubscribe(context.Background(), s.observer)
	}
	if s.participant != "" {
		h.disconnect(s.participant, s.conn.ID)
	}
	h.metrics.ConnectionClosed(context.Background(), "websocket")
	h.logger.InfoContext(ctx, "Operator disconnected", "conn_id", s.conn.ID, "agent_id", s.participant)
}

func (h *Hub) sendError(s *operatorSession, reason string, original *envelope.Envelope) {
	m := Message{Type: TypeError, Error: reason}
	if original != nil {
		m.Envelope = envelope.NewErrorFor(original, reason)
	}
	if err := h.conns.Send(s.conn, m); err != nil {
		h.logger.Debug("Error frame not queued", "conn_id", s.conn.ID, "error", err)
	}
}

func (h *Hub) handleFrame(ctx context.Context, s *operatorSession, data []byte) {
	m, err := DecodeMessage(data)
	if err != nil {
		h.sendError(s, err.Error(), nil)
		return
	}
	if m.Type != TypeRegister && m.Type != TypePing && s.participant == "" {
		h.sendError(s, "must register first", nil)
		return
	}

	switch m.Type {
	case TypeRegister:
		h.handleRegister(ctx, s, m)
	case TypeText, TypeReply, TypeSystem:
		h.handleEnvelope(ctx, s, m)
	case TypePause:
		if err := h.Pause(ctx, m.AgentID); err != nil {
			h.sendError(s, fmt.Sprintf("pause %s: %v", m.AgentID, err), nil)
		}
	case TypeResume:
		if err := h.Resume(ctx, m.AgentID); err != nil {
			h.sendError(s, fmt.Sprintf("resume %s: %v", m.AgentID, err), nil)
		}
	case TypeShutdown:
		if err := h.Shutdown(ctx, m.AgentID); err != nil {
			h.sendError(s, fmt.Sprintf("shutdown %s: %v", m.AgentID, err), nil)
		}
	case TypePing:
		_ = h.conns.Send(s.conn, Message{Type: TypePong})
		h.touch(s)
	case TypeHeartbeat, TypePong:
		h.touch(s)
	default:
		h.sendError(s, fmt.Sprintf("unknown message type: %s", m.Type), nil)
	}
}

func (h *Hub) handleRegister(ctx context.Context, s *operatorSession, m Message) {
	if s.participant != "" {
		h.sendError(s, fmt.Sprintf("%v: connection already registered as %s", presence.ErrRegistration, s.participant), nil)
		return
	}
	rec, err := h.register(ctx, presence.RegisterRequest{
		AgentID:     m.AgentID,
		DisplayName: m.DisplayName,
		Role:        presence.RoleOperator,
		Session:     s.conn.ID,
	})
	if err != nil {
		h.sendError(s, err.Error(), nil)
		return
	}
	s.participant = rec.AgentID
	h.conns.Bind(s.conn, rec.AgentID)
	_ = h.conns.Send(s.conn, Message{Type: TypeRegisterAck, AgentID: rec.AgentID, DisplayName: rec.DisplayName})
	h.logger.InfoContext(ctx, "Operator registered", "agent_id", rec.AgentID, "conn_id", s.conn.ID)

	o, err := h.subscribe(ctx, status.AudienceOperators)
	if err != nil {
		h.logger.WarnContext(ctx, "Status subscription failed", "agent_id", rec.AgentID, "error", err)
		return
	}
	s.observer = o
	go h.forwardStatus(s.conn, o)
}

// forwardStatus copies the observer feed onto the connection. A slow
// connection loses updates until the next full snapshot.
func (h *Hub) forwardStatus(c *Connection, o *status.Observer) {
	for snap := range o.C() {
		snap := snap
		if err := h.conns.Send(c, Message{Type: TypeStatusUpdate, Status: &snap}); err != nil {
			if errors.Is(err, ErrSlowConnection) {
				h.metrics.SnapshotDropped(string(o.Audience()))
			}
		}
	}
}

func (h *Hub) handleEnvelope(ctx context.Context, s *operatorSession, m Message) {
	if m.Envelope == nil {
		h.sendError(s, "missing envelope", nil)
		return
	}
	env := m.Envelope.Clone()
	env.SenderID = s.participant
	env.Kind, _ = kindForType(m.Type)

	if !s.limiter.Allow() {
		h.sendError(s, "rate limit exceeded", env)
		return
	}
	accepted, err := h.ingress.Accept(ctx, env, h.conns.Origin(s.conn))
	if err != nil {
		h.logger.InfoContext(ctx, "Envelope rejected", "agent_id", s.participant, "error", err)
		h.sendError(s, err.Error(), env)
		return
	}
	h.metrics.IncrementIngested(ctx, string(accepted.Kind), "operator")
}

// touch refreshes the operator's last_seen.
func (h *Hub) touch(s *operatorSession) {
	if s.participant == "" {
		return
	}
	id := s.participant
	_ = h.loop.Submit(func(r *presence.Registry) { _ = r.Heartbeat(id) })
}
