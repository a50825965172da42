package hub

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/owulveryck/agentrelay/internal/presence"
	"github.com/owulveryck/agentrelay/internal/rpc"
	relaystatus "github.com/owulveryck/agentrelay/internal/status"
)

// presenceService implements rpc.PresenceServer on top of the hub.
type presenceService struct {
	rpc.UnimplementedPresenceServer
	hub *Hub
}

// toStatus maps core errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, presence.ErrRegistration):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, presence.ErrUnknownAgent):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, presence.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, presence.ErrLoopBusy), errors.Is(err, presence.ErrLoopStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

func (s *presenceService) Register(ctx context.Context, in *rpc.RegisterRequest) (*rpc.RegisterResponse, error) {
	h := s.hub
	ctx, span := h.tracer.StartPresenceSpan(ctx, "register", in.AgentID)
	defer span.End()

	session := uuid.NewString()
	rec, err := h.register(ctx, presence.RegisterRequest{
		AgentID:     in.AgentID,
		DisplayName: in.DisplayName,
		Role:        presence.RoleAgent,
		Session:     session,
	})
	if err != nil {
		h.tracer.RecordError(span, err)
		h.logger.WarnContext(ctx, "Registration rejected", "agent_id", in.AgentID, "display_name", in.DisplayName, "error", err)
		return nil, toStatus(err)
	}
	h.tracer.SetSpanSuccess(span)
	h.logger.InfoContext(ctx, "Agent registered", "agent_id", rec.AgentID, "display_name", rec.DisplayName, "rejoin", in.AgentID != "")
	return &rpc.RegisterResponse{
		AgentID:           rec.AgentID,
		Session:           session,
		HeartbeatInterval: h.cfg.HeartbeatInterval,
	}, nil
}

func (s *presenceService) ReportStatus(ctx context.Context, in *rpc.StatusReport) (*emptypb.Empty, error) {
	err := s.hub.loop.Call(ctx, func(r *presence.Registry) error {
		return r.ReportStatus(in.AgentID, in.Metrics)
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *presenceService) Heartbeat(ctx context.Context, in *rpc.HeartbeatRequest) (*emptypb.Empty, error) {
	err := s.hub.loop.Call(ctx, func(r *presence.Registry) error {
		return r.Heartbeat(in.AgentID)
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Control streams commands to one agent. The stream also carries liveness
// pings and hub heartbeats. When it ends, the agent is disconnected unless
// it already registered again on a newer session.
func (s *presenceService) Control(in *rpc.ControlRequest, stream rpc.Presence_ControlServer) error {
	h := s.hub
	ctx := stream.Context()

	current, err := presence.Query(ctx, h.loop, func(r *presence.Registry) string { return r.Session(in.AgentID) })
	if err != nil {
		return toStatus(err)
	}
	if current == "" || current != in.Session {
		return status.Errorf(codes.FailedPrecondition, "session %q is not the current registration of %s", in.Session, in.AgentID)
	}

	cs := h.controls.open(in.AgentID, in.Session)
	h.metrics.ConnectionOpened(ctx, "grpc_control")
	h.logger.InfoContext(ctx, "Control stream opened", "agent_id", in.AgentID)
	defer func() {
		h.controls.release(in.AgentID, cs)
		h.metrics.ConnectionClosed(context.Background(), "grpc_control")
		h.disconnect(in.AgentID, in.Session)
		h.logger.Info("Control stream closed", "agent_id", in.AgentID)
	}()

	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		var msg *rpc.ControlMessage
		select {
		case <-ctx.Done():
			return nil
		case <-h.stopping:
			return nil
		case <-cs.done:
			return status.Error(codes.Aborted, cs.reason)
		case msg = <-cs.ch:
		case <-ping.C:
			msg = &rpc.ControlMessage{Command: rpc.CommandPing, AgentID: in.AgentID}
		case <-heartbeat.C:
			msg = &rpc.ControlMessage{Command: rpc.CommandHeartbeat, AgentID: in.AgentID}
		}
		msg.At = h.now().UTC()
		if err := stream.Send(msg); err != nil {
			h.logger.WarnContext(ctx, "Control stream send failed", "agent_id", in.AgentID, "command", msg.Command, "error", err)
			return err
		}
	}
}

// WatchStatus streams the router audience feed: one full snapshot, then
// deltas, periodic full re-syncs and heartbeats.
func (s *presenceService) WatchStatus(in *rpc.WatchRequest, stream rpc.Presence_WatchStatusServer) error {
	h := s.hub
	ctx := stream.Context()

	o, err := h.subscribe(ctx, relaystatus.AudienceRouters)
	if err != nil {
		return toStatus(err)
	}
	defer h.unsubscribe(context.Background(), o)
	h.metrics.ConnectionOpened(ctx, "grpc_watch")
	defer h.metrics.ConnectionClosed(context.Background(), "grpc_watch")
	h.logger.InfoContext(ctx, "Router watching status", "router_id", in.RouterID)

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		var snap relaystatus.Snapshot
		select {
		case <-ctx.Done():
			return nil
		case <-h.stopping:
			return nil
		case <-heartbeat.C:
			snap = relaystatus.HeartbeatSnapshot(h.now().UTC())
		case next, ok := <-o.C():
			if !ok {
				return status.Error(codes.Unavailable, "status feed closed")
			}
			snap = next
		}
		if err := stream.Send(&snap); err != nil {
			h.logger.WarnContext(ctx, "Status stream send failed", "router_id", in.RouterID, "error", err)
			return err
		}
	}
}
