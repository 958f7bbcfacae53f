package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
)

// state is what the read loop knows about its connection.
type state struct {
	sess  *session.Session
	actor *models.Actor
}

type LocationAck struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type RoomEvent struct {
	RoomID  string `json:"roomId"`
	ActorID string `json:"actorId,omitempty"`
}

// handleFrame is the single error boundary for one inbound frame: whatever
// happens while handling it, the sender gets at most one reply or error and
// the read loop carries on.
func (g *Gateway) handleFrame(ctx context.Context, st *state, data []byte) {
	var in protocol.Inbound
	if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
		g.reply(st, "", nil, &protocol.Error{Kind: protocol.KindValidation, Code: protocol.CodeInvalidMessage, Message: "message must be a JSON object with a type"})
		return
	}
	observability.MessagesInbound.WithLabelValues(in.Type).Inc()

	var (
		out *protocol.Outbound
		err error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = protocol.Internal(fmt.Errorf("panic handling %s: %v\n%s", in.Type, rec, debug.Stack()))
			}
		}()
		out, err = g.route(ctx, st, in)
	}()
	g.reply(st, in.Type, out, err)
}

func (g *Gateway) reply(st *state, requestType string, out *protocol.Outbound, err error) {
	if err != nil {
		perr := protocol.AsError(err)
		observability.ProtocolErrors.WithLabelValues(perr.Kind.String()).Inc()
		if perr.Kind == protocol.KindInternal {
			g.Logger.Error("message handling failed", "actor_id", st.actor.ID, "type", requestType, "error", err)
		} else {
			g.Logger.Debug("message rejected", "actor_id", st.actor.ID, "type", requestType, "code", perr.Code, "message", perr.Message)
		}
		g.Registry.DeliverTo(st.sess, perr.Event(requestType))
		return
	}
	if out != nil {
		g.Registry.DeliverTo(st.sess, *out)
	}
}

func (g *Gateway) route(ctx context.Context, st *state, in protocol.Inbound) (*protocol.Outbound, error) {
	actorID := st.actor.ID
	switch in.Type {
	case protocol.TypePing:
		return outbound(protocol.TypePong, map[string]any{}), nil

	case protocol.TypeLocationUpdate:
		if err := requireRole(st, models.RoleDriver); err != nil {
			return nil, err
		}
		d, err := protocol.Decode[protocol.LocationData](in.Data)
		if err != nil {
			return nil, err
		}
		loc, err := d.Validate()
		if err != nil {
			return nil, err
		}
		return g.updateLocation(ctx, st, loc)

	case protocol.TypeTripRequest:
		if err := requireRole(st, models.RoleRider); err != nil {
			return nil, err
		}
		d, err := protocol.Decode[protocol.TripRequestData](in.Data)
		if err != nil {
			return nil, err
		}
		return g.Dispatch.RequestTrip(ctx, actorID, d)

	case protocol.TypeTripResponse:
		if err := requireRole(st, models.RoleDriver); err != nil {
			return nil, err
		}
		d, err := protocol.Decode[protocol.TripResponseData](in.Data)
		if err != nil {
			return nil, err
		}
		return g.Dispatch.RespondToTrip(ctx, actorID, d)

	case protocol.TypeTripStatusUpdate:
		d, err := protocol.Decode[protocol.TripStatusData](in.Data)
		if err != nil {
			return nil, err
		}
		return g.Dispatch.UpdateStatus(ctx, actorID, d)

	case protocol.TypeChatMessage:
		d, err := protocol.Decode[protocol.ChatData](in.Data)
		if err != nil {
			return nil, err
		}
		return nil, g.Chat.SendMessage(ctx, actorID, d)

	case protocol.TypeStatusUpdate:
		if err := requireRole(st, models.RoleDriver); err != nil {
			return nil, err
		}
		d, err := protocol.Decode[protocol.DriverStatusData](in.Data)
		if err != nil {
			return nil, err
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		return nil, g.setDriverStatus(ctx, st, d.Status)

	case protocol.TypeJoinRoom, protocol.TypeLeaveRoom:
		d, err := protocol.Decode[protocol.RoomData](in.Data)
		if err != nil {
			return nil, err
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		ack := protocol.TypeRoomJoined
		if in.Type == protocol.TypeJoinRoom {
			st.sess.Join(d.RoomID)
		} else {
			st.sess.Leave(d.RoomID)
			ack = protocol.TypeRoomLeft
		}
		if g.Rooms != nil {
			g.Rooms.ToRoom(ctx, d.RoomID, actorID, protocol.NewOutbound(ack, RoomEvent{RoomID: d.RoomID, ActorID: actorID}))
		}
		return outbound(ack, RoomEvent{RoomID: d.RoomID}), nil
	}
	return nil, &protocol.Error{Kind: protocol.KindValidation, Code: protocol.CodeUnknownType, Message: "unknown message type: " + in.Type}
}

func (g *Gateway) updateLocation(ctx context.Context, st *state, loc models.Coord) (*protocol.Outbound, error) {
	id := st.actor.ID
	st.actor.Location = &loc
	ok, err := g.Presence.UpdateLocation(ctx, id, loc)
	if err != nil {
		return nil, protocol.Internal(fmt.Errorf("update location: %w", err))
	}
	if !ok {
		// entry expired while connected
		vehicle := models.Vehicle{}
		if st.actor.Vehicle != nil {
			vehicle = *st.actor.Vehicle
		}
		if err := g.Presence.MarkAvailable(ctx, id, vehicle, &loc); err != nil {
			return nil, protocol.Internal(fmt.Errorf("mark available: %w", err))
		}
	}
	if g.Geo != nil {
		if err := g.Geo.Upsert(ctx, id, loc); err != nil {
			g.Logger.Warn("geo upsert failed", "actor_id", id, "error", err)
		}
	}
	if g.Locations != nil {
		dl := models.DriverLocation{ID: id, Loc: loc, At: time.Now().UTC()}
		g.Background.Go(ctx, "publish-location", func(ctx context.Context) error { return g.Locations.PublishLocation(ctx, dl) })
	}
	g.announce(ctx)
	return outbound(protocol.TypeLocationUpdateAck, LocationAck{Lat: loc.Lat, Lng: loc.Lng}), nil
}

func (g *Gateway) setDriverStatus(ctx context.Context, st *state, status models.DriverStatus) error {
	id := st.actor.ID
	ok, err := g.Presence.SetStatus(ctx, id, status)
	if err != nil {
		return protocol.Internal(fmt.Errorf("set status: %w", err))
	}
	if !ok {
		vehicle := models.Vehicle{}
		if st.actor.Vehicle != nil {
			vehicle = *st.actor.Vehicle
		}
		if err := g.Presence.MarkAvailable(ctx, id, vehicle, st.actor.Location); err != nil {
			return protocol.Internal(fmt.Errorf("mark available: %w", err))
		}
		if status != models.DriverActive {
			if _, err := g.Presence.SetStatus(ctx, id, status); err != nil {
				return protocol.Internal(fmt.Errorf("set status: %w", err))
			}
		}
	}
	g.Logger.Info("driver status changed", "actor_id", id, "status", status)
	g.announce(ctx)
	return nil
}

func requireRole(st *state, role models.Role) error {
	if st.actor.Role != role {
		return protocol.Unauthorized(fmt.Sprintf("only a %s may send this message", role))
	}
	return nil
}

func outbound(typ string, data any) *protocol.Outbound {
	o := protocol.NewOutbound(typ, data)
	return &o
}
