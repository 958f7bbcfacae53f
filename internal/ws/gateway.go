// Package ws is the websocket edge: it authenticates connections, registers
// sessions and routes inbound messages to dispatch and chat.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/async"
	"github.com/example/ride-dispatch/internal/chat"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/identity"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
)

type Config struct {
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	// ReadTimeout bounds the silence between inbound frames or pongs. Zero
	// leaves dead-peer detection to the heartbeat.
	ReadTimeout    time.Duration
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

type RoomSender interface {
	ToRoom(ctx context.Context, room, exclude string, msg protocol.Outbound)
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.DriverLocation) error
}

// Deps are the collaborators behind the gateway. Geo, Locations and
// Background are optional.
type Deps struct {
	Registry   *session.Registry
	Auth       identity.Authenticator
	Identity   identity.Resolver
	Presence   presence.Directory
	Announcer  *presence.Announcer
	Dispatch   *dispatch.Service
	Chat       *chat.Relay
	Rooms      RoomSender
	Geo        geo.Index
	Locations  LocationPublisher
	Background *async.Runner
	Logger     *slog.Logger
}

type Gateway struct {
	Deps
	cfg      Config
	upgrader websocket.Upgrader
}

// NewGateway builds the gateway and installs its registry hook, so every
// removal path (read loop exit, heartbeat, sweep, shutdown) withdraws a
// driver from presence.
func NewGateway(cfg Config, d Deps) *Gateway {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	g := &Gateway{Deps: d, cfg: cfg.withDefaults()}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	d.Registry.OnRemove(g.sessionRemoved)
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// Welcome is the connection_established payload.
type Welcome struct {
	ID      string      `json:"id"`
	Role    models.Role `json:"role"`
	Message string      `json:"message"`
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.Logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	c := newConn(wsConn, g.cfg.WriteTimeout)

	actor, code, reason := g.authenticate(r)
	if code != 0 {
		g.Logger.Info("websocket auth rejected", "remote_addr", r.RemoteAddr, "reason", reason)
		_ = c.Close(code, reason)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	sess := g.Registry.Register(actor.ID, c, actor.Role)
	g.Logger.Info("websocket connected", "actor_id", actor.ID, "role", actor.Role)

	g.Registry.DeliverTo(sess, protocol.NewOutbound(protocol.TypeConnectionEstablished, Welcome{ID: actor.ID, Role: actor.Role, Message: "Connected"}))
	switch actor.Role {
	case models.RoleDriver:
		g.driverOnline(ctx, actor)
	case models.RoleRider:
		g.sendActiveDrivers(ctx, sess)
	}

	g.readLoop(ctx, c, sess, actor)

	c.drop()
	g.Registry.DeregisterSession(sess)
	g.Logger.Info("websocket disconnected", "actor_id", actor.ID, "role", actor.Role)
}

// authenticate returns the connecting actor, or a non-zero close code.
func (g *Gateway) authenticate(r *http.Request) (*models.Actor, int, string) {
	token := bearerToken(r)
	if token == "" {
		return nil, protocol.CloseAuthRequired, protocol.ReasonAuthRequired
	}
	claims, err := g.Auth.Verify(token)
	if err != nil {
		g.Logger.Debug("token verification failed", "error", err)
		return nil, protocol.CloseAuthFailed, protocol.ReasonAuthFailed
	}
	if g.Identity == nil {
		return &models.Actor{ID: claims.ActorID, Role: claims.Role}, 0, ""
	}
	actor, err := g.Identity.FindActorByID(r.Context(), claims.ActorID, claims.Role)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, protocol.CloseInvalidUser, protocol.ReasonInvalidUser
	}
	if err != nil {
		g.Logger.Error("actor lookup failed", "actor_id", claims.ActorID, "error", err)
		return nil, protocol.CloseInternalServerError, protocol.ReasonInternalServerError
	}
	return actor, 0, ""
}

func bearerToken(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (g *Gateway) readLoop(ctx context.Context, c *conn, sess *session.Session, actor *models.Actor) {
	ws := c.ws
	ws.SetReadLimit(g.cfg.MaxMessageBytes)
	g.extendRead(ws)
	ws.SetPongHandler(func(string) error {
		sess.MarkAlive(time.Now())
		g.extendRead(ws)
		return nil
	})

	st := &state{sess: sess, actor: actor}
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && c.Open() {
				g.Logger.Debug("websocket read failed", "actor_id", actor.ID, "error", err)
			}
			return
		}
		sess.MarkAlive(time.Now())
		g.extendRead(ws)
		if mt == websocket.BinaryMessage {
			g.Logger.Info("binary frame rejected", "actor_id", actor.ID)
			_ = c.Close(protocol.CloseInvalidMessage, protocol.ReasonInvalidMessage)
			return
		}
		g.handleFrame(ctx, st, data)
	}
}

func (g *Gateway) extendRead(ws *websocket.Conn) {
	if g.cfg.ReadTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	}
}

func (g *Gateway) driverOnline(ctx context.Context, actor *models.Actor) {
	vehicle := models.Vehicle{}
	if actor.Vehicle != nil {
		vehicle = *actor.Vehicle
	}
	if err := g.Presence.MarkAvailable(ctx, actor.ID, vehicle, actor.Location); err != nil {
		g.Logger.Warn("mark driver available failed", "actor_id", actor.ID, "error", err)
	}
	if actor.Location != nil && g.Geo != nil {
		if err := g.Geo.Upsert(ctx, actor.ID, *actor.Location); err != nil {
			g.Logger.Warn("geo upsert failed", "actor_id", actor.ID, "error", err)
		}
	}
	g.announce(ctx)
}

func (g *Gateway) sendActiveDrivers(ctx context.Context, sess *session.Session) {
	if g.Announcer == nil {
		return
	}
	active, err := g.Announcer.Active(ctx)
	if err != nil {
		g.Logger.Warn("presence snapshot failed", "error", err)
		return
	}
	g.Registry.DeliverTo(sess, protocol.NewOutbound(protocol.TypeActiveCaptains, active))
}

func (g *Gateway) announce(ctx context.Context) {
	if g.Announcer != nil {
		g.Announcer.Announce(ctx)
	}
}

// sessionRemoved runs for every registry removal except supersession.
func (g *Gateway) sessionRemoved(s *session.Session) {
	if s.Role != models.RoleDriver {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Presence.Remove(ctx, s.ActorID); err != nil {
		g.Logger.Warn("presence remove failed", "actor_id", s.ActorID, "error", err)
	}
	if g.Geo != nil {
		if err := g.Geo.Remove(ctx, s.ActorID); err != nil {
			g.Logger.Warn("geo remove failed", "actor_id", s.ActorID, "error", err)
		}
	}
	g.announce(ctx)
}

// Shutdown closes every local session with 1001 and removes it.
func (g *Gateway) Shutdown(ctx context.Context) {
	sessions := g.Registry.Sessions()
	for _, s := range sessions {
		if ctx.Err() != nil {
			return
		}
		_ = s.Close(protocol.CloseGoingAway, "server shutting down")
		g.Registry.DeregisterSession(s)
	}
	g.Logger.Info("websocket sessions closed", "count", len(sessions))
}
