package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/chat"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/identity"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

type testEnv struct {
	srv      *httptest.Server
	gateway  *Gateway
	auth     *identity.JWTAuthenticator
	registry *session.Registry
	presence *presence.Memory
	geo      *geo.MemoryIndex
	store    *storage.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := session.NewRegistry(nil)
	dir := presence.NewMemory(time.Minute)
	fan := bus.NewFanout(reg, nil, "test-node", nil)
	announcer := presence.NewAnnouncer(dir, fan, nil)
	store := storage.NewMemoryStore()
	ids := identity.NewMemoryResolver(
		models.Actor{ID: "r1", Role: models.RoleRider, FullName: models.FullName{First: "Rina"}},
		models.Actor{ID: "d1", Role: models.RoleDriver, FullName: models.FullName{First: "Dip"}, Vehicle: &models.Vehicle{Type: "ride"}, Location: &models.Coord{Lat: 23.8, Lng: 90.4}},
		models.Actor{ID: "d2", Role: models.RoleDriver, Vehicle: &models.Vehicle{Type: "ride"}},
	)
	svc := dispatch.NewService(dispatch.Deps{Store: store, Presence: dir, Sender: fan, Identity: ids, Announcer: announcer})
	idx := geo.NewMemoryIndex()
	auth := identity.NewJWTAuthenticator("test-secret", "")

	gw := NewGateway(Config{WriteTimeout: time.Second}, Deps{
		Registry:  reg,
		Auth:      auth,
		Identity:  ids,
		Presence:  dir,
		Announcer: announcer,
		Dispatch:  svc,
		Chat:      chat.NewRelay(store, fan),
		Rooms:     fan,
		Geo:       idx,
	})
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, gateway: gw, auth: auth, registry: reg, presence: dir, geo: idx, store: store}
}

func (e *testEnv) url(query string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws" + query
}

func (e *testEnv) dial(t *testing.T, actorID string, role models.Role) *websocket.Conn {
	t.Helper()
	token, err := e.auth.Issue(actorID, role, time.Hour)
	require.NoError(t, err)
	c, _, err := websocket.DefaultDialer.Dial(e.url("?token="+token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	readType(t, c, protocol.TypeConnectionEstablished)
	return c
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// readType reads frames until one of the given type arrives.
func readType(t *testing.T, c *websocket.Conn, typ string) received {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var m received
		_, data, err := c.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		require.NoError(t, json.Unmarshal(data, &m))
		if m.Type == typ {
			return m
		}
	}
}

func send(t *testing.T, c *websocket.Conn, typ string, data any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(map[string]any{"type": typ, "data": data}))
}

func closeCode(t *testing.T, c *websocket.Conn) int {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce.Code
	}
}

func TestGateway_AuthFailures(t *testing.T) {
	env := newTestEnv(t)

	cases := map[string]struct {
		url    func() string
		header http.Header
		code   int
	}{
		"missing token": {url: func() string { return env.url("") }, code: protocol.CloseAuthRequired},
		"bad token":     {url: func() string { return env.url("?token=garbage") }, code: protocol.CloseAuthFailed},
		"unknown actor": {url: func() string {
			tok, _ := env.auth.Issue("ghost", models.RoleRider, time.Hour)
			return env.url("?token=" + tok)
		}, code: protocol.CloseInvalidUser},
		"role mismatch": {url: func() string {
			tok, _ := env.auth.Issue("d1", models.RoleRider, time.Hour)
			return env.url("?token=" + tok)
		}, code: protocol.CloseInvalidUser},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c, _, err := websocket.DefaultDialer.Dial(tc.url(), tc.header)
			require.NoError(t, err)
			defer c.Close()
			assert.Equal(t, tc.code, closeCode(t, c))
		})
	}
	assert.Zero(t, env.registry.Count())
}

func TestGateway_BearerHeader(t *testing.T) {
	env := newTestEnv(t)
	tok, err := env.auth.Issue("r1", models.RoleRider, time.Hour)
	require.NoError(t, err)
	c, _, err := websocket.DefaultDialer.Dial(env.url(""), http.Header{"Authorization": []string{"Bearer " + tok}})
	require.NoError(t, err)
	defer c.Close()
	m := readType(t, c, protocol.TypeConnectionEstablished)
	var w Welcome
	require.NoError(t, json.Unmarshal(m.Data, &w))
	assert.Equal(t, "r1", w.ID)
	assert.Equal(t, models.RoleRider, w.Role)
}

func TestGateway_DriverPresenceFollowsConnection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	driver := env.dial(t, "d1", models.RoleDriver)
	rider := env.dial(t, "r1", models.RoleRider)

	snap := readType(t, rider, protocol.TypeActiveCaptains)
	var entries []models.PresenceEntry
	require.NoError(t, json.Unmarshal(snap.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "d1", entries[0].ActorID)

	hits, err := env.geo.Nearby(ctx, models.Coord{Lat: 23.8, Lng: 90.4}, 1000, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	send(t, driver, protocol.TypeLocationUpdate, map[string]float64{"lat": 23.81, "lng": 90.41})
	ack := readType(t, driver, protocol.TypeLocationUpdateAck)
	assert.JSONEq(t, `{"lat":23.81,"lng":90.41}`, string(ack.Data))
	got, _ := env.presence.ListEligible(ctx, "ride")
	require.Len(t, got, 1)
	assert.InDelta(t, 23.81, got[0].Location.Lat, 1e-9)

	send(t, driver, protocol.TypeStatusUpdate, map[string]string{"status": "inactive"})
	require.Eventually(t, func() bool {
		got, _ := env.presence.ListEligible(ctx, "ride")
		return len(got) == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, driver.Close())
	require.Eventually(t, func() bool {
		snap, _ := env.presence.Snapshot(ctx)
		return len(snap) == 0 && env.registry.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	hits, _ = env.geo.Nearby(ctx, models.Coord{Lat: 23.8, Lng: 90.4}, 1000, 10)
	assert.Empty(t, hits)
}

func TestGateway_SupersededConnectionKeepsPresence(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	first := env.dial(t, "d1", models.RoleDriver)
	second := env.dial(t, "d1", models.RoleDriver)

	assert.Equal(t, protocol.CloseSuperseded, closeCode(t, first))

	send(t, second, protocol.TypePing, nil)
	readType(t, second, protocol.TypePong)
	snap, _ := env.presence.Snapshot(ctx)
	assert.Len(t, snap, 1)
	assert.Equal(t, 1, env.registry.Count())
}

func TestGateway_TripFlow(t *testing.T) {
	env := newTestEnv(t)
	rider := env.dial(t, "r1", models.RoleRider)
	d1 := env.dial(t, "d1", models.RoleDriver)
	d2 := env.dial(t, "d2", models.RoleDriver)

	send(t, rider, protocol.TypeTripRequest, map[string]any{
		"origin":         map[string]any{"lat": 23.79, "lng": 90.41, "address": "Gulshan"},
		"destination":    map[string]any{"lat": 23.75, "lng": 90.39, "address": "Dhanmondi"},
		"proposedAmount": 20,
		"vehicleType":    "ride",
	})
	sent := readType(t, rider, protocol.TypeTripRequestSent)
	var ack dispatch.RequestSent
	require.NoError(t, json.Unmarshal(sent.Data, &ack))
	assert.Equal(t, 2, ack.DriversNotified)

	readType(t, d1, protocol.TypeNewTripRequest)
	readType(t, d2, protocol.TypeNewTripRequest)

	send(t, d1, protocol.TypeTripResponse, map[string]any{"tripId": ack.TripID, "action": "accept", "amount": 18})
	accepted := readType(t, rider, protocol.TypeTripAccepted)
	assert.Contains(t, string(accepted.Data), `"finalAmount":18`)
	readType(t, d1, protocol.TypeTripAccepted)
	readType(t, d2, protocol.TypeTripTaken)

	send(t, d2, protocol.TypeTripResponse, map[string]any{"tripId": ack.TripID, "action": "accept"})
	readType(t, d2, protocol.TypeTripAlreadyHandled)

	send(t, rider, protocol.TypeChatMessage, map[string]any{"tripId": ack.TripID, "message": "<i>hi</i> there"})
	msg := readType(t, d1, protocol.TypeChatMessage)
	assert.Contains(t, string(msg.Data), `"message":"hi there"`)
	readType(t, rider, protocol.TypeChatMessage)

	send(t, d2, protocol.TypeChatMessage, map[string]any{"tripId": ack.TripID, "message": "me too"})
	e := readType(t, d2, protocol.TypeError)
	assert.Contains(t, string(e.Data), protocol.CodeUnauthorized)
}

func TestGateway_ErrorsKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	rider := env.dial(t, "r1", models.RoleRider)

	send(t, rider, "teleport", map[string]any{})
	e := readType(t, rider, protocol.TypeError)
	var data protocol.ErrorData
	require.NoError(t, json.Unmarshal(e.Data, &data))
	assert.Equal(t, protocol.CodeUnknownType, data.Code)
	assert.Equal(t, "teleport", data.RequestType)

	require.NoError(t, rider.WriteMessage(websocket.TextMessage, []byte("not json")))
	e = readType(t, rider, protocol.TypeError)
	assert.Contains(t, string(e.Data), protocol.CodeInvalidMessage)

	send(t, rider, protocol.TypeLocationUpdate, map[string]float64{"lat": 1, "lng": 1})
	e = readType(t, rider, protocol.TypeError)
	assert.Contains(t, string(e.Data), protocol.CodeUnauthorized)

	send(t, rider, protocol.TypeTripRequest, map[string]any{"proposedAmount": -1})
	e = readType(t, rider, protocol.TypeError)
	assert.Contains(t, string(e.Data), protocol.CodeValidationFailed)

	send(t, rider, protocol.TypePing, nil)
	readType(t, rider, protocol.TypePong)
}

func TestGateway_BinaryFrameCloses(t *testing.T) {
	env := newTestEnv(t)
	rider := env.dial(t, "r1", models.RoleRider)
	require.NoError(t, rider.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	assert.Equal(t, protocol.CloseInvalidMessage, closeCode(t, rider))
	require.Eventually(t, func() bool { return env.registry.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestGateway_Rooms(t *testing.T) {
	env := newTestEnv(t)
	rider := env.dial(t, "r1", models.RoleRider)
	driver := env.dial(t, "d1", models.RoleDriver)

	send(t, driver, protocol.TypeJoinRoom, map[string]string{"roomId": "trip-1"})
	readType(t, driver, protocol.TypeRoomJoined)
	send(t, rider, protocol.TypeJoinRoom, map[string]string{"roomId": "trip-1"})
	readType(t, rider, protocol.TypeRoomJoined)

	joined := readType(t, driver, protocol.TypeRoomJoined)
	assert.JSONEq(t, `{"roomId":"trip-1","actorId":"r1"}`, string(joined.Data))

	send(t, rider, protocol.TypeLeaveRoom, map[string]string{"roomId": "trip-1"})
	readType(t, rider, protocol.TypeRoomLeft)
	left := readType(t, driver, protocol.TypeRoomLeft)
	assert.JSONEq(t, `{"roomId":"trip-1","actorId":"r1"}`, string(left.Data))
}

func TestGateway_Shutdown(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	driver := env.dial(t, "d1", models.RoleDriver)

	env.gateway.Shutdown(ctx)
	assert.Equal(t, protocol.CloseGoingAway, closeCode(t, driver))
	assert.Equal(t, websocket.CloseGoingAway, protocol.CloseGoingAway)
	assert.Zero(t, env.registry.Count())
	snap, _ := env.presence.Snapshot(ctx)
	assert.Empty(t, snap)
}
