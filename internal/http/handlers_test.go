package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/identity"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/protocol"
)

type stubTrips struct{ trips map[string]*models.Trip }

func (s stubTrips) GetTrip(_ context.Context, actorID, tripID string) (*models.Trip, error) {
	t, ok := s.trips[tripID]
	if !ok {
		return nil, protocol.TripNotFound(tripID)
	}
	if !t.IsParticipant(actorID) {
		return nil, protocol.Unauthorized("not a participant in this trip")
	}
	return t, nil
}

func (s stubTrips) UpdateStatus(_ context.Context, actorID string, data protocol.TripStatusData) (*protocol.Outbound, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}
	t, ok := s.trips[data.TripID]
	switch {
	case !ok:
		return nil, protocol.TripNotFound(data.TripID)
	case !t.IsParticipant(actorID):
		return nil, protocol.Unauthorized("only the trip's rider or driver may update it")
	case t.Status == models.TripCompleted || t.Status == models.TripCancelled:
		return nil, &protocol.Error{Kind: protocol.KindValidation, Code: protocol.CodeInvalidTransition, Message: "cannot transition from " + string(t.Status)}
	case data.TripID == "t-raced":
		return nil, protocol.AlreadyHandled(data.TripID)
	}
	t.Status = data.Status
	return nil, nil
}

type recordingPublisher struct{ got []models.DriverLocation }

func (r *recordingPublisher) PublishLocation(_ context.Context, d models.DriverLocation) error {
	r.got = append(r.got, d)
	return nil
}

type countingAnnouncer struct{ n int }

func (c *countingAnnouncer) Announce(context.Context) { c.n++ }

type fixture struct {
	server    *Server
	presence  *presence.Memory
	geo       *geo.MemoryIndex
	auth      *identity.JWTAuthenticator
	published *recordingPublisher
	announced *countingAnnouncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		presence:  presence.NewMemory(time.Minute),
		geo:       geo.NewMemoryIndex(),
		auth:      identity.NewJWTAuthenticator("secret", ""),
		published: &recordingPublisher{},
		announced: &countingAnnouncer{},
	}
	trips := stubTrips{trips: map[string]*models.Trip{
		"t1":      {ID: "t1", RiderID: "r1", DriverID: "d1", Status: models.TripAccepted, VehicleType: "ride", ProposedAmount: 20},
		"t-done":  {ID: "t-done", RiderID: "r1", DriverID: "d1", Status: models.TripCompleted, VehicleType: "ride"},
		"t-raced": {ID: "t-raced", RiderID: "r1", DriverID: "d1", Status: models.TripInProgress, VehicleType: "ride"},
	}}
	f.server = NewServer(&Server{
		Presence:  f.presence,
		Geo:       f.geo,
		Trips:     trips,
		Auth:      f.auth,
		Locations: f.published,
		Announcer: f.announced,
	}, nil)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func TestDriverLocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec := f.do(t, "POST", "/internal/driver/locations", []byte(`{"id":"d1","loc":{"lat":23.8,"lng":90.4}}`), nil)
	assert.Equal(t, 404, rec.Code, "driver not connected")
	assert.Len(t, f.published.got, 1, "location is still streamed")

	require.NoError(t, f.presence.MarkAvailable(ctx, "d1", models.Vehicle{Type: "ride"}, nil))
	rec = f.do(t, "POST", "/internal/driver/locations", []byte(`{"id":"d1","loc":{"lat":23.8,"lng":90.4}}`), nil)
	assert.Equal(t, 204, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, 1, f.announced.n)

	snap, _ := f.presence.Snapshot(ctx)
	require.Len(t, snap, 1)
	require.NotNil(t, snap[0].Location)
	assert.Equal(t, 23.8, snap[0].Location.Lat)

	hits, err := f.geo.Nearby(ctx, models.Coord{Lat: 23.8, Lng: 90.4}, 100, 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestDriverLocation_BadInput(t *testing.T) {
	f := newFixture(t)
	for name, body := range map[string]string{
		"malformed":    `{`,
		"missing id":   `{"loc":{"lat":1,"lng":1}}`,
		"bad latitude": `{"id":"d1","loc":{"lat":123,"lng":1}}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, "POST", "/internal/driver/locations", []byte(body), nil)
			assert.Equal(t, 400, rec.Code)
		})
	}
	assert.Empty(t, f.published.got)
}

func TestPresenceSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.presence.MarkAvailable(ctx, "d1", models.Vehicle{Type: "ride"}, nil))
	require.NoError(t, f.presence.MarkAvailable(ctx, "d2", models.Vehicle{Type: "parcel"}, nil))

	rec := f.do(t, "GET", "/api/v1/presence", nil, nil)
	require.Equal(t, 200, rec.Code)
	var body struct {
		Drivers []models.PresenceEntry `json:"drivers"`
		Count   int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "d1", body.Drivers[0].ActorID)
}

func TestNearby(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.geo.Upsert(ctx, "near", models.Coord{Lat: 23.8001, Lng: 90.4001}))
	require.NoError(t, f.geo.Upsert(ctx, "far", models.Coord{Lat: 24.5, Lng: 91.0}))

	rec := f.do(t, "GET", "/api/v1/drivers/nearby?lat=23.8&lng=90.4&radius=2000", nil, nil)
	require.Equal(t, 200, rec.Code)
	var body struct {
		Drivers []geo.Hit `json:"drivers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Drivers, 1)
	assert.Equal(t, "near", body.Drivers[0].DriverID)

	assert.Equal(t, 400, f.do(t, "GET", "/api/v1/drivers/nearby?lat=x&lng=1", nil, nil).Code)
	assert.Equal(t, 400, f.do(t, "GET", "/api/v1/drivers/nearby?lat=1&lng=1&limit=0", nil, nil).Code)
}

func TestGetTrip(t *testing.T) {
	f := newFixture(t)
	bearer := func(id string, role models.Role) http.Header {
		tok, err := f.auth.Issue(id, role, time.Hour)
		require.NoError(t, err)
		return http.Header{"Authorization": []string{"Bearer " + tok}}
	}

	assert.Equal(t, 401, f.do(t, "GET", "/api/v1/trips/t1", nil, nil).Code)
	assert.Equal(t, 401, f.do(t, "GET", "/api/v1/trips/t1", nil, http.Header{"Authorization": []string{"Bearer nope"}}).Code)
	assert.Equal(t, 403, f.do(t, "GET", "/api/v1/trips/t1", nil, bearer("d9", models.RoleDriver)).Code)
	assert.Equal(t, 404, f.do(t, "GET", "/api/v1/trips/t404", nil, bearer("r1", models.RoleRider)).Code)

	rec := f.do(t, "GET", "/api/v1/trips/t1", nil, bearer("r1", models.RoleRider))
	require.Equal(t, 200, rec.Code)
	var trip models.Trip
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trip))
	assert.Equal(t, "d1", trip.DriverID)
}

func TestUpdateTripStatus(t *testing.T) {
	f := newFixture(t)
	bearer := func(id string, role models.Role) http.Header {
		tok, err := f.auth.Issue(id, role, time.Hour)
		require.NoError(t, err)
		return http.Header{"Authorization": []string{"Bearer " + tok}}
	}
	patch := func(tripID, status string, h http.Header) int {
		return f.do(t, "PATCH", "/api/v1/trips/"+tripID+"/status", []byte(`{"status":"`+status+`"}`), h).Code
	}
	driver := bearer("d1", models.RoleDriver)

	assert.Equal(t, 401, patch("t1", "in_progress", nil))
	assert.Equal(t, 400, f.do(t, "PATCH", "/api/v1/trips/t1/status", []byte("{"), driver).Code)
	assert.Equal(t, 400, patch("t1", "accepted", driver), "not a participant-settable status")
	assert.Equal(t, 400, patch("t-done", "cancelled", driver), "invalid transition")
	assert.Equal(t, 403, patch("t1", "in_progress", bearer("d9", models.RoleDriver)))
	assert.Equal(t, 404, patch("t404", "in_progress", driver))
	assert.Equal(t, 409, patch("t-raced", "completed", driver))
	assert.Equal(t, 405, f.do(t, "POST", "/api/v1/trips/t1/status", []byte(`{"status":"in_progress"}`), driver).Code)

	rec := f.do(t, "PATCH", "/api/v1/trips/t1/status", []byte(`{"status":"in_progress"}`), driver)
	require.Equal(t, 200, rec.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, map[string]string{"tripId": "t1", "status": "in_progress"}, got)

	rec = f.do(t, "GET", "/api/v1/trips/t1", nil, bearer("r1", models.RoleRider))
	var trip models.Trip
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trip))
	assert.Equal(t, models.TripInProgress, trip.Status)
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 200, f.do(t, "GET", "/healthz", nil, nil).Code)
	assert.Equal(t, 200, f.do(t, "GET", "/ready", nil, nil).Code)

	f.server.Checks = []Check{{Name: "redis", Fn: func(context.Context) error { return errors.New("connection refused") }}}
	rec := f.do(t, "GET", "/ready", nil, nil)
	assert.Equal(t, 503, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}

func TestRecoverMiddleware(t *testing.T) {
	f := newFixture(t)
	f.server.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	assert.Equal(t, 500, f.do(t, "GET", "/boom", nil, nil).Code)
}
