package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/identity"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/protocol"
)

const (
	defaultNearbyRadius = 5000
	defaultNearbyLimit  = 20
)

// Trips is the dispatch service as seen by the REST surface.
type Trips interface {
	GetTrip(ctx context.Context, actorID, tripID string) (*models.Trip, error)
	UpdateStatus(ctx context.Context, actorID string, data protocol.TripStatusData) (*protocol.Outbound, error)
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.DriverLocation) error
}

type Announcer interface {
	Announce(ctx context.Context)
}

// Check is a named readiness check such as a Redis or Postgres ping.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Server hosts the REST surface next to the websocket gateway.
type Server struct {
	Presence  presence.Directory
	Geo       geo.Index
	Trips     Trips
	Auth      identity.Authenticator
	Locations LocationPublisher
	Announcer Announcer
	Gateway   http.Handler
	WSPath    string
	Checks    []Check

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires routes and middleware; set the exported fields first.
func NewServer(s *Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if s.WSPath == "" {
		s.WSPath = "/ws"
	}
	s.logger = logger
	s.mux = mux.NewRouter()
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/presence", s.handlePresence).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{id}/status", s.handleUpdateTripStatus).Methods("PATCH")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.Gateway != nil {
		s.mux.Handle(s.WSPath, s.Gateway)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.DriverLocation
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if strings.TrimSpace(d.ID) == "" {
		http.Error(w, "id is required", 400)
		return
	}
	if err := protocol.ValidateCoord(d.Loc, "loc"); err != nil {
		http.Error(w, protocol.AsError(err).Message, 400)
		return
	}
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	ctx := r.Context()

	ok, err := s.Presence.UpdateLocation(ctx, d.ID, d.Loc)
	if err != nil {
		s.logger.Error("presence update failed", "actor_id", d.ID, "error", err)
		http.Error(w, "presence unavailable", 503)
		return
	}
	if s.Geo != nil {
		if err := s.Geo.Upsert(ctx, d.ID, d.Loc); err != nil {
			s.logger.Warn("geo upsert failed", "actor_id", d.ID, "error", err)
		}
	}
	// publish to kafka if configured
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(ctx, d); err != nil {
			s.logger.Warn("location publish failed", "actor_id", d.ID, "error", err)
		}
	}
	if !ok {
		http.Error(w, "driver not online", 404)
		return
	}
	if s.Announcer != nil {
		s.Announcer.Announce(ctx)
	}
	w.WriteHeader(204)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Presence.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("presence snapshot failed", "error", err)
		http.Error(w, "presence unavailable", 503)
		return
	}
	writeJSON(w, 200, map[string]any{"drivers": snap, "count": len(snap)})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	if s.Geo == nil {
		http.Error(w, "geo index not configured", 501)
		return
	}
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		http.Error(w, "lat and lng are required", 400)
		return
	}
	c := models.Coord{Lat: lat, Lng: lng}
	if err := protocol.ValidateCoord(c, "query"); err != nil {
		http.Error(w, protocol.AsError(err).Message, 400)
		return
	}
	radius := float64(defaultNearbyRadius)
	if v := q.Get("radius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			http.Error(w, "radius must be a positive number of meters", 400)
			return
		}
		radius = f
	}
	limit := defaultNearbyLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", 400)
			return
		}
		limit = n
	}
	hits, err := s.Geo.Nearby(r.Context(), c, radius, limit)
	if err != nil {
		s.logger.Error("nearby query failed", "error", err)
		http.Error(w, "geo index unavailable", 503)
		return
	}
	writeJSON(w, 200, map[string]any{"drivers": hits})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	actorID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	trip, err := s.Trips.GetTrip(r.Context(), actorID, mux.Vars(r)["id"])
	if err != nil {
		s.tripError(w, "get trip failed", mux.Vars(r)["id"], err)
		return
	}
	writeJSON(w, 200, trip)
}

// handleUpdateTripStatus is the REST twin of the trip_status_update event
// for clients that are not holding a socket open.
func (s *Server) handleUpdateTripStatus(w http.ResponseWriter, r *http.Request) {
	actorID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var body struct {
		Status models.TripStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", 400)
		return
	}
	tripID := mux.Vars(r)["id"]
	if _, err := s.Trips.UpdateStatus(r.Context(), actorID, protocol.TripStatusData{TripID: tripID, Status: body.Status}); err != nil {
		s.tripError(w, "update trip status failed", tripID, err)
		return
	}
	// A cancelling driver is unassigned, so the trip is not re-read here.
	writeJSON(w, 200, map[string]any{"tripId": tripID, "status": body.Status})
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "authorization required", 401)
		return "", false
	}
	claims, err := s.Auth.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", 401)
		return "", false
	}
	return claims.ActorID, true
}

func (s *Server) tripError(w http.ResponseWriter, msg, tripID string, err error) {
	perr := protocol.AsError(err)
	switch perr.Kind {
	case protocol.KindValidation:
		http.Error(w, perr.Message, 400)
	case protocol.KindAuthorization:
		http.Error(w, perr.Message, 403)
	case protocol.KindNotFound:
		http.Error(w, perr.Message, 404)
	case protocol.KindConflict:
		http.Error(w, perr.Message, 409)
	default:
		s.logger.Error(msg, "trip_id", tripID, "error", err)
		http.Error(w, "internal error", 500)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	var errs []error
	for _, c := range s.Checks {
		if err := c.Fn(ctx); err != nil {
			errs = append(errs, errors.New(c.Name+": "+err.Error()))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		http.Error(w, err.Error(), 503)
		return
	}
	w.WriteHeader(200)
	_, _ = w.Write([]byte("ready"))
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
