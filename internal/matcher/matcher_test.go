package matcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
)

func entry(id string, loc *models.Coord) models.PresenceEntry {
	return models.PresenceEntry{ActorID: id, Location: loc, Vehicle: models.Vehicle{Type: "ride"}, Status: models.DriverActive}
}

func TestRank_NearestFirstUnknownLast(t *testing.T) {
	s := &Service{ETA: &eta.Estimator{DefaultSpeedMps: 10}}
	pickup := models.Coord{Lat: 23.80, Lng: 90.40}
	got := s.Rank(context.Background(), pickup, []models.PresenceEntry{
		entry("nolocation", nil),
		entry("far", &models.Coord{Lat: 23.85, Lng: 90.40}),
		entry("near", &models.Coord{Lat: 23.801, Lng: 90.40}),
	})
	require.Len(t, got, 3)
	assert.Equal(t, "near", got[0].Entry.ActorID)
	assert.Equal(t, "far", got[1].Entry.ActorID)
	assert.Equal(t, "nolocation", got[2].Entry.ActorID)

	require.NotNil(t, got[0].ETASeconds)
	require.NotNil(t, got[0].DistanceMeters)
	assert.InDelta(t, 11.1, *got[0].ETASeconds, 0.2)
	assert.Nil(t, got[2].ETASeconds)
}

func TestRank_TieBrokenByID(t *testing.T) {
	s := &Service{}
	loc := &models.Coord{Lat: 0, Lng: 0}
	got := s.Rank(context.Background(), models.Coord{}, []models.PresenceEntry{entry("B", loc), entry("A", loc)})
	assert.Equal(t, "A", got[0].Entry.ActorID)
	assert.Equal(t, "B", got[1].Entry.ActorID)
	assert.Nil(t, got[0].ETASeconds, "no estimator configured")
}
