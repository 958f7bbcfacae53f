package geo

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceOneDegreeLatitude(t *testing.T) {
	d := Distance(models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 1, Lng: 0})
	assert.InDelta(t, 111195, d, 50)
}

func TestMemoryIndex_NearbyOrdersAndFilters(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Upsert(ctx, "far", models.Coord{Lat: 23.90, Lng: 90.40}))
	require.NoError(t, idx.Upsert(ctx, "near", models.Coord{Lat: 23.801, Lng: 90.40}))
	require.NoError(t, idx.Upsert(ctx, "mid", models.Coord{Lat: 23.81, Lng: 90.40}))

	hits, err := idx.Nearby(ctx, models.Coord{Lat: 23.80, Lng: 90.40}, 5000, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].DriverID)
	assert.Equal(t, "mid", hits[1].DriverID)

	require.NoError(t, idx.Remove(ctx, "near"))
	hits, _ = idx.Nearby(ctx, models.Coord{Lat: 23.80, Lng: 90.40}, 0, 1)
	require.Len(t, hits, 1)
	assert.Equal(t, "mid", hits[0].DriverID)
}

func TestRedisIndex_Nearby(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	idx := NewRedisIndex(client, "")
	require.NoError(t, idx.Upsert(ctx, "d1", models.Coord{Lat: 23.801, Lng: 90.40}))
	require.NoError(t, idx.Upsert(ctx, "d2", models.Coord{Lat: 24.50, Lng: 90.40}))

	hits, err := idx.Nearby(ctx, models.Coord{Lat: 23.80, Lng: 90.40}, 5000, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].DriverID)
	assert.InDelta(t, 111, hits[0].DistanceMeters, 5)

	require.NoError(t, idx.Remove(ctx, "d1"))
	hits, err = idx.Nearby(ctx, models.Coord{Lat: 23.80, Lng: 90.40}, 5000, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
