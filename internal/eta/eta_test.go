package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type countingClient struct {
	calls int
	v     float64
	err   error
}

func (c *countingClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	c.calls++
	return c.v, c.err
}

func TestEstimator_UsesCacheAfterFirstLookup(t *testing.T) {
	cl := &countingClient{v: 240}
	e := &Estimator{Client: cl, Cache: NewCache(time.Minute), DefaultSpeedMps: 10}
	a, b := models.Coord{Lat: 23.80, Lng: 90.40}, models.Coord{Lat: 23.81, Lng: 90.41}

	assert.Equal(t, 240.0, e.Estimate(context.Background(), a, b))
	assert.Equal(t, 240.0, e.Estimate(context.Background(), a, b))
	assert.Equal(t, 1, cl.calls)
}

func TestEstimator_FallsBackToStraightLine(t *testing.T) {
	e := &Estimator{Client: &countingClient{err: errors.New("down")}, DefaultSpeedMps: 10}
	a, b := models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0.01, Lng: 0}
	got := e.Estimate(context.Background(), a, b)
	assert.InDelta(t, 111.2, got, 0.5)
}

func TestOSRMClient_EstimateSeconds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/route/v1/driving/90.400000,23.800000;90.410000,23.810000", r.URL.Path)
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	got, err := c.EstimateSeconds(context.Background(), models.Coord{Lat: 23.80, Lng: 90.40}, models.Coord{Lat: 23.81, Lng: 90.41})
	require.NoError(t, err)
	assert.Equal(t, 321.5, got)
}

func TestOSRMClient_NoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	assert.Error(t, err)
}

func TestCache_ExpiresAndBounds(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }
	c.maxEntries = 2

	a := models.Coord{Lat: 23.80, Lng: 90.40}
	c.Set(a, models.Coord{Lat: 1}, 10)
	c.Set(a, models.Coord{Lat: 2}, 20)
	c.Set(a, models.Coord{Lat: 3}, 30)
	assert.Equal(t, 2, c.Len(), "full cache skips the write")

	v, ok := c.Get(a, models.Coord{Lat: 1})
	require.True(t, ok)
	assert.Equal(t, 10.0, v)

	now = now.Add(2 * time.Minute)
	c.Set(a, models.Coord{Lat: 3}, 30)
	assert.Equal(t, 1, c.Len(), "expired entries are dropped before a write")
	_, ok = c.Get(a, models.Coord{Lat: 1})
	assert.False(t, ok)
}

func TestCache_RoundsNearbyPoints(t *testing.T) {
	c := NewCache(time.Minute)
	c.Set(models.Coord{Lat: 23.80001, Lng: 90.40001}, models.Coord{Lat: 1, Lng: 1}, 42)
	v, ok := c.Get(models.Coord{Lat: 23.80002, Lng: 90.40002}, models.Coord{Lat: 1, Lng: 1})
	require.True(t, ok)
	assert.Equal(t, 42.0, v)
}

func TestOSRMClient_ProfileAndTrailingSlash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/route/v1/bike/90.400000,23.800000;90.400000,23.810000", r.URL.Path)
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":90}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL + "/")
	c.Profile = "bike"
	got, err := c.EstimateSeconds(context.Background(), models.Coord{Lat: 23.80, Lng: 90.40}, models.Coord{Lat: 23.81, Lng: 90.40})
	require.NoError(t, err)
	assert.Equal(t, 90.0, got)
}

func TestOSRMClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	assert.ErrorContains(t, err, "502")
}
