package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

// flaky fails the first n calls of each method.
type flaky struct {
	failGeo, failPresence   int
	geoCalls, presenceCalls int
	online                  bool
}

func (f *flaky) Upsert(context.Context, string, models.Coord) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *flaky) UpdateLocation(context.Context, string, models.Coord) (bool, error) {
	f.presenceCalls++
	if f.presenceCalls <= f.failPresence {
		return false, errors.New("presence fail")
	}
	return f.online, nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newApplier(f *flaky, attempts int, delay time.Duration) *applier {
	return &applier{presence: f, geo: f, attempts: attempts, delay: delay, logger: quietLogger()}
}

var loc = models.DriverLocation{ID: "d1", Loc: models.Coord{Lat: 23.8, Lng: 90.4}}

func TestApply_SucceedsAfterRetries(t *testing.T) {
	f := &flaky{failGeo: 1, failPresence: 1, online: true}
	start := time.Now()
	online, err := newApplier(f, 3, 10*time.Millisecond).apply(context.Background(), loc)
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, 2, f.geoCalls)
	assert.Equal(t, 2, f.presenceCalls)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestApply_FailsWhenExhausted(t *testing.T) {
	f := &flaky{failGeo: 5}
	_, err := newApplier(f, 3, time.Millisecond).apply(context.Background(), loc)
	require.Error(t, err)
	assert.Equal(t, 3, f.geoCalls)
	assert.Zero(t, f.presenceCalls)
}

func TestApply_StopsOnCancel(t *testing.T) {
	f := &flaky{failGeo: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newApplier(f, 3, time.Hour).apply(ctx, loc)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestApply_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	ctx := context.Background()

	dir := presence.NewRedisDirectory(rc, "presence:driver:", time.Minute)
	index := geo.NewRedisIndex(rc, "drivers_geo")
	a := &applier{presence: dir, geo: index, attempts: 1, logger: quietLogger()}

	online, err := a.apply(ctx, loc)
	require.NoError(t, err)
	assert.False(t, online, "no presence entry yet")
	assert.False(t, mr.Exists("presence:driver:d1"))

	require.NoError(t, dir.MarkAvailable(ctx, "d1", models.Vehicle{Type: "ride"}, nil))
	online, err = a.apply(ctx, loc)
	require.NoError(t, err)
	assert.True(t, online)

	snap, err := dir.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	require.NotNil(t, snap[0].Location)
	assert.InDelta(t, 23.8, snap[0].Location.Lat, 1e-9)

	hits, err := index.Nearby(ctx, loc.Loc, 100, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].DriverID)
}

type scriptedReader struct {
	msgs   []kafka.Message
	errs   []error
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return kafka.Message{}, err
	}
	if len(s.msgs) == 0 {
		s.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsume_SkipsInvalidMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte(`not json`)},
		{Value: []byte(`{"loc":{"lat":1,"lng":1}}`)},
		{Value: []byte(`{"id":"d1","loc":{"lat":91,"lng":1}}`)},
		{Value: []byte(`{"id":"d1","loc":{"lat":23.8,"lng":90.4}}`)},
	}}
	f := &flaky{online: true}

	require.NoError(t, consume(ctx, r, newApplier(f, 1, 0), quietLogger()))
	assert.Equal(t, 1, f.geoCalls)
	assert.Equal(t, 1, f.presenceCalls)
}

func TestDecodeLocation(t *testing.T) {
	d, err := decodeLocation([]byte(`{"id":"d1","loc":{"lat":23.8,"lng":90.4},"at":"2024-01-02T03:04:05Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)
	assert.Equal(t, 2024, d.At.Year())

	_, err = decodeLocation([]byte(`{"id":"d1","loc":{"lat":0,"lng":181}}`))
	assert.Error(t, err)
}
