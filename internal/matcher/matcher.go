package matcher

import (
	"context"
	"sort"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Estimator returns a pickup ETA in seconds.
type Estimator interface {
	Estimate(ctx context.Context, from, to models.Coord) float64
}

// Candidate is an eligible driver annotated with pickup estimates. The
// estimates are nil when the driver has not reported a location yet.
type Candidate struct {
	Entry          models.PresenceEntry
	ETASeconds     *float64
	DistanceMeters *float64
}

// Service orders eligible drivers for an offer round. It never drops a
// driver: every eligible driver still receives the offer, nearest first.
type Service struct {
	ETA Estimator
}

func (s *Service) Rank(ctx context.Context, pickup models.Coord, entries []models.PresenceEntry) []Candidate {
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		c := Candidate{Entry: e}
		if e.Location != nil {
			dist := geo.Distance(*e.Location, pickup)
			c.DistanceMeters = &dist
			if s.ETA != nil {
				etaSec := s.ETA.Estimate(ctx, *e.Location, pickup)
				c.ETASeconds = &etaSec
			}
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		ka, kb := sortKey(a), sortKey(b)
		switch {
		case ka == nil && kb == nil:
			return a.Entry.ActorID < b.Entry.ActorID
		case ka == nil:
			return false
		case kb == nil:
			return true
		case *ka != *kb:
			return *ka < *kb
		}
		return a.Entry.ActorID < b.Entry.ActorID
	})
	return out
}

func sortKey(c Candidate) *float64 {
	if c.ETASeconds != nil {
		return c.ETASeconds
	}
	return c.DistanceMeters
}
