package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Hit is a driver position returned by a proximity query.
type Hit struct {
	DriverID       string       `json:"driverId"`
	Location       models.Coord `json:"location"`
	DistanceMeters float64      `json:"distanceMeters"`
}

// Index answers "which drivers are near this point". It only knows
// positions; eligibility lives in the presence directory.
type Index interface {
	Upsert(ctx context.Context, driverID string, c models.Coord) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, c models.Coord, radiusMeters float64, limit int) ([]Hit, error)
}

type position struct {
	loc     models.Coord
	updated time.Time
}

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]position
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]position)}
}

func (g *MemoryIndex) Upsert(_ context.Context, driverID string, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = position{loc: c, updated: time.Now()}
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	delete(g.drivers, driverID)
	g.mu.Unlock()
	return nil
}

// naive scan; fine for a single node's worth of drivers
func (g *MemoryIndex) Nearby(_ context.Context, c models.Coord, radiusMeters float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	hits := make([]Hit, 0, len(g.drivers))
	for id, p := range g.drivers {
		d := Distance(c, p.loc)
		if radiusMeters > 0 && d > radiusMeters {
			continue
		}
		hits = append(hits, Hit{DriverID: id, Location: p.loc, DistanceMeters: d})
	}
	g.mu.RUnlock()
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceMeters != hits[j].DistanceMeters {
			return hits[i].DistanceMeters < hits[j].DistanceMeters
		}
		return hits[i].DriverID < hits[j].DriverID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Distance is the great-circle distance between two points in meters.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
