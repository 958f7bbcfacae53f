package presence

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type memEntry struct {
	entry   models.PresenceEntry
	expires time.Time
}

// Memory is a single-process Directory. Expired entries are invisible to
// readers and dropped by PruneExpired.
type Memory struct {
	mu      sync.RWMutex
	drivers map[string]memEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{drivers: make(map[string]memEntry), ttl: ttl, now: time.Now}
}

func (m *Memory) MarkAvailable(_ context.Context, driverID string, vehicle models.Vehicle, loc *models.Coord) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[driverID] = memEntry{
		entry:   models.PresenceEntry{ActorID: driverID, Location: cloneCoord(loc), Vehicle: vehicle, Status: models.DriverActive, UpdatedAt: now},
		expires: now.Add(m.ttl),
	}
	return nil
}

func (m *Memory) UpdateLocation(_ context.Context, driverID string, loc models.Coord) (bool, error) {
	return m.mutate(driverID, func(e *models.PresenceEntry) { e.Location = &loc }), nil
}

func (m *Memory) SetStatus(_ context.Context, driverID string, status models.DriverStatus) (bool, error) {
	return m.mutate(driverID, func(e *models.PresenceEntry) { e.Status = status }), nil
}

func (m *Memory) Touch(_ context.Context, driverID string) error {
	m.mutate(driverID, func(*models.PresenceEntry) {})
	return nil
}

func (m *Memory) mutate(driverID string, fn func(*models.PresenceEntry)) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	me, ok := m.drivers[driverID]
	if !ok || !now.Before(me.expires) {
		delete(m.drivers, driverID)
		return false
	}
	fn(&me.entry)
	me.entry.UpdatedAt = now
	me.expires = now.Add(m.ttl)
	m.drivers[driverID] = me
	return true
}

func (m *Memory) Remove(_ context.Context, driverID string) error {
	m.mu.Lock()
	delete(m.drivers, driverID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Snapshot(_ context.Context) ([]models.PresenceEntry, error) {
	now := m.now()
	m.mu.RLock()
	out := make([]models.PresenceEntry, 0, len(m.drivers))
	for _, me := range m.drivers {
		if now.Before(me.expires) {
			e := me.entry
			e.Location = cloneCoord(e.Location)
			out = append(out, e)
		}
	}
	m.mu.RUnlock()
	sortByID(out)
	return out, nil
}

func (m *Memory) ListEligible(ctx context.Context, vehicleType string) ([]models.PresenceEntry, error) {
	all, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return filterEligible(all, vehicleType), nil
}

// PruneExpired drops entries whose TTL has elapsed and returns how many went.
func (m *Memory) PruneExpired(_ context.Context) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, me := range m.drivers {
		if !now.Before(me.expires) {
			delete(m.drivers, id)
			n++
		}
	}
	return n
}

func cloneCoord(c *models.Coord) *models.Coord {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}
