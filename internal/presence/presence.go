// Package presence tracks which drivers are available for dispatch.
package presence

import (
	"context"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

// Directory is the presence set shared by every server process. Every
// mutation renews the entry's TTL.
type Directory interface {
	// MarkAvailable upserts the driver with status active.
	MarkAvailable(ctx context.Context, driverID string, vehicle models.Vehicle, loc *models.Coord) error
	// UpdateLocation is a no-op returning false when the driver is not present.
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord) (bool, error)
	// SetStatus toggles active/inactive; false when the driver is not present.
	SetStatus(ctx context.Context, driverID string, status models.DriverStatus) (bool, error)
	// Touch renews the TTL without changing the entry.
	Touch(ctx context.Context, driverID string) error
	Remove(ctx context.Context, driverID string) error
	Snapshot(ctx context.Context) ([]models.PresenceEntry, error)
	// ListEligible returns active drivers of the given vehicle type.
	ListEligible(ctx context.Context, vehicleType string) ([]models.PresenceEntry, error)
}

func filterEligible(entries []models.PresenceEntry, vehicleType string) []models.PresenceEntry {
	out := make([]models.PresenceEntry, 0, len(entries))
	for _, e := range entries {
		if e.Status == models.DriverActive && e.Vehicle.Type == vehicleType {
			out = append(out, e)
		}
	}
	return out
}

func sortByID(entries []models.PresenceEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ActorID < entries[j].ActorID })
}
