package dispatch

import (
	"slices"

	"github.com/example/ride-dispatch/internal/models"
)

// allowed is the status transition table for trip_status_update.
// pending -> accepted is not listed: only a driver's accept performs it.
var allowed = map[models.TripStatus][]models.TripStatus{
	models.TripPending:    {models.TripInProgress, models.TripCancelled},
	models.TripAccepted:   {models.TripInProgress, models.TripCancelled},
	models.TripInProgress: {models.TripCompleted, models.TripCancelled},
	models.TripCompleted:  {},
	models.TripCancelled:  {},
}

// AllowedNext returns the statuses a participant may move a trip to from s.
func AllowedNext(s models.TripStatus) []models.TripStatus {
	return slices.Clone(allowed[s])
}

func CanTransition(from, to models.TripStatus) bool {
	return slices.Contains(allowed[from], to)
}

func IsTerminal(s models.TripStatus) bool {
	next, ok := allowed[s]
	return ok && len(next) == 0
}
