package dispatch

import (
	"github.com/example/ride-dispatch/internal/models"
)

// ActorInfo is the public profile shown to the other side of a trip.
type ActorInfo struct {
	FullName models.FullName `json:"fullname"`
	Phone    string          `json:"phone,omitempty"`
	Vehicle  *models.Vehicle `json:"vehicle,omitempty"`
}

// TripOffer is the new_trip_request payload.
type TripOffer struct {
	TripID         string       `json:"tripId"`
	Origin         models.Place `json:"origin"`
	Destination    models.Place `json:"destination"`
	ProposedAmount float64      `json:"proposedAmount"`
	VehicleType    string       `json:"vehicleType"`
	RiderID        string       `json:"userId"`
	Rider          *ActorInfo   `json:"userInfo,omitempty"`
	ETASeconds     *float64     `json:"etaSeconds,omitempty"`
	DistanceMeters *float64     `json:"distanceMeters,omitempty"`
}

type RequestSent struct {
	TripID          string `json:"tripId"`
	DriversNotified int    `json:"driversNotified"`
}

type TripAccepted struct {
	TripID      string            `json:"tripId"`
	DriverID    string            `json:"captainId"`
	Driver      *ActorInfo        `json:"captainInfo,omitempty"`
	FinalAmount float64           `json:"finalAmount"`
	Status      models.TripStatus `json:"status"`
}

// TripRef identifies a trip and, where relevant, the driver involved.
type TripRef struct {
	TripID   string `json:"tripId"`
	DriverID string `json:"captainId,omitempty"`
}

type StatusChange struct {
	TripID      string            `json:"tripId"`
	Status      models.TripStatus `json:"status"`
	CancelledBy string            `json:"cancelledBy,omitempty"`
}

const (
	EventRequested = "trip.requested"
	EventAccepted  = "trip.accepted"
	EventRejected  = "trip.rejected"
	EventStatus    = "trip.status"
)
