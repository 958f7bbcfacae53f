package protocol

import (
	"encoding/json"
	"math"
	"slices"
	"strings"

	"github.com/example/ride-dispatch/internal/models"
)

// Decode unmarshals an inbound data object, reporting malformed payloads as validation errors.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, Validation("data is required")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, Validation("malformed data: %v", err)
	}
	return v, nil
}

type LocationData struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (d LocationData) Validate() (models.Coord, error) {
	if d.Lat == nil || d.Lng == nil {
		return models.Coord{}, Validation("lat and lng are required")
	}
	c := models.Coord{Lat: *d.Lat, Lng: *d.Lng}
	if err := ValidateCoord(c, "location"); err != nil {
		return models.Coord{}, err
	}
	return c, nil
}

func ValidateCoord(c models.Coord, field string) error {
	if math.IsNaN(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		return Validation("%s.lat must be between -90 and 90", field)
	}
	if math.IsNaN(c.Lng) || c.Lng < -180 || c.Lng > 180 {
		return Validation("%s.lng must be between -180 and 180", field)
	}
	return nil
}

type PlaceData struct {
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Address string   `json:"address"`
}

func (p PlaceData) place(field string) (models.Place, error) {
	if p.Lat == nil || p.Lng == nil {
		return models.Place{}, Validation("%s.lat and %s.lng are required", field, field)
	}
	if strings.TrimSpace(p.Address) == "" {
		return models.Place{}, Validation("%s.address is required", field)
	}
	c := models.Coord{Lat: *p.Lat, Lng: *p.Lng}
	if err := ValidateCoord(c, field); err != nil {
		return models.Place{}, err
	}
	return models.Place{Address: strings.TrimSpace(p.Address), Coordinates: c}, nil
}

type TripRequestData struct {
	Origin         *PlaceData `json:"origin"`
	Destination    *PlaceData `json:"destination"`
	ProposedAmount float64    `json:"proposedAmount"`
	VehicleType    string     `json:"vehicleType"`
}

// TripRequest is a validated trip_request payload.
type TripRequest struct {
	Origin         models.Place
	Destination    models.Place
	ProposedAmount float64
	VehicleType    string
}

func (d TripRequestData) Validate(vehicleTypes []string) (TripRequest, error) {
	if d.Origin == nil {
		return TripRequest{}, Validation("origin is required")
	}
	if d.Destination == nil {
		return TripRequest{}, Validation("destination is required")
	}
	origin, err := d.Origin.place("origin")
	if err != nil {
		return TripRequest{}, err
	}
	dest, err := d.Destination.place("destination")
	if err != nil {
		return TripRequest{}, err
	}
	if !(d.ProposedAmount > 0) || math.IsInf(d.ProposedAmount, 0) {
		return TripRequest{}, Validation("proposedAmount must be a positive number")
	}
	if !slices.Contains(vehicleTypes, d.VehicleType) {
		return TripRequest{}, Validation("vehicleType must be one of [%s]", strings.Join(vehicleTypes, ", "))
	}
	return TripRequest{Origin: origin, Destination: dest, ProposedAmount: d.ProposedAmount, VehicleType: d.VehicleType}, nil
}

const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

type TripResponseData struct {
	TripID string   `json:"tripId"`
	Action string   `json:"action"`
	Amount *float64 `json:"amount,omitempty"`
}

func (d TripResponseData) Validate() error {
	if strings.TrimSpace(d.TripID) == "" {
		return Validation("tripId is required")
	}
	if d.Action != ActionAccept && d.Action != ActionReject {
		return Validation("action must be one of [accept, reject]")
	}
	if d.Amount != nil && (!(*d.Amount > 0) || math.IsInf(*d.Amount, 0)) {
		return Validation("amount must be a positive number")
	}
	return nil
}

type TripStatusData struct {
	TripID string            `json:"tripId"`
	Status models.TripStatus `json:"status"`
}

func (d TripStatusData) Validate() error {
	if strings.TrimSpace(d.TripID) == "" {
		return Validation("tripId is required")
	}
	switch d.Status {
	case models.TripInProgress, models.TripCompleted, models.TripCancelled:
		return nil
	}
	return Validation("status must be one of [in_progress, completed, cancelled]")
}

type ChatData struct {
	TripID  string `json:"tripId"`
	Message string `json:"message"`
}

func (d ChatData) Validate() error {
	if strings.TrimSpace(d.TripID) == "" {
		return Validation("tripId is required")
	}
	if strings.TrimSpace(d.Message) == "" {
		return Validation("message is required")
	}
	return nil
}

type DriverStatusData struct {
	Status models.DriverStatus `json:"status"`
}

func (d DriverStatusData) Validate() error {
	if d.Status != models.DriverActive && d.Status != models.DriverInactive {
		return Validation("status must be one of [active, inactive]")
	}
	return nil
}

type RoomData struct {
	RoomID string `json:"roomId"`
}

func (d RoomData) Validate() error {
	if strings.TrimSpace(d.RoomID) == "" {
		return Validation("roomId is required")
	}
	return nil
}
