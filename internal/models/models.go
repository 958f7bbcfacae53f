package models

import "time"

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// ParseRole accepts the canonical names plus the legacy "user"/"captain" claims.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "rider", "user":
		return RoleRider, true
	case "driver", "captain":
		return RoleDriver, true
	}
	return "", false
}

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Place struct {
	Address     string `json:"address"`
	Coordinates Coord  `json:"coordinates"`
}

type Vehicle struct {
	Type     string `json:"vehicleType"`
	Capacity int    `json:"capacity,omitempty"`
	Plate    string `json:"plate,omitempty"`
	Color    string `json:"color,omitempty"`
}

type DriverStatus string

const (
	DriverActive   DriverStatus = "active"
	DriverInactive DriverStatus = "inactive"
)

// PresenceEntry is a driver's current dispatch eligibility.
type PresenceEntry struct {
	ActorID   string       `json:"id"`
	Location  *Coord       `json:"location"`
	Vehicle   Vehicle      `json:"vehicle"`
	Status    DriverStatus `json:"status"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

type FullName struct {
	First string `json:"firstname"`
	Last  string `json:"lastname,omitempty"`
}

func (n FullName) String() string {
	if n.Last == "" {
		return n.First
	}
	return n.First + " " + n.Last
}

// Actor is what the identity collaborator knows about a rider or driver.
type Actor struct {
	ID       string       `json:"id"`
	Role     Role         `json:"role"`
	FullName FullName     `json:"fullname"`
	Phone    string       `json:"phone,omitempty"`
	Vehicle  *Vehicle     `json:"vehicle,omitempty"`
	Status   DriverStatus `json:"status,omitempty"`
	Location *Coord       `json:"location,omitempty"`
}

type TripStatus string

const (
	TripPending    TripStatus = "pending"
	TripAccepted   TripStatus = "accepted"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

// ChatEntry is immutable once appended to a trip's message log.
type ChatEntry struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Trip struct {
	ID             string      `json:"id"`
	RiderID        string      `json:"riderId"`
	DriverID       string      `json:"driverId,omitempty"`
	Origin         Place       `json:"origin"`
	Destination    Place       `json:"destination"`
	VehicleType    string      `json:"vehicleType"`
	ProposedAmount float64     `json:"proposedAmount"`
	FinalAmount    *float64    `json:"finalAmount,omitempty"`
	Status         TripStatus  `json:"status"`
	Messages       []ChatEntry `json:"messages"`
	CancelledBy    string      `json:"cancelledBy,omitempty"`
	PaymentRef     string      `json:"-"`
	CreatedAt      time.Time   `json:"createdAt"`
	AcceptedAt     *time.Time  `json:"acceptedAt,omitempty"`
	CompletedAt    *time.Time  `json:"completedAt,omitempty"`
	CancelledAt    *time.Time  `json:"cancelledAt,omitempty"`
}

// IsParticipant reports whether actorID is the trip's rider or its assigned driver.
func (t *Trip) IsParticipant(actorID string) bool {
	return actorID != "" && (actorID == t.RiderID || actorID == t.DriverID)
}

// Counterpart returns the other participant, or "" when there is none yet.
func (t *Trip) Counterpart(actorID string) string {
	switch actorID {
	case t.RiderID:
		return t.DriverID
	case t.DriverID:
		return t.RiderID
	}
	return ""
}

// TripEvent is the lifecycle record streamed to the trip-events topic.
type TripEvent struct {
	Type     string     `json:"type"`
	TripID   string     `json:"trip_id"`
	ActorID  string     `json:"actor_id"`
	RiderID  string     `json:"rider_id"`
	DriverID string     `json:"driver_id,omitempty"`
	Status   TripStatus `json:"status"`
	Amount   *float64   `json:"amount,omitempty"`
	At       time.Time  `json:"at"`
}

// DriverLocation is the ingest payload posted by driver backends and carried on Kafka.
type DriverLocation struct {
	ID  string    `json:"id"`
	Loc Coord     `json:"loc"`
	At  time.Time `json:"at"`
}
