// Package protocol defines the websocket wire format shared by the gateway,
// the dispatch core and the fan-out bus.
package protocol

import (
	"encoding/json"
	"time"
)

// Inbound message types.
const (
	TypePing             = "ping"
	TypeLocationUpdate   = "location_update"
	TypeTripRequest      = "trip_request"
	TypeTripResponse     = "trip_response"
	TypeTripStatusUpdate = "trip_status_update"
	TypeChatMessage      = "chat_message"
	TypeStatusUpdate     = "status_update"
	TypeJoinRoom         = "join_room"
	TypeLeaveRoom        = "leave_room"
)

// Outbound message types.
const (
	TypeConnectionEstablished = "connection_established"
	TypePong                  = "pong"
	TypeActiveCaptains        = "active_captains"
	TypeNewTripRequest        = "new_trip_request"
	TypeTripRequestSent       = "trip_request_sent"
	TypeTripAccepted          = "trip_accepted"
	TypeTripTaken             = "trip_taken"
	TypeCaptainRejectedTrip   = "captain_rejected_trip"
	TypeTripCancelled         = "trip_cancelled"
	TypeLocationUpdateAck     = "location_update_ack"
	TypeRoomJoined            = "room_joined"
	TypeRoomLeft              = "room_left"
	TypeTripAlreadyHandled    = "trip_already_handled"
	TypeError                 = "error"
	// TypeTripStatusUpdate and TypeChatMessage are reused outbound.
)

// Close codes. CloseGoingAway is the RFC 6455 code for a server-side
// shutdown or a dead connection; the 4xxx codes are application defined.
const (
	CloseGoingAway = 1001

	CloseSuperseded          = 4000
	CloseAuthRequired        = 4001
	CloseInvalidUser         = 4002
	CloseAuthFailed          = 4003
	CloseInternalServerError = 4004
	CloseInvalidMessage      = 4005
)

// Close reasons are machine readable.
const (
	ReasonSuperseded          = "SUPERSEDED"
	ReasonAuthRequired        = "AUTH_REQUIRED"
	ReasonInvalidUser         = "INVALID_USER"
	ReasonAuthFailed          = "AUTH_FAILED"
	ReasonInternalServerError = "INTERNAL_SERVER_ERROR"
	ReasonInvalidMessage      = "INVALID_MESSAGE"
)

// Inbound is the client-originated envelope.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Outbound is the server-originated envelope. Timestamp is stamped on delivery.
type Outbound struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func NewOutbound(typ string, data any) Outbound {
	return Outbound{Type: typ, Data: data}
}

// Stamped returns a copy carrying the given server time.
func (o Outbound) Stamped(now time.Time) Outbound {
	if o.Timestamp == "" {
		o.Timestamp = now.UTC().Format(time.RFC3339Nano)
	}
	return o
}

// ErrorData is the payload of an outbound "error" or "trip_already_handled" event.
type ErrorData struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
	TripID      string `json:"tripId,omitempty"`
}
