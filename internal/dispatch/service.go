// Package dispatch runs the trip lifecycle: offering a request to eligible
// drivers, resolving the accept race and moving trips through their statuses.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/async"
	"github.com/example/ride-dispatch/internal/identity"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/storage"
)

// Sender delivers outbound messages to actors on any node.
type Sender interface {
	ToActor(ctx context.Context, actorID string, msg protocol.Outbound)
	ToActors(ctx context.Context, actorIDs []string, msg protocol.Outbound)
}

type Announcer interface {
	Announce(ctx context.Context)
}

type Ranker interface {
	Rank(ctx context.Context, pickup models.Coord, entries []models.PresenceEntry) []matcher.Candidate
}

type EventPublisher interface {
	PublishTripEvent(ctx context.Context, e models.TripEvent) error
}

// Deps wires the service. Store, Presence and Sender are required.
type Deps struct {
	Store        storage.TripStore
	Presence     presence.Directory
	Sender       Sender
	Identity     identity.Resolver
	Announcer    Announcer
	Notifier     notify.Notifier
	Ranker       Ranker
	Fares        payments.FareHolder
	Events       EventPublisher
	Background   *async.Runner
	VehicleTypes []string
	Logger       *slog.Logger
}

var DefaultVehicleTypes = []string{"ride", "parcel", "car", "motorcycle", "auto", "cng", "bicycle"}

type Service struct {
	Deps
	now func() time.Time
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if len(d.VehicleTypes) == 0 {
		d.VehicleTypes = DefaultVehicleTypes
	}
	return &Service{Deps: d, now: time.Now}
}

// RequestTrip creates a pending trip and offers it to every eligible driver.
// The returned message is the acknowledgement for the rider.
func (s *Service) RequestTrip(ctx context.Context, riderID string, data protocol.TripRequestData) (*protocol.Outbound, error) {
	start := s.now()
	req, err := data.Validate(s.VehicleTypes)
	if err != nil {
		return nil, err
	}
	trip, err := s.Store.CreateTrip(ctx, &models.Trip{
		ID:             uuid.NewString(),
		RiderID:        riderID,
		Origin:         req.Origin,
		Destination:    req.Destination,
		VehicleType:    req.VehicleType,
		ProposedAmount: req.ProposedAmount,
		Status:         models.TripPending,
		CreatedAt:      start.UTC(),
	})
	if err != nil {
		return nil, protocol.Internal(fmt.Errorf("create trip: %w", err))
	}
	observability.TripsRequested.Inc()

	eligible, err := s.Presence.ListEligible(ctx, trip.VehicleType)
	if err != nil {
		s.Logger.Warn("list eligible drivers failed", "trip_id", trip.ID, "error", err)
	}
	candidates := s.rank(ctx, trip.Origin.Coordinates, eligible)
	rider := s.actorInfo(ctx, riderID, models.RoleRider)

	notified := make([]string, 0, len(candidates))
	for _, c := range candidates {
		offer := TripOffer{
			TripID:         trip.ID,
			Origin:         trip.Origin,
			Destination:    trip.Destination,
			ProposedAmount: trip.ProposedAmount,
			VehicleType:    trip.VehicleType,
			RiderID:        riderID,
			Rider:          rider,
			ETASeconds:     c.ETASeconds,
			DistanceMeters: c.DistanceMeters,
		}
		s.Sender.ToActor(ctx, c.Entry.ActorID, protocol.NewOutbound(protocol.TypeNewTripRequest, offer))
		notified = append(notified, c.Entry.ActorID)
	}
	observability.OffersSent.Add(float64(len(notified)))

	body := fmt.Sprintf("From: %s To: %s. Amount: %.2f", trip.Origin.Address, trip.Destination.Address, trip.ProposedAmount)
	for _, id := range notified {
		s.push(ctx, id, "New Trip Request", body, trip.ID)
	}
	s.publish(ctx, EventRequested, trip, riderID)

	s.Logger.Info("trip requested", "trip_id", trip.ID, "rider_id", riderID, "vehicle_type", trip.VehicleType, "drivers_notified", len(notified))
	observability.MatchLatency.Observe(s.now().Sub(start).Seconds())

	ack := protocol.NewOutbound(protocol.TypeTripRequestSent, RequestSent{TripID: trip.ID, DriversNotified: len(notified)})
	return &ack, nil
}

// RespondToTrip handles a driver's accept or reject. Only a pending trip can
// be responded to; the store's compare-and-set picks a single winner among
// concurrent accepts, on any node.
func (s *Service) RespondToTrip(ctx context.Context, driverID string, data protocol.TripResponseData) (*protocol.Outbound, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}
	trip, err := s.Store.GetTrip(ctx, data.TripID)
	if err != nil {
		return nil, storeError(data.TripID, err)
	}
	if trip.Status != models.TripPending {
		observability.TripConflicts.Inc()
		return nil, protocol.AlreadyHandled(trip.ID)
	}

	if data.Action == protocol.ActionReject {
		s.Sender.ToActor(ctx, trip.RiderID, protocol.NewOutbound(protocol.TypeCaptainRejectedTrip, TripRef{TripID: trip.ID, DriverID: driverID}))
		s.push(ctx, trip.RiderID, "Trip Rejected", "A captain rejected your trip request. Finding another captain...", trip.ID)
		s.publish(ctx, EventRejected, trip, driverID)
		s.Logger.Info("trip rejected", "trip_id", trip.ID, "driver_id", driverID)
		return nil, nil
	}

	amount := trip.ProposedAmount
	if data.Amount != nil {
		amount = *data.Amount
	}
	now := s.now().UTC()
	accepted, err := s.Store.CompareAndSetTripStatus(ctx, trip.ID, models.TripPending, storage.TripPatch{
		Status:      models.TripAccepted,
		DriverID:    &driverID,
		FinalAmount: &amount,
		AcceptedAt:  &now,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			observability.TripConflicts.Inc()
			s.Logger.Info("accept lost race", "trip_id", trip.ID, "driver_id", driverID)
		}
		return nil, storeError(trip.ID, err)
	}
	observability.TripsAccepted.Inc()

	msg := protocol.NewOutbound(protocol.TypeTripAccepted, TripAccepted{
		TripID:      accepted.ID,
		DriverID:    driverID,
		Driver:      s.actorInfo(ctx, driverID, models.RoleDriver),
		FinalAmount: amount,
		Status:      accepted.Status,
	})
	s.Sender.ToActor(ctx, accepted.RiderID, msg)
	s.push(ctx, accepted.RiderID, "Trip Accepted", fmt.Sprintf("A captain accepted your trip for %.2f", amount), accepted.ID)

	others := s.otherEligible(ctx, accepted.VehicleType, driverID)
	s.Sender.ToActors(ctx, others, protocol.NewOutbound(protocol.TypeTripTaken, TripRef{TripID: accepted.ID}))

	s.holdFare(ctx, accepted.ID, amount)
	s.publish(ctx, EventAccepted, accepted, driverID)
	s.Logger.Info("trip accepted", "trip_id", accepted.ID, "driver_id", driverID, "final_amount", amount)
	return &msg, nil
}

// UpdateStatus moves a trip along the transition table on behalf of one of
// its participants.
func (s *Service) UpdateStatus(ctx context.Context, actorID string, data protocol.TripStatusData) (*protocol.Outbound, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}
	trip, err := s.Store.GetTrip(ctx, data.TripID)
	if err != nil {
		return nil, storeError(data.TripID, err)
	}
	if !trip.IsParticipant(actorID) {
		s.Logger.Warn("status update from non-participant", "trip_id", trip.ID, "actor_id", actorID)
		e := protocol.Unauthorized("only the trip's rider or driver may update it")
		e.TripID = trip.ID
		return nil, e
	}
	if !CanTransition(trip.Status, data.Status) {
		return nil, &protocol.Error{
			Kind:    protocol.KindValidation,
			Code:    protocol.CodeInvalidTransition,
			Message: fmt.Sprintf("cannot transition from %s to %s", trip.Status, data.Status),
			TripID:  trip.ID,
		}
	}
	if data.Status == models.TripInProgress && trip.DriverID == "" {
		return nil, &protocol.Error{
			Kind:    protocol.KindValidation,
			Code:    protocol.CodeDriverRequired,
			Message: fmt.Sprintf("cannot transition from %s to %s before a driver accepts", trip.Status, data.Status),
			TripID:  trip.ID,
		}
	}

	now := s.now().UTC()
	patch := storage.TripPatch{Status: data.Status}
	switch data.Status {
	case models.TripCompleted:
		patch.CompletedAt = &now
	case models.TripCancelled:
		patch.CancelledAt = &now
		patch.CancelledBy = actorID
		if trip.DriverID != "" {
			none := ""
			patch.DriverID = &none
		}
	}
	updated, err := s.Store.CompareAndSetTripStatus(ctx, trip.ID, trip.Status, patch)
	if err != nil {
		return nil, storeError(trip.ID, err)
	}

	participants := []string{trip.RiderID}
	if trip.DriverID != "" {
		participants = append(participants, trip.DriverID)
	}
	change := StatusChange{TripID: updated.ID, Status: updated.Status, CancelledBy: updated.CancelledBy}
	s.Sender.ToActors(ctx, participants, protocol.NewOutbound(protocol.TypeTripStatusUpdate, change))

	switch updated.Status {
	case models.TripCancelled:
		s.Sender.ToActors(ctx, participants, protocol.NewOutbound(protocol.TypeTripCancelled, change))
		others := s.otherEligible(ctx, updated.VehicleType, participants...)
		s.Sender.ToActors(ctx, others, protocol.NewOutbound(protocol.TypeTripCancelled, TripRef{TripID: updated.ID}))
		if trip.DriverID != "" && s.Announcer != nil {
			s.Announcer.Announce(ctx)
		}
		s.settleFare(ctx, updated.ID, updated.Status, updated.PaymentRef)
	case models.TripCompleted:
		s.settleFare(ctx, updated.ID, updated.Status, updated.PaymentRef)
	}

	for _, id := range participants {
		s.push(ctx, id, "Trip "+string(updated.Status), fmt.Sprintf("Trip %s is now %s", updated.ID, updated.Status), updated.ID)
	}
	s.publish(ctx, EventStatus, updated, actorID)
	s.Logger.Info("trip status updated", "trip_id", updated.ID, "actor_id", actorID, "from", trip.Status, "to", updated.Status)
	return nil, nil
}

// GetTrip returns a trip to one of its participants.
func (s *Service) GetTrip(ctx context.Context, actorID, tripID string) (*models.Trip, error) {
	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, storeError(tripID, err)
	}
	if !trip.IsParticipant(actorID) {
		e := protocol.Unauthorized("not a participant in this trip")
		e.TripID = tripID
		return nil, e
	}
	return trip, nil
}

func (s *Service) rank(ctx context.Context, pickup models.Coord, eligible []models.PresenceEntry) []matcher.Candidate {
	if s.Ranker != nil {
		return s.Ranker.Rank(ctx, pickup, eligible)
	}
	out := make([]matcher.Candidate, len(eligible))
	for i, e := range eligible {
		out[i] = matcher.Candidate{Entry: e}
	}
	return out
}

func (s *Service) otherEligible(ctx context.Context, vehicleType string, exclude ...string) []string {
	eligible, err := s.Presence.ListEligible(ctx, vehicleType)
	if err != nil {
		s.Logger.Warn("list eligible drivers failed", "vehicle_type", vehicleType, "error", err)
		return nil
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	out := make([]string, 0, len(eligible))
	for _, e := range eligible {
		if _, ok := skip[e.ActorID]; !ok {
			out = append(out, e.ActorID)
		}
	}
	return out
}

func (s *Service) actorInfo(ctx context.Context, id string, role models.Role) *ActorInfo {
	if s.Identity == nil {
		return nil
	}
	a, err := s.Identity.FindActorByID(ctx, id, role)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			s.Logger.Warn("actor lookup failed", "actor_id", id, "error", err)
		}
		return nil
	}
	return &ActorInfo{FullName: a.FullName, Phone: a.Phone, Vehicle: a.Vehicle}
}

func (s *Service) push(ctx context.Context, actorID, title, body, tripID string) {
	n := notify.Notification{ActorID: actorID, Title: title, Body: body, Data: map[string]string{"tripId": tripID}}
	s.Background.Go(ctx, "push", func(ctx context.Context) error { return s.Notifier.Notify(ctx, n) })
}

func (s *Service) publish(ctx context.Context, typ string, t *models.Trip, actorID string) {
	if s.Events == nil {
		return
	}
	e := models.TripEvent{
		Type:     typ,
		TripID:   t.ID,
		ActorID:  actorID,
		RiderID:  t.RiderID,
		DriverID: t.DriverID,
		Status:   t.Status,
		Amount:   t.FinalAmount,
		At:       s.now().UTC(),
	}
	s.Background.Go(ctx, "trip-event", func(ctx context.Context) error { return s.Events.PublishTripEvent(ctx, e) })
}

// holdFare places the hold after the accept commits. The ref and a status
// change are ordered by the store: whichever lands second settles the hold,
// so a trip cancelled or completed while Hold is in flight is still
// released or captured exactly once.
func (s *Service) holdFare(ctx context.Context, tripID string, amount float64) {
	if s.Fares == nil {
		return
	}
	s.Background.Must(ctx, "fare-hold", func(ctx context.Context) error {
		ref, err := s.Fares.Hold(ctx, tripID, amount)
		if err != nil {
			return fmt.Errorf("hold fare for %s: %w", tripID, err)
		}
		status, err := s.Store.SetPaymentRef(ctx, tripID, ref)
		if err != nil {
			if rerr := s.Fares.Release(ctx, ref); rerr != nil {
				s.Logger.Error("fare hold orphaned", "trip_id", tripID, "payment_ref", ref, "error", rerr)
			}
			return fmt.Errorf("record fare hold for %s: %w", tripID, err)
		}
		return s.settle(ctx, tripID, status, ref)
	})
}

// settleFare runs for a status change that saw the trip's payment ref. An
// empty ref means the hold has not been recorded yet and holdFare settles it.
func (s *Service) settleFare(ctx context.Context, tripID string, status models.TripStatus, ref string) {
	if s.Fares == nil || ref == "" {
		return
	}
	s.Background.Must(ctx, "fare-settle", func(ctx context.Context) error { return s.settle(ctx, tripID, status, ref) })
}

func (s *Service) settle(ctx context.Context, tripID string, status models.TripStatus, ref string) error {
	switch status {
	case models.TripCancelled:
		if err := s.Fares.Release(ctx, ref); err != nil {
			return fmt.Errorf("release fare for %s: %w", tripID, err)
		}
		s.Logger.Info("fare released", "trip_id", tripID, "payment_ref", ref)
	case models.TripCompleted:
		if err := s.Fares.Capture(ctx, ref); err != nil {
			return fmt.Errorf("capture fare for %s: %w", tripID, err)
		}
		s.Logger.Info("fare captured", "trip_id", tripID, "payment_ref", ref)
	}
	return nil
}

func storeError(tripID string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return protocol.TripNotFound(tripID)
	case errors.Is(err, storage.ErrConflict):
		return protocol.AlreadyHandled(tripID)
	}
	return protocol.Internal(err)
}
