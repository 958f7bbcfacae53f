package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("trip not found")
	// ErrConflict means the trip was not in the expected status.
	ErrConflict = errors.New("trip status conflict")
)

// TripPatch lists the fields a status transition may write alongside the new status.
type TripPatch struct {
	Status      models.TripStatus
	DriverID    *string // "" clears the driver
	FinalAmount *float64
	AcceptedAt  *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
	CancelledBy string
}

// TripStore is the durable source of truth for trips. CompareAndSetTripStatus
// is the only way a trip changes status and is atomic across processes.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) (*models.Trip, error)
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	CompareAndSetTripStatus(ctx context.Context, id string, expected models.TripStatus, patch TripPatch) (*models.Trip, error)
	AppendChatEntry(ctx context.Context, id string, entry models.ChatEntry) error
	// SetPaymentRef records the fare hold and returns the trip's status at
	// the moment the ref was written, so a caller racing a cancel or
	// completion knows whether it must settle the hold itself.
	SetPaymentRef(ctx context.Context, id, ref string) (models.TripStatus, error)
}

// MemoryStore keeps trips in process memory; the mutex stands in for the
// database's row-level atomicity.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip)}
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.trips[t.ID]; exists {
		return nil, errors.New("trip already exists: " + t.ID)
	}
	c := cloneTrip(t)
	m.trips[t.ID] = c
	return cloneTrip(c), nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTrip(t), nil
}

func (m *MemoryStore) CompareAndSetTripStatus(_ context.Context, id string, expected models.TripStatus, patch TripPatch) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != expected {
		return nil, ErrConflict
	}
	applyPatch(t, patch)
	return cloneTrip(t), nil
}

func (m *MemoryStore) AppendChatEntry(_ context.Context, id string, entry models.ChatEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return ErrNotFound
	}
	t.Messages = append(t.Messages, entry)
	return nil
}

func (m *MemoryStore) SetPaymentRef(_ context.Context, id, ref string) (models.TripStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return "", ErrNotFound
	}
	t.PaymentRef = ref
	return t.Status, nil
}

func applyPatch(t *models.Trip, p TripPatch) {
	t.Status = p.Status
	if p.DriverID != nil {
		t.DriverID = *p.DriverID
	}
	if p.FinalAmount != nil {
		v := *p.FinalAmount
		t.FinalAmount = &v
	}
	if p.AcceptedAt != nil {
		t.AcceptedAt = cloneTime(p.AcceptedAt)
	}
	if p.CompletedAt != nil {
		t.CompletedAt = cloneTime(p.CompletedAt)
	}
	if p.CancelledAt != nil {
		t.CancelledAt = cloneTime(p.CancelledAt)
	}
	if p.CancelledBy != "" {
		t.CancelledBy = p.CancelledBy
	}
}

func cloneTrip(t *models.Trip) *models.Trip {
	c := *t
	c.Messages = append([]models.ChatEntry(nil), t.Messages...)
	if t.FinalAmount != nil {
		v := *t.FinalAmount
		c.FinalAmount = &v
	}
	c.AcceptedAt = cloneTime(t.AcceptedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
