package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const tripColumns = `id, rider_id, driver_id, origin_address, origin_lat, origin_lng, dest_address, dest_lat, dest_lng,
	vehicle_type, proposed_amount, final_amount, status, cancelled_by, payment_ref, created_at, accepted_at, completed_at, cancelled_at`

// foreign_key_violation
const pqForeignKeyViolation = "23503"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate executes a schema script such as migrations/001_create_trips.sql.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	if _, err := p.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) (*models.Trip, error) {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(id, rider_id, origin_address, origin_lat, origin_lng, dest_address, dest_lat, dest_lng, vehicle_type, proposed_amount, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.RiderID, t.Origin.Address, t.Origin.Coordinates.Lat, t.Origin.Coordinates.Lng,
		t.Destination.Address, t.Destination.Coordinates.Lat, t.Destination.Coordinates.Lng,
		t.VehicleType, t.ProposedAmount, string(t.Status), t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert trip: %w", err)
	}
	c := cloneTrip(t)
	return c, nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select trip: %w", err)
	}
	if t.Messages, err = p.messages(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

// CompareAndSetTripStatus applies patch only while the row still has the
// expected status. The WHERE clause is the cross-process race guard.
func (p *PostgresStore) CompareAndSetTripStatus(ctx context.Context, id string, expected models.TripStatus, patch TripPatch) (*models.Trip, error) {
	args := []any{id, string(expected), string(patch.Status)}
	sets := []string{"status = $3"}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.DriverID != nil {
		set("driver_id", nullString(*patch.DriverID))
	}
	if patch.FinalAmount != nil {
		set("final_amount", *patch.FinalAmount)
	}
	if patch.AcceptedAt != nil {
		set("accepted_at", *patch.AcceptedAt)
	}
	if patch.CompletedAt != nil {
		set("completed_at", *patch.CompletedAt)
	}
	if patch.CancelledAt != nil {
		set("cancelled_at", *patch.CancelledAt)
	}
	if patch.CancelledBy != "" {
		set("cancelled_by", patch.CancelledBy)
	}
	q := `UPDATE trips SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 AND status = $2 RETURNING ` + tripColumns

	t, err := scanTrip(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM trips WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check trip: %w", err)
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update trip status: %w", err)
	}
	if t.Messages, err = p.messages(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) AppendChatEntry(ctx context.Context, id string, e models.ChatEntry) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trip_messages(id, trip_id, sender_id, text, created_at) VALUES($1,$2,$3,$4,$5)`,
		e.ID, id, e.SenderID, e.Text, e.Timestamp)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("insert chat entry: %w", err)
	}
	return nil
}

// SetPaymentRef takes the row lock like CompareAndSetTripStatus, so the
// returned status orders the write against any concurrent status change.
func (p *PostgresStore) SetPaymentRef(ctx context.Context, id, ref string) (models.TripStatus, error) {
	var status string
	err := p.db.QueryRowContext(ctx, `UPDATE trips SET payment_ref = $1 WHERE id = $2 RETURNING status`, ref, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("set payment ref: %w", err)
	}
	return models.TripStatus(status), nil
}

func (p *PostgresStore) messages(ctx context.Context, tripID string) ([]models.ChatEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, sender_id, text, created_at FROM trip_messages WHERE trip_id = $1 ORDER BY seq`, tripID)
	if err != nil {
		return nil, fmt.Errorf("select chat entries: %w", err)
	}
	defer rows.Close()
	var out []models.ChatEntry
	for rows.Next() {
		var e models.ChatEntry
		if err := rows.Scan(&e.ID, &e.SenderID, &e.Text, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var (
		t                                    models.Trip
		status                               string
		driverID, cancelledBy, paymentRef    sql.NullString
		finalAmount                          sql.NullFloat64
		acceptedAt, completedAt, cancelledAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.RiderID, &driverID,
		&t.Origin.Address, &t.Origin.Coordinates.Lat, &t.Origin.Coordinates.Lng,
		&t.Destination.Address, &t.Destination.Coordinates.Lat, &t.Destination.Coordinates.Lng,
		&t.VehicleType, &t.ProposedAmount, &finalAmount, &status, &cancelledBy, &paymentRef,
		&t.CreatedAt, &acceptedAt, &completedAt, &cancelledAt)
	if err != nil {
		return nil, err
	}
	t.Status = models.TripStatus(status)
	t.DriverID = driverID.String
	t.CancelledBy = cancelledBy.String
	t.PaymentRef = paymentRef.String
	if finalAmount.Valid {
		v := finalAmount.Float64
		t.FinalAmount = &v
	}
	t.AcceptedAt = nullTime(acceptedAt)
	t.CompletedAt = nullTime(completedAt)
	t.CancelledAt = nullTime(cancelledAt)
	return &t, nil
}

func nullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
