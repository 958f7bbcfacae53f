package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresResolver reads actors from the actors table.
type PostgresResolver struct {
	db *sql.DB
}

func NewPostgresResolver(db *sql.DB) *PostgresResolver { return &PostgresResolver{db: db} }

func (p *PostgresResolver) FindActorByID(ctx context.Context, id string, role models.Role) (*models.Actor, error) {
	var (
		a                     models.Actor
		roleStr, status       string
		vType, vPlate, vColor sql.NullString
		vCapacity             sql.NullInt64
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, role, first_name, last_name, phone, vehicle_type, vehicle_capacity, vehicle_plate, vehicle_color, status
		FROM actors WHERE id = $1 AND role = $2`, id, string(role)).
		Scan(&a.ID, &roleStr, &a.FullName.First, &a.FullName.Last, &a.Phone, &vType, &vCapacity, &vPlate, &vColor, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select actor: %w", err)
	}
	a.Role = models.Role(roleStr)
	a.Status = models.DriverStatus(status)
	if vType.Valid {
		a.Vehicle = &models.Vehicle{Type: vType.String, Capacity: int(vCapacity.Int64), Plate: vPlate.String, Color: vColor.String}
	}
	return &a, nil
}
