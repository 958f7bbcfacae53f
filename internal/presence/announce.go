package presence

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
)

// RoleSender delivers a message to every connected actor with a role.
type RoleSender interface {
	ToRole(ctx context.Context, role models.Role, msg protocol.Outbound)
}

// Announcer pushes the active driver set to riders so their maps stay current.
type Announcer struct {
	dir    Directory
	sender RoleSender
	logger *slog.Logger
}

func NewAnnouncer(dir Directory, sender RoleSender, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{dir: dir, sender: sender, logger: logger}
}

// Active returns the drivers currently accepting trips.
func (a *Announcer) Active(ctx context.Context) ([]models.PresenceEntry, error) {
	snap, err := a.dir.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]models.PresenceEntry, 0, len(snap))
	for _, e := range snap {
		if e.Status == models.DriverActive {
			active = append(active, e)
		}
	}
	return active, nil
}

// Announce sends the active driver set to every connected rider.
func (a *Announcer) Announce(ctx context.Context) {
	active, err := a.Active(ctx)
	if err != nil {
		a.logger.Warn("presence snapshot failed", "error", err)
		return
	}
	observability.DriversOnline.Set(float64(len(active)))
	a.sender.ToRole(ctx, models.RoleRider, protocol.NewOutbound(protocol.TypeActiveCaptains, active))
}
