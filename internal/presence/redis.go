package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const scanBatch = 200

// RedisDirectory implements Directory on top of Redis string keys with
// expiry, one key per driver, so every process sees the same set and silent
// crashes age out after the TTL.
type RedisDirectory struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisDirectory(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDirectory {
	if prefix == "" {
		prefix = "presence:driver:"
	}
	return &RedisDirectory{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (r *RedisDirectory) key(id string) string { return r.prefix + id }

func (r *RedisDirectory) MarkAvailable(ctx context.Context, driverID string, vehicle models.Vehicle, loc *models.Coord) error {
	e := models.PresenceEntry{ActorID: driverID, Location: loc, Vehicle: vehicle, Status: models.DriverActive, UpdatedAt: r.now().UTC()}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(driverID), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("presence set %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisDirectory) UpdateLocation(ctx context.Context, driverID string, loc models.Coord) (bool, error) {
	return r.mutate(ctx, driverID, func(e *models.PresenceEntry) { e.Location = &loc })
}

func (r *RedisDirectory) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) (bool, error) {
	return r.mutate(ctx, driverID, func(e *models.PresenceEntry) { e.Status = status })
}

// mutate is read-modify-write with SET XX so a concurrent Remove is never
// resurrected. Concurrent writers are last-writer-wins.
func (r *RedisDirectory) mutate(ctx context.Context, driverID string, fn func(*models.PresenceEntry)) (bool, error) {
	raw, err := r.client.Get(ctx, r.key(driverID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence get %s: %w", driverID, err)
	}
	var e models.PresenceEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return false, fmt.Errorf("presence decode %s: %w", driverID, err)
	}
	fn(&e)
	e.UpdatedAt = r.now().UTC()
	b, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	ok, err := r.client.SetXX(ctx, r.key(driverID), b, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("presence update %s: %w", driverID, err)
	}
	return ok, nil
}

func (r *RedisDirectory) Touch(ctx context.Context, driverID string) error {
	return r.client.Expire(ctx, r.key(driverID), r.ttl).Err()
}

func (r *RedisDirectory) Remove(ctx context.Context, driverID string) error {
	return r.client.Del(ctx, r.key(driverID)).Err()
}

func (r *RedisDirectory) Snapshot(ctx context.Context) ([]models.PresenceEntry, error) {
	var (
		cursor uint64
		out    []models.PresenceEntry
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("presence scan: %w", err)
		}
		if len(keys) > 0 {
			vals, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("presence mget: %w", err)
			}
			for _, v := range vals {
				s, ok := v.(string)
				if !ok {
					continue // expired between SCAN and MGET
				}
				var e models.PresenceEntry
				if err := json.Unmarshal([]byte(s), &e); err != nil {
					continue
				}
				out = append(out, e)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sortByID(out)
	return out, nil
}

func (r *RedisDirectory) ListEligible(ctx context.Context, vehicleType string) ([]models.PresenceEntry, error) {
	all, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return filterEligible(all, vehicleType), nil
}
