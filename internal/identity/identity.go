// Package identity verifies connection credentials and resolves the actor
// behind them.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound     = errors.New("actor not found")
	ErrInvalidToken = errors.New("invalid token")
)

type Claims struct {
	ActorID string
	Role    models.Role
}

type Authenticator interface {
	Verify(token string) (Claims, error)
}

type Resolver interface {
	FindActorByID(ctx context.Context, id string, role models.Role) (*models.Actor, error)
}

// JWTAuthenticator validates HS256 bearer tokens. The actor id is read from
// "_id", "id" or "sub", in that order.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

func (a *JWTAuthenticator) Verify(token string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) { return a.secret, nil }, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	var c Claims
	for _, k := range []string{"_id", "id", "sub"} {
		if v, ok := mc[k].(string); ok && v != "" {
			c.ActorID = v
			break
		}
	}
	if c.ActorID == "" {
		return Claims{}, fmt.Errorf("%w: missing actor id", ErrInvalidToken)
	}
	roleClaim, _ := mc["role"].(string)
	role, ok := models.ParseRole(roleClaim)
	if !ok {
		return Claims{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, roleClaim)
	}
	c.Role = role
	return c, nil
}

// Issue signs a token for actorID. Used by tooling and tests.
func (a *JWTAuthenticator) Issue(actorID string, role models.Role, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"_id":  actorID,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if a.issuer != "" {
		claims["iss"] = a.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// MemoryResolver is an in-process actor directory.
type MemoryResolver struct {
	mu     sync.RWMutex
	actors map[string]models.Actor
}

func NewMemoryResolver(actors ...models.Actor) *MemoryResolver {
	m := &MemoryResolver{actors: make(map[string]models.Actor)}
	for _, a := range actors {
		m.Put(a)
	}
	return m
}

func (m *MemoryResolver) Put(a models.Actor) {
	m.mu.Lock()
	m.actors[a.ID] = a
	m.mu.Unlock()
}

func (m *MemoryResolver) FindActorByID(_ context.Context, id string, role models.Role) (*models.Actor, error) {
	m.mu.RLock()
	a, ok := m.actors[id]
	m.mu.RUnlock()
	if !ok || a.Role != role {
		return nil, ErrNotFound
	}
	if a.Vehicle != nil {
		v := *a.Vehicle
		a.Vehicle = &v
	}
	return &a, nil
}

// LoadActors decodes a JSON array of actors, as used to seed a
// MemoryResolver for local runs.
func LoadActors(r io.Reader) ([]models.Actor, error) {
	var actors []models.Actor
	if err := json.NewDecoder(r).Decode(&actors); err != nil {
		return nil, fmt.Errorf("decode actors: %w", err)
	}
	for i, a := range actors {
		if a.ID == "" {
			return nil, fmt.Errorf("actor %d: missing id", i)
		}
		if a.Role != models.RoleDriver && a.Role != models.RoleRider {
			return nil, fmt.Errorf("actor %s: unknown role %q", a.ID, a.Role)
		}
	}
	return actors, nil
}
