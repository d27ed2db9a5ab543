// Package auth is the narrow interface to the platform's identity system:
// resolve a bearer credential to an actor, and resolve whether that actor
// is a registered driver with a live subscription. Account CRUD and token
// issuance live elsewhere.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Identity is a resolved actor. DriverID is empty for plain passengers.
type Identity struct {
	UserID             string
	DriverID           string
	SubscriptionActive bool
	Admin              bool
}

func (id Identity) IsDriver() bool { return id.DriverID != "" }

// DriverInfo is the slice of a driver profile shown to a matched passenger.
type DriverInfo struct {
	DriverID string `json:"driver_id" bson:"_id"`
	UserID   string `json:"-" bson:"user_id"`
	Name     string `json:"name" bson:"name"`
	Phone    string `json:"phone" bson:"phone"`
	Vehicle  string `json:"vehicle" bson:"vehicle"`
}

// Directory resolves driver registration and subscription state.
type Directory interface {
	// DriverByUser returns the driver profile registered for the user, if any.
	DriverByUser(ctx context.Context, userID string) (DriverInfo, bool, error)
	DriverInfo(ctx context.Context, driverID string) (DriverInfo, error)
	SubscriptionActive(ctx context.Context, driverID string) (bool, error)
}

// Verifier resolves a bearer credential to an identity.
type Verifier interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

type claims struct {
	Active bool `json:"active"`
	Admin  bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 bearer tokens and enriches the identity
// from the driver directory.
type JWTVerifier struct {
	secret    []byte
	directory Directory
}

func NewJWTVerifier(secret []byte, directory Directory) *JWTVerifier {
	return &JWTVerifier{secret: secret, directory: directory}
}

func (v *JWTVerifier) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrUnauthorized
	}
	if c.Subject == "" || !c.Active {
		return Identity{}, ErrUnauthorized
	}

	id := Identity{UserID: c.Subject, Admin: c.Admin}
	info, isDriver, err := v.directory.DriverByUser(ctx, c.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve driver: %w", err)
	}
	if isDriver {
		id.DriverID = info.DriverID
		active, err := v.directory.SubscriptionActive(ctx, info.DriverID)
		if err != nil {
			return Identity{}, fmt.Errorf("resolve subscription: %w", err)
		}
		id.SubscriptionActive = active
	}
	return id, nil
}
