package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret []byte, subject string, active, admin bool) string {
	t.Helper()
	c := claims{
		Active: active,
		Admin:  admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestResolvePassenger(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTVerifier(secret, NewMemoryDirectory())

	id, err := v.Resolve(context.Background(), signToken(t, secret, "u1", true, false))
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "u1" || id.IsDriver() || id.Admin {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestResolveDriver(t *testing.T) {
	secret := []byte("test-secret")
	dir := NewMemoryDirectory()
	dir.AddDriver(DriverInfo{DriverID: "d1", UserID: "u1", Name: "Ada"}, true)
	v := NewJWTVerifier(secret, dir)

	id, err := v.Resolve(context.Background(), signToken(t, secret, "u1", true, false))
	if err != nil {
		t.Fatal(err)
	}
	if id.DriverID != "d1" || !id.SubscriptionActive {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestResolveRejections(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTVerifier(secret, NewMemoryDirectory())
	ctx := context.Background()

	cases := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage", "not.a.token"},
		{"wrong key", signToken(t, []byte("other"), "u1", true, false)},
		{"inactive account", signToken(t, secret, "u1", false, false)},
		{"missing subject", signToken(t, secret, "", true, false)},
	}
	for _, tc := range cases {
		if _, err := v.Resolve(ctx, tc.token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", tc.name, err)
		}
	}
}

func TestResolveExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTVerifier(secret, NewMemoryDirectory())

	c := claims{
		Active: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Resolve(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
