package beacon

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)

	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func TestJWTVerifier(t *testing.T) {
	ctx := context.Background()

	secret := []byte("test-secret")

	verifier := NewJWTVerifier(secret, "")

	t.Run("valid token resolves the principal", func(t *testing.T) {
		token := signToken(t, secret, jwt.MapClaims{
			"sub":    "user1",
			"org":    "acme",
			"active": true,
			"exp":    time.Now().Add(time.Hour).Unix(),
		})
		principal, err := verifier.Verify(ctx, token)

		if err != nil {
			t.Fatalf("expected valid token to verify, got %v", err)
		}
		if principal.Identity != "user1" {
			t.Errorf("expected identity user1, got %s", principal.Identity)
		}
		if principal.OrganizationID != "acme" {
			t.Errorf("expected organization acme, got %s", principal.OrganizationID)
		}
		if !principal.Active {
			t.Error("expected principal to be active")
		}
	})

	t.Run("missing active claim defaults to active", func(t *testing.T) {
		token := signToken(t, secret, jwt.MapClaims{"sub": "user1"})

		principal, err := verifier.Verify(ctx, token)

		if err != nil {
			t.Fatalf("expected token to verify, got %v", err)
		}
		if !principal.Active {
			t.Error("expected missing active claim to default true")
		}
	})

	t.Run("suspended principal is carried through", func(t *testing.T) {
		token := signToken(t, secret, jwt.MapClaims{"sub": "user1", "active": false})

		principal, err := verifier.Verify(ctx, token)

		if err != nil {
			t.Fatalf("expected token to verify, got %v", err)
		}
		if principal.Active {
			t.Error("expected principal to be inactive")
		}
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		token := signToken(t, []byte("other-secret"), jwt.MapClaims{"sub": "user1"})

		if _, err := verifier.Verify(ctx, token); err == nil {
			t.Error("expected token signed with a different secret to fail")
		}
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		token := signToken(t, secret, jwt.MapClaims{
			"sub": "user1",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})
		if _, err := verifier.Verify(ctx, token); err == nil {
			t.Error("expected expired token to fail")
		}
	})

	t.Run("token without subject is rejected", func(t *testing.T) {
		token := signToken(t, secret, jwt.MapClaims{"org": "acme"})

		if _, err := verifier.Verify(ctx, token); err == nil {
			t.Error("expected token without subject to fail")
		}
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		if _, err := verifier.Verify(ctx, "not-a-token"); err == nil {
			t.Error("expected garbage token to fail")
		}
	})
}

func TestJWTVerifierIssuer(t *testing.T) {
	ctx := context.Background()

	secret := []byte("test-secret")

	verifier := NewJWTVerifier(secret, "beacon-auth")

	t.Run("matching issuer verifies", func(t *testing.T) {
		token := signToken(t, secret, jwt.MapClaims{"sub": "user1", "iss": "beacon-auth"})

		if _, err := verifier.Verify(ctx, token); err != nil {
			t.Errorf("expected matching issuer to verify, got %v", err)
		}
	})

	t.Run("wrong issuer is rejected", func(t *testing.T) {
		token := signToken(t, secret, jwt.MapClaims{"sub": "user1", "iss": "someone-else"})

		if _, err := verifier.Verify(ctx, token); err == nil {
			t.Error("expected issuer mismatch to fail")
		}
	})

	t.Run("missing issuer is rejected", func(t *testing.T) {
		token := signToken(t, secret, jwt.MapClaims{"sub": "user1"})

		if _, err := verifier.Verify(ctx, token); err == nil {
			t.Error("expected missing issuer to fail")
		}
	})
}
