// This file contains the JWT-backed CredentialVerifier. Token issuance lives
// elsewhere in the platform; the gateway only validates what it is handed.
package beacon

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier validates HMAC-signed tokens carrying the connecting
// principal. Expected claims: "sub" (identity), "org" (organization id),
// "active" (account status). Standard expiry and not-before claims are
// enforced by the parser.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier for tokens signed with the given HMAC
// secret. If issuer is non-empty, the token's "iss" claim must match it.
func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{
		secret: secret,
		issuer: issuer,
	}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	select {
	case <-ctx.Done():
		return Principal{}, wrapF(ctx.Err(), "credential verification cancelled")
	default:
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}

	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := jwt.MapClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)

	if err != nil {
		return Principal{}, unauthorized(string(gatewayEntity), "Invalid credential").withDetails(err.Error())
	}
	if !parsed.Valid {
		return Principal{}, unauthorized(string(gatewayEntity), "Invalid credential")
	}
	identity, _ := claims["sub"].(string)

	if identity == "" {
		return Principal{}, unauthorized(string(gatewayEntity), "Credential carries no subject")
	}
	orgID, _ := claims["org"].(string)

	active, ok := claims["active"].(bool)

	if !ok {
		active = true
	}
	return Principal{
		Identity:       identity,
		OrganizationID: orgID,
		Active:         active,
	}, nil
}
