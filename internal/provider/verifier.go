package provider

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier verifies HS256 bearer tokens locally. The relay treats token
// verification as an external concern; this implementation stands in when
// the platform issues tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the given shared secret.
//
// Precondition: secret must be non-empty.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

type identityClaims struct {
	Identifier  string `json:"identifier"`
	AccessToken string `json:"accessToken,omitempty"`
	jwt.RegisteredClaims
}

// Verify parses and validates the token and extracts the asserted identity.
// Malformed or expired tokens map to ErrTokenInvalid; a valid token missing
// an identifier maps to ErrAccessRefused.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	var claims identityClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if claims.Identifier == "" {
		return Identity{}, fmt.Errorf("%w: token carries no identifier", ErrAccessRefused)
	}
	return Identity{UserID: claims.Identifier, AccessToken: claims.AccessToken}, nil
}
