package authn

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/eugener/mithril/internal"
)

const tokenTTL = 7 * 24 * time.Hour

// TokenIssuer signs and verifies operator session tokens.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates an issuer with the given HMAC secret.
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// Issue returns a signed token carrying the user id as subject, valid for
// seven days.
func (i *TokenIssuer) Issue(userID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns the user id it was issued to.
// Expired, malformed, or foreign-algorithm tokens fail with ErrUnauthorized.
func (i *TokenIssuer) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return "", gateway.ErrUnauthorized
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", gateway.ErrUnauthorized
	}
	return claims.Subject, nil
}
