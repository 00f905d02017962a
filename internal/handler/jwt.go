package handler

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned by JWTService.ValidateToken for any token
// that is missing, malformed, expired, or signed with the wrong key. The
// core never distinguishes these cases further (spec.md §9: auth is a
// single resolveUid(token) -> uid | Unauthenticated interface).
var ErrUnauthenticated = errors.New("unauthenticated")

// defaultTokenTTL bounds tokens minted by GenerateToken (used by tooling
// and tests, not by the request path itself).
const defaultTokenTTL = 24 * time.Hour

// JWTService resolves the opaque uid carried in a bearer token's Subject
// claim. It never base64-decodes a token itself or otherwise falls back
// to parsing an unsigned payload.
type JWTService struct {
	secret []byte
}

// NewJWTService creates a JWTService backed by an HMAC secret.
func NewJWTService(secret string) *JWTService {
	return &JWTService{secret: []byte(secret)}
}

// ValidateToken verifies the token's signature and expiry and returns the
// uid carried in its Subject claim.
func (j *JWTService) ValidateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method)
		}
		return j.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrUnauthenticated
	}
	if claims.Subject == "" {
		return "", ErrUnauthenticated
	}
	return claims.Subject, nil
}

// GenerateToken mints a token for uid, valid for ttl (or defaultTokenTTL
// when ttl is zero). Used by setup tooling and integration tests, not by
// any request-serving code path.
func (j *JWTService) GenerateToken(uid string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   uid,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}
