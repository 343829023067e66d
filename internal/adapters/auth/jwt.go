// Package auth verifies platform-issued bearer credentials.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mstegen/relay/internal/core"
	"github.com/mstegen/relay/internal/domain"
)

// JWT verifies tokens signed by the platform's auth service with the shared
// HS256 secret. The gateway never issues end-user tokens itself; Sign exists
// for tests and local tooling.
type JWT struct {
	secret []byte
}

func New(secret string) *JWT { return &JWT{secret: []byte(secret)} }

// Verify checks the token and resolves the connection's identity. A token
// whose account is marked inactive is rejected the same as a bad signature.
func (j *JWT) Verify(tok string) (domain.Identity, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", core.ErrInvalidCredential, err)
	}

	uid, _ := claims["sub"].(string)
	if uid == "" {
		return domain.Identity{}, fmt.Errorf("%w: no sub claim", core.ErrInvalidCredential)
	}
	if active, ok := claims["active"].(bool); ok && !active {
		return domain.Identity{}, fmt.Errorf("%w: account inactive", core.ErrInvalidCredential)
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = uid
	}
	return domain.Identity{UserID: domain.UserID(uid), Username: name}, nil
}

// Sign creates a token for an identity with the given TTL.
func (j *JWT) Sign(id domain.Identity, active bool, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":    string(id.UserID),
		"name":   id.Username,
		"active": active,
		"iat":    time.Now().Unix(),
		"exp":    time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}
