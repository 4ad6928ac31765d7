// Package auth turns bearer tokens into engine callers.
//
// Tokens are HS256 JWTs carrying the account id in "sub" and the role in
// "role". Issuing tokens for real users belongs to an identity service;
// Issue exists for tests and local tooling.
package auth

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/warp/lesson-engine/engine"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Sub  string `json:"sub"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for caller valid for ttl.
func (i *Issuer) Issue(caller engine.Caller, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		Sub:  string(caller.ID),
		Role: string(caller.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Parse validates tokenStr and returns the caller it names.
func (i *Issuer) Parse(tokenStr string) (engine.Caller, error) {
	t, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return engine.Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := t.Claims.(*Claims)
	if !ok || !t.Valid {
		return engine.Caller{}, ErrInvalidToken
	}

	caller := engine.Caller{ID: engine.AccountID(c.Sub), Role: engine.Role(c.Role)}
	if caller.ID == "" || !caller.Role.Valid() {
		return engine.Caller{}, fmt.Errorf("%w: missing subject or unknown role", ErrInvalidToken)
	}
	return caller, nil
}
