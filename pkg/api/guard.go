package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ansible/content-repository/pkg/repository"
)

// errGuardDenied is returned when a guarded download carries no valid token.
var errGuardDenied = errors.New("content guard denied access")

// signPath returns a validate_token for path, valid for ttl.
func signPath(g *repository.ContentGuard, path string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   path,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(g.Secret))
}

// verifyPath checks that token was issued by g for path and has not expired.
func verifyPath(g *repository.ContentGuard, path, token string) error {
	if token == "" {
		return fmt.Errorf("%w: missing validate_token", errGuardDenied)
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(g.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %v", errGuardDenied, err)
	}
	if claims.Subject != path {
		return fmt.Errorf("%w: token was issued for another path", errGuardDenied)
	}
	return nil
}
