// Package auth validates the bearer tokens that guard the gateway when a
// JWKS endpoint is configured.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when a request carries no bearer token.
var ErrNoToken = errors.New("no bearer token")

// Claims are the JWT claims accepted by the gateway.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator validates JWTs against a key source.
type JWTValidator struct {
	keyfunc  jwt.Keyfunc
	cancel   context.CancelFunc
	audience string
	issuer   string
}

// NewJWTValidator creates a validator that fetches and refreshes keys from
// the JWKS endpoint in the background until Close is called.
func NewJWTValidator(jwksURL, issuer, audience string) (*JWTValidator, error) {
	ctx, cancel := context.WithCancel(context.Background())

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return &JWTValidator{
		keyfunc:  k.Keyfunc,
		cancel:   cancel,
		audience: audience,
		issuer:   issuer,
	}, nil
}

// NewJWTValidatorWithKeyfunc creates a validator over a caller-supplied key
// lookup, for static keys.
func NewJWTValidatorWithKeyfunc(kf jwt.Keyfunc, issuer, audience string) *JWTValidator {
	return &JWTValidator{keyfunc: kf, audience: audience, issuer: issuer}
}

// Validate parses tokenString and checks its signature, expiry, audience and
// issuer. Empty audience or issuer settings skip that check.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	return claims, nil
}

// GetUserID extracts the user ID from validated claims.
func (v *JWTValidator) GetUserID(claims *Claims) string {
	return claims.Subject
}

// Close stops the background JWKS refresh.
func (v *JWTValidator) Close() {
	if v.cancel != nil {
		v.cancel()
	}
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the token query parameter browsers use for WebSockets.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrNoToken
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrNoToken
}
