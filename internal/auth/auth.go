// Package auth resolves the calling user from an API key or an HS256
// session token.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/poseylabs/posey/internal/config"
)

// ErrUnauthorized is returned for missing or invalid credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator checks bearer credentials. With no API keys and no JWT
// secret configured every request maps to the anonymous user.
type Authenticator struct {
	apiKeys   map[string]string
	secret    []byte
	issuer    string
	anonymous string
	now       func() time.Time
}

// New builds an Authenticator from config.
func New(cfg config.AuthConfig) *Authenticator {
	a := &Authenticator{
		apiKeys:   make(map[string]string, len(cfg.APIKeys)),
		issuer:    cfg.JWTIssuer,
		anonymous: cfg.Anonymous(),
		now:       time.Now,
	}
	for k, v := range cfg.APIKeys {
		a.apiKeys[k] = v
	}
	if cfg.JWTSecret != "" {
		a.secret = []byte(cfg.JWTSecret)
	}
	return a
}

// Enabled reports whether credentials are required.
func (a *Authenticator) Enabled() bool {
	return len(a.apiKeys) > 0 || len(a.secret) > 0
}

// Authenticate maps a bearer credential to a user ID. API keys are
// compared in constant time; anything else is parsed as a JWT.
func (a *Authenticator) Authenticate(credential string) (string, error) {
	if !a.Enabled() {
		return a.anonymous, nil
	}
	if credential == "" {
		return "", fmt.Errorf("%w: missing credentials", ErrUnauthorized)
	}

	userID := ""
	for key, uid := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(credential), []byte(key)) == 1 {
			userID = uid
		}
	}
	if userID != "" {
		return userID, nil
	}

	if len(a.secret) == 0 {
		return "", fmt.Errorf("%w: invalid API key", ErrUnauthorized)
	}
	return a.parseToken(credential)
}

// FromRequest reads the credential from the Authorization header, falling
// back to the "token" query parameter for browser WebSocket clients.
func (a *Authenticator) FromRequest(r *http.Request) (string, error) {
	return a.Credential(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
}

// Credential authenticates an Authorization header value, or token when
// the header is empty.
func (a *Authenticator) Credential(header, token string) (string, error) {
	cred := token
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", fmt.Errorf("%w: malformed Authorization header", ErrUnauthorized)
		}
		cred = strings.TrimPrefix(header, "Bearer ")
	}
	return a.Authenticate(strings.TrimSpace(cred))
}

// IssueToken signs a session token for userID valid for ttl.
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("no JWT secret configured")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parseToken(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}
