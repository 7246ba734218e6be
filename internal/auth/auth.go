// Package auth guards private newsletters: callers present either a
// static API key or a signed grant naming the slugs they may touch.
package auth

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/subgate/subgate/internal/config"
	"github.com/subgate/subgate/internal/esp"
)

// Authorizer validates credentials against the configured key set and
// grant secret.
type Authorizer struct {
	apiKeys []string
	secret  []byte
	issuer  string
}

func NewAuthorizer(cfg config.Auth) *Authorizer {
	return &Authorizer{
		apiKeys: cfg.APIKeys,
		secret:  []byte(cfg.GrantSecret),
		issuer:  cfg.GrantIssuer,
	}
}

// ValidAPIKey reports whether key is one of the configured static keys.
func (a *Authorizer) ValidAPIKey(key string) bool {
	if key == "" {
		return false
	}
	for _, known := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(known), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// grantClaims is the payload of a signed grant: standard claims plus the
// newsletter slugs the bearer may manage.
type grantClaims struct {
	Newsletters []string `json:"newsletters"`
	jwt.RegisteredClaims
}

// ValidateGrant parses and verifies a signed grant, returning the slugs
// it covers.
func (a *Authorizer) ValidateGrant(tokenString string) ([]string, error) {
	if len(a.secret) == 0 {
		return nil, esp.AuthError("signed grants are not configured")
	}

	claims := &grantClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired(), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return nil, esp.AuthError(fmt.Sprintf("invalid grant: %v", err))
	}
	if !token.Valid {
		return nil, esp.AuthError("invalid grant")
	}
	return claims.Newsletters, nil
}

// Authorize checks a request touching private newsletters. An API key
// covers everything; a grant covers only the slugs it names. secure
// reports whether the request arrived over TLS, which private
// newsletters require.
func (a *Authorizer) Authorize(apiKey, grant string, privateSlugs []string, secure bool) error {
	if len(privateSlugs) == 0 {
		return nil
	}
	if !secure {
		return esp.SSLRequiredError("private newsletters require a secure connection")
	}
	if a.ValidAPIKey(apiKey) {
		return nil
	}
	if grant != "" {
		allowed, err := a.ValidateGrant(grant)
		if err != nil {
			return err
		}
		granted := make(map[string]bool, len(allowed))
		for _, slug := range allowed {
			granted[slug] = true
		}
		for _, slug := range privateSlugs {
			if !granted[slug] {
				return esp.AuthError(fmt.Sprintf("grant does not cover newsletter %q", slug))
			}
		}
		return nil
	}
	return esp.AuthError("private newsletters require an API key or grant")
}
