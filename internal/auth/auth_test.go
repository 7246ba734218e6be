package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/subgate/subgate/internal/config"
	"github.com/subgate/subgate/internal/esp"
)

func testAuthorizer() *Authorizer {
	return NewAuthorizer(config.Auth{
		APIKeys:     []string{"key-one", "key-two"},
		GrantSecret: "grant-secret",
		GrantIssuer: "subgate-test",
	})
}

func signGrant(t *testing.T, secret, issuer string, newsletters []string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":         issuer,
		"exp":         time.Now().Add(ttl).Unix(),
		"newsletters": newsletters,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing grant: %v", err)
	}
	return signed
}

func TestValidAPIKey(t *testing.T) {
	a := testAuthorizer()
	if !a.ValidAPIKey("key-two") {
		t.Error("configured key rejected")
	}
	if a.ValidAPIKey("wrong") || a.ValidAPIKey("") {
		t.Error("unknown or empty key accepted")
	}
}

func TestValidateGrant(t *testing.T) {
	a := testAuthorizer()

	good := signGrant(t, "grant-secret", "subgate-test", []string{"insiders"}, time.Hour)
	slugs, err := a.ValidateGrant(good)
	if err != nil {
		t.Fatalf("ValidateGrant() error = %v", err)
	}
	if len(slugs) != 1 || slugs[0] != "insiders" {
		t.Errorf("slugs = %v", slugs)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", signGrant(t, "other-secret", "subgate-test", nil, time.Hour)},
		{"wrong issuer", signGrant(t, "grant-secret", "someone-else", nil, time.Hour)},
		{"expired", signGrant(t, "grant-secret", "subgate-test", nil, -2*time.Minute)},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.ValidateGrant(tt.token); err == nil {
				t.Error("ValidateGrant() accepted the token")
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	a := testAuthorizer()
	private := []string{"insiders"}
	grant := signGrant(t, "grant-secret", "subgate-test", []string{"insiders"}, time.Hour)
	narrow := signGrant(t, "grant-secret", "subgate-test", []string{"other-list"}, time.Hour)

	tests := []struct {
		name     string
		apiKey   string
		grant    string
		slugs    []string
		secure   bool
		wantCode esp.Code
	}{
		{"public newsletters need nothing", "", "", nil, false, ""},
		{"api key over tls", "key-one", "", private, true, ""},
		{"grant covering the slug", "", grant, private, true, ""},
		{"plain http rejected", "key-one", "", private, false, esp.CodeSSLRequired},
		{"no credential", "", "", private, true, esp.CodeAuth},
		{"grant missing the slug", "", narrow, private, true, esp.CodeAuth},
		{"bad api key", "wrong", "", private, true, esp.CodeAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Authorize(tt.apiKey, tt.grant, tt.slugs, tt.secure)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Authorize() error = %v", err)
				}
				return
			}
			if esp.CodeOf(err) != tt.wantCode {
				t.Errorf("code = %s, want %s", esp.CodeOf(err), tt.wantCode)
			}
		})
	}
}
